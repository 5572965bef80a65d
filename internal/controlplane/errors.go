package controlplane

import (
	"errors"
	"net/http"

	"github.com/haloruntime/halo/internal/runengine"
)

// ErrInvalidEscalationResponse is returned when a respond-to-escalation
// request carries neither a choice nor free text.
var ErrInvalidEscalationResponse = errors.New("escalation response requires a choice or text")

// statusFor maps a domain error's runengine.Kind onto an HTTP status. Any
// error that isn't a *runengine.Error (a store failure, a JSON decode
// error) falls through to 500 — this layer never guesses at the cause of
// an error it doesn't recognize.
func statusFor(err error) int {
	var domainErr *runengine.Error
	if errors.As(err, &domainErr) {
		switch domainErr.Kind {
		case runengine.KindAppNotFound, runengine.KindEscalationNotFound:
			return http.StatusNotFound
		case runengine.KindAppAlreadyInstalled:
			return http.StatusConflict
		case runengine.KindInvalidStatusTransition, runengine.KindNoSubscriptions:
			return http.StatusBadRequest
		case runengine.KindAppNotRunnable:
			return http.StatusConflict
		case runengine.KindConcurrencyLimit:
			return http.StatusTooManyRequests
		}
	}
	if errors.Is(err, ErrInvalidEscalationResponse) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

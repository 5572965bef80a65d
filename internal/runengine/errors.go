package runengine

import "fmt"

// Kind is a stable tag on every domain error the run engine returns, so
// callers (the control plane's HTTP layer, in particular) can map errors to
// response codes without string matching.
type Kind string

const (
	KindAppNotFound           Kind = "app_not_found"
	KindAppAlreadyInstalled   Kind = "app_already_installed"
	KindInvalidStatusTransition Kind = "invalid_status_transition"
	KindAppNotRunnable        Kind = "app_not_runnable"
	KindConcurrencyLimit      Kind = "concurrency_limit"
	KindEscalationNotFound    Kind = "escalation_not_found"
	KindNoSubscriptions       Kind = "no_subscriptions"
)

// Error is a domain error carrying a stable Kind alongside a human message.
type Error struct {
	Kind    Kind
	Message string

	// PerApp is set on KindConcurrencyLimit to distinguish a per-app busy
	// rejection from a global-semaphore rejection.
	PerApp bool
}

func (e *Error) Error() string { return e.Message }

func errAppNotFound(appID string) error {
	return &Error{Kind: KindAppNotFound, Message: fmt.Sprintf("app %s not found", appID)}
}

func errAppAlreadyInstalled(specID, spaceID string) error {
	return &Error{Kind: KindAppAlreadyInstalled, Message: fmt.Sprintf("app %s already installed in space %s", specID, spaceID)}
}

func errInvalidStatusTransition(from, to string) error {
	return &Error{Kind: KindInvalidStatusTransition, Message: fmt.Sprintf("cannot transition app from %s to %s", from, to)}
}

func errAppNotRunnable(status string) error {
	return &Error{Kind: KindAppNotRunnable, Message: fmt.Sprintf("app is not runnable in status %s", status)}
}

func errConcurrencyLimit(perApp bool) error {
	msg := "global concurrency limit reached"
	if perApp {
		msg = "app is busy"
	}
	return &Error{Kind: KindConcurrencyLimit, Message: msg, PerApp: perApp}
}

func errEscalationNotFound(appID, entryID string) error {
	return &Error{Kind: KindEscalationNotFound, Message: fmt.Sprintf("no pending escalation %s for app %s", entryID, appID)}
}

func errNoSubscriptions(appID string) error {
	return &Error{Kind: KindNoSubscriptions, Message: fmt.Sprintf("app %s has no subscriptions to activate", appID)}
}

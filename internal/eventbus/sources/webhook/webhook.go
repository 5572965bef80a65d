// Package webhook is an event-bus source adapter that mounts an inbound
// POST endpoint on an externally provided chi router and turns verified
// requests into bus events.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/haloruntime/halo/internal/eventbus"
	"github.com/haloruntime/halo/internal/models"
	"go.uber.org/zap"
)

// SourceID identifies this adapter in the bus's source registry.
const SourceID = "webhook"

// MaxBodyBytes bounds an inbound webhook body; larger bodies are rejected
// with 413, and the handler never reads more than one byte past this limit.
const MaxBodyBytes = 256 * 1024

var signatureHeaders = []string{"X-Hub-Signature-256", "X-Signature-256", "X-Webhook-Signature"}

// SecretResolver returns the shared secret registered for a hook path, or
// ("", false) if the path requires no signature verification.
type SecretResolver func(path string) (string, bool)

// Source mounts POST /hooks/{path} on router and emits a webhook.received
// event for each accepted request, acknowledging 200 immediately once the
// request is accepted into the pipeline.
type Source struct {
	router  chi.Router
	secrets SecretResolver
	log     *zap.SugaredLogger
	emit    eventbus.EmitFunc
}

// New creates a webhook source. secrets may be nil, meaning no path ever
// requires signature verification.
func New(router chi.Router, secrets SecretResolver, logger *zap.SugaredLogger) *Source {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if secrets == nil {
		secrets = func(string) (string, bool) { return "", false }
	}
	return &Source{router: router, secrets: secrets, log: logger}
}

func (s *Source) ID() string   { return SourceID }
func (s *Source) Type() string { return "webhook" }

// Start mounts the hook route. The router must already be serving HTTP
// traffic; Start itself does not listen.
func (s *Source) Start(emit eventbus.EmitFunc) error {
	s.emit = emit
	s.router.Post("/hooks/*", s.handle)
	return nil
}

// Stop is a no-op: chi has no unmount primitive, and the daemon's HTTP
// server is torn down independently on shutdown.
func (s *Source) Stop() error {
	return nil
}

func (s *Source) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(chi.URLParam(r, "*"), "/")

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes+1)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(raw) > MaxBodyBytes {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	secret, required := s.secrets(path)
	if required {
		if len(raw) == 0 {
			http.Error(w, "missing body for signed webhook", http.StatusBadRequest)
			return
		}
		if !verifySignature(r, raw, secret) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var body map[string]interface{}
	_ = json.Unmarshal(raw, &body)

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	query := make(map[string]string)
	for k := range r.URL.Query() {
		query[k] = r.URL.Query().Get(k)
	}

	s.emit(models.HaloEvent{
		Type:     "webhook.received",
		Source:   SourceID,
		DedupKey: dedupKey(path, body, raw),
		Payload: map[string]interface{}{
			"path":    path,
			"body":    body,
			"headers": headers,
			"query":   query,
			"method":  r.Method,
			"ip":      clientIP(r),
		},
		ReceivedAt: time.Now().UTC(),
	})

	w.WriteHeader(http.StatusOK)
}

func dedupKey(path string, body map[string]interface{}, raw []byte) string {
	if v, ok := body["dedupKey"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return "wh:" + s
		}
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("wh:%s:%s", path, hex.EncodeToString(sum[:])[:16])
}

func verifySignature(r *http.Request, body []byte, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, h := range signatureHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		v = strings.TrimPrefix(v, "sha256=")
		if hmac.Equal([]byte(v), []byte(expected)) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return r.RemoteAddr
}

package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/haloruntime/halo/internal/models"
)

func newTestSource(secrets SecretResolver) (*Source, chi.Router, chan models.HaloEvent) {
	r := chi.NewRouter()
	src := New(r, secrets, nil)
	events := make(chan models.HaloEvent, 4)
	src.Start(func(ev models.HaloEvent) { events <- ev })
	return src, r, events
}

func TestWebhookEmitsEventOnUnsignedPath(t *testing.T) {
	_, router, events := newTestSource(nil)

	req := httptest.NewRequest(http.MethodPost, "/hooks/my-path", bytes.NewBufferString(`{"hello":"world"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	select {
	case ev := <-events:
		if ev.Type != "webhook.received" {
			t.Errorf("expected webhook.received, got %s", ev.Type)
		}
		if ev.Payload["path"] != "my-path" {
			t.Errorf("expected path 'my-path', got %v", ev.Payload["path"])
		}
	default:
		t.Fatal("expected an event to be emitted")
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	_, router, _ := newTestSource(nil)

	big := bytes.Repeat([]byte("a"), MaxBodyBytes+10)
	req := httptest.NewRequest(http.MethodPost, "/hooks/p", bytes.NewReader(big))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestWebhookRequiresSignatureWhenSecretConfigured(t *testing.T) {
	secrets := func(path string) (string, bool) { return "shh", true }
	_, router, _ := newTestSource(secrets)

	req := httptest.NewRequest(http.MethodPost, "/hooks/p", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a signature, got %d", w.Code)
	}
}

func TestWebhookAcceptsValidSignature(t *testing.T) {
	secret := "shh"
	secrets := func(path string) (string, bool) { return secret, true }
	_, router, events := newTestSource(secrets)

	body := []byte(`{"ok":true}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/hooks/p", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sig)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid signature, got %d", w.Code)
	}
	select {
	case <-events:
	default:
		t.Fatal("expected an event to be emitted")
	}
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	secrets := func(path string) (string, bool) { return "shh", true }
	_, router, _ := newTestSource(secrets)

	req := httptest.NewRequest(http.MethodPost, "/hooks/p", bytes.NewBufferString(`{}`))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with an invalid signature, got %d", w.Code)
	}
}

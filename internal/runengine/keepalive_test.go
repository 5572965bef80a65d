package runengine

import (
	"testing"
	"time"
)

func TestKeepAliveRegisterAndDispose(t *testing.T) {
	k := NewKeepAliveRegistry(time.Hour)

	dispose := k.Register("ui-window-open")
	if !k.ShouldKeepAlive() {
		t.Fatal("expected a registered reason to keep the process alive")
	}

	dispose()
	if k.ShouldKeepAlive() {
		t.Fatal("expected no reason to remain after disposing the only registration")
	}
}

func TestKeepAliveRefcounted(t *testing.T) {
	k := NewKeepAliveRegistry(time.Hour)

	d1 := k.Register("same-reason")
	d2 := k.Register("same-reason")

	d1()
	if !k.ShouldKeepAlive() {
		t.Fatal("expected the reason to survive one of two disposals")
	}
	d2()
	if k.ShouldKeepAlive() {
		t.Fatal("expected the reason to be gone after both disposals")
	}
}

func TestKeepAlivePrunesExpired(t *testing.T) {
	k := NewKeepAliveRegistry(20 * time.Millisecond)
	k.Register("short-lived")

	time.Sleep(40 * time.Millisecond)
	if k.ShouldKeepAlive() {
		t.Fatal("expected an expired reason to be pruned")
	}
}

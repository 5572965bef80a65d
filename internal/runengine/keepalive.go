package runengine

import (
	"sync"
	"time"
)

// DefaultKeepAliveTTL is how long a registered keep-alive reason survives
// without being refreshed before it is pruned.
const DefaultKeepAliveTTL = 24 * time.Hour

// KeepAliveRegistry tracks reference-counted reasons the daemon must stay
// alive even once every user-visible window has closed, pruned by TTL.
type KeepAliveRegistry struct {
	mu    sync.Mutex
	ttl   time.Duration
	touch map[string]time.Time
	count map[string]int
}

// NewKeepAliveRegistry creates a registry with the given TTL; zero selects
// DefaultKeepAliveTTL.
func NewKeepAliveRegistry(ttl time.Duration) *KeepAliveRegistry {
	if ttl <= 0 {
		ttl = DefaultKeepAliveTTL
	}
	return &KeepAliveRegistry{
		ttl:   ttl,
		touch: make(map[string]time.Time),
		count: make(map[string]int),
	}
}

// Register records reason with the current time and returns a disposer
// that decrements its refcount; the reason is removed once the refcount
// reaches zero.
func (k *KeepAliveRegistry) Register(reason string) (dispose func()) {
	k.mu.Lock()
	k.touch[reason] = time.Now()
	k.count[reason]++
	k.mu.Unlock()

	disposed := false
	return func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		if disposed {
			return
		}
		disposed = true
		k.count[reason]--
		if k.count[reason] <= 0 {
			delete(k.count, reason)
			delete(k.touch, reason)
		}
	}
}

// ShouldKeepAlive prunes TTL-expired reasons and reports whether any
// reason still remains registered.
func (k *KeepAliveRegistry) ShouldKeepAlive() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	for reason, last := range k.touch {
		if now.Sub(last) > k.ttl {
			delete(k.touch, reason)
			delete(k.count, reason)
		}
	}
	return len(k.count) > 0
}

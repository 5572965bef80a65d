package runengine

import (
	"context"
	"sync"
	"time"
)

// DefaultAutoReleaseTimeout guards against a caller that acquires a shared
// resource and never releases it.
const DefaultAutoReleaseTimeout = 5 * time.Minute

// SharedResource serializes access to a single-instance resource (e.g. one
// shared automation browser context) behind a FIFO queue: acquire, use,
// release. A handle not released within the auto-release timeout is
// force-released so a leaked caller cannot wedge the queue forever.
type SharedResource struct {
	autoRelease time.Duration

	mu      sync.Mutex
	holders chan struct{}
}

// NewSharedResource creates a single-slot shared resource queue.
func NewSharedResource(autoRelease time.Duration) *SharedResource {
	if autoRelease <= 0 {
		autoRelease = DefaultAutoReleaseTimeout
	}
	return &SharedResource{
		autoRelease: autoRelease,
		holders:     make(chan struct{}, 1),
	}
}

// Release, returned by Acquire, hands the resource to the next FIFO waiter
// (if any) or frees the slot. Calling it more than once is a no-op.
type Release func()

// Acquire blocks until the resource is free or ctx is cancelled. The
// returned Release must be
// called when the caller is done; it is also called automatically after
// the auto-release timeout to bound a leaked handle's lifetime.
func (r *SharedResource) Acquire(ctx context.Context) (Release, error) {
	select {
	case r.holders <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-r.holders
		})
	}

	timer := time.AfterFunc(r.autoRelease, release)
	return func() {
		timer.Stop()
		release()
	}, nil
}

package eventbus

import (
	"testing"
	"time"
)

func TestDedupCacheSeenBeforeWithinTTL(t *testing.T) {
	c := NewDedupCache(10, time.Hour)

	if c.SeenBefore("k1") {
		t.Fatal("first sighting should not be a duplicate")
	}
	if !c.SeenBefore("k1") {
		t.Fatal("second sighting within TTL should be a duplicate")
	}
}

func TestDedupCacheExpiresAfterTTL(t *testing.T) {
	c := NewDedupCache(10, 20*time.Millisecond)

	if c.SeenBefore("k1") {
		t.Fatal("first sighting should not be a duplicate")
	}
	time.Sleep(40 * time.Millisecond)
	if c.SeenBefore("k1") {
		t.Fatal("sighting after TTL expiry should not be a duplicate")
	}
}

func TestDedupCacheEvictsOldestOverCapacity(t *testing.T) {
	c := NewDedupCache(2, time.Hour)

	c.SeenBefore("a")
	c.SeenBefore("b")
	c.SeenBefore("c") // capacity 2: "a" should be evicted

	if c.Len() != 2 {
		t.Fatalf("expected cache length 2, got %d", c.Len())
	}
	if c.SeenBefore("a") {
		t.Error("expected 'a' to have been evicted, so this sighting should be fresh")
	}
}

func TestDedupCacheTouchOnConsultRefreshesLRUOrder(t *testing.T) {
	c := NewDedupCache(2, time.Hour)

	c.SeenBefore("a")
	c.SeenBefore("b")

	// Re-consulting "a" must touch it, moving it behind "b" in eviction
	// order even though "a" was inserted first.
	if !c.SeenBefore("a") {
		t.Fatal("expected 'a' to still be within TTL")
	}

	c.SeenBefore("c") // capacity 2: least-recently-touched ("b") evicts, not "a"

	if c.Len() != 2 {
		t.Fatalf("expected cache length 2, got %d", c.Len())
	}
	if !c.SeenBefore("a") {
		t.Error("expected 'a' to have survived eviction after being touched")
	}
	if c.SeenBefore("b") {
		t.Error("expected 'b' to have been evicted as the least-recently-touched entry")
	}
}

func TestDedupCacheDefaultsOnZeroValues(t *testing.T) {
	c := NewDedupCache(0, 0)
	if c.capacity != DefaultDedupCapacity {
		t.Errorf("expected default capacity, got %d", c.capacity)
	}
	if c.ttl != DefaultDedupTTL {
		t.Errorf("expected default ttl, got %v", c.ttl)
	}
}

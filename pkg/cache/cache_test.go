package cache

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a test clock with a controllable Now().
type fakeClock struct { // A
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTTLGetAfterPut( // A
	t *testing.T,
) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	c := New[string, int](time.Minute, 0, clk)

	if _, ok := c.Get("a"); ok {
		t.Fatal("empty cache must miss")
	}
	c.Put("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get = %d, %v; want 1, true", v, ok)
	}
}

func TestTTLExpiry( // A
	t *testing.T,
) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	c := New[string, int](time.Minute, 0, clk)

	c.Put("a", 1)
	clk.advance(59 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("entry should still be fresh")
	}
	clk.advance(time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not dropped, len=%d", c.Len())
	}
}

func TestTTLCleanupOnPutEvictsExpiredOnly( // A
	t *testing.T,
) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	c := New[string, int](time.Minute, 0, clk)

	c.Put("old", 1)
	clk.advance(45 * time.Second)
	c.Put("fresh", 2)
	clk.advance(30 * time.Second)
	c.Put("new", 3)

	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Fatal("fresh entry evicted")
	}
}

func TestTTLMaxEntriesEvictsOldest( // A
	t *testing.T,
) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	c := New[int, string](time.Hour, 2, clk)

	c.Put(1, "one")
	clk.advance(time.Second)
	c.Put(2, "two")
	clk.advance(time.Second)
	c.Put(3, "three")

	if _, ok := c.Get(1); ok {
		t.Fatal("oldest entry should be evicted")
	}
	if _, ok := c.Get(3); !ok {
		t.Fatal("newest entry missing")
	}

	// Overwriting an existing key does not evict.
	c.Put(3, "THREE")
	if _, ok := c.Get(2); !ok {
		t.Fatal("overwrite evicted another entry")
	}
}

func TestTTLZeroDisablesCaching( // A
	t *testing.T,
) {
	t.Parallel()
	c := New[string, int](0, 0, nil)
	c.Put("a", 1)
	if _, ok := c.Get("a"); ok {
		t.Fatal("zero ttl must not cache")
	}

	var nilCache *TTL[string, int]
	nilCache.Put("a", 1)
	if _, ok := nilCache.Get("a"); ok {
		t.Fatal("nil cache must miss")
	}
}

func TestTTLInstancesAreIndependent( // A
	t *testing.T,
) {
	t.Parallel()
	a := New[string, int](time.Minute, 0, nil)
	b := New[string, int](time.Minute, 0, nil)
	a.Put("k", 1)
	if _, ok := b.Get("k"); ok {
		t.Fatal("instances share state")
	}
	a.Delete("k")
	if _, ok := a.Get("k"); ok {
		t.Fatal("deleted entry still present")
	}
}

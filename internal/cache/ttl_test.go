package cache

import (
	"testing"
	"time"
)

func TestL1SetGet(t *testing.T) {
	c := NewL1(10)
	defer c.Close()

	c.Set("k1", "v1", time.Minute)
	v, ok := c.Get("k1")
	if !ok || v != "v1" {
		t.Fatalf("Get(k1) = %v, %v", v, ok)
	}
}

func TestL1ExpiresEntries(t *testing.T) {
	c := NewL1(10)
	defer c.Close()

	c.Set("k1", "v1", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("k1"); ok {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestL1EvictsLRUAtCapacity(t *testing.T) {
	c := NewL1(2)
	defer c.Close()

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	// touch "a" so it's most-recently-accessed
	c.Get("a")
	c.Set("c", 3, time.Minute)

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b to be evicted as least-recently-used")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a to survive eviction")
	}
}

func TestL1Stats(t *testing.T) {
	c := NewL1(10)
	defer c.Close()

	c.Set("k", "v", time.Minute)
	c.Get("k")
	c.Get("missing")

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

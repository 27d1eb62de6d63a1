package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeL2 is an in-memory stand-in for rediskv.Store, exercising the same
// JSON-marshal-at-the-boundary contract without dialing Redis. It returns
// redis.Nil on miss, matching rediskv.Store's own miss signal, since that
// is the sentinel Tiered.Get checks via rediskv.IsMiss.
type fakeL2 struct {
	data map[string][]byte
}

func newFakeL2() *fakeL2 { return &fakeL2{data: make(map[string][]byte)} }

func (f *fakeL2) Get(ctx context.Context, key string, dest any) error {
	raw, ok := f.data[key]
	if !ok {
		return redis.Nil
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeL2) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = raw
	return nil
}

func (f *fakeL2) Delete(ctx context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeL2) Clear(ctx context.Context, pattern string) error {
	prefix := pattern
	if len(prefix) > 0 && prefix[len(prefix)-1] == '*' {
		prefix = prefix[:len(prefix)-1]
	}
	for k := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(f.data, k)
		}
	}
	return nil
}

func TestTieredSetThenGetHitsL1(t *testing.T) {
	l1 := NewL1(10)
	defer l1.Close()
	tc := NewTiered(l1, newFakeL2())

	ctx := context.Background()
	if err := tc.Set(ctx, "k", map[string]int{"a": 1}, TTLs{L1: time.Minute, L2: time.Minute}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var dest map[string]int
	v, tier, err := tc.Get(ctx, "k", &dest, TTLs{L1: time.Minute, L2: time.Minute})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tier != TierL1 {
		t.Errorf("expected TierL1, got %v", tier)
	}
	if v == nil {
		t.Errorf("expected non-nil value from L1")
	}
}

func TestTieredClampsL1TTLToL2(t *testing.T) {
	l1 := NewL1(10)
	defer l1.Close()
	tc := NewTiered(l1, newFakeL2())

	ctx := context.Background()
	// L1 TTL requested far longer than L2 — must be clamped, never exceed L2.
	_ = tc.Set(ctx, "k", 42, TTLs{L1: time.Hour, L2: time.Millisecond})

	time.Sleep(5 * time.Millisecond)
	if _, ok := l1.Get("k"); ok {
		t.Errorf("expected L1 entry to have been clamped to L2's short TTL and expired")
	}
}

func TestTieredMissWhenAbsentFromBothTiers(t *testing.T) {
	l1 := NewL1(10)
	defer l1.Close()
	tc := NewTiered(l1, newFakeL2())

	var dest int
	_, tier, err := tc.Get(context.Background(), "missing", &dest, TTLs{L1: time.Minute, L2: time.Minute})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tier != TierMiss {
		t.Errorf("expected TierMiss, got %v", tier)
	}
}

func TestTieredDegradesToL1OnlyWhenL2Nil(t *testing.T) {
	l1 := NewL1(10)
	defer l1.Close()
	tc := NewTiered(l1, nil)

	ctx := context.Background()
	if err := tc.Set(ctx, "k", "v", TTLs{L1: time.Minute, L2: time.Minute}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var dest string
	v, tier, err := tc.Get(ctx, "k", &dest, TTLs{L1: time.Minute, L2: time.Minute})
	if err != nil || tier != TierL1 || v != "v" {
		t.Fatalf("Get = %v, %v, %v", v, tier, err)
	}
}

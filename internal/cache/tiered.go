package cache

import (
	"context"
	"time"

	"github.com/chronoretrace/marketdata/internal/cache/rediskv"
)

// Tier identifies which cache level served (or should serve) a request.
type Tier string

const (
	TierL1   Tier = "l1"
	TierL2   Tier = "l2"
	TierMiss Tier = "miss"
)

// L2 is the subset of rediskv.Store the tiered cache depends on, so tests
// can substitute a fake without dialing Redis.
type L2 interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context, pattern string) error
}

// TTLs bundles the L1/L2 TTL pair for a given request, with the invariant
// that L1 must never outlive L2 enforced at construction.
type TTLs struct {
	L1 time.Duration
	L2 time.Duration
}

// Tiered composes an L1 in-process cache in front of an L2 shared cache,
// implementing the promotion-on-miss policy: an L2 hit is copied into L1
// so the next request for the same key is served without a network round
// trip.
type Tiered struct {
	l1 *L1
	l2 L2
}

// NewTiered composes l1 in front of l2. l2 may be nil, in which case the
// tiered cache degrades to L1-only (useful for tests and for deployments
// without a shared Redis instance).
func NewTiered(l1 *L1, l2 L2) *Tiered {
	return &Tiered{l1: l1, l2: l2}
}

// Get looks up key in L1 first, then L2, promoting an L2 hit back into L1.
// The returned Tier records which level actually served the value (for
// metrics), and is TierMiss when neither level has it.
//
// dest receives the decoded value only on an L2 hit (JSON round trip); on
// an L1 hit the raw stored value is returned via the first return value
// instead, since L1 never serializes. An L2 hit is promoted into L1 as
// dest itself, so a later L1 hit returns that same pointer.
func (t *Tiered) Get(ctx context.Context, key string, dest any, ttls TTLs) (Value, Tier, error) {
	if v, ok := t.l1.Get(key); ok {
		return v, TierL1, nil
	}
	if t.l2 == nil {
		return nil, TierMiss, nil
	}

	err := t.l2.Get(ctx, key, dest)
	if err != nil {
		if rediskv.IsMiss(err) {
			return nil, TierMiss, nil
		}
		return nil, TierMiss, err
	}

	t.l1.Set(key, dest, ttls.L1)
	return dest, TierL2, nil
}

// Set writes value to both tiers. ttls.L1 must be <= ttls.L2; callers that
// violate this invariant get it silently clamped, since a stale L1 entry
// surviving past its L2 counterpart would resurrect data the rest of the
// system considers expired.
//
// L2 is written first: if the shared cache write fails, L1 is left
// untouched so this instance doesn't serve a value no other instance (and
// no restart of this one) can see. Only once L2 has accepted the write
// does the in-process tier get populated.
func (t *Tiered) Set(ctx context.Context, key string, value Value, ttls TTLs) error {
	if ttls.L1 > ttls.L2 {
		ttls.L1 = ttls.L2
	}
	if t.l2 != nil {
		if err := t.l2.Set(ctx, key, value, ttls.L2); err != nil {
			return err
		}
	}
	t.l1.Set(key, value, ttls.L1)
	return nil
}

// Invalidate removes key from both tiers.
func (t *Tiered) Invalidate(ctx context.Context, key string) error {
	t.l1.Delete(key)
	if t.l2 == nil {
		return nil
	}
	return t.l2.Delete(ctx, key)
}

// InvalidatePattern removes every key starting with prefix from both
// tiers: an L1 prefix sweep plus an L2 SCAN+DEL via rediskv.Store.Clear.
// Used when a symbol's entire cached footprint (all intervals) needs to
// be dropped at once, e.g. after a force-refresh or a detected
// corporate action.
func (t *Tiered) InvalidatePattern(ctx context.Context, prefix string) error {
	t.l1.DeletePrefix(prefix)
	if t.l2 == nil {
		return nil
	}
	return t.l2.Clear(ctx, prefix+"*")
}

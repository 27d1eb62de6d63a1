package fetch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronoretrace/marketdata/internal/cache"
	"github.com/chronoretrace/marketdata/internal/errs"
	"github.com/chronoretrace/marketdata/internal/model"
	"github.com/chronoretrace/marketdata/internal/symbol"
)

type fakeUpstream struct {
	name      string
	calls     int64
	rows      []model.OHLCVRow
	err       error
	callDelay time.Duration
}

func (f *fakeUpstream) Name() string { return f.name }

func (f *fakeUpstream) FetchRange(ctx context.Context, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.callDelay > 0 {
		time.Sleep(f.callDelay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func newCoordinator(upstreams []Upstream) *Coordinator {
	l1 := cache.NewL1(100)
	tc := cache.NewTiered(l1, nil)
	return New(tc, upstreams, Config{
		HotTTL: time.Minute, WarmTTL: time.Minute,
		BreakerMaxRequests: 1, BreakerInterval: time.Minute, BreakerTimeout: time.Minute,
		BreakerFailures: 10,
	})
}

func sampleRows() []model.OHLCVRow {
	return []model.OHLCVRow{
		{Symbol: symbol.New("AAPL"), Interval: "1d", Timestamp: time.Now(), Close: 100},
	}
}

func TestGetRangeFetchesFromUpstreamOnMiss(t *testing.T) {
	up := &fakeUpstream{name: "primary", rows: sampleRows()}
	c := newCoordinator([]Upstream{up})

	rows, err := c.GetRange(context.Background(), symbol.New("AAPL"), model.Range{Interval: "1d", Start: time.Now().Add(-time.Hour), End: time.Now()})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.EqualValues(t, 1, up.calls)
}

func TestGetRangeFallsThroughToSecondUpstreamOnError(t *testing.T) {
	failing := &fakeUpstream{name: "primary", err: errs.New(errs.KindUpstream, "test", "boom")}
	backup := &fakeUpstream{name: "backup", rows: sampleRows()}
	c := newCoordinator([]Upstream{failing, backup})

	rows, err := c.GetRange(context.Background(), symbol.New("AAPL"), model.Range{Interval: "1d", Start: time.Now().Add(-time.Hour), End: time.Now()})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.EqualValues(t, 1, backup.calls)
}

func TestGetRangeReturnsErrorWhenAllUpstreamsFail(t *testing.T) {
	failing := &fakeUpstream{name: "primary", err: errs.New(errs.KindUpstream, "test", "boom")}
	c := newCoordinator([]Upstream{failing})

	_, err := c.GetRange(context.Background(), symbol.New("AAPL"), model.Range{Interval: "1d", Start: time.Now().Add(-time.Hour), End: time.Now()})
	require.Error(t, err)
}

func TestGetRangeCoalescesConcurrentMisses(t *testing.T) {
	up := &fakeUpstream{name: "primary", rows: sampleRows(), callDelay: 30 * time.Millisecond}
	c := newCoordinator([]Upstream{up})

	const n = 10
	done := make(chan struct{}, n)
	rng := model.Range{Interval: "1d", Start: time.Now().Add(-time.Hour), End: time.Now()}
	for i := 0; i < n; i++ {
		go func() {
			_, _ = c.GetRange(context.Background(), symbol.New("AAPL"), rng)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	assert.LessOrEqual(t, atomic.LoadInt64(&up.calls), int64(2), "expected concurrent misses to coalesce into ~1 upstream call")
}

func TestBreakerStateUnknownUpstream(t *testing.T) {
	c := newCoordinator(nil)
	assert.Equal(t, "unknown", c.BreakerState("nope"))
}

// flakyUpstream fails with a transient error the first failCount calls,
// then succeeds.
type flakyUpstream struct {
	name      string
	failCount int
	calls     int64
	rows      []model.OHLCVRow
}

func (f *flakyUpstream) Name() string { return f.name }

func (f *flakyUpstream) FetchRange(ctx context.Context, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error) {
	n := atomic.AddInt64(&f.calls, 1)
	if int(n) <= f.failCount {
		return nil, errs.New(errs.KindUpstreamTransient, "test", "rate limited")
	}
	return f.rows, nil
}

func TestGetRangeRetriesTransientFailuresBeforeSucceeding(t *testing.T) {
	up := &flakyUpstream{name: "primary", failCount: 2, rows: sampleRows()}
	l1 := cache.NewL1(100)
	tc := cache.NewTiered(l1, nil)
	c := New(tc, []Upstream{up}, Config{
		HotTTL: time.Minute, WarmTTL: time.Minute,
		BreakerMaxRequests: 1, BreakerInterval: time.Minute, BreakerTimeout: time.Minute,
		BreakerFailures: 10,
		MaxRetries:      2, RetryBackoff: time.Millisecond,
	})

	rows, err := c.GetRange(context.Background(), symbol.New("AAPL"), model.Range{Interval: "1d", Start: time.Now().Add(-time.Hour), End: time.Now()})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.EqualValues(t, 3, up.calls, "expected 2 retries after the initial attempt")
}

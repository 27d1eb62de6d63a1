package warmup

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronoretrace/marketdata/internal/model"
	"github.com/chronoretrace/marketdata/internal/symbol"
)

func TestHotSymbolPreloadUsesSourceWhenAvailable(t *testing.T) {
	coord := &fakeCoordinator{failFor: map[string]bool{}}
	source := HotSymbolSourceFunc(func(ctx context.Context) ([]symbol.Canonical, error) {
		return []symbol.Canonical{symbol.New("AAPL"), symbol.New("MSFT")}, nil
	})

	results := HotSymbolPreload(context.Background(), coord, source, HotSymbolPreloadConfig{BatchSize: 1}, zerolog.Nop())

	require.Len(t, results, 2)
	assert.EqualValues(t, 2, coord.calls)
}

func TestHotSymbolPreloadFallsBackToStaticWhenSourceFails(t *testing.T) {
	coord := &fakeCoordinator{failFor: map[string]bool{}}
	source := HotSymbolSourceFunc(func(ctx context.Context) ([]symbol.Canonical, error) {
		return nil, assertErr{}
	})
	fallback := []symbol.Canonical{symbol.New("AAPL")}

	results := HotSymbolPreload(context.Background(), coord, source, HotSymbolPreloadConfig{StaticFallback: fallback}, zerolog.Nop())

	require.Len(t, results, 1)
	assert.Equal(t, "AAPL", results[0].Job.Symbol.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "source broken" }

type fakeMetricsStore struct {
	upserted []model.DailyMetrics
}

func (f *fakeMetricsStore) UpsertDailyMetrics(ctx context.Context, metrics []model.DailyMetrics) error {
	f.upserted = append(f.upserted, metrics...)
	return nil
}

func TestDailyMetricsRefreshUpsertsEverySucceedingSymbol(t *testing.T) {
	coord := &fakeCoordinator{failFor: map[string]bool{}}
	store := &fakeMetricsStore{}
	symbols := []symbol.Canonical{symbol.New("AAPL"), symbol.New("MSFT")}

	results := DailyMetricsRefresh(context.Background(), coord, store, symbols, DailyMetricsRefreshConfig{BreakerFailures: 50}, zerolog.Nop())

	require.Len(t, results, 2)
	assert.Len(t, store.upserted, 2)
}

func TestDailyMetricsRefreshTripsBreakerAfterCeiling(t *testing.T) {
	coord := &fakeCoordinator{failFor: map[string]bool{"A": true, "B": true, "C": true, "D": true}}
	store := &fakeMetricsStore{}
	symbols := []symbol.Canonical{symbol.New("A"), symbol.New("B"), symbol.New("C"), symbol.New("D")}

	// BreakerFailures=50 but N/10 rounds down to 0, so the ceiling floors at 1:
	// the run must stop after exactly one failure.
	results := DailyMetricsRefresh(context.Background(), coord, store, symbols, DailyMetricsRefreshConfig{BreakerFailures: 50}, zerolog.Nop())

	assert.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

type fakeGate struct {
	values map[string]time.Time
}

func (g *fakeGate) Get(ctx context.Context, key string, dest any) error {
	v, ok := g.values[key]
	if !ok {
		return assertErr{}
	}
	ptr, ok := dest.(*time.Time)
	if !ok {
		return assertErr{}
	}
	*ptr = v
	return nil
}

func (g *fakeGate) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if g.values == nil {
		g.values = map[string]time.Time{}
	}
	v, ok := value.(time.Time)
	if !ok {
		return assertErr{}
	}
	g.values[key] = v
	return nil
}

func (g *fakeGate) Delete(ctx context.Context, key string) error { return nil }
func (g *fakeGate) Clear(ctx context.Context, pattern string) error { return nil }

func TestIndustryOverviewPrecomputeSkipsWhenGateFresh(t *testing.T) {
	coord := &fakeCoordinator{failFor: map[string]bool{}}
	gate := &fakeGate{values: map[string]time.Time{industryReseedKeyPrefix: time.Now()}}

	sparks, err := IndustryOverviewPrecompute(context.Background(), coord, gate, []symbol.Canonical{symbol.New("AAPL")}, IndustryOverviewConfig{ReseedInterval: time.Hour}, zerolog.Nop())

	require.NoError(t, err)
	assert.Nil(t, sparks)
	assert.EqualValues(t, 0, coord.calls)
}

func TestIndustryOverviewPrecomputeRunsWhenGateStale(t *testing.T) {
	coord := &fakeCoordinator{failFor: map[string]bool{}}
	gate := &fakeGate{values: map[string]time.Time{industryReseedKeyPrefix: time.Now().Add(-13 * time.Hour)}}

	sparks, err := IndustryOverviewPrecompute(context.Background(), coord, gate, []symbol.Canonical{symbol.New("AAPL")}, IndustryOverviewConfig{ReseedInterval: 12 * time.Hour}, zerolog.Nop())

	require.NoError(t, err)
	require.Len(t, sparks, 1)
	assert.EqualValues(t, 1, coord.calls)
}

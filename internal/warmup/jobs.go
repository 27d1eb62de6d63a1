package warmup

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/chronoretrace/marketdata/internal/cache"
	"github.com/chronoretrace/marketdata/internal/model"
	"github.com/chronoretrace/marketdata/internal/quality"
	"github.com/chronoretrace/marketdata/internal/symbol"
)

// HotSymbolSource resolves the current hot-symbol set, typically derived
// from a screener (most-viewed, most-traded). HotSymbols returns an error only
// when the source itself is broken, not when it legitimately finds zero
// symbols.
type HotSymbolSource interface {
	HotSymbols(ctx context.Context) ([]symbol.Canonical, error)
}

// HotSymbolSourceFunc adapts a plain function to HotSymbolSource.
type HotSymbolSourceFunc func(ctx context.Context) ([]symbol.Canonical, error)

func (f HotSymbolSourceFunc) HotSymbols(ctx context.Context) ([]symbol.Canonical, error) {
	return f(ctx)
}

// HotSymbolPreloadConfig tunes HotSymbolPreload.
type HotSymbolPreloadConfig struct {
	BatchSize int
	Delay     time.Duration
	Interval  string
	// StaticFallback is used verbatim when source is nil or source.HotSymbols
	// errors, so a broken screener never stalls cache warm-up entirely.
	StaticFallback []symbol.Canonical
}

// HotSymbolPreload warms the cache for the current hot-symbol set,
// inserting Delay after every BatchSize symbols to stay under upstream
// rate limits during what would otherwise be a cold-start stampede
// against every hot symbol at once. Falls back to cfg.StaticFallback when
// source is unavailable.
func HotSymbolPreload(ctx context.Context, coordinator Coordinator, source HotSymbolSource, cfg HotSymbolPreloadConfig, log zerolog.Logger) []Result {
	symbols := cfg.StaticFallback
	if source != nil {
		if hot, err := source.HotSymbols(ctx); err == nil && len(hot) > 0 {
			symbols = hot
		} else if err != nil {
			log.Warn().Err(err).Msg("hot-symbol source failed, using static fallback")
		}
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	interval := cfg.Interval
	if interval == "" {
		interval = "1d"
	}
	end := time.Now()
	start := end.Add(-24 * time.Hour)

	results := make([]Result, 0, len(symbols))
	for i, sym := range symbols {
		job := Job{Symbol: sym, Range: model.Range{Interval: interval, Start: start, End: end}}
		_, err := coordinator.GetRange(ctx, sym, job.Range)
		results = append(results, Result{Job: job, Err: err})
		if err != nil {
			log.Warn().Str("symbol", sym.Code).Err(err).Msg("hot-symbol preload failed")
		}
		if (i+1)%batchSize == 0 && i != len(symbols)-1 && cfg.Delay > 0 {
			select {
			case <-time.After(cfg.Delay):
			case <-ctx.Done():
				return results
			}
		}
	}
	return results
}

// MetricsStore is the subset of *store.Store the daily-metrics refresh
// job writes through to.
type MetricsStore interface {
	UpsertDailyMetrics(ctx context.Context, metrics []model.DailyMetrics) error
}

// DailyMetricsRefreshConfig tunes DailyMetricsRefresh.
type DailyMetricsRefreshConfig struct {
	BreakerFailures int // absolute ceiling passed in from config; the effective ceiling is min(BreakerFailures, len(symbols)/10), never below 1
}

// DailyMetricsRefresh recomputes the daily_metrics row for each symbol:
// fetch the latest day's range, derive change_pct/quality from the
// result, and upsert. It tries a batch call per symbol and treats each
// symbol's failure independently (a single bad symbol doesn't abort the
// others), but a second circuit breaker — distinct from any single
// upstream's gobreaker — trips the entire job early once the number of
// symbol-level failures reaches min(BreakerFailures, N/10) (at least 1), the same
// runaway-protection shape the hot-symbol preload doesn't need (a
// preload miss is cheap; a metrics-refresh miss burns a store write).
func DailyMetricsRefresh(ctx context.Context, coordinator Coordinator, metricsStore MetricsStore, symbols []symbol.Canonical, cfg DailyMetricsRefreshConfig, log zerolog.Logger) []Result {
	ceiling := cfg.BreakerFailures
	if ceiling <= 0 {
		ceiling = 50
	}
	if byTenth := int(math.Floor(float64(len(symbols)) / 10)); byTenth < ceiling {
		ceiling = byTenth
	}
	if ceiling <= 0 {
		ceiling = 1
	}

	end := time.Now()
	start := end.Add(-24 * time.Hour)
	results := make([]Result, 0, len(symbols))
	failures := 0

	for _, sym := range symbols {
		if failures >= ceiling {
			log.Warn().Int("failures", failures).Int("ceiling", ceiling).Msg("daily metrics refresh breaker tripped, stopping run early")
			break
		}
		rng := model.Range{Interval: "1d", Start: start, End: end}
		rows, err := coordinator.GetRange(ctx, sym, rng)
		if err != nil || len(rows) == 0 {
			failures++
			results = append(results, Result{Job: Job{Symbol: sym, Range: rng}, Err: err})
			continue
		}
		last := rows[len(rows)-1]
		report := quality.NewValidator(quality.DefaultWeights()).ValidateBatch([]model.OHLCVRow{last})
		metric := model.DailyMetrics{
			Symbol: sym, Date: last.Timestamp, Close: last.Close, ChangePct: last.PctChange,
			Volume: last.Volume, QualityScore: report.QualityScore, DataSource: last.Source, LastUpdated: time.Now(),
			MA5: last.MA5, MA20: last.MA20,
			IsDuplicate: last.IsDuplicate, DuplicateSource: last.DuplicateSource,
		}
		if metricsStore != nil {
			if err := metricsStore.UpsertDailyMetrics(ctx, []model.DailyMetrics{metric}); err != nil {
				failures++
				results = append(results, Result{Job: Job{Symbol: sym, Range: rng}, Err: err})
				continue
			}
		}
		results = append(results, Result{Job: Job{Symbol: sym, Range: rng}})
	}
	return results
}

// industryReseedKeyPrefix namespaces the L2 reseed-gate marker.
const industryReseedKeyPrefix = "industry_warming:last_time"

// IndustryOverviewConfig tunes IndustryOverviewPrecompute.
type IndustryOverviewConfig struct {
	ReseedInterval time.Duration
}

// IndustrySpark is a compact per-symbol rollup for an industry overview
// card: trailing windows plus a spark-line of closes.
type IndustrySpark struct {
	Symbol    symbol.Canonical
	Change5D  float64
	Change20D float64
	Change60D float64
	SparkLine []float64
}

// IndustryOverviewPrecompute computes 5D/20D/60D rolling change and a
// spark-line of closes for each symbol, gated by a 12h (by default) L2
// reseed interval: if the gate key is still fresh, the job is a no-op,
// so a restart or an overlapping cron tick never recomputes the same
// overview data back-to-back. Returns nil (not an error) when the gate
// blocks the run.
func IndustryOverviewPrecompute(ctx context.Context, coordinator Coordinator, gate cache.L2, symbols []symbol.Canonical, cfg IndustryOverviewConfig, log zerolog.Logger) ([]IndustrySpark, error) {
	interval := cfg.ReseedInterval
	if interval <= 0 {
		interval = 12 * time.Hour
	}

	if gate != nil {
		var lastRun time.Time
		if err := gate.Get(ctx, industryReseedKeyPrefix, &lastRun); err == nil {
			if time.Since(lastRun) < interval {
				log.Debug().Time("last_run", lastRun).Msg("industry overview reseed gate still fresh, skipping")
				return nil, nil
			}
		}
	}

	end := time.Now()
	start := end.Add(-90 * 24 * time.Hour)
	var sparks []IndustrySpark

	for _, sym := range symbols {
		rows, err := coordinator.GetRange(ctx, sym, model.Range{Interval: "1d", Start: start, End: end})
		if err != nil || len(rows) == 0 {
			log.Warn().Str("symbol", sym.Code).Err(err).Msg("industry overview precompute failed for symbol")
			continue
		}
		sparks = append(sparks, IndustrySpark{
			Symbol:    sym,
			Change5D:  windowChangePct(rows, 5),
			Change20D: windowChangePct(rows, 20),
			Change60D: windowChangePct(rows, 60),
			SparkLine: closesTail(rows, 20),
		})
	}

	if gate != nil {
		if err := gate.Set(ctx, industryReseedKeyPrefix, time.Now(), 0); err != nil {
			log.Warn().Err(err).Msg("failed to update industry overview reseed gate")
		}
	}
	return sparks, nil
}

func windowChangePct(rows []model.OHLCVRow, window int) float64 {
	if len(rows) < 2 {
		return 0
	}
	idx := len(rows) - window
	if idx < 0 {
		idx = 0
	}
	first := rows[idx].Close
	last := rows[len(rows)-1].Close
	if first == 0 {
		return 0
	}
	return (last - first) / first * 100
}

func closesTail(rows []model.OHLCVRow, window int) []float64 {
	idx := len(rows) - window
	if idx < 0 {
		idx = 0
	}
	tail := rows[idx:]
	closes := make([]float64, len(tail))
	for i, r := range tail {
		closes[i] = r.Close
	}
	return closes
}

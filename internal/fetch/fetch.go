// Package fetch implements the Fetch Coordinator (C5): cache-aside reads
// with per-key single-flight coalescing, a per-upstream circuit breaker,
// and calendar-aware freshness checks. Adapted from the teacher's
// infrastructure/datafacade.DataFacade — same cache-check-then-live-fetch
// shape, same per-provider circuit tracking — but the hand-rolled
// CircuitState map is replaced with github.com/sony/gobreaker (already a
// teacher dependency, used verbatim in
// infrastructure/providers/circuitbreakers.go) and the ad hoc fallback
// mutex is replaced with golang.org/x/sync/singleflight for request
// coalescing, which the teacher's facade did not have but which the spec
// requires.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/chronoretrace/marketdata/internal/cache"
	"github.com/chronoretrace/marketdata/internal/cache/keys"
	"github.com/chronoretrace/marketdata/internal/calendar"
	"github.com/chronoretrace/marketdata/internal/errs"
	"github.com/chronoretrace/marketdata/internal/model"
	"github.com/chronoretrace/marketdata/internal/quality"
	"github.com/chronoretrace/marketdata/internal/symbol"
	"github.com/chronoretrace/marketdata/internal/telemetry"
)

// Upstream is a single data source the coordinator can call on a cache
// miss. Each upstream gets its own circuit breaker.
type Upstream interface {
	Name() string
	FetchRange(ctx context.Context, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error)
}

// FundamentalsUpstream is the subset of adapters.USStockAdapter the
// coordinator needs for the fundamentals/corporate-actions/earnings RPC
// operations. Crypto upstreams don't implement this and are simply never
// registered as one.
type FundamentalsUpstream interface {
	FetchFundamentals(ctx context.Context, sym symbol.Canonical) (model.FundamentalSnapshot, error)
	FetchCorporateActions(ctx context.Context, sym symbol.Canonical, since time.Time) ([]model.CorporateAction, error)
	FetchAnnualEarnings(ctx context.Context, sym symbol.Canonical) ([]model.AnnualEarnings, error)
}

// ListBootstrap resolves the current tradable symbol universe, matching
// adapters.USListBootstrap's Run signature.
type ListBootstrap interface {
	Run(ctx context.Context) ([]symbol.Canonical, error)
}

// Config tunes TTLs and breaker behavior.
type Config struct {
	HotTTL  time.Duration
	WarmTTL time.Duration

	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
	BreakerFailures    uint32

	// MaxRetries is how many additional attempts a single upstream gets
	// for a KindUpstreamTransient failure before the coordinator moves on
	// to the next upstream in the chain. 0 disables retries.
	MaxRetries int
	// RetryBackoff is the base delay between retries against the same
	// upstream; doubled after each attempt.
	RetryBackoff time.Duration

	// IntradayIntervals lists the intervals that bypass the cache tier
	// entirely (always read through to the store/upstream), since a
	// cached intraday bar goes stale within seconds and serving it would
	// violate freshness far more often than it would save an upstream
	// call. Daily and coarser intervals are cached normally.
	IntradayIntervals []string
}

// Coordinator resolves range reads against the tiered cache, falling
// through to a persistent store and then upstreams (in registration
// order) on a miss or stale hit, coalescing concurrent misses for the
// same key into a single upstream call.
type Coordinator struct {
	tc        *cache.Tiered
	upstreams []Upstream
	breakers  map[string]*gobreaker.CircuitBreaker
	group     singleflight.Group
	cfg       Config
	metrics   *telemetry.Metrics
	quality   *quality.Pipeline
	store     RowStore
	log       zerolog.Logger

	fundamentals FundamentalsUpstream
	bootstrap    ListBootstrap
}

// SetMetrics attaches a metrics bundle for cache hit/miss and fetch
// latency recording. Safe to skip; a nil bundle disables recording.
func (c *Coordinator) SetMetrics(m *telemetry.Metrics) { c.metrics = m }

// SetQualityPipeline attaches a validate-then-dedup stage that every
// upstream fetch is run through before the result is cached or returned.
// Safe to skip; a nil pipeline disables the stage.
func (c *Coordinator) SetQualityPipeline(p *quality.Pipeline) { c.quality = p }

// SetFundamentalsUpstream attaches the adapter used for
// GetFundamentals/GetCorporateActions/GetAnnualEarnings. Safe to skip; with
// a nil upstream those three calls read from the store, and return
// errs.KindUnavailable only when no store is attached either.
func (c *Coordinator) SetFundamentalsUpstream(u FundamentalsUpstream) { c.fundamentals = u }

// SetListBootstrap attaches the US-list bootstrap used by
// ForceRefreshSymbolList. Safe to skip; with a nil bootstrap
// ForceRefreshSymbolList returns errs.KindUnavailable. GetSymbolList never
// uses the bootstrap and always reads the store's known symbol list.
func (c *Coordinator) SetListBootstrap(b ListBootstrap) { c.bootstrap = b }

// RowStore is the subset of *store.Store the coordinator reads through to
// on a cache miss and writes through to after a successful upstream
// fetch. Narrowed to an interface so tests can substitute a fake without
// a live database.
type RowStore interface {
	UpsertRows(ctx context.Context, rows []model.OHLCVRow) error
	ReadRange(ctx context.Context, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error)
	ListSymbols(ctx context.Context, market symbol.Market) ([]symbol.Canonical, error)
	UpsertSymbols(ctx context.Context, symbols []symbol.Canonical) error
	LatestFundamentals(ctx context.Context, sym symbol.Canonical) (model.FundamentalSnapshot, error)
	UpsertFundamentals(ctx context.Context, snap model.FundamentalSnapshot) error
	ListCorporateActions(ctx context.Context, sym symbol.Canonical, since time.Time) ([]model.CorporateAction, error)
	UpsertCorporateActions(ctx context.Context, sym symbol.Canonical, actions []model.CorporateAction) error
	ListAnnualEarnings(ctx context.Context, sym symbol.Canonical) ([]model.AnnualEarnings, error)
	UpsertAnnualEarnings(ctx context.Context, sym symbol.Canonical, earnings []model.AnnualEarnings) error
}

// SetStore attaches a persistent store; a cache miss reads through to it
// before falling through to the upstream chain, and every row an upstream
// fetch resolves is written back to it, best-effort, before being cached
// and returned. Safe to skip; a nil store disables both behaviors.
func (c *Coordinator) SetStore(s RowStore) { c.store = s }

// SetLogger attaches a logger for write-through and other best-effort
// background failures. Defaults to a no-op logger.
func (c *Coordinator) SetLogger(log zerolog.Logger) { c.log = log }

// New constructs a Coordinator. upstreams are tried in order on every
// cache miss; the first to succeed wins.
func New(tc *cache.Tiered, upstreams []Upstream, cfg Config) *Coordinator {
	c := &Coordinator{
		tc:        tc,
		upstreams: upstreams,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		cfg:       cfg,
		log:       zerolog.Nop(),
	}
	for _, u := range upstreams {
		name := u.Name()
		c.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.BreakerMaxRequests,
			Interval:    cfg.BreakerInterval,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
		})
	}
	return c
}

// keyPrefix picks the cache-key namespace for a (market, interval) pair,
// matching the separate keyspaces the original per-market cache prefixes
// used (stock daily bars cache far longer than stock minute bars, and
// crypto/futures series never share a namespace with equities even when a
// ticker string collides).
func keyPrefix(market symbol.Market, interval string) string {
	switch market {
	case symbol.MarketCrypto:
		return "crypto:ohlcv"
	case symbol.MarketFutures:
		return "futures:ohlcv"
	case symbol.MarketUSStock:
		if interval == "1d" || interval == "1w" || interval == "1mo" {
			return "stock:daily"
		}
		return "stock:minute"
	default: // MarketAShare
		if interval == "1d" || interval == "1w" || interval == "1mo" {
			return "stock:daily"
		}
		return "stock:minute"
	}
}

// rangeKey builds the cache key for a (symbol, interval, range) request.
func (c *Coordinator) rangeKey(sym symbol.Canonical, rng model.Range) string {
	builder := keys.New(keyPrefix(sym.Market, rng.Interval))
	return builder.Hashed(sym.Code, map[string]string{
		"market":   string(sym.Market),
		"interval": rng.Interval,
		"start":    rng.Start.Format(time.RFC3339),
		"end":      rng.End.Format(time.RFC3339),
	})
}

// bypassesCache reports whether interval is configured to skip the cache
// tier entirely.
func (c *Coordinator) bypassesCache(interval string) bool {
	for _, iv := range c.cfg.IntradayIntervals {
		if iv == interval {
			return true
		}
	}
	return false
}

// GetRange resolves rows for sym over rng: cache hit and fresh -> return
// immediately; cache hit but stale, or miss -> check the persistent store,
// then single-flight a fetch from the upstream chain if the store doesn't
// have a fresh answer either, materializing the result and caching it
// before returning (never caching an unmaterialized value). Intraday
// intervals configured via Config.IntradayIntervals skip the cache tier
// entirely and always read through to the store/upstream chain.
func (c *Coordinator) GetRange(ctx context.Context, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error) {
	start := time.Now()
	bypass := c.bypassesCache(rng.Interval)
	key := c.rangeKey(sym, rng)

	if !bypass {
		var decoded []model.OHLCVRow
		if v, tier, err := c.tc.Get(ctx, key, &decoded, cache.TTLs{L1: c.cfg.HotTTL, L2: c.cfg.WarmTTL}); err == nil && tier != cache.TierMiss {
			cached := decoded
			if tier == cache.TierL1 {
				// Set stores the slice itself; an L2 promotion stores the
				// *[]model.OHLCVRow that Tiered.Get decoded into.
				switch val := v.(type) {
				case []model.OHLCVRow:
					cached = val
				case *[]model.OHLCVRow:
					cached = *val
				default:
					cached = nil
				}
			}
			if len(cached) > 0 && calendar.IsFresh(sym.Market, cached[len(cached)-1].Timestamp, time.Now()) {
				c.recordCacheOutcome(tier)
				c.recordLatency("cache_hit", start)
				return cached, nil
			}
		}
		c.recordCacheOutcome(cache.TierMiss)
	}

	if c.store != nil {
		if rows, err := c.store.ReadRange(ctx, sym, rng); err == nil && len(rows) > 0 &&
			calendar.IsFresh(sym.Market, rows[len(rows)-1].Timestamp, time.Now()) {
			c.recordLatency("store_hit", start)
			if !bypass {
				_ = c.tc.Set(ctx, key, rows, cache.TTLs{L1: c.cfg.HotTTL, L2: c.cfg.WarmTTL})
			}
			return rows, nil
		}
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetchFromUpstreams(ctx, sym, rng)
	})
	if err != nil {
		c.recordLatency("error", start)
		return nil, err
	}

	rows := result.([]model.OHLCVRow)
	c.recordLatency("upstream_fetch", start)
	c.writeThrough(ctx, sym, rows)
	if !bypass {
		if setErr := c.tc.Set(ctx, key, rows, cache.TTLs{L1: c.cfg.HotTTL, L2: c.cfg.WarmTTL}); setErr != nil {
			return rows, nil // serve the fresh data even if caching failed
		}
	}
	return rows, nil
}

// writeThrough persists rows to the store, if one is configured. A store
// failure is logged and otherwise ignored: the cache and the caller still
// get the freshly fetched rows either way.
func (c *Coordinator) writeThrough(ctx context.Context, sym symbol.Canonical, rows []model.OHLCVRow) {
	if c.store == nil {
		return
	}
	if err := c.store.UpsertRows(ctx, rows); err != nil {
		c.log.Warn().Str("symbol", sym.Code).Err(err).Msg("write-through to store failed")
	}
}

func (c *Coordinator) recordCacheOutcome(tier cache.Tier) {
	if c.metrics == nil {
		return
	}
	if tier == cache.TierMiss {
		c.metrics.CacheMisses.WithLabelValues("l1").Inc()
		return
	}
	c.metrics.CacheHits.WithLabelValues(string(tier)).Inc()
}

func (c *Coordinator) recordLatency(outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.FetchLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// applyQuality runs the validate-then-dedup stage over a freshly fetched
// batch, if one is configured, and records the resulting quality score.
// Rows the dedup pass suppresses are marked (IsDuplicate/DuplicateSource)
// in place rather than dropped, so the returned slice is always the same
// length as rows.
func (c *Coordinator) applyQuality(rows []model.OHLCVRow) []model.OHLCVRow {
	if c.quality == nil {
		return rows
	}
	cleaned, report, dedup := c.quality.Clean(rows)
	if c.metrics != nil {
		c.metrics.QualityScore.Observe(report.QualityScore)
	}
	if dedup.DuplicatesFound > 0 {
		c.log.Debug().Int("duplicates", dedup.DuplicatesFound).Msg("quality pipeline marked duplicate rows")
	}
	return cleaned
}

// fetchWithRetry calls upstream once, then retries up to cfg.MaxRetries
// additional times with doubling backoff as long as each failure classifies
// as errs.KindUpstreamTransient — a failure worth retrying against the
// same upstream rather than immediately falling through to the next one.
// Any other error kind (malformed response, context cancellation) returns
// immediately without retrying.
func (c *Coordinator) fetchWithRetry(ctx context.Context, u Upstream, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error) {
	backoff := c.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		rows, err := u.FetchRange(ctx, sym, rng)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if !errs.Is(err, errs.KindUpstreamTransient) || attempt == c.cfg.MaxRetries {
			return nil, err
		}
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

func (c *Coordinator) fetchFromUpstreams(ctx context.Context, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error) {
	var lastErr error
	for _, u := range c.upstreams {
		breaker := c.breakers[u.Name()]
		result, err := breaker.Execute(func() (any, error) {
			return c.fetchWithRetry(ctx, u, sym, rng)
		})
		c.recordBreakerState(u.Name())
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				lastErr = errs.New(errs.KindCircuitOpen, "fetch.GetRange", fmt.Sprintf("upstream %s circuit open", u.Name())).WithSymbol(sym.Code)
			} else if errs.Is(err, errs.KindUpstreamEmpty) {
				// An authoritative empty answer is not a failure to fall
				// through on; it's simply this upstream's (correct) answer.
				return nil, nil
			} else {
				lastErr = errs.Wrap(errs.KindUpstream, "fetch.GetRange", err).WithSymbol(sym.Code)
			}
			continue
		}
		rows, ok := result.([]model.OHLCVRow)
		if !ok {
			lastErr = errs.New(errs.KindNotFound, "fetch.GetRange", fmt.Sprintf("upstream %s returned no rows", u.Name())).WithSymbol(sym.Code)
			continue
		}
		if len(rows) == 0 {
			// A well-formed response with no rows is this upstream's
			// authoritative empty answer, like KindUpstreamEmpty above.
			return nil, nil
		}
		return c.applyQuality(rows), nil
	}
	if lastErr == nil {
		lastErr = errs.New(errs.KindUnavailable, "fetch.GetRange", "no upstreams configured").WithSymbol(sym.Code)
	}
	return nil, lastErr
}

// breakerStateValue maps a gobreaker state to the gauge value documented
// on telemetry.Metrics.CircuitState.
func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func (c *Coordinator) recordBreakerState(upstream string) {
	if c.metrics == nil {
		return
	}
	c.metrics.CircuitState.WithLabelValues(upstream).Set(breakerStateValue(c.breakers[upstream].State()))
}

// Latest resolves the most recent row for sym at interval, narrowing
// GetRange to a short trailing window. Used by the stream service to poll
// for the current value of a subscribed topic.
func (c *Coordinator) Latest(ctx context.Context, sym symbol.Canonical, interval string) (model.OHLCVRow, error) {
	end := time.Now()
	rows, err := c.GetRange(ctx, sym, model.Range{Interval: interval, Start: end.Add(-7 * 24 * time.Hour), End: end})
	if err != nil {
		return model.OHLCVRow{}, err
	}
	if len(rows) == 0 {
		return model.OHLCVRow{}, errs.New(errs.KindNotFound, "fetch.Latest", "no rows for symbol").WithSymbol(sym.Code)
	}
	return rows[len(rows)-1], nil
}

// BreakerState reports the current state name for an upstream, or
// "unknown" for an upstream with no breaker. The circuit_state gauge is
// set separately, through breakerStateValue.
func (c *Coordinator) BreakerState(upstream string) string {
	b, ok := c.breakers[upstream]
	if !ok {
		return "unknown"
	}
	return b.State().String()
}

// GetSymbolList returns the currently known tradable symbol universe for
// market, preferring the persistent store's last-bootstrapped list.
func (c *Coordinator) GetSymbolList(ctx context.Context, market symbol.Market) ([]symbol.Canonical, error) {
	if c.store == nil {
		return nil, errs.New(errs.KindUnavailable, "fetch.GetSymbolList", "no store configured")
	}
	return c.store.ListSymbols(ctx, market)
}

// ForceRefreshSymbolList re-runs the US-list bootstrap chain and persists
// the result, bypassing whatever the store already has cached.
func (c *Coordinator) ForceRefreshSymbolList(ctx context.Context) ([]symbol.Canonical, error) {
	if c.bootstrap == nil {
		return nil, errs.New(errs.KindUnavailable, "fetch.ForceRefreshSymbolList", "no list bootstrap configured")
	}
	symbols, err := c.bootstrap.Run(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "fetch.ForceRefreshSymbolList", err)
	}
	if c.store != nil {
		if err := c.store.UpsertSymbols(ctx, symbols); err != nil {
			c.log.Warn().Err(err).Msg("persisting refreshed symbol list failed")
		}
	}
	return symbols, nil
}

// InvalidateSymbol drops every cached entry (both tiers, every interval)
// for sym, forcing the next read to go through the store/upstream chain.
func (c *Coordinator) InvalidateSymbol(ctx context.Context, sym symbol.Canonical) error {
	var firstErr error
	for _, prefix := range []string{"stock:daily", "stock:minute", "crypto:ohlcv", "futures:ohlcv"} {
		// A range key has the shape "<prefix>:<code>:<hash>:<version>", so
		// sweeping on "<prefix>:<code>:" catches every cached interval/range
		// variant for this symbol regardless of its hash suffix.
		pattern := fmt.Sprintf("%s:%s:", prefix, sym.Code)
		if err := c.tc.InvalidatePattern(ctx, pattern); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetFundamentals resolves a fundamentals snapshot for sym, preferring a
// fresh upstream fetch with a store-read fallback when no fundamentals
// upstream is configured.
func (c *Coordinator) GetFundamentals(ctx context.Context, sym symbol.Canonical) (model.FundamentalSnapshot, error) {
	if c.fundamentals != nil {
		snap, err := c.fundamentals.FetchFundamentals(ctx, sym)
		if err == nil {
			if c.store != nil {
				if err := c.store.UpsertFundamentals(ctx, snap); err != nil {
					c.log.Warn().Str("symbol", sym.Code).Err(err).Msg("write-through of fundamentals failed")
				}
			}
			return snap, nil
		}
		if !errs.Is(err, errs.KindUpstreamEmpty) {
			c.log.Warn().Str("symbol", sym.Code).Err(err).Msg("fundamentals upstream fetch failed, falling back to store")
		}
	}
	if c.store == nil {
		return model.FundamentalSnapshot{}, errs.New(errs.KindUnavailable, "fetch.GetFundamentals", "no fundamentals source available").WithSymbol(sym.Code)
	}
	return c.store.LatestFundamentals(ctx, sym)
}

// GetCorporateActions resolves sym's corporate actions since since,
// preferring a fresh upstream fetch with a store-read fallback.
func (c *Coordinator) GetCorporateActions(ctx context.Context, sym symbol.Canonical, since time.Time) ([]model.CorporateAction, error) {
	if c.fundamentals != nil {
		actions, err := c.fundamentals.FetchCorporateActions(ctx, sym, since)
		if err == nil {
			if c.store != nil {
				if err := c.store.UpsertCorporateActions(ctx, sym, actions); err != nil {
					c.log.Warn().Str("symbol", sym.Code).Err(err).Msg("write-through of corporate actions failed")
				}
			}
			return actions, nil
		}
		if !errs.Is(err, errs.KindUpstreamEmpty) {
			c.log.Warn().Str("symbol", sym.Code).Err(err).Msg("corporate actions upstream fetch failed, falling back to store")
		}
	}
	if c.store == nil {
		return nil, errs.New(errs.KindUnavailable, "fetch.GetCorporateActions", "no corporate actions source available").WithSymbol(sym.Code)
	}
	return c.store.ListCorporateActions(ctx, sym, since)
}

// GetAnnualEarnings resolves sym's yearly earnings history, preferring a
// fresh upstream fetch with a store-read fallback.
func (c *Coordinator) GetAnnualEarnings(ctx context.Context, sym symbol.Canonical) ([]model.AnnualEarnings, error) {
	if c.fundamentals != nil {
		earnings, err := c.fundamentals.FetchAnnualEarnings(ctx, sym)
		if err == nil {
			if c.store != nil {
				if err := c.store.UpsertAnnualEarnings(ctx, sym, earnings); err != nil {
					c.log.Warn().Str("symbol", sym.Code).Err(err).Msg("write-through of annual earnings failed")
				}
			}
			return earnings, nil
		}
		if !errs.Is(err, errs.KindUpstreamEmpty) {
			c.log.Warn().Str("symbol", sym.Code).Err(err).Msg("annual earnings upstream fetch failed, falling back to store")
		}
	}
	if c.store == nil {
		return nil, errs.New(errs.KindUnavailable, "fetch.GetAnnualEarnings", "no annual earnings source available").WithSymbol(sym.Code)
	}
	return c.store.ListAnnualEarnings(ctx, sym)
}

// Package adapters implements the Upstream Adapter tier (C1): one adapter
// per upstream data source, each rate-limited and each normalizing its
// wire format into model.OHLCVRow. Adapted from the teacher's
// providers/kraken (rate-limited HTTP client shape) and
// infrastructure/websocket/normalizers.go (per-venue symbol/field
// normalization dispatch).
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/chronoretrace/marketdata/internal/errs"
	"github.com/chronoretrace/marketdata/internal/model"
	"github.com/chronoretrace/marketdata/internal/symbol"
)

// HTTPDoer is the subset of *http.Client an adapter needs, so tests can
// substitute a fake transport without a live network call.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// classifyTransportErr maps a transport-level failure (DNS, connection
// refused, context deadline) onto the failure-mode taxonomy. Every
// transport error is treated as transient: the request never reached the
// upstream, so nothing about the payload is known to be malformed.
func classifyTransportErr(op, symCode string, err error) *errs.Error {
	return errs.Wrap(errs.KindUpstreamTransient, op, err).WithSymbol(symCode)
}

// classifyStatus maps a non-2xx HTTP response onto the failure-mode
// taxonomy: 429 and 5xx are worth retrying against the same upstream;
// anything else (4xx) means the request itself was rejected and retrying
// won't help.
func classifyStatus(op, symCode string, status int, body string) *errs.Error {
	switch {
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return errs.New(errs.KindUpstreamTransient, op, fmt.Sprintf("upstream status %d: %s", status, body)).WithSymbol(symCode)
	default:
		return errs.New(errs.KindUpstreamMalformed, op, fmt.Sprintf("upstream status %d: %s", status, body)).WithSymbol(symCode)
	}
}

// RateLimited wraps an Upstream-shaped fetch function with a token-bucket
// limiter, the same per-upstream throttling style the teacher applies to
// its exchange websocket clients (there via ping/heartbeat cadence; here
// via request budget).
type RateLimited struct {
	name    string
	limiter *rate.Limiter
	fetch   func(ctx context.Context, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error)
	log     zerolog.Logger
}

// NewRateLimited constructs a rate-limited wrapper around fetch, allowing
// burst requests up to burst and refilling at ratePerSec tokens/second.
func NewRateLimited(name string, ratePerSec float64, burst int, log zerolog.Logger, fetch func(ctx context.Context, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error)) *RateLimited {
	return &RateLimited{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		fetch:   fetch,
		log:     log.With().Str("adapter", name).Logger(),
	}
}

func (r *RateLimited) Name() string { return r.name }

// FetchRange waits for a rate-limit token (honoring ctx cancellation) then
// delegates to the wrapped fetch function. A limiter wait failure (ctx
// canceled/deadline) is transient rather than malformed — the request was
// never sent. A nil-error, zero-row result is the "empty" outcome of the
// failure-mode taxonomy: a well-formed response with nothing in it, which
// callers treat as authoritative rather than retrying or falling through.
func (r *RateLimited) FetchRange(ctx context.Context, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, errs.Wrap(errs.KindUpstreamTransient, "adapters.FetchRange", err).WithSymbol(sym.Code)
	}
	start := time.Now()
	rows, err := r.fetch(ctx, sym, rng)
	r.log.Debug().Str("symbol", sym.Code).Dur("elapsed", time.Since(start)).Int("rows", len(rows)).Err(err).Msg("upstream fetch")
	if err != nil {
		return nil, err
	}
	return deriveFields(rows), nil
}

// deriveFields computes pre_close/change/pct_chg/amount and the trailing
// moving averages across a run of bars for the same symbol/interval. rows
// is sorted by Timestamp ascending first, so the derivations are
// well-defined regardless of the order the upstream returned them in.
func deriveFields(rows []model.OHLCVRow) []model.OHLCVRow {
	if len(rows) == 0 {
		return rows
	}
	sorted := make([]model.OHLCVRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	closes := make([]float64, len(sorted))
	for i := range sorted {
		closes[i] = sorted[i].Close
	}

	for i := range sorted {
		if i > 0 {
			sorted[i].PreClose = sorted[i-1].Close
			sorted[i].Change = sorted[i].Close - sorted[i].PreClose
			if sorted[i].PreClose != 0 {
				sorted[i].PctChange = sorted[i].Change / sorted[i].PreClose * 100
			}
		}
		sorted[i].Amount = sorted[i].Close * sorted[i].Volume
		sorted[i].MA5 = trailingMean(closes, i, 5)
		sorted[i].MA10 = trailingMean(closes, i, 10)
		sorted[i].MA20 = trailingMean(closes, i, 20)
		sorted[i].MA60 = trailingMean(closes, i, 60)
	}
	return sorted
}

// trailingMean averages closes[i-window+1 : i+1], returning zero when
// fewer than window values are available rather than a partial average.
func trailingMean(closes []float64, i, window int) float64 {
	if i+1 < window {
		return 0
	}
	var sum float64
	for _, c := range closes[i+1-window : i+1] {
		sum += c
	}
	return sum / float64(window)
}

// yfinanceBar is the wire shape for a single bar from the US-stock
// upstream's JSON API.
type yfinanceBar struct {
	Timestamp int64   `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
}

// USStockAdapter fetches OHLCV bars, fundamentals, corporate actions, and
// annual earnings for US-listed equities from a yfinance-shaped JSON HTTP
// endpoint.
type USStockAdapter struct {
	BaseURL string
	Client  HTTPDoer
}

// doGet issues a GET against path and returns the response body, already
// classified into the failure-mode taxonomy on any non-2xx/transport
// failure.
func (a *USStockAdapter) doGet(ctx context.Context, op, symCode, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+path, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamMalformed, op, err).WithSymbol(symCode)
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(op, symCode, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(op, symCode, resp.StatusCode, string(body))
	}
	return body, nil
}

func (a *USStockAdapter) fetch(ctx context.Context, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error) {
	path := fmt.Sprintf("/v1/bars/%s?interval=%s&start=%s&end=%s",
		sym.Code, rng.Interval, rng.Start.Format(time.RFC3339), rng.End.Format(time.RFC3339))
	body, err := a.doGet(ctx, "adapters.USStock.FetchRange", sym.Code, path)
	if err != nil {
		return nil, err
	}

	var bars []yfinanceBar
	if err := json.Unmarshal(body, &bars); err != nil {
		return nil, errs.Wrap(errs.KindUpstreamMalformed, "adapters.USStock.FetchRange", err).WithSymbol(sym.Code)
	}
	if len(bars) == 0 {
		return nil, nil
	}

	rows := make([]model.OHLCVRow, len(bars))
	for i, b := range bars {
		rows[i] = model.OHLCVRow{
			Symbol: sym, Interval: rng.Interval, Timestamp: time.Unix(b.Timestamp, 0).UTC(),
			Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
			Source: model.SourceYFinance,
		}
	}
	return rows, nil
}

// NewUSStockUpstream wraps USStockAdapter in a rate limiter, returning a
// value satisfying fetch.Upstream.
func NewUSStockUpstream(baseURL string, client HTTPDoer, ratePerSec float64, burst int, log zerolog.Logger) *RateLimited {
	a := &USStockAdapter{BaseURL: baseURL, Client: client}
	return NewRateLimited("us_stock", ratePerSec, burst, log, a.fetch)
}

// yfinanceFundamentals is the wire shape of the fundamentals endpoint.
type yfinanceFundamentals struct {
	MarketCap     float64 `json:"market_cap"`
	PERatio       float64 `json:"pe_ratio"`
	PBRatio       float64 `json:"pb_ratio"`
	DividendYield float64 `json:"dividend_yield"`
	AsOf          int64   `json:"as_of"`
}

// FetchFundamentals retrieves a point-in-time fundamentals snapshot.
// Fundamentals only exist for equities; CryptoAdapter has no equivalent
// method since crypto pairs carry no PE/market-cap concept.
func (a *USStockAdapter) FetchFundamentals(ctx context.Context, sym symbol.Canonical) (model.FundamentalSnapshot, error) {
	body, err := a.doGet(ctx, "adapters.USStock.FetchFundamentals", sym.Code, "/v1/fundamentals/"+sym.Code)
	if err != nil {
		return model.FundamentalSnapshot{}, err
	}
	var f yfinanceFundamentals
	if err := json.Unmarshal(body, &f); err != nil {
		return model.FundamentalSnapshot{}, errs.Wrap(errs.KindUpstreamMalformed, "adapters.USStock.FetchFundamentals", err).WithSymbol(sym.Code)
	}
	return model.FundamentalSnapshot{
		Symbol: sym, AsOf: time.Unix(f.AsOf, 0).UTC(),
		MarketCap: f.MarketCap, PERatio: f.PERatio, PBRatio: f.PBRatio, DividendYield: f.DividendYield,
		Source: model.SourceYFinance,
	}, nil
}

// yfinanceAction is the wire shape of a single split/dividend/spinoff entry.
type yfinanceAction struct {
	Type        string  `json:"type"`
	EffectiveAt int64   `json:"effective_at"`
	Ratio       float64 `json:"ratio"`
	CashAmount  float64 `json:"cash_amount"`
}

// FetchCorporateActions retrieves every split/dividend/spinoff event on or
// after since.
func (a *USStockAdapter) FetchCorporateActions(ctx context.Context, sym symbol.Canonical, since time.Time) ([]model.CorporateAction, error) {
	path := fmt.Sprintf("/v1/actions/%s?since=%s", sym.Code, since.Format(time.RFC3339))
	body, err := a.doGet(ctx, "adapters.USStock.FetchCorporateActions", sym.Code, path)
	if err != nil {
		return nil, err
	}
	var actions []yfinanceAction
	if err := json.Unmarshal(body, &actions); err != nil {
		return nil, errs.Wrap(errs.KindUpstreamMalformed, "adapters.USStock.FetchCorporateActions", err).WithSymbol(sym.Code)
	}
	out := make([]model.CorporateAction, len(actions))
	for i, act := range actions {
		out[i] = model.CorporateAction{
			Symbol: sym, Type: model.CorporateActionType(act.Type),
			EffectiveAt: time.Unix(act.EffectiveAt, 0).UTC(), Ratio: act.Ratio, CashAmount: act.CashAmount,
		}
	}
	return out, nil
}

// yfinanceEarnings is the wire shape of a single annual-earnings entry.
type yfinanceEarnings struct {
	Year      int     `json:"year"`
	Revenue   float64 `json:"revenue"`
	NetIncome float64 `json:"net_income"`
	EPS       float64 `json:"eps"`
}

// FetchAnnualEarnings retrieves the full annual earnings history available
// for sym.
func (a *USStockAdapter) FetchAnnualEarnings(ctx context.Context, sym symbol.Canonical) ([]model.AnnualEarnings, error) {
	body, err := a.doGet(ctx, "adapters.USStock.FetchAnnualEarnings", sym.Code, "/v1/earnings/"+sym.Code)
	if err != nil {
		return nil, err
	}
	var entries []yfinanceEarnings
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, errs.Wrap(errs.KindUpstreamMalformed, "adapters.USStock.FetchAnnualEarnings", err).WithSymbol(sym.Code)
	}
	out := make([]model.AnnualEarnings, len(entries))
	for i, e := range entries {
		out[i] = model.AnnualEarnings{Symbol: sym, Year: e.Year, Revenue: e.Revenue, NetIncome: e.NetIncome, EPS: e.EPS, Source: model.SourceYFinance}
	}
	return out, nil
}

// excludedSuffixes filters out listing types the symbol-list bootstrap
// should not treat as ordinary common stock: warrants, units, and rights.
var excludedSuffixes = []string{".W", ".U", ".R", ".WS"}

// listSource is one step in the US-list bootstrap chain: a named source
// that returns raw ticker strings, and whether its failure should be
// treated as fatal to the whole bootstrap (only the first, primary source
// is fatal; the rest are best-effort fallbacks whose failures are logged
// and skipped).
type listSource struct {
	name  string
	fatal bool
	fetch func(ctx context.Context) ([]string, error)
}

// USListBootstrap resolves the tracked US-equity symbol universe by
// walking an ordered chain of sources: a primary listing endpoint (fatal
// on failure — the service has no usable symbol universe without it) and
// one or more best-effort fallbacks (logged and skipped on failure). The
// result is the de-duplicated union of every successful source, with each
// raw ticker filtered through excludedSuffixes and symbol.New before
// being returned.
type USListBootstrap struct {
	sources []listSource
	log     zerolog.Logger
}

// NewUSListBootstrap constructs a bootstrap chain: primary (fatal) first,
// then any number of best-effort fallbacks.
func NewUSListBootstrap(log zerolog.Logger, primary func(ctx context.Context) ([]string, error), fallbacks ...func(ctx context.Context) ([]string, error)) *USListBootstrap {
	sources := []listSource{{name: "primary", fatal: true, fetch: primary}}
	for i, fb := range fallbacks {
		sources = append(sources, listSource{name: fmt.Sprintf("fallback_%d", i+1), fatal: false, fetch: fb})
	}
	return &USListBootstrap{sources: sources, log: log.With().Str("component", "us_list_bootstrap").Logger()}
}

// Run queries every source in order and returns the de-duplicated union of
// their tickers after suffix-filtering and symbol classification. A primary
// failure aborts the run; a fallback failure is logged and skipped. A
// successful-but-empty result is accepted as-is (an exchange genuinely
// having zero new listings is not a failure).
func (b *USListBootstrap) Run(ctx context.Context) ([]symbol.Canonical, error) {
	var raw []string
	seen := make(map[string]struct{})
	for _, src := range b.sources {
		got, err := src.fetch(ctx)
		if err != nil {
			if src.fatal {
				return nil, errs.Wrap(errs.KindUpstream, "adapters.USListBootstrap", err)
			}
			b.log.Warn().Str("source", src.name).Err(err).Msg("symbol list source failed, trying next")
			continue
		}
		for _, code := range got {
			if _, dup := seen[code]; !dup {
				seen[code] = struct{}{}
				raw = append(raw, code)
			}
		}
	}
	return filterSymbols(raw), nil
}

func filterSymbols(raw []string) []symbol.Canonical {
	out := make([]symbol.Canonical, 0, len(raw))
	for _, code := range raw {
		excluded := false
		for _, suffix := range excludedSuffixes {
			if strings.HasSuffix(code, suffix) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		out = append(out, symbol.New(code))
	}
	return out
}

// krakenOHLCResult mirrors the shape of Kraken's public OHLC endpoint: a
// keyed result map, values as heterogeneous arrays (timestamp as number,
// OHLCV fields as strings) the way Kraken's REST API actually serializes
// them.
type krakenOHLCResult struct {
	Result map[string][][8]json.RawMessage `json:"result"`
}

// CryptoAdapter fetches OHLC candles from a Kraken-shaped REST endpoint,
// grounded on the wire parsing style of providers/kraken/websocket.go's
// normalizers (string-typed numeric fields decoded with strconv).
type CryptoAdapter struct {
	BaseURL string
	Client  HTTPDoer
}

func (a *CryptoAdapter) fetch(ctx context.Context, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error) {
	url := fmt.Sprintf("%s/0/public/OHLC?pair=%s&interval=%s", a.BaseURL, sym.Code, rng.Interval)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamMalformed, "adapters.Crypto.FetchRange", err).WithSymbol(sym.Code)
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, classifyTransportErr("adapters.Crypto.FetchRange", sym.Code, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("adapters.Crypto.FetchRange", sym.Code, resp.StatusCode, string(body))
	}

	var parsed krakenOHLCResult
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindUpstreamMalformed, "adapters.Crypto.FetchRange", err).WithSymbol(sym.Code)
	}
	if len(parsed.Result) == 0 {
		return nil, nil
	}

	var rows []model.OHLCVRow
	for _, candles := range parsed.Result {
		for _, c := range candles {
			ts, openS, highS, lowS, closeS, _, volS := decodeField(c[0]), decodeString(c[1]), decodeString(c[2]), decodeString(c[3]), decodeString(c[4]), decodeString(c[5]), decodeString(c[6])
			open, _ := strconv.ParseFloat(openS, 64)
			high, _ := strconv.ParseFloat(highS, 64)
			low, _ := strconv.ParseFloat(lowS, 64)
			closeV, _ := strconv.ParseFloat(closeS, 64)
			vol, _ := strconv.ParseFloat(volS, 64)
			rows = append(rows, model.OHLCVRow{
				Symbol: sym, Interval: rng.Interval, Timestamp: time.Unix(ts, 0).UTC(),
				Open: open, High: high, Low: low, Close: closeV, Volume: vol,
				Source: model.SourceKraken,
			})
		}
	}
	return rows, nil
}

func decodeField(raw json.RawMessage) int64 {
	var n int64
	_ = json.Unmarshal(raw, &n)
	return n
}

func decodeString(raw json.RawMessage) string {
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

// NewCryptoUpstream wraps CryptoAdapter in a rate limiter.
func NewCryptoUpstream(baseURL string, client HTTPDoer, ratePerSec float64, burst int, log zerolog.Logger) *RateLimited {
	a := &CryptoAdapter{BaseURL: baseURL, Client: client}
	return NewRateLimited("crypto", ratePerSec, burst, log, a.fetch)
}

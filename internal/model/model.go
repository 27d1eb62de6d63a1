// Package model defines the data-plane's core value types: OHLCV rows,
// fundamental snapshots, corporate actions, and the cache/session records
// built on top of them.
package model

import (
	"time"

	"github.com/chronoretrace/marketdata/internal/symbol"
)

// DataSource names the upstream that produced a row. Carried through to
// quality reports and cache entries so a dedup pass can prefer one source
// over another.
type DataSource string

const (
	SourceEastmoney DataSource = "eastmoney"
	SourceAkshare   DataSource = "akshare"
	SourceYFinance  DataSource = "yfinance"
	SourceBinance   DataSource = "binance"
	SourceOKX       DataSource = "okx"
	SourceKraken    DataSource = "kraken"
	SourceCoinGecko DataSource = "coingecko"
)

// OHLCVRow is a single bar of price/volume data for a symbol at a given
// interval. PreClose/Change/PctChange/Amount and the MA fields are
// derivations computed by the adapter layer from a sorted run of bars for
// the same symbol/interval (see internal/adapters.deriveFields) rather
// than supplied by any upstream wire format.
type OHLCVRow struct {
	Symbol    symbol.Canonical `json:"symbol"`
	Interval  string           `json:"interval"`
	Timestamp time.Time        `json:"timestamp"`
	Open      float64          `json:"open"`
	High      float64          `json:"high"`
	Low       float64          `json:"low"`
	Close     float64          `json:"close"`
	Volume    float64          `json:"volume"`
	Source    DataSource       `json:"source"`

	// PreClose is the prior bar's Close for the same symbol/interval; zero
	// when this is the first bar in the series the derivation ran over.
	PreClose float64 `json:"pre_close"`
	// Change is Close - PreClose.
	Change float64 `json:"change"`
	// PctChange is (Close - PreClose) / PreClose * 100, or zero when
	// PreClose is zero (nothing to compare against).
	PctChange float64 `json:"pct_chg"`
	// Amount is Close * Volume, the notional value traded in the bar.
	Amount float64 `json:"amount"`

	// MA5/MA10/MA20/MA60 are trailing simple moving averages of Close over
	// the named window, computed across the same sorted run as PreClose.
	// Zero when fewer than the window's bars are available.
	MA5  float64 `json:"ma5,omitempty"`
	MA10 float64 `json:"ma10,omitempty"`
	MA20 float64 `json:"ma20,omitempty"`
	MA60 float64 `json:"ma60,omitempty"`

	// IsDuplicate and DuplicateSource are set by the quality pipeline when
	// this row was suppressed in favor of another row in the same
	// (symbol, date) group; the row is kept in the result set (and
	// persisted), just marked, rather than silently dropped.
	IsDuplicate     bool       `json:"is_duplicate,omitempty"`
	DuplicateSource DataSource `json:"duplicate_source,omitempty"`
}

// FundamentalSnapshot captures a point-in-time fundamentals record for a
// symbol (valuation ratios, shares outstanding, etc).
type FundamentalSnapshot struct {
	Symbol      symbol.Canonical  `json:"symbol"`
	AsOf        time.Time         `json:"as_of"`
	MarketCap   float64           `json:"market_cap"`
	PERatio     float64           `json:"pe_ratio"`
	PBRatio     float64           `json:"pb_ratio"`
	DividendYield float64         `json:"dividend_yield"`
	Source      DataSource        `json:"source"`
}

// CorporateActionType enumerates the kinds of corporate actions tracked.
type CorporateActionType string

const (
	ActionSplit    CorporateActionType = "split"
	ActionDividend CorporateActionType = "dividend"
	ActionSpinoff  CorporateActionType = "spinoff"
)

// CorporateAction records a single split/dividend/spinoff event.
type CorporateAction struct {
	Symbol      symbol.Canonical    `json:"symbol"`
	Type        CorporateActionType `json:"type"`
	EffectiveAt time.Time           `json:"effective_at"`
	Ratio       float64             `json:"ratio,omitempty"`
	CashAmount  float64             `json:"cash_amount,omitempty"`
}

// AnnualEarnings is a yearly earnings-report record.
type AnnualEarnings struct {
	Symbol   symbol.Canonical `json:"symbol"`
	Year     int              `json:"year"`
	Revenue  float64          `json:"revenue"`
	NetIncome float64         `json:"net_income"`
	EPS      float64          `json:"eps"`
	Source   DataSource       `json:"source"`
}

// DailyMetrics is the derived daily summary row the cron warm-up jobs
// materialize for each tracked symbol, combining price action with
// valuation ratios so screener-style queries (e.g. "positive PE under $X
// market cap") can run against one table.
type DailyMetrics struct {
	Symbol       symbol.Canonical `json:"symbol"`
	Date         time.Time        `json:"date"`
	Close        float64          `json:"close"`
	ChangePct    float64          `json:"change_pct"`
	Volume       float64          `json:"volume"`
	QualityScore float64          `json:"quality_score"`
	DataSource   DataSource       `json:"data_source"`
	LastUpdated  time.Time        `json:"last_updated"`

	// MA5/MA20 are trailing moving averages over Close (5-day/20-day
	// windows), copied from the latest OHLCVRow's adapter-derived MA5/MA20.
	MA5  float64 `json:"ma5"`
	MA20 float64 `json:"ma20"`

	// PERatio/PBRatio/MarketCap/DividendYield are columns for valuation
	// ratios alongside price action. The daily-metrics refresh job does not
	// fill them from fundamental_snapshots; it leaves them zero.
	PERatio       float64 `json:"pe_ratio"`
	PBRatio       float64 `json:"pb_ratio"`
	MarketCap     float64 `json:"market_cap"`
	DividendYield float64 `json:"dividend_yield"`

	// ValidationStatus is the quality validator's Severity classification
	// for this row ("ok", "warning", or "error").
	ValidationStatus string `json:"validation_status"`
	// IsDuplicate/DuplicateSource mirror OHLCVRow's dedup marking, applied
	// at the daily-metrics grain.
	IsDuplicate     bool       `json:"is_duplicate,omitempty"`
	DuplicateSource DataSource `json:"duplicate_source,omitempty"`
}

// Range identifies a contiguous [Start, End] window of an interval series.
type Range struct {
	Interval string
	Start    time.Time
	End      time.Time
}

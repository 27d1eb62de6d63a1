// Package store implements the persistent gateway over PostgreSQL:
// upserting OHLCV rows and reading point-in-time-ordered ranges back out.
// Adapted from the teacher's persistence/postgres/trades_repo.go — same
// sqlx + lib/pq query style, same pq.Error duplicate-key detection —
// generalized to the OHLCV row shape and extended with a genuine
// ON CONFLICT upsert the teacher's trade-insert path didn't need.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/chronoretrace/marketdata/internal/errs"
	"github.com/chronoretrace/marketdata/internal/model"
	"github.com/chronoretrace/marketdata/internal/symbol"
)

// ohlcvRecord is the sqlx scan target for the ohlcv_rows table.
type ohlcvRecord struct {
	Symbol          string    `db:"symbol"`
	Market          string    `db:"market"`
	Interval        string    `db:"interval"`
	Timestamp       time.Time `db:"ts"`
	Open            float64   `db:"open"`
	High            float64   `db:"high"`
	Low             float64   `db:"low"`
	Close           float64   `db:"close"`
	Volume          float64   `db:"volume"`
	Source          string    `db:"source"`
	IsDuplicate     bool      `db:"is_duplicate"`
	DuplicateSource string    `db:"duplicate_source"`
}

func toRecord(r model.OHLCVRow) ohlcvRecord {
	return ohlcvRecord{
		Symbol: r.Symbol.Code, Market: string(r.Symbol.Market), Interval: r.Interval,
		Timestamp: r.Timestamp, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close,
		Volume: r.Volume, Source: string(r.Source),
		IsDuplicate: r.IsDuplicate, DuplicateSource: string(r.DuplicateSource),
	}
}

func fromRecord(rec ohlcvRecord) model.OHLCVRow {
	return model.OHLCVRow{
		Symbol:    symbol.Canonical{Code: rec.Symbol, Market: symbol.Market(rec.Market)},
		Interval:  rec.Interval,
		Timestamp: rec.Timestamp,
		Open:      rec.Open, High: rec.High, Low: rec.Low, Close: rec.Close,
		Volume:          rec.Volume,
		Source:          model.DataSource(rec.Source),
		IsDuplicate:     rec.IsDuplicate,
		DuplicateSource: model.DataSource(rec.DuplicateSource),
	}
}

// Store is the OHLCV persistence gateway.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-opened *sqlx.DB.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const upsertSQL = `
INSERT INTO ohlcv_rows (symbol, market, interval, ts, open, high, low, close, volume, source, is_duplicate, duplicate_source)
VALUES (:symbol, :market, :interval, :ts, :open, :high, :low, :close, :volume, :source, :is_duplicate, :duplicate_source)
ON CONFLICT (symbol, market, interval, ts) DO UPDATE SET
	open = EXCLUDED.open,
	high = EXCLUDED.high,
	low = EXCLUDED.low,
	close = EXCLUDED.close,
	volume = EXCLUDED.volume,
	source = EXCLUDED.source,
	is_duplicate = EXCLUDED.is_duplicate,
	duplicate_source = EXCLUDED.duplicate_source
`

// UpsertRows writes rows in a single transaction, using ON CONFLICT DO
// UPDATE so a re-fetch of the same (symbol, market, interval, ts) row
// overwrites rather than duplicates it. Duplicate-key races outside the
// upsert's own conflict target (e.g. a concurrent schema constraint) are
// reported via errs.KindConflict, matching the teacher's pq.Error "23505"
// detection in trades_repo.go.
func (s *Store) UpsertRows(ctx context.Context, rows []model.OHLCVRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertRows", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, upsertSQL)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertRows", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, toRecord(row)); err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return errs.Wrap(errs.KindConflict, "store.UpsertRows", err).WithSymbol(row.Symbol.Code)
			}
			return errs.Wrap(errs.KindInternal, "store.UpsertRows", err).WithSymbol(row.Symbol.Code)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertRows", err)
	}
	return nil
}

const rangeSQL = `
SELECT symbol, market, interval, ts, open, high, low, close, volume, source, is_duplicate, duplicate_source
FROM ohlcv_rows
WHERE symbol = $1 AND market = $2 AND interval = $3 AND ts >= $4 AND ts <= $5
ORDER BY ts ASC
`

// ReadRange returns rows for sym/interval within rng, ordered point-in-time
// (ascending timestamp) — the order every downstream consumer (cache
// warm-up, stream diffing) assumes.
func (s *Store) ReadRange(ctx context.Context, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error) {
	var recs []ohlcvRecord
	err := s.db.SelectContext(ctx, &recs, rangeSQL, sym.Code, string(sym.Market), rng.Interval, rng.Start, rng.End)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "store.ReadRange", err).WithSymbol(sym.Code)
	}
	rows := make([]model.OHLCVRow, len(recs))
	for i, rec := range recs {
		rows[i] = fromRecord(rec)
	}
	return rows, nil
}

const latestSQL = `
SELECT symbol, market, interval, ts, open, high, low, close, volume, source, is_duplicate, duplicate_source
FROM ohlcv_rows
WHERE symbol = $1 AND market = $2 AND interval = $3
ORDER BY ts DESC
LIMIT 1
`

// Latest returns the most recent row for sym/interval, or
// errs.KindNotFound if none exists.
func (s *Store) Latest(ctx context.Context, sym symbol.Canonical, interval string) (model.OHLCVRow, error) {
	var rec ohlcvRecord
	err := s.db.GetContext(ctx, &rec, latestSQL, sym.Code, string(sym.Market), interval)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return model.OHLCVRow{}, errs.New(errs.KindNotFound, "store.Latest", fmt.Sprintf("no rows for %s/%s", sym.Code, interval))
		}
		return model.OHLCVRow{}, errs.Wrap(errs.KindInternal, "store.Latest", err).WithSymbol(sym.Code)
	}
	return fromRecord(rec), nil
}

// Count returns the number of stored rows for sym/interval.
func (s *Store) Count(ctx context.Context, sym symbol.Canonical, interval string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM ohlcv_rows WHERE symbol = $1 AND market = $2 AND interval = $3`,
		sym.Code, string(sym.Market), interval)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "store.Count", err).WithSymbol(sym.Code)
	}
	return n, nil
}

// symbolRecord is the sqlx scan target for the symbols table.
type symbolRecord struct {
	Symbol    string     `db:"symbol"`
	Market    string     `db:"market"`
	Name      string     `db:"name"`
	Active    bool       `db:"active"`
	ListedAt  *time.Time `db:"listed_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

// ListSymbols returns every active symbol tracked for market ("" returns
// every market), ordered by symbol.
func (s *Store) ListSymbols(ctx context.Context, market symbol.Market) ([]symbol.Canonical, error) {
	var recs []symbolRecord
	var err error
	if market == "" {
		err = s.db.SelectContext(ctx, &recs,
			`SELECT symbol, market, name, active, listed_at, updated_at FROM symbols WHERE active ORDER BY symbol`)
	} else {
		err = s.db.SelectContext(ctx, &recs,
			`SELECT symbol, market, name, active, listed_at, updated_at FROM symbols WHERE active AND market = $1 ORDER BY symbol`,
			string(market))
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "store.ListSymbols", err)
	}
	out := make([]symbol.Canonical, len(recs))
	for i, rec := range recs {
		out[i] = symbol.Canonical{Code: rec.Symbol, Market: symbol.Market(rec.Market)}
	}
	return out, nil
}

const upsertSymbolSQL = `
INSERT INTO symbols (symbol, market, name, active, updated_at)
VALUES (:symbol, :market, :name, TRUE, now())
ON CONFLICT (symbol, market) DO UPDATE SET
	name = EXCLUDED.name,
	active = TRUE,
	updated_at = now()
`

// UpsertSymbols inserts or reactivates the given symbols, e.g. after a
// US-list bootstrap run resolves the current tradable universe.
func (s *Store) UpsertSymbols(ctx context.Context, symbols []symbol.Canonical) error {
	if len(symbols) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertSymbols", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, upsertSymbolSQL)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertSymbols", err)
	}
	defer stmt.Close()

	for _, sym := range symbols {
		rec := symbolRecord{Symbol: sym.Code, Market: string(sym.Market), Name: sym.Code}
		if _, err := stmt.ExecContext(ctx, rec); err != nil {
			return errs.Wrap(errs.KindInternal, "store.UpsertSymbols", err).WithSymbol(sym.Code)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertSymbols", err)
	}
	return nil
}

// fundamentalRecord is the sqlx scan/bind target for fundamental_snapshots.
type fundamentalRecord struct {
	Symbol        string    `db:"symbol"`
	Market        string    `db:"market"`
	AsOf          time.Time `db:"as_of"`
	MarketCap     float64   `db:"market_cap"`
	PERatio       float64   `db:"pe_ratio"`
	PBRatio       float64   `db:"pb_ratio"`
	DividendYield float64   `db:"dividend_yield"`
	Source        string    `db:"source"`
}

const upsertFundamentalSQL = `
INSERT INTO fundamental_snapshots (symbol, market, as_of, market_cap, pe_ratio, pb_ratio, dividend_yield, source)
VALUES (:symbol, :market, :as_of, :market_cap, :pe_ratio, :pb_ratio, :dividend_yield, :source)
ON CONFLICT (symbol, market, as_of) DO UPDATE SET
	market_cap = EXCLUDED.market_cap,
	pe_ratio = EXCLUDED.pe_ratio,
	pb_ratio = EXCLUDED.pb_ratio,
	dividend_yield = EXCLUDED.dividend_yield,
	source = EXCLUDED.source
`

// UpsertFundamentals persists a fundamentals snapshot.
func (s *Store) UpsertFundamentals(ctx context.Context, snap model.FundamentalSnapshot) error {
	rec := fundamentalRecord{
		Symbol: snap.Symbol.Code, Market: string(snap.Symbol.Market), AsOf: snap.AsOf,
		MarketCap: snap.MarketCap, PERatio: snap.PERatio, PBRatio: snap.PBRatio,
		DividendYield: snap.DividendYield, Source: string(snap.Source),
	}
	_, err := s.db.NamedExecContext(ctx, upsertFundamentalSQL, rec)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertFundamentals", err).WithSymbol(snap.Symbol.Code)
	}
	return nil
}

// LatestFundamentals returns the most recent snapshot for sym.
func (s *Store) LatestFundamentals(ctx context.Context, sym symbol.Canonical) (model.FundamentalSnapshot, error) {
	var rec fundamentalRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT symbol, market, as_of, market_cap, pe_ratio, pb_ratio, dividend_yield, source
		 FROM fundamental_snapshots WHERE symbol = $1 AND market = $2 ORDER BY as_of DESC LIMIT 1`,
		sym.Code, string(sym.Market))
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return model.FundamentalSnapshot{}, errs.New(errs.KindNotFound, "store.LatestFundamentals", "no fundamentals for "+sym.Code)
		}
		return model.FundamentalSnapshot{}, errs.Wrap(errs.KindInternal, "store.LatestFundamentals", err).WithSymbol(sym.Code)
	}
	return model.FundamentalSnapshot{
		Symbol: symbol.Canonical{Code: rec.Symbol, Market: symbol.Market(rec.Market)}, AsOf: rec.AsOf,
		MarketCap: rec.MarketCap, PERatio: rec.PERatio, PBRatio: rec.PBRatio,
		DividendYield: rec.DividendYield, Source: model.DataSource(rec.Source),
	}, nil
}

// corporateActionRecord is the sqlx scan/bind target for corporate_actions.
type corporateActionRecord struct {
	Symbol      string    `db:"symbol"`
	Market      string    `db:"market"`
	Type        string    `db:"type"`
	EffectiveAt time.Time `db:"effective_at"`
	Ratio       float64   `db:"ratio"`
	CashAmount  float64   `db:"cash_amount"`
}

const upsertCorporateActionSQL = `
INSERT INTO corporate_actions (symbol, market, type, effective_at, ratio, cash_amount)
VALUES (:symbol, :market, :type, :effective_at, :ratio, :cash_amount)
ON CONFLICT (symbol, market, type, effective_at) DO UPDATE SET
	ratio = EXCLUDED.ratio,
	cash_amount = EXCLUDED.cash_amount
`

// UpsertCorporateActions persists a batch of corporate actions for sym.
func (s *Store) UpsertCorporateActions(ctx context.Context, sym symbol.Canonical, actions []model.CorporateAction) error {
	if len(actions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertCorporateActions", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, upsertCorporateActionSQL)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertCorporateActions", err)
	}
	defer stmt.Close()

	for _, a := range actions {
		rec := corporateActionRecord{
			Symbol: sym.Code, Market: string(sym.Market), Type: string(a.Type),
			EffectiveAt: a.EffectiveAt, Ratio: a.Ratio, CashAmount: a.CashAmount,
		}
		if _, err := stmt.ExecContext(ctx, rec); err != nil {
			return errs.Wrap(errs.KindInternal, "store.UpsertCorporateActions", err).WithSymbol(sym.Code)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertCorporateActions", err)
	}
	return nil
}

// ListCorporateActions returns sym's recorded actions since since, ascending.
func (s *Store) ListCorporateActions(ctx context.Context, sym symbol.Canonical, since time.Time) ([]model.CorporateAction, error) {
	var recs []corporateActionRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT symbol, market, type, effective_at, ratio, cash_amount FROM corporate_actions
		 WHERE symbol = $1 AND market = $2 AND effective_at >= $3 ORDER BY effective_at ASC`,
		sym.Code, string(sym.Market), since)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "store.ListCorporateActions", err).WithSymbol(sym.Code)
	}
	out := make([]model.CorporateAction, len(recs))
	for i, rec := range recs {
		out[i] = model.CorporateAction{
			Symbol: symbol.Canonical{Code: rec.Symbol, Market: symbol.Market(rec.Market)},
			Type:   model.CorporateActionType(rec.Type), EffectiveAt: rec.EffectiveAt,
			Ratio: rec.Ratio, CashAmount: rec.CashAmount,
		}
	}
	return out, nil
}

// annualEarningsRecord is the sqlx scan/bind target for annual_earnings.
type annualEarningsRecord struct {
	Symbol    string  `db:"symbol"`
	Market    string  `db:"market"`
	Year      int     `db:"year"`
	Revenue   float64 `db:"revenue"`
	NetIncome float64 `db:"net_income"`
	EPS       float64 `db:"eps"`
	Source    string  `db:"source"`
}

const upsertAnnualEarningsSQL = `
INSERT INTO annual_earnings (symbol, market, year, revenue, net_income, eps, source)
VALUES (:symbol, :market, :year, :revenue, :net_income, :eps, :source)
ON CONFLICT (symbol, market, year) DO UPDATE SET
	revenue = EXCLUDED.revenue,
	net_income = EXCLUDED.net_income,
	eps = EXCLUDED.eps,
	source = EXCLUDED.source
`

// UpsertAnnualEarnings persists a batch of yearly earnings records for sym.
func (s *Store) UpsertAnnualEarnings(ctx context.Context, sym symbol.Canonical, earnings []model.AnnualEarnings) error {
	if len(earnings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertAnnualEarnings", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, upsertAnnualEarningsSQL)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertAnnualEarnings", err)
	}
	defer stmt.Close()

	for _, e := range earnings {
		rec := annualEarningsRecord{
			Symbol: sym.Code, Market: string(sym.Market), Year: e.Year,
			Revenue: e.Revenue, NetIncome: e.NetIncome, EPS: e.EPS, Source: string(e.Source),
		}
		if _, err := stmt.ExecContext(ctx, rec); err != nil {
			return errs.Wrap(errs.KindInternal, "store.UpsertAnnualEarnings", err).WithSymbol(sym.Code)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertAnnualEarnings", err)
	}
	return nil
}

// ListAnnualEarnings returns sym's recorded yearly earnings, ascending by year.
func (s *Store) ListAnnualEarnings(ctx context.Context, sym symbol.Canonical) ([]model.AnnualEarnings, error) {
	var recs []annualEarningsRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT symbol, market, year, revenue, net_income, eps, source FROM annual_earnings
		 WHERE symbol = $1 AND market = $2 ORDER BY year ASC`,
		sym.Code, string(sym.Market))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "store.ListAnnualEarnings", err).WithSymbol(sym.Code)
	}
	out := make([]model.AnnualEarnings, len(recs))
	for i, rec := range recs {
		out[i] = model.AnnualEarnings{
			Symbol: symbol.Canonical{Code: rec.Symbol, Market: symbol.Market(rec.Market)}, Year: rec.Year,
			Revenue: rec.Revenue, NetIncome: rec.NetIncome, EPS: rec.EPS, Source: model.DataSource(rec.Source),
		}
	}
	return out, nil
}

// dailyMetricsRecord is the sqlx scan/bind target for daily_metrics.
type dailyMetricsRecord struct {
	Symbol           string    `db:"symbol"`
	Market           string    `db:"market"`
	Date             time.Time `db:"date"`
	Close            float64   `db:"close"`
	ChangePct        float64   `db:"change_pct"`
	Volume           float64   `db:"volume"`
	QualityScore     float64   `db:"quality_score"`
	DataSource       string    `db:"data_source"`
	LastUpdated      time.Time `db:"last_updated"`
	MA5              float64   `db:"ma5"`
	MA20             float64   `db:"ma20"`
	PERatio          float64   `db:"pe_ratio"`
	PBRatio          float64   `db:"pb_ratio"`
	MarketCap        float64   `db:"market_cap"`
	DividendYield    float64   `db:"dividend_yield"`
	ValidationStatus string    `db:"validation_status"`
	IsDuplicate      bool      `db:"is_duplicate"`
	DuplicateSource  string    `db:"duplicate_source"`
}

func toDailyMetricsRecord(m model.DailyMetrics) dailyMetricsRecord {
	return dailyMetricsRecord{
		Symbol: m.Symbol.Code, Market: string(m.Symbol.Market), Date: m.Date,
		Close: m.Close, ChangePct: m.ChangePct, Volume: m.Volume, QualityScore: m.QualityScore,
		DataSource: string(m.DataSource), LastUpdated: m.LastUpdated,
		MA5: m.MA5, MA20: m.MA20, PERatio: m.PERatio, PBRatio: m.PBRatio,
		MarketCap: m.MarketCap, DividendYield: m.DividendYield,
		ValidationStatus: m.ValidationStatus, IsDuplicate: m.IsDuplicate,
		DuplicateSource: string(m.DuplicateSource),
	}
}

func fromDailyMetricsRecord(rec dailyMetricsRecord) model.DailyMetrics {
	return model.DailyMetrics{
		Symbol: symbol.Canonical{Code: rec.Symbol, Market: symbol.Market(rec.Market)}, Date: rec.Date,
		Close: rec.Close, ChangePct: rec.ChangePct, Volume: rec.Volume, QualityScore: rec.QualityScore,
		DataSource: model.DataSource(rec.DataSource), LastUpdated: rec.LastUpdated,
		MA5: rec.MA5, MA20: rec.MA20, PERatio: rec.PERatio, PBRatio: rec.PBRatio,
		MarketCap: rec.MarketCap, DividendYield: rec.DividendYield,
		ValidationStatus: rec.ValidationStatus, IsDuplicate: rec.IsDuplicate,
		DuplicateSource: model.DataSource(rec.DuplicateSource),
	}
}

const upsertDailyMetricsSQL = `
INSERT INTO daily_metrics (symbol, market, date, close, change_pct, volume, quality_score, data_source,
	last_updated, ma5, ma20, pe_ratio, pb_ratio, market_cap, dividend_yield, validation_status, is_duplicate, duplicate_source)
VALUES (:symbol, :market, :date, :close, :change_pct, :volume, :quality_score, :data_source,
	:last_updated, :ma5, :ma20, :pe_ratio, :pb_ratio, :market_cap, :dividend_yield, :validation_status, :is_duplicate, :duplicate_source)
ON CONFLICT (symbol, market, date) DO UPDATE SET
	close = EXCLUDED.close, change_pct = EXCLUDED.change_pct, volume = EXCLUDED.volume,
	quality_score = EXCLUDED.quality_score, data_source = EXCLUDED.data_source, last_updated = EXCLUDED.last_updated,
	ma5 = EXCLUDED.ma5, ma20 = EXCLUDED.ma20, pe_ratio = EXCLUDED.pe_ratio, pb_ratio = EXCLUDED.pb_ratio,
	market_cap = EXCLUDED.market_cap, dividend_yield = EXCLUDED.dividend_yield,
	validation_status = EXCLUDED.validation_status, is_duplicate = EXCLUDED.is_duplicate,
	duplicate_source = EXCLUDED.duplicate_source
`

// UpsertDailyMetrics persists a batch of daily metrics rows, the
// materialized output of the daily-metrics warm-up job.
func (s *Store) UpsertDailyMetrics(ctx context.Context, metrics []model.DailyMetrics) error {
	if len(metrics) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertDailyMetrics", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, upsertDailyMetricsSQL)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertDailyMetrics", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx, toDailyMetricsRecord(m)); err != nil {
			return errs.Wrap(errs.KindInternal, "store.UpsertDailyMetrics", err).WithSymbol(m.Symbol.Code)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindInternal, "store.UpsertDailyMetrics", err)
	}
	return nil
}

// LatestDailyMetrics returns the most recent daily metrics row for sym.
func (s *Store) LatestDailyMetrics(ctx context.Context, sym symbol.Canonical) (model.DailyMetrics, error) {
	var rec dailyMetricsRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT symbol, market, date, close, change_pct, volume, quality_score, data_source, last_updated,
		 ma5, ma20, pe_ratio, pb_ratio, market_cap, dividend_yield, validation_status, is_duplicate, duplicate_source
		 FROM daily_metrics WHERE symbol = $1 AND market = $2 ORDER BY date DESC LIMIT 1`,
		sym.Code, string(sym.Market))
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return model.DailyMetrics{}, errs.New(errs.KindNotFound, "store.LatestDailyMetrics", "no daily metrics for "+sym.Code)
		}
		return model.DailyMetrics{}, errs.Wrap(errs.KindInternal, "store.LatestDailyMetrics", err).WithSymbol(sym.Code)
	}
	return fromDailyMetricsRecord(rec), nil
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/chronoretrace/marketdata/internal/model"
	"github.com/chronoretrace/marketdata/internal/symbol"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return New(sqlxDB), mock, func() { db.Close() }
}

func TestUpsertRowsCommitsOnSuccess(t *testing.T) {
	s, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO ohlcv_rows")
	mock.ExpectExec("INSERT INTO ohlcv_rows").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	row := model.OHLCVRow{
		Symbol: symbol.New("AAPL"), Interval: "1d", Timestamp: time.Now(),
		Open: 100, High: 105, Low: 95, Close: 102, Volume: 1000, Source: model.SourceYFinance,
	}
	err := s.UpsertRows(context.Background(), []model.OHLCVRow{row})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRowsEmptyIsNoOp(t *testing.T) {
	s, mock, closeFn := newMockStore(t)
	defer closeFn()

	err := s.UpsertRows(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRowsRollsBackOnDuplicateKey(t *testing.T) {
	s, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO ohlcv_rows")
	mock.ExpectExec("INSERT INTO ohlcv_rows").WillReturnError(&pqDuplicateError{})
	mock.ExpectRollback()

	row := model.OHLCVRow{Symbol: symbol.New("AAPL"), Interval: "1d", Timestamp: time.Now(), Close: 1}
	err := s.UpsertRows(context.Background(), []model.OHLCVRow{row})
	require.Error(t, err)
}

func TestReadRangeOrdersAscending(t *testing.T) {
	s, mock, closeFn := newMockStore(t)
	defer closeFn()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"symbol", "market", "interval", "ts", "open", "high", "low", "close", "volume", "source"}).
		AddRow("AAPL", "US_stock", "1d", now.Add(-time.Hour), 99.0, 101.0, 98.0, 100.0, 500.0, "yfinance").
		AddRow("AAPL", "US_stock", "1d", now, 100.0, 106.0, 99.0, 104.0, 700.0, "yfinance")

	mock.ExpectQuery("SELECT symbol, market, interval, ts").WillReturnRows(rows)

	got, err := s.ReadRange(context.Background(), symbol.New("AAPL"), model.Range{Interval: "1d", Start: now.Add(-2 * time.Hour), End: now})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0].Timestamp.Before(got[1].Timestamp))
}

func TestLatestReturnsNotFoundOnNoRows(t *testing.T) {
	s, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectQuery("SELECT symbol, market, interval, ts").WillReturnError(errNoRows{})

	_, err := s.Latest(context.Background(), symbol.New("AAPL"), "1d")
	require.Error(t, err)
}

// errNoRows mimics sql.ErrNoRows' Error() text without importing database/sql
// just for this test helper.
type errNoRows struct{}

func (errNoRows) Error() string { return "sql: no rows in result set" }

// pqDuplicateError carries a duplicate-key message but is not a *pq.Error,
// so UpsertRows takes its generic KindInternal branch rather than the
// "23505" one; the test checks only that an error comes back.
type pqDuplicateError struct{}

func (pqDuplicateError) Error() string { return "duplicate key value violates unique constraint" }

package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronoretrace/marketdata/internal/model"
	"github.com/chronoretrace/marketdata/internal/stream/connmgr"
	"github.com/chronoretrace/marketdata/internal/symbol"
)

type fakeFetcher struct {
	rows []model.OHLCVRow
	err  error
}

func (f *fakeFetcher) GetRange(ctx context.Context, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error) {
	return f.rows, f.err
}

func (f *fakeFetcher) Latest(ctx context.Context, sym symbol.Canonical, interval string) (model.OHLCVRow, error) {
	if len(f.rows) == 0 {
		return model.OHLCVRow{}, f.err
	}
	return f.rows[len(f.rows)-1], f.err
}

func (f *fakeFetcher) GetSymbolList(ctx context.Context, market symbol.Market) ([]symbol.Canonical, error) {
	return nil, f.err
}

func (f *fakeFetcher) ForceRefreshSymbolList(ctx context.Context) ([]symbol.Canonical, error) {
	return nil, f.err
}

func (f *fakeFetcher) InvalidateSymbol(ctx context.Context, sym symbol.Canonical) error { return f.err }

func (f *fakeFetcher) GetFundamentals(ctx context.Context, sym symbol.Canonical) (model.FundamentalSnapshot, error) {
	return model.FundamentalSnapshot{}, f.err
}

func (f *fakeFetcher) GetCorporateActions(ctx context.Context, sym symbol.Canonical, since time.Time) ([]model.CorporateAction, error) {
	return nil, f.err
}

func (f *fakeFetcher) GetAnnualEarnings(ctx context.Context, sym symbol.Canonical) ([]model.AnnualEarnings, error) {
	return nil, f.err
}

func TestHealthReturnsOK(t *testing.T) {
	h := New(&fakeFetcher{}, connmgr.New(zerolog.Nop()), nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	h.Health(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestGetRangeReturnsRowsAsJSON(t *testing.T) {
	fetcher := &fakeFetcher{rows: []model.OHLCVRow{{Symbol: symbol.New("AAPL"), Close: 100}}}
	h := New(fetcher, connmgr.New(zerolog.Nop()), nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/v1/ohlcv/AAPL", nil)
	rec := httptest.NewRecorder()

	h.GetRange(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var rows []model.OHLCVRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 100.0, rows[0].Close)
}

func TestGetRangePropagatesUpstreamError(t *testing.T) {
	fetcher := &fakeFetcher{err: assertErr{}}
	h := New(fetcher, connmgr.New(zerolog.Nop()), nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/v1/ohlcv/AAPL", nil)
	rec := httptest.NewRecorder()

	h.GetRange(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "upstream down" }

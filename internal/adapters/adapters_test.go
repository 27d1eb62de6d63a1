package adapters

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronoretrace/marketdata/internal/model"
	"github.com/chronoretrace/marketdata/internal/symbol"
)

type fakeDoer struct {
	status int
	body   string
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(bytes.NewBufferString(f.body)),
	}, nil
}

func TestUSStockAdapterParsesBars(t *testing.T) {
	body := `[{"t":1753862400,"o":100,"h":105,"l":95,"c":102,"v":1000}]`
	client := &fakeDoer{status: 200, body: body}
	upstream := NewUSStockUpstream("http://fake", client, 1000, 10, zerolog.Nop())

	rows, err := upstream.FetchRange(context.Background(), symbol.New("AAPL"), model.Range{Interval: "1d", Start: time.Now().Add(-time.Hour), End: time.Now()})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 102.0, rows[0].Close)
	assert.Equal(t, model.SourceYFinance, rows[0].Source)
}

func TestUSStockAdapterPropagatesHTTPError(t *testing.T) {
	client := &fakeDoer{status: 500, body: "boom"}
	upstream := NewUSStockUpstream("http://fake", client, 1000, 10, zerolog.Nop())

	_, err := upstream.FetchRange(context.Background(), symbol.New("AAPL"), model.Range{Interval: "1d"})
	assert.Error(t, err)
}

func TestCryptoAdapterParsesOHLC(t *testing.T) {
	body := `{"result":{"XBTUSD":[[1753862400,"50000.0","50500.0","49500.0","50200.0","50100.0","120.5",10]]}}`
	client := &fakeDoer{status: 200, body: body}
	upstream := NewCryptoUpstream("http://fake", client, 1000, 10, zerolog.Nop())

	rows, err := upstream.FetchRange(context.Background(), symbol.New("BTCUSD"), model.Range{Interval: "1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 50200.0, rows[0].Close)
	assert.Equal(t, model.SourceKraken, rows[0].Source)
}

func TestRateLimitedUsesUpstreamName(t *testing.T) {
	client := &fakeDoer{status: 200, body: "[]"}
	upstream := NewUSStockUpstream("http://fake", client, 1000, 10, zerolog.Nop())
	assert.Equal(t, "us_stock", upstream.Name())
}

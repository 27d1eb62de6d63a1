package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronoretrace/marketdata/internal/config"
)

type fakeHandlers struct{ healthCalls int }

func (f *fakeHandlers) Health(w http.ResponseWriter, r *http.Request) {
	f.healthCalls++
	w.WriteHeader(http.StatusOK)
}
func (f *fakeHandlers) GetRange(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
func (f *fakeHandlers) ServeWS(w http.ResponseWriter, r *http.Request)  { w.WriteHeader(http.StatusOK) }
func (f *fakeHandlers) GetSymbolList(w http.ResponseWriter, r *http.Request)          { w.WriteHeader(http.StatusOK) }
func (f *fakeHandlers) ForceRefreshSymbolList(w http.ResponseWriter, r *http.Request)  { w.WriteHeader(http.StatusOK) }
func (f *fakeHandlers) InvalidateSymbol(w http.ResponseWriter, r *http.Request)        { w.WriteHeader(http.StatusOK) }
func (f *fakeHandlers) GetFundamentals(w http.ResponseWriter, r *http.Request)         { w.WriteHeader(http.StatusOK) }
func (f *fakeHandlers) GetCorporateActions(w http.ResponseWriter, r *http.Request)     { w.WriteHeader(http.StatusOK) }
func (f *fakeHandlers) GetAnnualEarnings(w http.ResponseWriter, r *http.Request)       { w.WriteHeader(http.StatusOK) }

func testServer(t *testing.T) (*Server, *fakeHandlers) {
	t.Helper()
	cfg := config.ServerConfig{
		Host: "127.0.0.1", Port: 0,
		ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second,
	}
	h := &fakeHandlers{}
	s, err := New(cfg, h, zerolog.Nop())
	require.NoError(t, err)
	return s, h
}

func TestHealthRouteDispatches(t *testing.T) {
	s, h := testServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.healthCalls)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestUnknownRouteReturns404(t *testing.T) {
	s, _ := testServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	s, _ := testServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	s.router.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCORSAllowsLocalhostOrigin(t *testing.T) {
	s, _ := testServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

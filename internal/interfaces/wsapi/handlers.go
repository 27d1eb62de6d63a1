// Package wsapi implements the handler set the httpapi server dispatches
// to: a health probe, the OHLCV range read endpoint, and the WebSocket
// upgrade entrypoint that hands a new connection to the Connection
// Manager, parsing subscribe/unsubscribe frames off the wire per
// internal/stream/protocol.
package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chronoretrace/marketdata/internal/model"
	"github.com/chronoretrace/marketdata/internal/stream/connmgr"
	"github.com/chronoretrace/marketdata/internal/stream/protocol"
	"github.com/chronoretrace/marketdata/internal/stream/service"
	"github.com/chronoretrace/marketdata/internal/symbol"
)

// RangeFetcher is the subset of fetch.Coordinator the Client RPC HTTP
// handlers need: the OHLCV range read plus the six symbol/fundamentals
// operations.
type RangeFetcher interface {
	GetRange(ctx context.Context, sym symbol.Canonical, rng model.Range) ([]model.OHLCVRow, error)
	GetSymbolList(ctx context.Context, market symbol.Market) ([]symbol.Canonical, error)
	ForceRefreshSymbolList(ctx context.Context) ([]symbol.Canonical, error)
	InvalidateSymbol(ctx context.Context, sym symbol.Canonical) error
	GetFundamentals(ctx context.Context, sym symbol.Canonical) (model.FundamentalSnapshot, error)
	GetCorporateActions(ctx context.Context, sym symbol.Canonical, since time.Time) ([]model.CorporateAction, error)
	GetAnnualEarnings(ctx context.Context, sym symbol.Canonical) ([]model.AnnualEarnings, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handlers implements httpapi.Handlers.
type Handlers struct {
	fetcher RangeFetcher
	conns   *connmgr.Manager
	stream  *service.Service
	log     zerolog.Logger
}

// New constructs the handler set.
func New(fetcher RangeFetcher, conns *connmgr.Manager, stream *service.Service, log zerolog.Logger) *Handlers {
	return &Handlers{fetcher: fetcher, conns: conns, stream: stream, log: log.With().Str("component", "wsapi").Logger()}
}

// Health reports basic liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// GetRange reads {symbol} from the path and start/end/interval from the
// query string, then resolves them through the fetch coordinator.
func (h *Handlers) GetRange(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sym := symbol.New(vars["symbol"])

	q := r.URL.Query()
	interval := q.Get("interval")
	if interval == "" {
		interval = "1d"
	}
	end := time.Now()
	start := end.Add(-24 * time.Hour)
	if s := q.Get("start"); s != "" {
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			start = parsed
		}
	}
	if e := q.Get("end"); e != "" {
		if parsed, err := time.Parse(time.RFC3339, e); err == nil {
			end = parsed
		}
	}

	rows, err := h.fetcher.GetRange(r.Context(), sym, model.Range{Interval: interval, Start: start, End: end})
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(rows)
}

// GetSymbolList returns the tracked symbol universe for ?market=US_stock
// (or A_share/CRYPTO/FUTURES, matched verbatim against symbol.Market),
// reading through to the store.
func (h *Handlers) GetSymbolList(w http.ResponseWriter, r *http.Request) {
	market := symbol.Market(r.URL.Query().Get("market"))
	symbols, err := h.fetcher.GetSymbolList(r.Context(), market)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	_ = json.NewEncoder(w).Encode(symbols)
}

// ForceRefreshSymbolList re-runs the list bootstrap chain and persists the
// result, bypassing whatever the store already has cached.
func (h *Handlers) ForceRefreshSymbolList(w http.ResponseWriter, r *http.Request) {
	symbols, err := h.fetcher.ForceRefreshSymbolList(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	_ = json.NewEncoder(w).Encode(symbols)
}

// InvalidateSymbol drops every cached range variant for {symbol} across
// all cache-key-prefix namespaces.
func (h *Handlers) InvalidateSymbol(w http.ResponseWriter, r *http.Request) {
	sym := symbol.New(mux.Vars(r)["symbol"])
	if err := h.fetcher.InvalidateSymbol(r.Context(), sym); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "invalidated"})
}

// GetFundamentals resolves the latest fundamentals snapshot for {symbol}.
func (h *Handlers) GetFundamentals(w http.ResponseWriter, r *http.Request) {
	sym := symbol.New(mux.Vars(r)["symbol"])
	snap, err := h.fetcher.GetFundamentals(r.Context(), sym)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	_ = json.NewEncoder(w).Encode(snap)
}

// GetCorporateActions resolves every corporate action for {symbol} on or
// after ?since= (RFC3339), defaulting to the last 10 years.
func (h *Handlers) GetCorporateActions(w http.ResponseWriter, r *http.Request) {
	sym := symbol.New(mux.Vars(r)["symbol"])
	since := time.Now().AddDate(-10, 0, 0)
	if s := r.URL.Query().Get("since"); s != "" {
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			since = parsed
		}
	}
	actions, err := h.fetcher.GetCorporateActions(r.Context(), sym, since)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	_ = json.NewEncoder(w).Encode(actions)
}

// GetAnnualEarnings resolves the full annual earnings history for {symbol}.
func (h *Handlers) GetAnnualEarnings(w http.ResponseWriter, r *http.Request) {
	sym := symbol.New(mux.Vars(r)["symbol"])
	earnings, err := h.fetcher.GetAnnualEarnings(r.Context(), sym)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	_ = json.NewEncoder(w).Encode(earnings)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// ServeWS upgrades the connection, registers it with the Connection
// Manager under a freshly minted client_id, and then loops reading
// subscribe/unsubscribe frames until the client disconnects.
func (h *Handlers) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	clientID := connmgr.NewClientID()
	h.conns.Connect(clientID, conn)
	defer h.conns.Disconnect(clientID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.conns.Touch(clientID)
		h.handleFrame(clientID, raw)
	}
}

func (h *Handlers) handleFrame(clientID string, raw []byte) {
	var req protocol.SubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.log.Debug().Err(err).Msg("malformed client frame")
		return
	}
	switch req.Type {
	case protocol.TypeSubscribe:
		if h.conns.Subscribe(clientID, req.Topic) {
			h.stream.HandleSubscriptionChange(req.Topic, true)
		}
	case protocol.TypeUnsubscribe:
		if h.conns.Unsubscribe(clientID, req.Topic) {
			h.stream.HandleSubscriptionChange(req.Topic, false)
		}
	case protocol.TypePing:
		h.conns.Pong(clientID)
	case protocol.TypeHeartbeatResponse:
		// Touch above already refreshed the idle timer; nothing else to do.
	case protocol.TypeGetSubscriptions:
		h.conns.SendSubscriptionsList(clientID)
	default:
		h.log.Debug().Str("type", string(req.Type)).Msg("unrecognized frame type")
	}
}

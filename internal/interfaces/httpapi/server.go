// Package httpapi wires the Client RPC surface (§6.1) and the WebSocket
// upgrade endpoint onto a gorilla/mux router, adapted from the teacher's
// interfaces/http.Server: same middleware chain shape (request ID,
// logging, timeout, CORS, JSON content type) and same port-probe-then-
// listen construction, with log.Printf swapped for the module's zerolog
// logger and the health/candidates/explain handlers replaced by the
// range/fundamentals/status endpoints this service actually exposes.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/chronoretrace/marketdata/internal/config"
)

type requestIDKey struct{}

// Handlers is the set of route handlers the server dispatches to. Kept as
// an interface so the server can be constructed independently of the
// fetch/quality wiring in tests.
type Handlers interface {
	Health(w http.ResponseWriter, r *http.Request)
	GetRange(w http.ResponseWriter, r *http.Request)
	ServeWS(w http.ResponseWriter, r *http.Request)
	GetSymbolList(w http.ResponseWriter, r *http.Request)
	ForceRefreshSymbolList(w http.ResponseWriter, r *http.Request)
	InvalidateSymbol(w http.ResponseWriter, r *http.Request)
	GetFundamentals(w http.ResponseWriter, r *http.Request)
	GetCorporateActions(w http.ResponseWriter, r *http.Request)
	GetAnnualEarnings(w http.ResponseWriter, r *http.Request)
}

// Server is the read-facing HTTP + WebSocket entrypoint.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers Handlers
	log      zerolog.Logger
	cfg      config.ServerConfig
}

// New probes the configured port for availability (matching the teacher's
// fail-fast NewServer) then builds the router and middleware chain.
func New(cfg config.ServerConfig, handlers Handlers, log zerolog.Logger) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("httpapi: port %d busy or unavailable: %w", cfg.Port, err)
	}
	listener.Close()

	s := &Server{
		router:   mux.NewRouter(),
		handlers: handlers,
		log:      log.With().Str("component", "httpapi").Logger(),
		cfg:      cfg,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)
	s.router.Use(s.corsMiddleware)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)
	api.HandleFunc("/v1/ohlcv/{symbol}", s.handlers.GetRange).Methods(http.MethodGet)
	api.HandleFunc("/v1/symbols", s.handlers.GetSymbolList).Methods(http.MethodGet)
	api.HandleFunc("/v1/symbols/refresh", s.handlers.ForceRefreshSymbolList).Methods(http.MethodPost)
	api.HandleFunc("/v1/symbols/{symbol}/invalidate", s.handlers.InvalidateSymbol).Methods(http.MethodPost)
	api.HandleFunc("/v1/fundamentals/{symbol}", s.handlers.GetFundamentals).Methods(http.MethodGet)
	api.HandleFunc("/v1/corporate-actions/{symbol}", s.handlers.GetCorporateActions).Methods(http.MethodGet)
	api.HandleFunc("/v1/earnings/{symbol}", s.handlers.GetAnnualEarnings).Methods(http.MethodGet)

	// WS upgrade bypasses the JSON content-type subrouter entirely.
	s.router.HandleFunc("/v1/stream", s.handlers.ServeWS)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (sc *statusCapture) WriteHeader(code int) {
	sc.status = code
	sc.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sc := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sc, r)

		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.log.Info().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sc.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start begins serving; blocks until Shutdown is called or a fatal error
// occurs.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting http server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down http server")
	return s.server.Shutdown(ctx)
}

// Command marketdatad is the process entrypoint: it wires the cache,
// store, fetch coordinator, stream service, and HTTP/WebSocket server
// together and exposes them behind a small cobra CLI, grounded on the
// teacher's cmd/cryptorun/main.go (root command + subcommands, flags bound
// in init, errors printed to stderr with a non-zero exit).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chronoretrace/marketdata/internal/adapters"
	"github.com/chronoretrace/marketdata/internal/cache"
	"github.com/chronoretrace/marketdata/internal/cache/rediskv"
	"github.com/chronoretrace/marketdata/internal/config"
	"github.com/chronoretrace/marketdata/internal/fetch"
	"github.com/chronoretrace/marketdata/internal/interfaces/httpapi"
	"github.com/chronoretrace/marketdata/internal/interfaces/wsapi"
	"github.com/chronoretrace/marketdata/internal/model"
	"github.com/chronoretrace/marketdata/internal/quality"
	"github.com/chronoretrace/marketdata/internal/store"
	"github.com/chronoretrace/marketdata/internal/store/migrate"
	"github.com/chronoretrace/marketdata/internal/stream/connmgr"
	"github.com/chronoretrace/marketdata/internal/stream/service"
	"github.com/chronoretrace/marketdata/internal/symbol"
	"github.com/chronoretrace/marketdata/internal/telemetry"
	"github.com/chronoretrace/marketdata/internal/warmup"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "marketdatad",
	Short: "Market data serving backend",
	Long: `marketdatad serves cached, quality-validated OHLCV market data over
HTTP and WebSocket, with scheduled cache warm-up across A-share, US-stock,
and crypto upstreams.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket server and warm-up scheduler",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE:  runMigrate,
}

var warmUpNowCmd = &cobra.Command{
	Use:   "warm-up-now",
	Short: "Run one warm-up pass immediately and exit",
	RunE:  runWarmUpNow,
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe a running instance's /health endpoint",
	RunE:  runHealthcheck,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional, overlays defaults)")
	rootCmd.AddCommand(serveCmd, migrateCmd, warmUpNowCmd, healthcheckCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := sqlx.Connect(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := migrate.Run(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}

func buildFetchCoordinator(cfg config.Config, log zerolog.Logger) (*fetch.Coordinator, cache.L2, error) {
	l1 := cache.NewL1(cfg.Cache.L1.MaxEntries)

	var l2 cache.L2
	if cfg.Cache.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		redisStore, err := rediskv.New(ctx, rediskv.Config{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		l2 = redisStore
	}

	tc := cache.NewTiered(l1, l2)
	httpClient := &http.Client{Timeout: cfg.Upstream.RequestTimeout}

	const usStockBaseURL = "https://upstream-us.internal"
	usStockAdapter := &adapters.USStockAdapter{BaseURL: usStockBaseURL, Client: httpClient}
	upstreams := []fetch.Upstream{
		adapters.NewUSStockUpstream(usStockBaseURL, httpClient, cfg.Upstream.RateLimitPerSec, cfg.Upstream.RateLimitBurst, log),
		adapters.NewCryptoUpstream("https://upstream-crypto.internal", httpClient, cfg.Upstream.RateLimitPerSec, cfg.Upstream.RateLimitBurst, log),
	}

	coordinator := fetch.New(tc, upstreams, fetch.Config{
		HotTTL:             cfg.Cache.HotTTL(),
		WarmTTL:            cfg.Cache.WarmTTL(),
		BreakerMaxRequests: cfg.Upstream.BreakerHalfOpenN,
		BreakerInterval:    60 * time.Second,
		BreakerTimeout:     cfg.Upstream.BreakerOpenFor,
		BreakerFailures:    uint32(cfg.Upstream.BreakerFailures),
		MaxRetries:         cfg.Upstream.MaxRetries,
		RetryBackoff:       cfg.Upstream.RetryBackoff,
		IntradayIntervals:  cfg.Cache.IntradayIntervals,
	})
	coordinator.SetLogger(log)
	coordinator.SetQualityPipeline(quality.NewPipeline(
		quality.NewValidator(quality.Weights{ErrorPenalty: cfg.Quality.ErrorPenalty, WarningPenalty: cfg.Quality.WarningPenalty}),
		quality.NewDeduper(quality.DefaultSimilarityWeights(), quality.Thresholds{
			Exact: cfg.Quality.SimilarityExact, Partial: cfg.Quality.SimilarityPartial, Similar: cfg.Quality.SimilaritySimilar,
		}),
	))
	coordinator.SetFundamentalsUpstream(usStockAdapter)
	coordinator.SetListBootstrap(adapters.NewUSListBootstrap(log, fetchUSSymbolList(httpClient, usStockBaseURL)))
	return coordinator, l2, nil
}

// fetchUSSymbolList returns the primary symbol-listing source consumed by
// adapters.USListBootstrap: a plain GET against the upstream's /v1/symbols
// endpoint, decoded as a flat JSON array of ticker strings.
func fetchUSSymbolList(client *http.Client, baseURL string) func(ctx context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/symbols", nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("symbol list request: status %d", resp.StatusCode)
		}
		var symbols []string
		if err := json.Unmarshal(body, &symbols); err != nil {
			return nil, fmt.Errorf("decode symbol list: %w", err)
		}
		return symbols, nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := telemetry.NewLogger(false)

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	coordinator, l2, err := buildFetchCoordinator(cfg, log)
	if err != nil {
		return err
	}
	coordinator.SetMetrics(metrics)

	var st *store.Store
	var db *sqlx.DB
	if cfg.Store.DSN != "" {
		db, err = sqlx.Connect(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("connect store: %w", err)
		}
		db.SetMaxOpenConns(cfg.Store.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Store.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Store.ConnMaxLifetime)
		st = store.New(db)
		coordinator.SetStore(st)
		defer db.Close()
	}

	conns := connmgr.New(log)
	conns.SetMetrics(metrics)
	conns.StartJanitor()
	defer conns.StopJanitor()
	streamSvc := service.New(conns, coordinator, log)
	streamSvc.Start()
	defer streamSvc.Shutdown()

	handlers := wsapi.New(coordinator, conns, streamSvc, log)
	server, err := httpapi.New(cfg.Server, handlers, log)
	if err != nil {
		return err
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe("0.0.0.0:9090", metricsMux); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	var scheduler *warmup.Scheduler
	if cfg.Warmup.Enabled {
		scheduler = warmup.New(coordinator, warmup.Config{
			Schedule:                    cfg.Warmup.Schedule,
			MaxConcurrency:              cfg.Warmup.MaxConcurrency,
			RetryCeiling:                cfg.Warmup.RetryCeiling,
			HotSymbolDelay:              cfg.Warmup.HotSymbolDelay,
			HotSymbolBatchSize:          cfg.Warmup.HotSymbolBatchSize,
			StaticHotSymbols:            symbolsFromCodes(cfg.Warmup.StaticHotSymbols),
			DailyMetricsBreakerFailures: cfg.Warmup.DailyMetricsBreakerFailures,
			IndustryReseedInterval:      cfg.Warmup.IndustryReseedInterval,
		}, log)
		if st != nil {
			scheduler.SetMetricsStore(st)
		}
		if l2 != nil {
			scheduler.SetReseedGate(l2)
		}
		scheduler.SetUniverse(symbolsFromCodes(cfg.Warmup.Symbols))

		if err := scheduler.Schedule(cfg.Warmup.Schedule, warmupJobs(cfg.Warmup.Symbols)); err != nil {
			return fmt.Errorf("schedule warmup: %w", err)
		}
		if err := scheduler.ScheduleSubJobs(cfg.Warmup.Schedule); err != nil {
			return fmt.Errorf("schedule warmup sub-jobs: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(ctx)
	}
	return nil
}

func runWarmUpNow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := telemetry.NewLogger(false)

	coordinator, _, err := buildFetchCoordinator(cfg, log)
	if err != nil {
		return err
	}
	scheduler := warmup.New(coordinator, warmup.Config{
		MaxConcurrency: cfg.Warmup.MaxConcurrency,
		RetryCeiling:   cfg.Warmup.RetryCeiling,
	}, log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	results := scheduler.RunOnce(ctx, warmupJobs(cfg.Warmup.Symbols))

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "warmup failed for %s: %v\n", r.Job.Symbol.Code, r.Err)
		}
	}
	fmt.Printf("warm-up complete: %d/%d succeeded\n", len(results)-failed, len(results))
	return nil
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("healthcheck request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	fmt.Println("ok")
	return nil
}

func symbolsFromCodes(codes []string) []symbol.Canonical {
	out := make([]symbol.Canonical, 0, len(codes))
	for _, code := range codes {
		out = append(out, symbol.New(code))
	}
	return out
}

func warmupJobs(symbols []string) []warmup.Job {
	end := time.Now()
	start := end.Add(-24 * time.Hour)
	jobs := make([]warmup.Job, 0, len(symbols))
	for _, raw := range symbols {
		jobs = append(jobs, warmup.Job{
			Symbol: symbol.New(raw),
			Range:  model.Range{Interval: "1d", Start: start, End: end},
		})
	}
	return jobs
}

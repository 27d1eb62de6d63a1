// Package telemetry wires up structured logging and process metrics the
// way the teacher's cmd/cryptorun entrypoint and HTTP middleware do: a
// console-friendly zerolog logger at the root, and a small set of
// Prometheus counters/histograms describing the data-plane's health.
package telemetry

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// NewLogger configures the process-wide console logger. debug toggles the
// minimum level the way the teacher's CLI does with a --verbose flag.
func NewLogger(debug bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// Metrics bundles the counters and histograms exercised by the fetch
// coordinator, cache, and stream components.
type Metrics struct {
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	FetchLatency     *prometheus.HistogramVec
	CircuitState     *prometheus.GaugeVec
	WSConnections    prometheus.Gauge
	WSMessagesSent   prometheus.Counter
	QualityScore     prometheus.Histogram
	WarmupFailures   *prometheus.CounterVec
}

// NewMetrics registers every series against reg and returns the bundle.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketdata",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by tier (l1, l2).",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketdata",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses by tier (l1, l2).",
		}, []string{"tier"}),
		FetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "marketdata",
			Subsystem: "fetch",
			Name:      "latency_seconds",
			Help:      "Time spent resolving a fetch request by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "marketdata",
			Subsystem: "fetch",
			Name:      "circuit_state",
			Help:      "Per-upstream circuit breaker state (0=closed,1=half_open,2=open).",
		}, []string{"upstream"}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketdata",
			Subsystem: "stream",
			Name:      "connections",
			Help:      "Active WebSocket client sessions.",
		}),
		WSMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketdata",
			Subsystem: "stream",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket data frames broadcast to clients.",
		}),
		QualityScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "marketdata",
			Subsystem: "quality",
			Name:      "score",
			Help:      "Distribution of validation quality scores.",
			Buckets:   []float64{0, 0.2, 0.4, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),
		WarmupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketdata",
			Subsystem: "warmup",
			Name:      "failures_total",
			Help:      "Warm-up job failures by upstream.",
		}, []string{"upstream"}),
	}

	reg.MustRegister(
		m.CacheHits, m.CacheMisses, m.FetchLatency, m.CircuitState,
		m.WSConnections, m.WSMessagesSent, m.QualityScore, m.WarmupFailures,
	)
	return m
}

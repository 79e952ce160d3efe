// Package metrics provides Prometheus instrumentation for the hedge engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HedgesTotal counts hedge attempts by side and outcome.
	HedgesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_attempts_total",
		Help: "Total hedge attempts",
	}, []string{"side", "outcome"})

	// HedgeLatency tracks end-to-end hedge pipeline latency.
	HedgeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_latency_seconds",
		Help:    "Hedge pipeline latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// SpreadCaptured tracks per-hedge spread in USD.
	SpreadCaptured = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hedge_spread_captured_usd",
		Help:    "Spread captured per hedge in USD",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
	})

	// BreakerState exports the venue circuit breaker state
	// (0=closed, 1=open, 2=half-open).
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_breaker_state",
		Help: "Venue circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// BreakerTransitions counts breaker state changes by target state.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"to"})

	// RiskRejections counts trades rejected by the pre-trade gate, by rule.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_risk_rejections_total",
		Help: "Trades rejected by the risk gate",
	}, []string{"rule"})

	// QueueDepth tracks the number of requests waiting in the hedge queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_queue_depth",
		Help: "Requests currently queued for batch hedging",
	})

	// QueueBatchSize observes how many requests each flushed batch carried.
	QueueBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hedge_queue_batch_size",
		Help:    "Requests per flushed hedge batch",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 20},
	})

	// SplitChunksTotal counts split-order chunks by result.
	SplitChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_split_chunks_total",
		Help: "Split-order chunks executed",
	}, []string{"result"})

	// RollbacksTotal counts compensating rollbacks by result. A "failed"
	// rollback means residual exposure needing manual reconciliation.
	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_rollbacks_total",
		Help: "Compensating venue rollbacks after user-leg failures",
	}, []string{"result"})

	// NetExposure exports the latest risk snapshot's net exposure in USD.
	NetExposure = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_net_exposure_usd",
		Help: "Net unhedged exposure in USD from the latest risk snapshot",
	})

	// OpenPositions exports the number of open hedge positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_open_positions",
		Help: "Open hedge positions",
	})

	// SettlementsTotal counts settlements by branch (win/lose/early_close).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_settlements_total",
		Help: "Hedge positions settled",
	}, []string{"branch"})

	// VenueRequestsTotal counts external venue calls by operation and result.
	VenueRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_venue_requests_total",
		Help: "External venue API calls",
	}, []string{"op", "result"})

	// WebSocketClients tracks connected operator feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_websocket_clients",
		Help: "Connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

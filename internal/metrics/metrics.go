// Package metrics provides Prometheus instrumentation for the exchange.
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
	// BetsPlaced counts bets committed, partitioned by category.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predex_bets_total",
		Help: "Total number of bets committed",
	}, []string{"category"})

	// OrderFills counts limit-order fills: "matched" against a taker,
	// "crossed" against the pool after a price move.
	OrderFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predex_order_fills_total",
		Help: "Total number of limit order fills",
	}, []string{"kind"})

	// TradeLatency is the end-to-end latency of trade endpoints.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predex_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ConflictRetries counts operations that exhausted their conflict
	// retry budget and were returned to the caller as retriable.
	ConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predex_conflict_retries_exhausted_total",
		Help: "Operations that exhausted conflict retries",
	})

	// Resolutions counts market resolutions by outcome.
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predex_resolutions_total",
		Help: "Total number of market resolutions",
	}, []string{"outcome"})

	// PayoutVolume accumulates resolution payout totals.
	PayoutVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predex_payout_volume_total",
		Help: "Cumulative resolution payouts",
	})

	// LoansAdvanced counts daily loan advances.
	LoansAdvanced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predex_loans_advanced_total",
		Help: "Total number of loan advances",
	})

	// WSClients tracks connected WebSocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predex_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predex_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predex_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
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

		// Use the route pattern for path label to avoid high cardinality.
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

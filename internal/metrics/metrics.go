// Package metrics provides Prometheus instrumentation for the wagering engine.
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
	// BetsPlaced counts committed bets, partitioned by funding source.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_bets_placed_total",
		Help: "Total number of bets committed",
	}, []string{"source"})

	// BetsRejected counts bet placements rejected by validation.
	BetsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_bets_rejected_total",
		Help: "Bet placements rejected, by reason",
	}, []string{"reason"})

	// BetAmount observes committed stake sizes.
	BetAmount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wager_bet_amount",
		Help:    "Committed stake amounts",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	// Settlements counts resolution and cancellation outcomes.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_settlements_total",
		Help: "Settlements completed, by outcome",
	}, []string{"outcome"})

	// SettlementDuration observes end-to-end settlement latency.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wager_settlement_duration_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PendingPaymentBets tracks bets awaiting a provider callback.
	PendingPaymentBets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wager_pending_payment_bets",
		Help: "Bets currently awaiting payment confirmation",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wager_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wager_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is small.
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

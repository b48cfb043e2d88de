// Package metrics provides Prometheus instrumentation for the league engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts accepted orders, partitioned by kind (buy, sell) and side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "league_orders_total",
		Help: "Total number of orders accepted",
	}, []string{"kind", "side"})

	// OrderRejections counts rejected orders by error code.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "league_order_rejections_total",
		Help: "Orders rejected by the engine",
	}, []string{"code"})

	// OrderLatency tracks order handling latency including matching.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "league_order_latency_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TradesTotal counts executed trades by kind (MINT, TRANSFER).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "league_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind"})

	// TradeVolume tracks cumulative traded quantity by kind.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "league_trade_volume_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"kind"})

	// Settlements counts markets leaving the tradable states, by reason
	// (vote, force, expiry, cancel).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "league_settlements_total",
		Help: "Markets settled or cancelled",
	}, []string{"reason"})

	// Payouts tracks tokens paid to winning share holders.
	Payouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "league_payout_tokens_total",
		Help: "Tokens paid out to winning positions",
	})

	// VotesCast counts resolution votes by choice.
	VotesCast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "league_votes_total",
		Help: "Resolution votes cast",
	}, []string{"choice"})

	// Tallies counts vote tallies by decision (resolved, rejected).
	Tallies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "league_tallies_total",
		Help: "Vote tallies by decision",
	}, []string{"decision"})

	// SweepRuns counts expiry sweeps; SweepResolved counts markets they resolved.
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "league_sweep_runs_total",
		Help: "Expiry sweeps executed",
	})
	SweepResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "league_sweep_resolved_total",
		Help: "Markets resolved by the expiry sweeper",
	})

	// ActiveMarkets tracks the number of markets open for trading.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "league_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "league_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests refused by the per-user limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "league_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "league_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "league_http_request_duration_seconds",
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
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

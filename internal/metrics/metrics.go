// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TradesTotal counts committed trades by action.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predex_trades_total",
		Help: "Committed trades by action.",
	}, []string{"action"})

	// TradeRejectionsTotal counts rejected intents by reason code.
	TradeRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predex_trade_rejections_total",
		Help: "Rejected trade intents by reason.",
	}, []string{"reason"})

	// TradeLatency observes intent execution time end to end.
	TradeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "predex_trade_latency_seconds",
		Help:    "Intent execution latency.",
		Buckets: prometheus.DefBuckets,
	})

	// ActiveMarkets gauges the number of markets open for trading.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predex_active_markets",
		Help: "Markets currently open for trading.",
	})

	// MarketsResolvedTotal counts completed resolutions.
	MarketsResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predex_markets_resolved_total",
		Help: "Markets resolved.",
	})

	// PointsPaidOutTotal accumulates settlement payouts in points.
	PointsPaidOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predex_points_paid_out_total",
		Help: "Points credited by settlement.",
	})

	// NotificationFailuresTotal counts outbound notifications that failed.
	NotificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predex_notification_failures_total",
		Help: "Outbound notifications that could not be delivered.",
	})

	// WebsocketClients gauges connected websocket subscribers.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predex_websocket_clients",
		Help: "Connected websocket clients.",
	})

	// QueueDepth gauges pending messages in the inbound pump.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predex_pump_queue_depth",
		Help: "Inbound messages waiting in the pump queue.",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predex_http_requests_total",
		Help: "HTTP requests by method, path pattern, and status.",
	}, []string{"method", "path", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predex_http_request_duration_seconds",
		Help:    "HTTP request latency by path pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments HTTP handlers. pathFn maps a request to its route
// pattern so cardinality stays bounded.
func Middleware(pathFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			path := pathFn(r)
			httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

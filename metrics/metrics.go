package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_engine_batches_enqueued_total",
			Help: "Total number of reward batches accepted at enqueue",
		},
		[]string{"currency"},
	)

	BatchesSettledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_engine_batches_settled_total",
			Help: "Total number of reward batches reaching a terminal status",
		},
		[]string{"status"},
	)

	SettlementAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_engine_settlement_attempts_total",
			Help: "Total number of settlement attempts by result",
		},
		[]string{"result"},
	)

	SettlementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "referral_engine_settlement_duration_seconds",
			Help:    "Duration of one settlement attempt in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"mode"},
	)

	CommissionDistributedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_engine_commission_distributed_total",
			Help: "Total commission amount credited, by currency",
		},
		[]string{"currency"},
	)

	ChainLength = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "referral_engine_chain_length",
			Help:    "Number of inviter levels resolved per settlement",
			Buckets: prometheus.LinearBuckets(0, 2, 11),
		},
	)

	RecoveryRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "referral_engine_recovery_requeued_total",
			Help: "Total number of batches requeued by the recovery scanner",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "referral_engine_queue_depth",
			Help: "Number of batches buffered in the in-memory queue",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "referral_engine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware records request counts and durations by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordSettlementAttempt records the outcome and duration of one attempt.
func RecordSettlementAttempt(mode string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	SettlementAttemptsTotal.WithLabelValues(result).Inc()
	SettlementDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

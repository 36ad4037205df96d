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
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spindate_matchd_build_info",
			Help: "Build information of the matchd daemon",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindate_matchd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spindate_matchd_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spindate_matchd_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Queue metrics
	SpinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindate_matchd_spins_total",
			Help: "Total number of spin (queue admission) calls",
		},
		[]string{"result"}, // "admitted", "requeued", "presence"
	)

	HeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spindate_matchd_heartbeats_total",
			Help: "Total number of heartbeat calls",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spindate_matchd_queue_depth",
			Help: "Number of users currently waiting, sampled each sweep",
		},
	)

	// Match metrics
	MatchesFormedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spindate_matchd_matches_formed_total",
			Help: "Total number of matches formed",
		},
	)

	MatchFormationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spindate_matchd_match_formation_duration_seconds",
			Help:    "Duration of a pair-formation attempt in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	MatchesResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindate_matchd_matches_resolved_total",
			Help: "Total number of matches resolved, by outcome and resolution source",
		},
		[]string{"outcome", "source"}, // source: "vote", "sweep"
	)

	MatchesCancelledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spindate_matchd_matches_cancelled_total",
			Help: "Total number of matches cancelled for stale participants",
		},
	)

	VotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindate_matchd_votes_total",
			Help: "Total number of votes recorded",
		},
		[]string{"vote"}, // "yes", "pass"
	)

	VideoDatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spindate_matchd_video_dates_total",
			Help: "Total number of video dates emitted from mutual-yes outcomes",
		},
	)

	FairnessBoostsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spindate_matchd_fairness_boosts_total",
			Help: "Total number of fairness boosts granted on non-mutual outcomes",
		},
	)

	LockBusyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindate_matchd_lock_busy_total",
			Help: "Total number of advisory lock acquisitions that found the lock busy",
		},
		[]string{"op"},
	)

	// Sweeper metrics
	SweepCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindate_matchd_sweep_cycles_total",
			Help: "Total number of sweeper cycles",
		},
		[]string{"status"}, // "ok", "error"
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spindate_matchd_sweep_duration_seconds",
			Help:    "Duration of a full sweeper cycle in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
	)

	SweepItemErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindate_matchd_sweep_item_errors_total",
			Help: "Total number of per-item errors during sweeper cycles",
		},
		[]string{"step"}, // "expire", "cancel", "fairness", "kick"
	)

	// Status endpoint cache metrics
	StatusCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindate_matchd_status_cache_total",
			Help: "Status endpoint cache lookups",
		},
		[]string{"result"}, // "hit", "miss"
	)

	RateLimitRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spindate_matchd_rate_limit_rejections_total",
			Help: "Total number of HTTP requests rejected by the per-user rate limiter",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise the raw path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

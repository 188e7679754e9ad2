package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "blockspeak",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockspeak",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "blockspeak",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "route"},
	)

	logins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockspeak",
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Wallet login attempts by result.",
		},
		[]string{"result"},
	)

	chainWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockspeak",
			Subsystem: "chain",
			Name:      "writes_total",
			Help:      "Backend-funded transactions by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	chainWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "blockspeak",
			Subsystem: "chain",
			Name:      "write_duration_seconds",
			Help:      "Time from submission to a known outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"operation"},
	)

	payments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockspeak",
			Subsystem: "payments",
			Name:      "verifications_total",
			Help:      "Payment verification outcomes by rail.",
		},
		[]string{"rail", "outcome"},
	)

	pendingVerifications = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "blockspeak",
			Subsystem: "payments",
			Name:      "pending_verifications",
			Help:      "Background payment verification tasks in flight.",
		},
	)

	lapsed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blockspeak",
			Subsystem: "payments",
			Name:      "lapsed_subscriptions_total",
			Help:      "Subscriptions moved back to free after their period ended.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		logins,
		chainWrites,
		chainWriteDuration,
		payments,
		pendingVerifications,
		lapsed,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RequestStarted marks a request in flight and returns the func that records its completion.
func RequestStarted() func(method, route string, status int) {
	start := time.Now()
	httpInFlight.Inc()
	return func(method, route string, status int) {
		httpInFlight.Dec()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

func RecordLogin(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	logins.WithLabelValues(result).Inc()
}

// RecordChainWrite records a deploy or contract call with its outcome
// (confirmed, rejected, unknown, unavailable).
func RecordChainWrite(operation, outcome string, duration time.Duration) {
	chainWrites.WithLabelValues(operation, outcome).Inc()
	chainWriteDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordPayment(rail, outcome string) {
	payments.WithLabelValues(rail, outcome).Inc()
}

func VerificationStarted() {
	pendingVerifications.Inc()
}

func VerificationFinished() {
	pendingVerifications.Dec()
}

func RecordLapsed(n int) {
	lapsed.Add(float64(n))
}

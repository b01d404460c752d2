package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic, caching and
// the enrollment lifecycle.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	enrollmentTransitions *prometheus.CounterVec
	attendanceEvents      *prometheus.CounterVec
	capacityRejections    prometheus.Counter
	certificatesIssued    prometheus.Counter
	certificatesRevoked   prometheus.Counter
	issuanceFailures      prometheus.Counter
	hoursCredited         prometheus.Counter
}

// NewMetricsService registers collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	enrollmentTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ctxh_enrollment_transitions_total",
		Help: "Enrollment state transitions by target state",
	}, []string{"transition"})

	attendanceEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ctxh_attendance_events_total",
		Help: "Attendance check-ins, check-outs and overrides",
	}, []string{"event"})

	capacityRejections := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ctxh_capacity_rejections_total",
		Help: "Reservations refused because the activity was full",
	})

	certificatesIssued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ctxh_certificates_issued_total",
		Help: "Certificates issued",
	})

	certificatesRevoked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ctxh_certificates_revoked_total",
		Help: "Certificates revoked",
	})

	issuanceFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ctxh_certificate_issuance_failures_total",
		Help: "Certificate issuance attempts after completion that failed and were queued for retry",
	})

	hoursCredited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ctxh_service_hours_credited_total",
		Help: "Community service hours credited to students",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHits, cacheMisses,
		enrollmentTransitions, attendanceEvents, capacityRejections, certificatesIssued, certificatesRevoked,
		issuanceFailures, hoursCredited, goroutines)

	return &MetricsService{
		registry:              registry,
		handler:               promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:       requestDuration,
		requestTotal:          requestTotal,
		cacheLatency:          cacheLatency,
		cacheWrite:            cacheWrite,
		cacheHits:             cacheHits,
		cacheMisses:           cacheMisses,
		enrollmentTransitions: enrollmentTransitions,
		attendanceEvents:      attendanceEvents,
		capacityRejections:    capacityRejections,
		certificatesIssued:    certificatesIssued,
		certificatesRevoked:   certificatesRevoked,
		issuanceFailures:      issuanceFailures,
		hoursCredited:         hoursCredited,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records a cache lookup.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		return
	}
	m.cacheMisses.Inc()
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// EnrollmentTransition counts a committed enrollment transition.
func (m *MetricsService) EnrollmentTransition(transition string) {
	if m == nil {
		return
	}
	m.enrollmentTransitions.WithLabelValues(transition).Inc()
}

// AttendanceEvent counts a committed attendance write.
func (m *MetricsService) AttendanceEvent(event string) {
	if m == nil {
		return
	}
	m.attendanceEvents.WithLabelValues(event).Inc()
}

// CapacityRejected counts a refused reservation.
func (m *MetricsService) CapacityRejected() {
	if m == nil {
		return
	}
	m.capacityRejections.Inc()
}

// CertificateIssued counts an issued certificate.
func (m *MetricsService) CertificateIssued() {
	if m == nil {
		return
	}
	m.certificatesIssued.Inc()
}

// CertificateRevoked counts a first-time revocation.
func (m *MetricsService) CertificateRevoked() {
	if m == nil {
		return
	}
	m.certificatesRevoked.Inc()
}

// IssuanceFailed counts a post-completion issuance failure.
func (m *MetricsService) IssuanceFailed() {
	if m == nil {
		return
	}
	m.issuanceFailures.Inc()
}

// HoursCredited adds credited service hours.
func (m *MetricsService) HoursCredited(hours float64) {
	if m == nil || hours <= 0 {
		return
	}
	m.hoursCredited.Add(hours)
}

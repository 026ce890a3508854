package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives control-plane measurements. Services depend on this
// interface rather than process-global collectors so tests get
// isolated registries.
type Sink interface {
	EnrollmentAttempt(platform, outcome string)
	ReservationEvent(event string)
	HeartbeatProcessed(d time.Duration)
	HealthScore(score float64)
	StatusTransition(from, to string)
}

// PromSink implements Sink on a private Prometheus registry.
type PromSink struct {
	registry *prometheus.Registry

	enrollments       *prometheus.CounterVec
	reservations      *prometheus.CounterVec
	heartbeatDuration prometheus.Histogram
	healthScores      prometheus.Histogram
	statusTransitions *prometheus.CounterVec
}

// NewPromSink creates a sink with its own registry.
func NewPromSink() *PromSink {
	s := &PromSink{
		registry: prometheus.NewRegistry(),
		enrollments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paddock_enrollments_total",
				Help: "Total number of enrollment attempts by platform and outcome",
			},
			[]string{"platform", "outcome"},
		),
		reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paddock_reservations_total",
				Help: "Total number of capacity reservation lifecycle events",
			},
			[]string{"event"},
		),
		heartbeatDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "paddock_heartbeat_duration_seconds",
				Help:    "Heartbeat processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		healthScores: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "paddock_health_score",
				Help:    "Distribution of computed node health scores",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			},
		),
		statusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paddock_node_status_transitions_total",
				Help: "Total number of node status transitions",
			},
			[]string{"from", "to"},
		),
	}

	s.registry.MustRegister(
		s.enrollments,
		s.reservations,
		s.heartbeatDuration,
		s.healthScores,
		s.statusTransitions,
	)
	return s
}

func (s *PromSink) EnrollmentAttempt(platform, outcome string) {
	s.enrollments.WithLabelValues(platform, outcome).Inc()
}

func (s *PromSink) ReservationEvent(event string) {
	s.reservations.WithLabelValues(event).Inc()
}

func (s *PromSink) HeartbeatProcessed(d time.Duration) {
	s.heartbeatDuration.Observe(d.Seconds())
}

func (s *PromSink) HealthScore(score float64) {
	s.healthScores.Observe(score)
}

func (s *PromSink) StatusTransition(from, to string) {
	s.statusTransitions.WithLabelValues(from, to).Inc()
}

// Handler returns the HTTP handler exposing this sink's registry.
func (s *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Nop discards all measurements.
type Nop struct{}

func (Nop) EnrollmentAttempt(platform, outcome string) {}
func (Nop) ReservationEvent(event string)              {}
func (Nop) HeartbeatProcessed(d time.Duration)         {}
func (Nop) HealthScore(score float64)                  {}
func (Nop) StatusTransition(from, to string)           {}

package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives resilience events for instrumentation. Core packages
// depend on this interface so they never link collector types directly.
type Recorder interface {
	// CircuitStateChanged records a circuit breaker state transition
	CircuitStateChanged(breaker, from, to string)
	// CircuitRejected records a call rejected by an open circuit
	CircuitRejected(breaker string)
	// CallCompleted records a protected call outcome ("success" or "failure")
	CallCompleted(breaker, outcome string, duration time.Duration)
	// RetryAttempted records a retry of a named operation
	RetryAttempted(operation string, attempt int)
	// ResourceStatusChanged records the latest status of a resource
	ResourceStatusChanged(resource, resourceType, status string)
	// FallbackInvoked records a fallback execution and whether it succeeded
	FallbackInvoked(operation string, success bool)
}

// nopRecorder discards all events
type nopRecorder struct{}

func (nopRecorder) CircuitStateChanged(breaker, from, to string)                {}
func (nopRecorder) CircuitRejected(breaker string)                              {}
func (nopRecorder) CallCompleted(breaker, outcome string, d time.Duration)      {}
func (nopRecorder) RetryAttempted(operation string, attempt int)                {}
func (nopRecorder) ResourceStatusChanged(resource, resourceType, status string) {}
func (nopRecorder) FallbackInvoked(operation string, success bool)              {}

// Nop returns a Recorder that discards all events
func Nop() Recorder {
	return nopRecorder{}
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Circuit breaker metrics
	CircuitState       *prometheus.GaugeVec
	CircuitTransitions *prometheus.CounterVec
	CircuitRejections  *prometheus.CounterVec
	CallDuration       *prometheus.HistogramVec

	// Retry metrics
	RetryAttempts *prometheus.CounterVec

	// Resource metrics
	ResourceStatus *prometheus.GaugeVec

	// Fallback metrics
	FallbacksTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "aegis",
		Subsystem: "",
		Enabled:   true,
	}
}

// circuit states exported by the state gauge
var circuitStates = []string{"closed", "open", "half_open"}

// resource statuses exported by the status gauge
var resourceStatuses = []string{"available", "degraded", "exhausted"}

// NewMetrics creates all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	return &Metrics{
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state (1 for the active state, 0 otherwise)",
			},
			[]string{"breaker", "state"},
		),
		CircuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		CircuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_rejections_total",
				Help:      "Total number of calls rejected by an open circuit",
			},
			[]string{"breaker"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "call_duration_seconds",
				Help:      "Duration of protected calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"breaker", "outcome"},
		),
		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
		ResourceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "resource_status",
				Help:      "Current resource status (1 for the active status, 0 otherwise)",
			},
			[]string{"resource", "type", "status"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallbacks_total",
				Help:      "Total number of fallback invocations",
			},
			[]string{"operation", "result"},
		),
	}
}

// Register registers all metrics with the given registerer
func (m *Metrics) Register(registerer prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.CircuitState,
		m.CircuitTransitions,
		m.CircuitRejections,
		m.CallDuration,
		m.RetryAttempts,
		m.ResourceStatus,
		m.FallbacksTotal,
	}

	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// CircuitStateChanged implements Recorder
func (m *Metrics) CircuitStateChanged(breaker, from, to string) {
	m.CircuitTransitions.WithLabelValues(breaker, from, to).Inc()
	for _, state := range circuitStates {
		value := 0.0
		if state == to {
			value = 1.0
		}
		m.CircuitState.WithLabelValues(breaker, state).Set(value)
	}
}

// CircuitRejected implements Recorder
func (m *Metrics) CircuitRejected(breaker string) {
	m.CircuitRejections.WithLabelValues(breaker).Inc()
}

// CallCompleted implements Recorder
func (m *Metrics) CallCompleted(breaker, outcome string, duration time.Duration) {
	m.CallDuration.WithLabelValues(breaker, outcome).Observe(duration.Seconds())
}

// RetryAttempted implements Recorder
func (m *Metrics) RetryAttempted(operation string, attempt int) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// ResourceStatusChanged implements Recorder
func (m *Metrics) ResourceStatusChanged(resource, resourceType, status string) {
	for _, s := range resourceStatuses {
		value := 0.0
		if s == status {
			value = 1.0
		}
		m.ResourceStatus.WithLabelValues(resource, resourceType, s).Set(value)
	}
}

// FallbackInvoked implements Recorder
func (m *Metrics) FallbackInvoked(operation string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.FallbacksTotal.WithLabelValues(operation, result).Inc()
}

// Handler returns a Gin handler serving the metrics endpoint
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// HandlerFor returns a Gin handler serving metrics from a specific registry
func HandlerFor(gatherer prometheus.Gatherer) gin.HandlerFunc {
	h := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

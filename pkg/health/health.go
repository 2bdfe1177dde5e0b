// Package health reports the combined condition of circuit breakers and
// tracked resources over HTTP, for dashboards and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/elfops/aegis/pkg/logging"
	"github.com/elfops/aegis/pkg/resilience"
	"github.com/elfops/aegis/pkg/resources"
)

// Status represents the health status of the system
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Report is the overall health snapshot served to probes and dashboards
type Report struct {
	Status    Status                              `json:"status"`
	Timestamp time.Time                           `json:"timestamp"`
	Breakers  map[string]resilience.Stats         `json:"breakers"`
	Resources map[string]resources.ResourceStatus `json:"resources"`
	Metadata  map[string]string                   `json:"metadata,omitempty"`
}

// Policy decides the overall status from a snapshot. The default calls
// the system unhealthy when any breaker is open or any resource is
// exhausted, and degraded when any breaker is half-open or any resource
// is degraded.
type Policy func(report *Report) Status

// DefaultPolicy is the standard health rollup
func DefaultPolicy(report *Report) Status {
	status := StatusHealthy
	for _, stats := range report.Breakers {
		switch stats.State {
		case "open":
			return StatusUnhealthy
		case "half_open":
			status = StatusDegraded
		}
	}
	for _, res := range report.Resources {
		switch res.Status {
		case "exhausted":
			return StatusUnhealthy
		case "degraded":
			status = StatusDegraded
		}
	}
	return status
}

// Monitor aggregates breaker and resource state into health reports
type Monitor struct {
	registry  *resilience.Registry
	resources *resources.Manager
	policy    Policy
	metadata  map[string]string
	logger    *logging.Logger
}

// Config holds monitor configuration
type Config struct {
	Registry  *resilience.Registry
	Resources *resources.Manager
	Policy    Policy
	Metadata  map[string]string
}

// NewMonitor creates a health monitor. Registry and Resources may each be
// nil when that dimension isn't tracked.
func NewMonitor(config Config) *Monitor {
	if config.Policy == nil {
		config.Policy = DefaultPolicy
	}
	return &Monitor{
		registry:  config.Registry,
		resources: config.Resources,
		policy:    config.Policy,
		metadata:  config.Metadata,
		logger:    logging.GetLogger(),
	}
}

// Snapshot collects current breaker and resource state and rolls it up
// into an overall status
func (m *Monitor) Snapshot(ctx context.Context) *Report {
	report := &Report{
		Timestamp: time.Now(),
		Breakers:  map[string]resilience.Stats{},
		Resources: map[string]resources.ResourceStatus{},
		Metadata:  m.metadata,
	}
	if m.registry != nil {
		report.Breakers = m.registry.AllStats()
	}
	if m.resources != nil {
		report.Resources = m.resources.Statuses()
	}
	report.Status = m.policy(report)

	if report.Status != StatusHealthy {
		m.logger.Warn("Health check not healthy", "status", string(report.Status))
	}
	return report
}

// Healthy reports whether the rollup is currently healthy
func (m *Monitor) Healthy(ctx context.Context) bool {
	return m.Snapshot(ctx).Status == StatusHealthy
}

// Handler serves the full health report. Unhealthy reports get a 503 so
// load balancers can act on the status code alone.
func (m *Monitor) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := m.Snapshot(c.Request.Context())

		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	}
}

// LivenessHandler always returns 200 while the process is running
func (m *Monitor) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns 503 until the system can take traffic.
// Degraded still reads as ready; only unhealthy blocks traffic.
func (m *Monitor) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := m.Snapshot(c.Request.Context())

		if report.Status == StatusUnhealthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "not_ready",
				"timestamp": report.Timestamp,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": report.Timestamp,
		})
	}
}

// RegisterRoutes mounts the standard health endpoints on a gin router
func (m *Monitor) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", m.Handler())
	router.GET("/health/live", m.LivenessHandler())
	router.GET("/health/ready", m.ReadinessHandler())
}

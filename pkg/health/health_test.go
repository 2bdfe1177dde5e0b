package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elfops/aegis/pkg/resilience"
	"github.com/elfops/aegis/pkg/resources"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestMonitor(t *testing.T) (*Monitor, *resilience.Registry, *resources.Manager) {
	t.Helper()
	registry := resilience.NewRegistry(nil)
	manager := resources.NewManager(resources.ManagerConfig{})
	monitor := NewMonitor(Config{
		Registry:  registry,
		Resources: manager,
		Metadata:  map[string]string{"service": "aegis-test"},
	})
	return monitor, registry, manager
}

func tripBreaker(registry *resilience.Registry, name string) {
	cb := registry.GetOrCreate(name, resilience.CircuitBreakerConfig{FailureThreshold: 1})
	cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("down")
	})
}

func TestSnapshotHealthy(t *testing.T) {
	monitor, registry, manager := newTestMonitor(t)

	registry.GetOrCreate("openai", resilience.CircuitBreakerConfig{})
	manager.RegisterResource("db", resources.TypeDatabase, nil)

	report := monitor.Snapshot(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Contains(t, report.Breakers, "openai")
	assert.Contains(t, report.Resources, "db")
	assert.Equal(t, "aegis-test", report.Metadata["service"])
	assert.True(t, monitor.Healthy(context.Background()))
}

func TestSnapshotUnhealthyOnOpenBreaker(t *testing.T) {
	monitor, registry, _ := newTestMonitor(t)

	tripBreaker(registry, "openai")

	report := monitor.Snapshot(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "open", report.Breakers["openai"].State)
	assert.False(t, monitor.Healthy(context.Background()))
}

func TestSnapshotUnhealthyOnExhaustedResource(t *testing.T) {
	monitor, _, manager := newTestMonitor(t)

	manager.RegisterResource("openai-quota", resources.TypeAPIQuota, nil)
	require.NoError(t, manager.MarkExhausted("openai-quota", nil))

	report := monitor.Snapshot(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestSnapshotDegradedResource(t *testing.T) {
	monitor, _, manager := newTestMonitor(t)

	manager.RegisterResource("search", resources.TypeNetwork, nil)
	require.NoError(t, manager.MarkDegraded("search", nil))

	report := monitor.Snapshot(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestCustomPolicy(t *testing.T) {
	registry := resilience.NewRegistry(nil)
	monitor := NewMonitor(Config{
		Registry: registry,
		Policy: func(report *Report) Status {
			return StatusDegraded
		},
	})

	assert.Equal(t, StatusDegraded, monitor.Snapshot(context.Background()).Status)
}

func serveRoutes(monitor *Monitor) *gin.Engine {
	router := gin.New()
	monitor.RegisterRoutes(router)
	return router
}

func TestHealthEndpoint(t *testing.T) {
	monitor, registry, manager := newTestMonitor(t)
	registry.GetOrCreate("openai", resilience.CircuitBreakerConfig{})
	manager.RegisterResource("db", resources.TypeDatabase, nil)
	router := serveRoutes(monitor)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var report Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Contains(t, report.Breakers, "openai")
	assert.Contains(t, report.Resources, "db")
}

func TestHealthEndpointReturns503WhenUnhealthy(t *testing.T) {
	monitor, registry, _ := newTestMonitor(t)
	tripBreaker(registry, "openai")
	router := serveRoutes(monitor)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLivenessAlwaysOK(t *testing.T) {
	monitor, registry, _ := newTestMonitor(t)
	tripBreaker(registry, "openai")
	router := serveRoutes(monitor)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadiness(t *testing.T) {
	monitor, registry, manager := newTestMonitor(t)
	router := serveRoutes(monitor)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// degraded still takes traffic
	manager.RegisterResource("search", resources.TypeNetwork, nil)
	require.NoError(t, manager.MarkDegraded("search", nil))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// unhealthy does not
	tripBreaker(registry, "openai")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRegisteredMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	m := NewMetrics(DefaultConfig())
	registry := prometheus.NewRegistry()
	require.NoError(t, m.Register(registry))
	return m, registry
}

func TestRegisterTwiceFails(t *testing.T) {
	m, registry := newRegisteredMetrics(t)
	assert.Error(t, m.Register(registry))
}

func TestCircuitStateGauge(t *testing.T) {
	m, _ := newRegisteredMetrics(t)

	m.CircuitStateChanged("openai", "closed", "open")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("openai", "open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("openai", "closed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("openai", "half_open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitTransitions.WithLabelValues("openai", "closed", "open")))

	// moving on flips the gauges
	m.CircuitStateChanged("openai", "open", "half_open")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("openai", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("openai", "half_open")))
}

func TestCountersAndHistogram(t *testing.T) {
	m, _ := newRegisteredMetrics(t)

	m.CircuitRejected("openai")
	m.CircuitRejected("openai")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitRejections.WithLabelValues("openai")))

	m.RetryAttempted("fetch", 1)
	m.RetryAttempted("fetch", 2)
	m.RetryAttempted("other", 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetryAttempts.WithLabelValues("fetch")))

	m.CallCompleted("openai", "success", 120*time.Millisecond)
	m.CallCompleted("openai", "failure", 30*time.Millisecond)
	assert.Equal(t, 2, testutil.CollectAndCount(m.CallDuration, "aegis_call_duration_seconds"))
}

func TestResourceStatusGauge(t *testing.T) {
	m, _ := newRegisteredMetrics(t)

	m.ResourceStatusChanged("openai-quota", "api_quota", "exhausted")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResourceStatus.WithLabelValues("openai-quota", "api_quota", "exhausted")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ResourceStatus.WithLabelValues("openai-quota", "api_quota", "available")))
}

func TestFallbackCounter(t *testing.T) {
	m, _ := newRegisteredMetrics(t)

	m.FallbackInvoked("completion", true)
	m.FallbackInvoked("completion", true)
	m.FallbackInvoked("completion", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("completion", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("completion", "failure")))
}

func TestNopRecorderDiscards(t *testing.T) {
	r := Nop()
	r.CircuitStateChanged("a", "closed", "open")
	r.CircuitRejected("a")
	r.CallCompleted("a", "success", time.Second)
	r.RetryAttempted("op", 1)
	r.ResourceStatusChanged("res", "database", "available")
	r.FallbackInvoked("op", true)
}

func TestMetricsEndpoint(t *testing.T) {
	m, registry := newRegisteredMetrics(t)
	m.CircuitStateChanged("openai", "closed", "open")

	router := gin.New()
	router.GET("/metrics", HandlerFor(registry))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "aegis_circuit_state"))
	assert.True(t, strings.Contains(body, "aegis_circuit_transitions_total"))
}

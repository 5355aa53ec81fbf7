package metric

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stagegrid/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	require.NotNil(t, registry.CoreMetrics())

	registry.CoreMetrics().ControlFrames.WithLabelValues("register", "in").Inc()
	names := gatheredNames(t, registry)
	assert.True(t, names["stagegrid_control_frames_total"])
	assert.True(t, names["stagegrid_orchestrator_state"])
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "A test counter"})
	require.NoError(t, registry.RegisterCounter("queue", "test_counter", counter))
	counter.Inc()

	assert.True(t, gatheredNames(t, registry)["test_counter"])
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	require.NoError(t, registry.RegisterGauge("svc", "dup_gauge", gauge))

	err := registry.RegisterGauge("svc", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	err = registry.RegisterGauge("other", "dup_gauge", other)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "vec_total", Help: "v"}, []string{"k"})
	require.NoError(t, registry.RegisterCounterVec("svc", "vec", vec))

	assert.True(t, registry.Unregister("svc", "vec"))
	assert.False(t, registry.Unregister("svc", "vec"))
	require.NoError(t, registry.RegisterCounterVec("svc", "vec", vec))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_%d_total", i),
				Help: "c",
			})
			assert.NoError(t, registry.RegisterCounter("svc", fmt.Sprintf("c%d", i), c))
		}(i)
	}
	wg.Wait()
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	registry := NewMetricsRegistry()
	srv := NewServer("127.0.0.1:0", "", registry)
	require.NoError(t, srv.Start())
	defer func() { _ = srv.Stop() }()

	assert.Error(t, srv.Start())

	resp, err := http.Get(srv.Address())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "stagegrid_orchestrator_state")

	health := srv.Address()[:len(srv.Address())-len("/metrics")] + "/health"
	resp, err = http.Get(health)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CustomHealthHandler(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "/metrics", NewMetricsRegistry())
	srv.HandleHealth(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	require.NoError(t, srv.Start())
	defer func() { _ = srv.Stop() }()

	health := srv.Address()[:len(srv.Address())-len("/metrics")] + "/health"
	resp, err := http.Get(health)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

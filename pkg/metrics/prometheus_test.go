package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findMetric(t *testing.T, c *PrometheusCollector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := c.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestPrometheusCollector_RegisterRelayMetrics(t *testing.T) {
	c := NewPrometheusCollector()
	require.NoError(t, c.RegisterRelayMetrics())
	assert.Len(t, c.GetMetricNames(), len(RelayMetrics))

	err := c.Register(QueueDepth)
	assert.Error(t, err)
}

func TestPrometheusCollector_Observations(t *testing.T) {
	c := NewPrometheusCollector()
	require.NoError(t, c.RegisterRelayMetrics())

	labels := Labels("agent_id", "echo", "priority", "high")
	c.IncrementCounter(MessagesEnqueued.Name, labels)
	c.AddCounter(MessagesEnqueued.Name, 2, labels)
	c.SetGauge(QueueDepth.Name, 7, Labels("agent_id", "echo"))
	c.ObserveDuration(HandlerDuration.Name, time.Now().Add(-time.Millisecond), Labels("agent_id", "echo"))

	// unknown names are ignored
	c.IncrementCounter("relay_unknown_total", nil)

	enqueued := findMetric(t, c, MessagesEnqueued.Name)
	require.NotNil(t, enqueued)
	assert.Equal(t, 3.0, enqueued.GetMetric()[0].GetCounter().GetValue())

	depth := findMetric(t, c, QueueDepth.Name)
	require.NotNil(t, depth)
	assert.Equal(t, 7.0, depth.GetMetric()[0].GetGauge().GetValue())

	hist := findMetric(t, c, HandlerDuration.Name)
	require.NotNil(t, hist)
	assert.Equal(t, uint64(1), hist.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestPrometheusCollector_HTTPHandler(t *testing.T) {
	c := NewPrometheusCollector()
	require.NoError(t, c.RegisterRelayMetrics())
	c.SetGauge(RegisteredAgents.Name, 2, nil)

	rec := httptest.NewRecorder()
	c.HTTPHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relay_registered_agents 2")
}

func TestLabels(t *testing.T) {
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, Labels("a", "1", "b", "2", "dangling"))
}

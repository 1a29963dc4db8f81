package metrics

import (
	"time"
)

// Collector interface for metrics collection
type Collector interface {
	IncrementCounter(name string, labels map[string]string)
	AddCounter(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	ObserveDuration(name string, start time.Time, labels map[string]string)
}

// Metric represents a metric definition
type Metric struct {
	Name    string
	Type    MetricType
	Help    string
	Labels  []string
	Buckets []float64 // For histograms
}

// MetricType represents the type of metric
type MetricType string

const (
	CounterType   MetricType = "counter"
	GaugeType     MetricType = "gauge"
	HistogramType MetricType = "histogram"
)

var latencyBuckets = []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// Queue and router metrics
var (
	MessagesEnqueued = Metric{
		Name:   "relay_messages_enqueued_total",
		Type:   CounterType,
		Help:   "Messages accepted onto an agent queue",
		Labels: []string{"agent_id", "priority"},
	}

	MessagesDropped = Metric{
		Name:   "relay_messages_dropped_total",
		Type:   CounterType,
		Help:   "Messages rejected because the priority lane was full",
		Labels: []string{"agent_id", "priority"},
	}

	QueueDepth = Metric{
		Name:   "relay_queue_depth",
		Type:   GaugeType,
		Help:   "Messages pending on an agent queue",
		Labels: []string{"agent_id"},
	}

	HandlerCalls = Metric{
		Name:   "relay_handler_calls_total",
		Type:   CounterType,
		Help:   "Handler invocations by outcome",
		Labels: []string{"agent_id", "outcome"},
	}

	HandlerDuration = Metric{
		Name:    "relay_handler_duration_seconds",
		Type:    HistogramType,
		Help:    "Handler execution time in seconds",
		Labels:  []string{"agent_id"},
		Buckets: latencyBuckets,
	}

	CallTimeouts = Metric{
		Name:   "relay_call_timeouts_total",
		Type:   CounterType,
		Help:   "Calls that gave up waiting for a reply",
		Labels: []string{"agent_id"},
	}

	LateResponses = Metric{
		Name:   "relay_late_responses_total",
		Type:   CounterType,
		Help:   "Replies discarded because the caller had already timed out",
		Labels: []string{"agent_id"},
	}

	RegisteredAgents = Metric{
		Name: "relay_registered_agents",
		Type: GaugeType,
		Help: "Number of registered agents",
	}

	BreakerState = Metric{
		Name:   "relay_breaker_state",
		Type:   GaugeType,
		Help:   "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		Labels: []string{"agent_id"},
	}

	BreakerTransitions = Metric{
		Name:   "relay_breaker_transitions_total",
		Type:   CounterType,
		Help:   "Circuit breaker state transitions",
		Labels: []string{"agent_id", "to"},
	}
)

// Dispatcher metrics
var (
	DispatchTotal = Metric{
		Name:   "relay_dispatch_total",
		Type:   CounterType,
		Help:   "Dispatched requests by result",
		Labels: []string{"status", "kind"},
	}

	DispatchPriority = Metric{
		Name:   "relay_dispatch_priority_total",
		Type:   CounterType,
		Help:   "Dispatched requests by resolved priority",
		Labels: []string{"priority"},
	}

	DispatchAgentCalls = Metric{
		Name:   "relay_dispatch_agent_calls_total",
		Type:   CounterType,
		Help:   "Calls issued by the dispatcher per target",
		Labels: []string{"agent_id", "status"},
	}

	DispatchRetries = Metric{
		Name:   "relay_dispatch_retries_total",
		Type:   CounterType,
		Help:   "Call attempts repeated after a retryable failure",
		Labels: []string{"agent_id"},
	}

	DispatchDuration = Metric{
		Name:    "relay_dispatch_duration_seconds",
		Type:    HistogramType,
		Help:    "End to end dispatch latency in seconds",
		Labels:  []string{"status"},
		Buckets: latencyBuckets,
	}

	EventsDropped = Metric{
		Name:   "relay_events_dropped_total",
		Type:   CounterType,
		Help:   "Events discarded because the publish buffer was full",
		Labels: []string{"sink"},
	}
)

// RelayMetrics lists every metric registered by RegisterRelayMetrics
var RelayMetrics = []Metric{
	MessagesEnqueued, MessagesDropped, QueueDepth, HandlerCalls, HandlerDuration,
	CallTimeouts, LateResponses, RegisteredAgents, BreakerState, BreakerTransitions,
	DispatchTotal, DispatchPriority, DispatchAgentCalls, DispatchRetries, DispatchDuration,
	EventsDropped,
}

// Labels creates a labels map from key-value pairs
func Labels(kvs ...string) map[string]string {
	labels := make(map[string]string)
	for i := 0; i < len(kvs)-1; i += 2 {
		labels[kvs[i]] = kvs[i+1]
	}
	return labels
}

// NopCollector discards every observation
type NopCollector struct{}

func (NopCollector) IncrementCounter(string, map[string]string)           {}
func (NopCollector) AddCounter(string, float64, map[string]string)        {}
func (NopCollector) SetGauge(string, float64, map[string]string)          {}
func (NopCollector) ObserveHistogram(string, float64, map[string]string)  {}
func (NopCollector) ObserveDuration(string, time.Time, map[string]string) {}

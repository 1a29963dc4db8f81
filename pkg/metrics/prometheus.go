package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector using Prometheus client
type PrometheusCollector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	metrics    map[string]Metric
	mu         sync.RWMutex
}

// NewPrometheusCollector creates a collector on its own registry, with the Go
// runtime and process collectors already registered
func NewPrometheusCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return &PrometheusCollector{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		metrics:    make(map[string]Metric),
	}
}

// Register registers a new metric
func (c *PrometheusCollector) Register(metric Metric) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.metrics[metric.Name]; exists {
		return fmt.Errorf("metric %s already registered", metric.Name)
	}

	var collector prometheus.Collector
	switch metric.Type {
	case CounterType:
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: metric.Name, Help: metric.Help}, metric.Labels)
		c.counters[metric.Name] = vec
		collector = vec

	case GaugeType:
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: metric.Name, Help: metric.Help}, metric.Labels)
		c.gauges[metric.Name] = vec
		collector = vec

	case HistogramType:
		buckets := metric.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metric.Name,
			Help:    metric.Help,
			Buckets: buckets,
		}, metric.Labels)
		c.histograms[metric.Name] = vec
		collector = vec

	default:
		return fmt.Errorf("unknown metric type: %s", metric.Type)
	}

	if err := c.registry.Register(collector); err != nil {
		delete(c.counters, metric.Name)
		delete(c.gauges, metric.Name)
		delete(c.histograms, metric.Name)
		return fmt.Errorf("failed to register %s %s: %w", metric.Type, metric.Name, err)
	}

	c.metrics[metric.Name] = metric
	return nil
}

// RegisterRelayMetrics registers every metric the relay emits
func (c *PrometheusCollector) RegisterRelayMetrics() error {
	var errs []string
	for _, metric := range RelayMetrics {
		if err := c.Register(metric); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to register some metrics: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *PrometheusCollector) counter(name string) *prometheus.CounterVec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

func (c *PrometheusCollector) gauge(name string) *prometheus.GaugeVec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[name]
}

func (c *PrometheusCollector) histogram(name string) *prometheus.HistogramVec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histograms[name]
}

// IncrementCounter increments a counter by 1. Unknown names are ignored.
func (c *PrometheusCollector) IncrementCounter(name string, labels map[string]string) {
	c.AddCounter(name, 1, labels)
}

// AddCounter adds a value to a counter
func (c *PrometheusCollector) AddCounter(name string, value float64, labels map[string]string) {
	if vec := c.counter(name); vec != nil {
		vec.With(prometheus.Labels(labels)).Add(value)
	}
}

// SetGauge sets the value of a gauge
func (c *PrometheusCollector) SetGauge(name string, value float64, labels map[string]string) {
	if vec := c.gauge(name); vec != nil {
		vec.With(prometheus.Labels(labels)).Set(value)
	}
}

// ObserveHistogram records a value in a histogram
func (c *PrometheusCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	if vec := c.histogram(name); vec != nil {
		vec.With(prometheus.Labels(labels)).Observe(value)
	}
}

// ObserveDuration records the time elapsed since start in a histogram
func (c *PrometheusCollector) ObserveDuration(name string, start time.Time, labels map[string]string) {
	c.ObserveHistogram(name, time.Since(start).Seconds(), labels)
}

// HTTPHandler returns an HTTP handler for Prometheus scraping
func (c *PrometheusCollector) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer exposes the underlying registry
func (c *PrometheusCollector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// GetMetricNames returns a list of registered metric names
func (c *PrometheusCollector) GetMetricNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.metrics))
	for name := range c.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

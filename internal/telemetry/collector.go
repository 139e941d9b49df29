package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jashmhta/palitana-yatra-tracker/internal/observability"
)

// Collector bridges the observability metrics surface onto OpenTelemetry
// instruments, creating each instrument once on first use.
type Collector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewCollector builds a collector over the provider's meter.
func NewCollector(provider *Provider) *Collector {
	c := new(Collector)
	c.meter = provider.Meter("yatra.tracker")
	c.counters = make(map[string]metric.Float64Counter)
	c.histograms = make(map[string]metric.Float64Histogram)
	c.gauges = make(map[string]metric.Float64Gauge)
	return c
}

// IncCounter adds value to the named counter.
func (c *Collector) IncCounter(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	counter, ok := c.counters[name]
	if !ok {
		counter, _ = c.meter.Float64Counter(name)
		c.counters[name] = counter
	}
	c.mu.Unlock()
	if counter == nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

// ObserveHistogram records value into the named histogram.
func (c *Collector) ObserveHistogram(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	histogram, ok := c.histograms[name]
	if !ok {
		histogram, _ = c.meter.Float64Histogram(name)
		c.histograms[name] = histogram
	}
	c.mu.Unlock()
	if histogram == nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

// SetGauge sets the named gauge to value.
func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	gauge, ok := c.gauges[name]
	if !ok {
		gauge, _ = c.meter.Float64Gauge(name)
		c.gauges[name] = gauge
	}
	c.mu.Unlock()
	if gauge == nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

func attrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		out = append(out, attribute.String(k, v))
	}
	return out
}

var _ observability.Metrics = (*Collector)(nil)

package observability

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// Metric names emitted by the delivery pipeline.
const (
	// MetricPendingDepth gauges the number of events in the durable pending store.
	MetricPendingDepth = "yatra_pending_depth"
	// MetricDispatchOutcomes counts dispatch outcomes labelled by classification.
	MetricDispatchOutcomes = "yatra_dispatch_outcomes_total"
	// MetricCycleDuration observes sync cycle wall time in seconds.
	MetricCycleDuration = "yatra_sync_cycle_seconds"
	// MetricDeadLetters counts events abandoned to the dead-letter record.
	MetricDeadLetters = "yatra_dead_letters_total"
	// MetricSheetDrops counts secondary-sink entries dropped on overflow.
	MetricSheetDrops = "yatra_sheet_drops_total"
)

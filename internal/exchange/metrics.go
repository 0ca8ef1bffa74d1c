package exchange

import "time"

// MetricsReporter receives exchange outcomes. Implemented by
// fvtmetrics.Collector.
type MetricsReporter interface {
	// ObserveExchange records one exchange; outcome is "pass" or the
	// FailureKind name.
	ObserveExchange(outcome string, d time.Duration)
	IncHandlesCaptured()
}

type noopMetrics struct{}

func (noopMetrics) ObserveExchange(string, time.Duration) {}
func (noopMetrics) IncHandlesCaptured()                   {}

package endpoint

// MetricsReporter receives per-endpoint traffic counters. Implemented by
// fvtmetrics.Collector.
type MetricsReporter interface {
	IncFramesSent(endpoint string)
	IncFramesReceived(endpoint string)
	IncEchoReplies(endpoint string)
	IncTransportErrors(endpoint, class string)
}

type noopMetrics struct{}

func (noopMetrics) IncFramesSent(string)              {}
func (noopMetrics) IncFramesReceived(string)          {}
func (noopMetrics) IncEchoReplies(string)             {}
func (noopMetrics) IncTransportErrors(string, string) {}

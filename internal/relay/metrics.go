package relay

// Direction labels for relayed messages.
const (
	DirectionToSwitch     = "to_switch"
	DirectionToController = "to_controller"
)

// MetricsReporter receives relay counters. Implemented by
// fvtmetrics.Collector.
type MetricsReporter interface {
	// IncRelayed counts one message forwarded in direction.
	IncRelayed(direction, kind string)

	// IncRejected counts one controller message answered with an ERROR.
	IncRejected(kind string)

	// SessionUp and SessionDown track live switch sessions.
	SessionUp()
	SessionDown()
}

type noopMetrics struct{}

func (noopMetrics) IncRelayed(string, string) {}
func (noopMetrics) IncRejected(string)        {}
func (noopMetrics) SessionUp()                {}
func (noopMetrics) SessionDown()              {}

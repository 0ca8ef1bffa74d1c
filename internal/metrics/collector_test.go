package fvtmetrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dantte-lp/gofvt/internal/endpoint"
	"github.com/dantte-lp/gofvt/internal/exchange"
	fvtmetrics "github.com/dantte-lp/gofvt/internal/metrics"
	"github.com/dantte-lp/gofvt/internal/relay"
)

var (
	_ endpoint.MetricsReporter = (*fvtmetrics.Collector)(nil)
	_ exchange.MetricsReporter = (*fvtmetrics.Collector)(nil)
	_ relay.MetricsReporter    = (*fvtmetrics.Collector)(nil)
)

func TestNewCollectorRegistersEverything(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := fvtmetrics.NewCollector(reg)

	// Touch every vector so Gather reports it.
	c.IncFramesSent("downstream[0]")
	c.IncFramesReceived("downstream[0]")
	c.IncEchoReplies("downstream[0]")
	c.IncTransportErrors("downstream[0]", "EOF")
	c.ObserveExchange("pass", time.Millisecond)
	c.IncHandlesCaptured()
	c.IncRelayed(relay.DirectionToSwitch, "FLOW_MOD")
	c.IncRejected("HELLO")
	c.SessionUp()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	want := map[string]bool{
		"gofvt_endpoint_frames_sent_total":      false,
		"gofvt_endpoint_frames_received_total":  false,
		"gofvt_endpoint_echo_replies_total":     false,
		"gofvt_endpoint_transport_errors_total": false,
		"gofvt_exchange_total":                  false,
		"gofvt_exchange_duration_seconds":       false,
		"gofvt_exchange_handles_captured_total": false,
		"gofvt_relay_messages_total":            false,
		"gofvt_relay_rejected_total":            false,
		"gofvt_relay_sessions":                  false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestEndpointCounters(t *testing.T) {
	t.Parallel()

	c := fvtmetrics.NewCollector(prometheus.NewRegistry())

	c.IncFramesSent("upstream[1]/downstream[0]")
	c.IncFramesSent("upstream[1]/downstream[0]")
	c.IncFramesReceived("upstream[1]/downstream[0]")
	c.IncTransportErrors("upstream[1]/downstream[0]", "ECONNRESET")

	if v := counterValue(t, c.FramesSent, "upstream[1]/downstream[0]"); v != 2 {
		t.Errorf("frames sent = %v, want 2", v)
	}
	if v := counterValue(t, c.FramesReceived, "upstream[1]/downstream[0]"); v != 1 {
		t.Errorf("frames received = %v, want 1", v)
	}
	if v := counterValue(t, c.TransportErrors, "upstream[1]/downstream[0]", "ECONNRESET"); v != 1 {
		t.Errorf("transport errors = %v, want 1", v)
	}
	if v := counterValue(t, c.FramesSent, "downstream[0]"); v != 0 {
		t.Errorf("unrelated endpoint = %v, want 0", v)
	}
}

func TestObserveExchange(t *testing.T) {
	t.Parallel()

	c := fvtmetrics.NewCollector(prometheus.NewRegistry())

	c.ObserveExchange("pass", 3*time.Millisecond)
	c.ObserveExchange("pass", 7*time.Millisecond)
	c.ObserveExchange("timeout", 2*time.Second)

	if v := counterValue(t, c.Exchanges, "pass"); v != 2 {
		t.Errorf("pass exchanges = %v, want 2", v)
	}
	if v := counterValue(t, c.Exchanges, "timeout"); v != 1 {
		t.Errorf("timeout exchanges = %v, want 1", v)
	}

	h := histogram(t, c.ExchangeDuration, "pass")
	if h.GetSampleCount() != 2 {
		t.Errorf("pass samples = %d, want 2", h.GetSampleCount())
	}
	if sum := h.GetSampleSum(); sum < 0.0099 || sum > 0.0101 {
		t.Errorf("pass sample sum = %v, want 0.01", sum)
	}
}

func TestRelaySessionsGauge(t *testing.T) {
	t.Parallel()

	c := fvtmetrics.NewCollector(prometheus.NewRegistry())

	c.SessionUp()
	c.SessionUp()
	c.SessionDown()

	m := &dto.Metric{}
	if err := c.RelaySessions.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	if v := m.GetGauge().GetValue(); v != 1 {
		t.Errorf("relay sessions = %v, want 1", v)
	}

	c.IncRelayed(relay.DirectionToController, "PACKET_IN")
	if v := counterValue(t, c.Relayed, relay.DirectionToController, "PACKET_IN"); v != 1 {
		t.Errorf("relayed = %v, want 1", v)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}

// histogram reads the current state of a HistogramVec with the given labels.
func histogram(t *testing.T, vec *prometheus.HistogramVec, labels ...string) *dto.Histogram {
	t.Helper()

	obs, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := obs.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetHistogram()
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRequest("NEGOTIATE", "success", 0.001)
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetSessionsActive(3)
	m.RecordCreditGrant(16)
	m.RecordProtocolError("sequence")
	m.RecordTraffic(1024, 512)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"smb_requests_total",
		"smb_request_duration_seconds",
		"smb_connections_active",
		"smb_connections_total",
		"smb_sessions_active",
		"smb_credits_granted",
		"smb_protocol_errors_total",
		"smb_bytes_received_total",
		"smb_bytes_sent_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestNilMetricsAreNoop(t *testing.T) {
	m := NullMetrics()
	m.RecordRequest("ECHO", "success", 0)
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetSessionsActive(0)
	m.RecordCreditGrant(1)
	m.RecordProtocolError("framing")
	m.RecordTraffic(0, 0)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("second registration must panic")
		}
	}()
	NewMetrics(reg)
}

package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordReconnect("presence")
	m.RecordReconnect("presence")
	m.RecordEvent("presence", "user_online")
	m.RecordDropped("presence", "malformed")
	m.SetTransportState("presence", 2)
	m.SetOnlineUsers(3)
	m.SetListeners(2)
	m.RecordPoll("presence", nil)
	m.RecordPoll("presence", errors.New("boom"))
	m.RecordNotification("push")

	if got := testutil.ToFloat64(m.TransportReconnects.WithLabelValues("presence")); got != 2 {
		t.Errorf("Expected 2 reconnects, got %v", got)
	}
	if got := testutil.ToFloat64(m.TransportState.WithLabelValues("presence")); got != 2 {
		t.Errorf("Expected state 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.PresenceOnline); got != 3 {
		t.Errorf("Expected 3 online, got %v", got)
	}
	if got := testutil.ToFloat64(m.PollTicks.WithLabelValues("presence", "error")); got != 1 {
		t.Errorf("Expected 1 failed poll, got %v", got)
	}

	unread := 4
	m.RegisterUnreadGauge(func() int { return unread })
	count, err := testutil.GatherAndCount(reg, "pulse_notifications_unread")
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected unread gauge to be registered, got %d series", count)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordReconnect("x")
	m.RecordEvent("x", "y")
	m.RecordDropped("x", "y")
	m.SetTransportState("x", 1)
	m.SetOnlineUsers(1)
	m.SetListeners(1)
	m.RecordPoll("x", nil)
	m.RecordNotification("push")
	m.RegisterUnreadGauge(func() int { return 0 })
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the realtime layer.
// A nil *Metrics is valid and records nothing, so components can be built
// without metrics in tests.
type Metrics struct {
	TransportState        *prometheus.GaugeVec
	TransportReconnects   *prometheus.CounterVec
	TransportEvents       *prometheus.CounterVec
	TransportDropped      *prometheus.CounterVec
	PresenceOnline        prometheus.Gauge
	PresenceListeners     prometheus.Gauge
	PollTicks             *prometheus.CounterVec
	NotificationsReceived *prometheus.CounterVec

	registerer prometheus.Registerer
}

// New registers all collectors on reg, normally the registry the local API
// serves on /metrics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registerer: reg,

		// 0 disconnected, 1 connecting, 2 connected, 3 closing
		TransportState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulse_transport_state",
			Help: "Current connection state per push stream",
		}, []string{"stream"}),

		TransportReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_transport_reconnects_total",
			Help: "Reconnect attempts scheduled per push stream",
		}, []string{"stream"}),

		TransportEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_transport_events_total",
			Help: "Inbound events delivered per stream and type",
		}, []string{"stream", "type"}),

		TransportDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_transport_dropped_frames_total",
			Help: "Inbound frames dropped per stream and reason",
		}, []string{"stream", "reason"}), // reason: "malformed" or "unknown_type"

		PresenceOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_presence_online_users",
			Help: "Size of the believed-online user set",
		}),

		PresenceListeners: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_presence_listeners",
			Help: "Number of registered presence listeners",
		}),

		PollTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_poll_ticks_total",
			Help: "Polling fallback ticks by poller and result",
		}, []string{"poller", "result"}), // result: "ok" or "error"

		NotificationsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_notifications_received_total",
			Help: "New notifications merged into the store by source",
		}, []string{"source"}), // source: "push", "snapshot" or "local"
	}
}

// RegisterUnreadGauge exposes the unread total through a gauge func backed by
// the notification store.
func (m *Metrics) RegisterUnreadGauge(unread func() int) {
	if m == nil || unread == nil {
		return
	}
	m.registerer.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pulse_notifications_unread",
			Help: "Unread notifications for the current session",
		},
		func() float64 {
			return float64(unread())
		},
	))
}

// SetTransportState records the numeric connection state of a stream
func (m *Metrics) SetTransportState(stream string, state int) {
	if m == nil {
		return
	}
	m.TransportState.WithLabelValues(stream).Set(float64(state))
}

// RecordReconnect records a scheduled reconnect attempt
func (m *Metrics) RecordReconnect(stream string) {
	if m == nil {
		return
	}
	m.TransportReconnects.WithLabelValues(stream).Inc()
}

// RecordEvent records an inbound event delivered to handlers
func (m *Metrics) RecordEvent(stream, eventType string) {
	if m == nil {
		return
	}
	m.TransportEvents.WithLabelValues(stream, eventType).Inc()
}

// RecordDropped records an inbound frame that was not delivered
func (m *Metrics) RecordDropped(stream, reason string) {
	if m == nil {
		return
	}
	m.TransportDropped.WithLabelValues(stream, reason).Inc()
}

// SetOnlineUsers records the size of the online set
func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.PresenceOnline.Set(float64(n))
}

// SetListeners records the number of presence listeners
func (m *Metrics) SetListeners(n int) {
	if m == nil {
		return
	}
	m.PresenceListeners.Set(float64(n))
}

// RecordPoll records one polling tick
func (m *Metrics) RecordPoll(poller string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PollTicks.WithLabelValues(poller, result).Inc()
}

// RecordNotification records a notification merged into the store
func (m *Metrics) RecordNotification(source string) {
	m.RecordNotifications(source, 1)
}

// RecordNotifications records n notifications merged from one source
func (m *Metrics) RecordNotifications(source string, n int) {
	if m == nil {
		return
	}
	m.NotificationsReceived.WithLabelValues(source).Add(float64(n))
}

package engage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "engage"

// Metrics groups the collectors the engine reports to. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	eventsReceived  *prometheus.CounterVec
	handlerPanics   *prometheus.CounterVec
	patches         *prometheus.CounterVec
	invalidations   *prometheus.CounterVec
	mutations       *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
	reconnects      prometheus.Counter
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_received_total",
			Help:      "Push events delivered by the channel, by event name.",
		}, []string{"event"}),
		handlerPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handler_panics_total",
			Help:      "Subscriber handlers that panicked, by event name.",
		}, []string{"event"}),
		patches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_patches_total",
			Help:      "Reconciler patches by reconciler and outcome.",
		}, []string{"reconciler", "outcome"}),
		invalidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_invalidations_total",
			Help:      "Cache keys invalidated because a push event could not be patched.",
		}, []string{"key"}),
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "optimistic_mutations_total",
			Help:      "Optimistic toggles by interaction and outcome.",
		}, []string{"interaction", "outcome"}),
		connectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state",
			Help:      "1 for the current channel state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts.",
		}),
	}
}

func (m *Metrics) eventReceived(event string) {
	if m != nil {
		m.eventsReceived.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) handlerPanic(event string) {
	if m != nil {
		m.handlerPanics.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) patch(reconciler, outcome string) {
	if m != nil {
		m.patches.WithLabelValues(reconciler, outcome).Inc()
	}
}

func (m *Metrics) invalidated(key Key) {
	if m != nil {
		m.invalidations.WithLabelValues(key.namespace()).Inc()
	}
}

func (m *Metrics) mutation(kind Interaction, outcome string) {
	if m != nil {
		m.mutations.WithLabelValues(string(kind), outcome).Inc()
	}
}

func (m *Metrics) reconnectAttempt() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) stateChanged(status Status) {
	if m == nil {
		return
	}
	for _, s := range []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusReconnecting} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.connectionState.WithLabelValues(string(s)).Set(v)
	}
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"meeshy/internal/models"
)

const namespace = "meeshy"

// Translation outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeCached    = "cached"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections        prometheus.Gauge
	onlineIdentities   prometheus.Gauge
	messages           *prometheus.CounterVec
	translations       *prometheus.CounterVec
	translationLatency *prometheus.HistogramVec
	droppedEvents      prometheus.Counter
	inboundEvents      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of live websocket connections.",
		}),
		onlineIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_identities",
			Help:      "Number of identities holding at least one connection.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages processed by operation.",
		}, []string{"op"}),
		translations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translations_total",
			Help:      "Translation results by outcome.",
		}, []string{"outcome"}),
		translationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "translation_backend_seconds",
			Help:      "Latency of translation backend calls.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"tier"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Outbound events dropped because a connection buffer was full.",
		}),
		inboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Client events received by type and result.",
		}, []string{"event", "result"}),
	}
	reg.MustRegister(
		m.connections,
		m.onlineIdentities,
		m.messages,
		m.translations,
		m.translationLatency,
		m.droppedEvents,
		m.inboundEvents,
	)
	return m
}

func (m *Metrics) SetPresence(connections, online int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.onlineIdentities.Set(float64(online))
}

func (m *Metrics) MessageProcessed(op string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(op).Inc()
}

func (m *Metrics) TranslationOutcome(outcome string) {
	if m == nil {
		return
	}
	m.translations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTranslation(tier models.ModelTier, d time.Duration) {
	if m == nil {
		return
	}
	m.translationLatency.WithLabelValues(string(tier)).Observe(d.Seconds())
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}

func (m *Metrics) EventHandled(event models.ClientEventType, result string) {
	if m == nil {
		return
	}
	m.inboundEvents.WithLabelValues(string(event), result).Inc()
}

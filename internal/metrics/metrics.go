// Package metrics agrupa los colectores Prometheus del nucleo de sincronizacion.
// Todos los metodos aceptan receptor nil para que los componentes funcionen sin metricas.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	ConnectionState   *prometheus.GaugeVec
	Reconnects        prometheus.Counter
	TransportErrors   prometheus.Counter
	Ingested          prometheus.Counter
	Duplicates        prometheus.Counter
	PersistenceErrors *prometheus.CounterVec
	Sent              prometheus.Counter
	DeliveryFailures  prometheus.Counter
	AiResponses       *prometheus.CounterVec
	AiLatency         *prometheus.HistogramVec
	SyncRuns          *prometheus.CounterVec
	SyncInserted      prometheus.Counter
}

// New crea y registra los colectores en reg; reg nil usa el registro por defecto.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chat_connection_state",
			Help: "Current realtime connection state (1 for the active state)",
		}, []string{"state"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled by the connection manager",
		}),
		TransportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_transport_errors_total",
			Help: "Non-fatal realtime transport errors",
		}),
		Ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_ingested_total",
			Help: "Inbound messages persisted and rolled up",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_duplicate_events_total",
			Help: "Inbound events discarded because the message already existed",
		}),
		PersistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_persistence_failures_total",
			Help: "Writes that failed after retrying",
		}, []string{"component"}),
		Sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Outgoing messages delivered over the realtime channel",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_delivery_failures_total",
			Help: "Outgoing messages left unsent",
		}),
		AiResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_ai_responses_total",
			Help: "AI responses by outcome and origin",
		}, []string{"outcome", "origin"}),
		AiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_ai_generation_seconds",
			Help:    "AI text generation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"origin"}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_sync_runs_total",
			Help: "Reconciliation runs by result",
		}, []string{"result"}),
		SyncInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_sync_messages_inserted_total",
			Help: "Messages inserted by reconciliation",
		}),
	}
	reg.MustRegister(
		m.ConnectionState,
		m.Reconnects,
		m.TransportErrors,
		m.Ingested,
		m.Duplicates,
		m.PersistenceErrors,
		m.Sent,
		m.DeliveryFailures,
		m.AiResponses,
		m.AiLatency,
		m.SyncRuns,
		m.SyncInserted,
	)
	return m
}

// Handler expone el registro por defecto para el scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor expone un registro concreto.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var connectionStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) IncTransportError() {
	if m == nil {
		return
	}
	m.TransportErrors.Inc()
}

func (m *Metrics) IncIngested() {
	if m == nil {
		return
	}
	m.Ingested.Inc()
}

func (m *Metrics) IncDuplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

func (m *Metrics) IncPersistenceFailure(component string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.WithLabelValues(component).Inc()
}

func (m *Metrics) IncSent() {
	if m == nil {
		return
	}
	m.Sent.Inc()
}

func (m *Metrics) IncDeliveryFailure() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

func (m *Metrics) ObserveAiResponse(outcome, origin string, seconds float64) {
	if m == nil {
		return
	}
	m.AiResponses.WithLabelValues(outcome, origin).Inc()
	if origin != "" {
		m.AiLatency.WithLabelValues(origin).Observe(seconds)
	}
}

func (m *Metrics) ObserveSync(err error, inserted int) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SyncRuns.WithLabelValues(result).Inc()
	m.SyncInserted.Add(float64(inserted))
}

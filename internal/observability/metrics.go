package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chanlink_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	GatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chanlink_gateway_calls_total", Help: "Provider gateway call outcomes"},
		[]string{"op", "result"},
	)
	GatewayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "chanlink_gateway_call_latency_seconds", Help: "Provider gateway call latency"},
	)
	StatusPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chanlink_status_polls_total", Help: "Reconciliation ticks"},
		[]string{"result"},
	)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chanlink_status_transitions_total", Help: "Canonical status transitions"},
		[]string{"to"},
	)
	Activations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chanlink_activations_total", Help: "Channel activation/deactivation outcomes"},
		[]string{"op", "result"},
	)
	PersistWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chanlink_store_writes_total", Help: "Tenant store status writes"},
		[]string{"result"},
	)
	EventPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chanlink_event_publish_total", Help: "Channel event publish results"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, GatewayCalls, GatewayLatency, StatusPolls,
		Transitions, Activations, PersistWrites, EventPublishes)
}

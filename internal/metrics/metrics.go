package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "Number of live websocket connections.",
	})

	MessagesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_ingested_total",
		Help: "Messages persisted and broadcast.",
	})

	PublishEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_publish_events_total",
		Help: "Events published to rooms, local and bus combined.",
	})

	PersistenceFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_persistence_failures_total",
		Help: "Message create calls the backend refused or that timed out.",
	})

	AuthRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_auth_rejections_total",
		Help: "Connections refused by the strict auth gate.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		MessagesIngested,
		PublishEvents,
		PersistenceFailures,
		AuthRejections,
	)
}

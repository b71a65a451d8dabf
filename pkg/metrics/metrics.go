package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalyst_nodes_online",
			Help: "Number of nodes currently marked online",
		},
	)

	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalyst_nodes_total",
			Help: "Total number of registered nodes",
		},
	)

	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalyst_servers_total",
			Help: "Total number of servers by status",
		},
		[]string{"status"},
	)

	// Gateway metrics
	AgentsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalyst_agents_connected",
			Help: "Number of node agents with an active WebSocket connection",
		},
	)

	ClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalyst_clients_connected",
			Help: "Number of client sessions with an active WebSocket connection",
		},
	)

	AgentMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalyst_agent_messages_total",
			Help: "Total number of agent messages received by type",
		},
		[]string{"type"},
	)

	ClientMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalyst_client_messages_total",
			Help: "Total number of client messages received by type",
		},
		[]string{"type"},
	)

	ClientsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalyst_clients_dropped_total",
			Help: "Total number of client sessions dropped for slow consumption",
		},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalyst_heartbeats_total",
			Help: "Total number of agent heartbeats received",
		},
	)

	// Node request metrics
	NodeRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalyst_node_request_duration_seconds",
			Help:    "Round trip time of correlated node requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	NodeRequestTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalyst_node_request_timeouts_total",
			Help: "Total number of correlated node requests that timed out",
		},
	)

	// Lifecycle metrics
	CrashRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalyst_crash_restarts_total",
			Help: "Total number of automatic restarts issued for crashed servers",
		},
	)

	// Scheduler metrics
	TaskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalyst_task_runs_total",
			Help: "Total number of scheduled task runs by action and outcome",
		},
		[]string{"action", "status"},
	)

	TaskRunsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalyst_task_runs_skipped_total",
			Help: "Total number of task firings skipped because a run was in flight",
		},
	)

	// Alert metrics
	AlertsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalyst_alerts_created_total",
			Help: "Total number of alerts created by type and severity",
		},
		[]string{"type", "severity"},
	)

	AlertDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalyst_alert_deliveries_total",
			Help: "Total number of alert delivery attempts by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	AlertDeliveriesPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalyst_alert_deliveries_pending",
			Help: "Number of failed alert deliveries still eligible for retry",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesOnline)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(ServersTotal)
	prometheus.MustRegister(AgentsConnected)
	prometheus.MustRegister(ClientsConnected)
	prometheus.MustRegister(AgentMessagesTotal)
	prometheus.MustRegister(ClientMessagesTotal)
	prometheus.MustRegister(ClientsDropped)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(NodeRequestDuration)
	prometheus.MustRegister(NodeRequestTimeouts)
	prometheus.MustRegister(CrashRestartsTotal)
	prometheus.MustRegister(TaskRunsTotal)
	prometheus.MustRegister(TaskRunsSkipped)
	prometheus.MustRegister(AlertsCreatedTotal)
	prometheus.MustRegister(AlertDeliveriesTotal)
	prometheus.MustRegister(AlertDeliveriesPending)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

/*
Package metrics provides Prometheus instrumentation and health reporting
for the Catalyst backend.

The metrics package defines every counter, gauge, and histogram the backend
exports, the /metrics and /healthz HTTP handlers the gateway mounts, and a
collector loop that refreshes fleet-level gauges from the store.

# Architecture

Instrumentation is write-where-it-happens; fleet totals are polled:

	┌────────────────── METRICS FLOW ───────────────────────────┐
	│                                                           │
	│  gateway/scheduler/alert ──▶ counters & histograms        │
	│     (incremented inline at the event site)                │
	│                                                           │
	│  Collector ──every interval──▶ store ──▶ fleet gauges     │
	│     (nodes online, servers by status, pending retries)    │
	│                                                           │
	│  HealthChecker ◀── SetComponent(name, healthy, message)   │
	│                                                           │
	│  HTTP:  /metrics (prometheus)   /healthz (JSON liveness)  │
	└───────────────────────────────────────────────────────────┘

# Exported Metrics

Fleet gauges (refreshed by the Collector):
  - catalyst_nodes_total, catalyst_nodes_online
  - catalyst_servers_total{status}
  - catalyst_alert_deliveries_pending

Connection gauges (maintained by the gateway registry):
  - catalyst_agents_connected, catalyst_clients_connected

Traffic counters:
  - catalyst_agent_messages_total{type}
  - catalyst_client_messages_total{type}
  - catalyst_heartbeats_total
  - catalyst_clients_dropped_total

Command round trips:
  - catalyst_node_request_duration_seconds{type} (histogram)
  - catalyst_node_request_timeouts_total

Lifecycle and operations:
  - catalyst_crash_restarts_total
  - catalyst_task_runs_total{action,outcome}
  - catalyst_task_runs_skipped_total
  - catalyst_alerts_created_total{type,severity}
  - catalyst_alert_deliveries_total{channel,outcome}

# Usage

Mounting the handlers (the gateway does this):

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())

Instrumenting an event site:

	metrics.CrashRestartsTotal.Inc()
	metrics.TaskRunsTotal.WithLabelValues(string(task.Action), "success").Inc()

Running the fleet gauge collector:

	collector := metrics.NewCollector(cfg, store)
	collector.Start()
	defer collector.Stop()

The collector refreshes on cfg.MetricsRefreshInterval (default 30s) and
takes an immediate first pass so gauges are populated as soon as the
process reports ready.

# Health Reporting

Components report their state transitions through SetComponent:

	metrics.SetComponent("gateway", true, "")
	defer metrics.SetComponent("gateway", false, "stopped")

GET /healthz returns the aggregate:

	{
	  "status": "healthy",
	  "version": "1.4.2",
	  "components": {
	    "gateway":   {"healthy": true},
	    "scheduler": {"healthy": true},
	    "alerts":    {"healthy": true}
	  }
	}

The endpoint returns 200 while every registered component is healthy and
503 otherwise, which is what a load balancer or systemd watchdog wants.

# Design Notes

Gauges that enumerate by status iterate every known ServerStatus on each
refresh, so a status that empties out drops to zero instead of holding
its last value.

The pending-deliveries gauge counts every failed delivery still eligible
for retry regardless of backoff, because the operator question is "how
much is queued", not "how much is due this second".

# Integration Points

This package integrates with:

  - pkg/gateway: Mounts handlers, increments traffic counters
  - pkg/scheduler: Task run counters
  - pkg/alert: Alert and delivery counters
  - pkg/storage: Collector reads fleet totals
  - cmd/catalyst: Starts the collector, sets the version
*/
package metrics

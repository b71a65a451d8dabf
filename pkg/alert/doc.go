/*
Package alert evaluates fleet alert rules and delivers notifications
through webhooks and email, with per-delivery retry.

Operators define AlertRule rows; the engine re-evaluates them on a
fixed interval against the store, creates Alert rows when conditions
hold, and fans each alert out to the rule's notification targets. Every
send is tracked as an AlertDelivery row, so a flaky webhook endpoint is
retried rather than dropped and an operator can audit exactly which
notifications left the building.

# Architecture

	┌────────────────────── ALERT ENGINE ──────────────────────┐
	│                                                          │
	│  tick (evaluate interval)                                │
	│   ├─▶ evaluate: enabled rules × store state              │
	│   │     resource_threshold  cpu/mem/disk vs limits       │
	│   │     node_offline        heartbeat age vs window      │
	│   │     server_crashed      servers in CRASHED           │
	│   │         │                                            │
	│   │         ▼ (deduplicated)                             │
	│   │     Alert row ──▶ dispatch                           │
	│   │                    ├─▶ webhook targets               │
	│   │                    ├─▶ email targets                 │
	│   │                    └─▶ owner email (notifyOwner)     │
	│   │                         │                            │
	│   │                         ▼                            │
	│   │                 AlertDelivery: pending→sent/failed   │
	│   │                                                      │
	│   └─▶ retryFailed: failed deliveries past the backoff,   │
	│        under the attempt cap, attempted again            │
	└──────────────────────────────────────────────────────────┘

# Rule Types

Resource threshold rules compare the latest server metrics sample
against the rule's limits: CPU as the reported percentage, memory and
disk as a percentage of the server's allocation. Breaches raise
warning-severity alerts naming the offending metric and both values.

Node offline rules fire, at critical severity, for nodes whose last
heartbeat is older than the rule's offline window. A rule may target
one node or, with no target, the whole fleet.

Server crashed rules fire, at critical severity, for servers sitting in
CRASHED state, either one target server or every crashed server in the
fleet.

# Deduplication

An alert is not created while an unresolved alert from the same rule
and subject already exists. Threshold rules additionally apply a
cooldown window (the rule's cooldownMinutes, with a default) so a
server pinned at high CPU produces one alert per window, not one per
tick. Crash dedup is keyed to the server's latest crash time, so a new
crash after the old alert was resolved raises a new alert.

# Delivery and Retry

Each target gets its own AlertDelivery row, created pending and
attempted immediately. An attempt either marks the row sent or records
the failure on the row. The retry pass picks up failed rows that have
waited out the retry backoff and are under the attempt cap, and runs
the same attempt path again; retries redrive the delivery, never the
alert.

Webhook posts detect Discord URLs and send an embed payload; any other
URL receives a generic JSON document with the alert fields. Any
non-2xx response is a failed attempt. Email goes out through the
configured SMTP relay.

# Resolution

Alerts are closed explicitly:

	if err := engine.ResolveAlert(alertID, userID); err != nil { ... }

Resolving an already-resolved alert is a no-op, and resolution (like
creation) is published on the event broker.

# Usage

	engine := alert.New(cfg, store, broker,
		alert.NewHTTPWebhookSender(), alert.NewSMTPMailer(cfg.SMTP))
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Stop()

The evaluate interval, delivery attempt cap, and retry backoff all come
from the config; tests shrink them to milliseconds.

# Integration Points

This package integrates with:

  - pkg/storage: Rule/alert/delivery rows, metrics lookups, dedup
    queries, retryable-delivery listing
  - pkg/events: Publishes alert created and resolved events
  - pkg/metrics: Alert and delivery counters, pending-delivery gauge
  - pkg/config: Intervals, attempt cap, backoff, SMTP settings
*/
package alert

/*
Package storage provides state persistence for Catalyst's fleet data.

The storage package defines the Store interface over all persisted entities
and ships two implementations: an embedded BoltDB store for single-binary
deployments and a PostgreSQL store for production. It also owns the postgres
schema DDL and the retention sweeper that prunes append-only history.

# Architecture

Everything above this package talks to the Store interface; the binary picks
the implementation at startup from configuration:

	┌───────────────────── STORE INTERFACE ────────────────────┐
	│                                                           │
	│  gateway / scheduler / alert / metrics / retention        │
	│                        │                                  │
	│                        ▼                                  │
	│              storage.Store (interface)                    │
	│                ┌───────┴────────┐                         │
	│                ▼                ▼                         │
	│          BoltStore  or  PostgresStore                     │
	│          (bbolt file)   (pgxpool, DATABASE_URL)           │
	└───────────────────────────────────────────────────────────┘

BoltStore:
  - File: <dataDir>/catalyst.db
  - One bucket per entity, values as JSON
  - Single-writer B+tree transactions

PostgresStore:
  - pgx v5 connection pool
  - One table per entity (see schema.go), applied by cmd/catalyst-migrate
  - Per-call query timeout

# Buckets and Tables

Both implementations persist the same thirteen entities:

	users            accounts
	nodes            agent hosts and liveness
	servers          workloads (keyed by id, uuid-indexed)
	templates        provisioning templates
	server_access    permission grants
	server_logs      append-only console/system lines
	server_metrics   append-only resource samples
	node_metrics     append-only node samples
	backups          archive records
	scheduled_tasks  cron rows
	alert_rules      user-defined conditions
	alerts           triggered instances
	alert_deliveries delivery attempt chains

# Usage

Opening the embedded store:

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

Opening the production store:

	store, err := storage.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

Typical access patterns:

	server, err := store.GetServerByUUIDOrID(ref) // wire references
	err = store.AppendServerLog(&types.ServerLog{ // hot-path append
		ID:       uuid.New().String(),
		ServerID: server.ID,
		Stream:   types.StreamStdout,
		Data:     line,
	})

Cooldown lookups for the alert engine:

	existing, err := store.FindUnresolvedAlert(storage.AlertQuery{
		RuleID:       rule.ID,
		ServerID:     server.ID,
		CreatedAfter: now.Add(-cooldown),
	})

# Retention

Console logs and metric samples are append-only on the hot path and grow
without bound. The Retention sweeper is the only place they shrink:

	retention := storage.NewRetention(store, 14*24*time.Hour)
	retention.Start()
	defer retention.Stop()

It prunes hourly through PruneServerLogs and PruneMetrics with a UTC
cutoff. Domain rows (servers, tasks, rules, backups) are never touched;
they are deleted explicitly through their own operations.

# Error Semantics

  - Lookups for missing rows return an error naming the entity and key.
  - FindUnresolvedAlert and the Latest metric lookups return (nil, nil)
    when nothing matches, so callers can branch without string checks.
  - List operations return empty slices, never nil errors for emptiness.

# Design Notes

The bolt store resolves GetServerByUUIDOrID with a direct key get first
and falls back to a bucket scan for uuid references; postgres resolves
both through one indexed query. Append-only buckets key rows by owner id
then timestamp, so per-server reads are cursor range scans.

The async write queue used for best-effort persistence lives in
pkg/gateway, not here; the store itself is synchronous and returns every
error to its caller.

# Integration Points

This package integrates with:

  - pkg/gateway: All fleet reads and writes on the hot path
  - pkg/scheduler: Task rows and run bookkeeping
  - pkg/alert: Rules, alerts, deliveries, metric reads
  - pkg/metrics: Gauge refresh reads
  - cmd/catalyst: Store selection (bolt vs postgres) at startup
  - cmd/catalyst-migrate: Applies schema.go DDL to postgres
*/
package storage

/*
Package types defines the core data structures used throughout Catalyst.

This package contains all fundamental types that represent Catalyst's domain
model, including nodes, servers, templates, access grants, logs, metrics,
backups, scheduled tasks, and the alerting entities. These types are used by
all other packages for state management, wire protocol translation, and
fleet orchestration logic.

# Architecture

The types package is the foundation of Catalyst's data model. It defines:

  - Fleet topology (nodes and the servers placed on them)
  - Server lifecycle state and restart policy
  - Provisioning templates (image, startup command, environment)
  - Ownership and per-server access grants
  - Append-only history (console logs, resource samples)
  - Backup records with integrity checksums
  - Cron-driven scheduled tasks
  - Alert rules, triggered alerts, and delivery records

All types are designed to be:
  - Serializable (JSON for the bolt store, columns for postgres)
  - Stable on the wire (wire frames live in pkg/protocol, not here)
  - Self-documenting (typed string enums over magic values)

# Core Types

Fleet Topology:
  - Node: Remote host running the Catalyst agent
  - Server: One managed containerized workload on a node
  - ServerStatus: STOPPED, INSTALLING, STARTING, RUNNING, STOPPING, CRASHED, ERROR
  - ServerTemplate: Image and startup configuration servers are created from

Access:
  - User: Account that owns or is granted servers
  - ServerAccess: Non-owner permission grant on one server

History:
  - ServerLog: One console or system line (stdout, stderr, system streams)
  - ServerMetrics: One resource usage sample for a server
  - NodeMetrics: One resource usage sample for a node

Operations:
  - Backup: Archive record with path, size, and checksum
  - ScheduledTask: Cron-driven action (start, stop, restart, backup, command)
  - TaskStatus: Outcome of the last run (success, failed)

Alerting:
  - AlertRule: User-defined condition (resource_threshold, node_offline, server_crashed)
  - Alert: One triggered instance of a rule
  - AlertDelivery: Durable record of one alert sent to one target

# Usage

Creating a Server from a template:

	server := &types.Server{
		ID:                uuid.New().String(),
		UUID:              uuid.New().String(),
		OwnerID:           owner.ID,
		NodeID:            node.ID,
		TemplateID:        template.ID,
		Status:            types.StatusStopped,
		AllocatedMemoryMB: 4096,
		AllocatedCPUCores: 2,
		AllocatedDiskMB:   20480,
		NetworkMode:       types.NetworkModeBridge,
		RestartPolicy:     types.RestartOnFailure,
		MaxCrashCount:     3,
	}

Creating a ScheduledTask:

	task := &types.ScheduledTask{
		ID:       uuid.New().String(),
		ServerID: server.ID,
		Name:     "nightly-backup",
		Schedule: "0 4 * * *",
		Action:   types.ActionBackup,
		Payload:  map[string]string{"name": "nightly"},
		Enabled:  true,
	}

Creating an AlertRule:

	cpu := 90.0
	rule := &types.AlertRule{
		ID:       uuid.New().String(),
		UserID:   owner.ID,
		Name:     "high-cpu",
		Type:     types.RuleResourceThreshold,
		Target:   types.TargetServer,
		TargetID: server.ID,
		Conditions: types.AlertConditions{
			CPUThreshold:    &cpu,
			CooldownMinutes: 10,
		},
		Actions: types.AlertActions{
			Webhooks:    []string{"https://discord.com/api/webhooks/..."},
			NotifyOwner: true,
		},
		Enabled: true,
	}

# Server Lifecycle

Servers follow a lifecycle state machine (validated in pkg/state):

	STOPPED → STARTING → RUNNING → STOPPING → STOPPED
	   ↓          ↓          ↓
	INSTALLING  ERROR     CRASHED → STARTING (auto-restart)

The backend treats agent reports as ground truth: a report that skips a
step is applied anyway and the divergence is logged. CrashCount and
LastCrashAt accumulate on every CRASHED transition and gate the restart
policy against crash loops.

# Identity

Servers carry two identifiers:

  - ID: Internal primary key used in store lookups and foreign keys
  - UUID: Externally-visible identifier used on the wire and in URLs

Agents and clients may reference a server by either; the gateway resolves
both through a single lookup. All other entities use a single ID.

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants for safety and readable storage:
	  type ServerStatus string
	  const (
	      StatusStopped ServerStatus = "STOPPED"
	      StatusRunning ServerStatus = "RUNNING"
	  )

Optional Fields:

	Timestamps that may be unset use pointers:
	  - *LastCrashAt: nil = never crashed
	  - *SuspendedAt: nil = not suspended
	  - *NextRunAt: nil = no scheduled occurrence
	  - *RestoredAt: nil = backup never restored

Threshold Fields:

	AlertConditions uses pointer thresholds so a rule can watch any
	subset of dimensions; nil means the dimension is ignored.

# Integration Points

This package integrates with:

  - pkg/storage: Persists all types (bolt buckets, postgres tables)
  - pkg/protocol: Wire frames carry these values in camelCase JSON
  - pkg/gateway: Applies agent reports onto Server rows
  - pkg/state: Validates ServerStatus transitions
  - pkg/scheduler: Executes ScheduledTask rows
  - pkg/alert: Evaluates AlertRule rows and writes Alert/AlertDelivery
  - pkg/agent: The simulation runtime reports ServerStatus values

# Thread Safety

Types in this package are plain data:

  - Read-safe: Can be read concurrently from multiple goroutines
  - Write-unsafe: Mutations must be synchronized by callers

The storage layer owns synchronization for persisted state; the gateway
serializes concurrent state updates per server before writing.
*/
package types

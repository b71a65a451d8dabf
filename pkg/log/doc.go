/*
Package log provides structured logging for Catalyst using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-scoped child loggers, configurable log levels, and helpers for
the identifier fields that recur throughout the backend. All logs include
timestamps and support filtering by severity for production debugging.

# Architecture

One global logger is initialized at process start; every component takes a
child logger stamped with its name:

	┌──────────────────── LOGGING PIPELINE ────────────────────┐
	│                                                           │
	│  Init(Config{Level, JSONOutput, Output})                  │
	│        │                                                  │
	│        ▼                                                  │
	│  Global Logger (zerolog)                                  │
	│        │                                                  │
	│        ├── WithComponent("gateway")   component=gateway   │
	│        ├── WithComponent("scheduler") component=scheduler │
	│        ├── WithComponent("alerts")    component=alerts    │
	│        ├── WithComponent("agent")     component=agent     │
	│        │                                                  │
	│        ▼                                                  │
	│  JSON output (production) or console output (development) │
	└───────────────────────────────────────────────────────────┘

Child loggers carry their fields on every line, so a reader can follow one
component, one node, or one server through interleaved output.

# Log Levels

Four levels, from most to least verbose:

  - debug: Frame-by-frame detail (dropped frames, timer arming)
  - info: Lifecycle milestones (started, stopped, connected, delivered)
  - warn: Recoverable trouble (reconnects, invalid transitions, send failures)
  - error: Persistent failures needing attention (store writes, bad config)

The level is set globally in Init; lines below the level are skipped at the
call site with no formatting cost.

# Usage

Initializing at process start (cmd/catalyst does this from config):

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

Creating a component logger:

	logger := log.WithComponent("gateway")
	logger.Info().Int("port", cfg.Port).Msg("Gateway listening")

Attaching identifiers:

	logger := log.WithServerID(server.ID)
	logger.Warn().
		Str("from", string(previous)).
		Str("to", string(next)).
		Msg("Invalid state transition reported by agent")

Chaining extra fields onto a child:

	logger := log.WithComponent("agent").With().
		Str("node_id", cfg.NodeID).
		Logger()

# Output Formats

JSON output (LOG_JSON=true), one object per line:

	{"level":"info","component":"gateway","port":3000,"time":"2025-11-02T10:30:00Z","message":"Gateway listening"}

Console output (default), human-readable with aligned fields:

	2025-11-02T10:30:00Z INF Gateway listening component=gateway port=3000

# Design Notes

The zero value of zerolog.Logger discards everything, so library code and
tests can log through WithComponent without calling Init first. Only the
binaries initialize output.

Helpers exist for the identifier fields used across components
(WithComponent, WithNodeID, WithServerID, WithTaskID) so field names stay
consistent and greppable fleet-wide.

# Integration Points

This package integrates with:

  - cmd/catalyst, cmd/catalyst-agent: Initialize from flags/config
  - pkg/gateway, pkg/scheduler, pkg/alert, pkg/agent: Component loggers
  - pkg/storage, pkg/metrics: Maintenance loop logging

# Environment Variables

Controlled through pkg/config:

  - LOG_LEVEL: debug, info, warn, error (default info)
  - LOG_JSON: true for JSON lines, false for console output
*/
package log

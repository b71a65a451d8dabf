/*
Package gateway implements Catalyst's WebSocket hub: the single process
boundary between node agents, user clients, and the fleet state.

The gateway terminates every live connection, authenticates both connection
kinds, routes commands down to agents and reports up to clients, applies
state transitions through the lifecycle manager, expires silent agents, and
serves the HTTP admin surface (metrics, health, node bootstrap).

# Architecture

One hub, two connection kinds, one shared registry:

	┌──────────────────────── GATEWAY ──────────────────────────────┐
	│                                                               │
	│   node agents                        user clients             │
	│   /ws?nodeId=N + Bearer secret       /ws?token=JWT            │
	│        │                                  │                   │
	│        ▼                                  ▼                   │
	│   admitAgent ──────▶ Registry ◀────── admitClient             │
	│                    (conns + liveness)                         │
	│        │                                  │                   │
	│   readAgent                          readClient               │
	│        │                                  │                   │
	│        ▼                                  ▼                   │
	│   agent_handlers              client_handlers                 │
	│   heartbeat ▶ liveness        server_control ▶ command down   │
	│   state     ▶ Lifecycle       console_input  ▶ relay down     │
	│   console   ▶ log + fan-out                                   │
	│   stats     ▶ store + fan-out                                 │
	│   backups   ▶ store + fan-out                                 │
	│                                                               │
	│   Correlator: request/response + chunked transfers            │
	│   Lifecycle:  transitions, crash policy, restart timers       │
	│   Sweep:      expires agents silent past the timeout          │
	│   AsyncWriter: best-effort history writes off the hot path    │
	│                                                               │
	│   HTTP: /metrics /healthz /api/nodes/bootstrap[-token]        │
	└───────────────────────────────────────────────────────────────┘

# Admission

Agents present a node id and that node's shared secret as a bearer
token; the secret is verified in constant time after decrypting the
stored copy. A successful handshake marks the node online, answers with
a node_handshake_response carrying the backend's external address, and
supersedes any previous socket for the same node.

Clients present a JWT; the session is keyed by a fresh session id, and
one user may hold many concurrent sessions.

# Fan-Out

Frames that concern a server (console output, state updates, resource
stats, backup completions) are re-broadcast verbatim to the server's
audience: its owner plus every user holding an access grant. Audience
membership is evaluated per frame against the store, so a revoked grant
takes effect on the next line. Slow clients are dropped rather than
allowed to stall the hub.

# Commands

Client power actions (server_control) are authorized against ownership
or grants, mapped to agent command frames, and pushed to the server's
node. Start commands carry the full container configuration built by
Lifecycle.BuildStart from the server row and its template; console input
is relayed with the server's uuid attached.

Components that need an answer use the Correlator:

	resp, err := gw.RequestJSON(nodeID, &protocol.FetchFile{...}, 10*time.Second)

which stamps a request id, parks the caller, and wakes it when the
agent's response frame arrives or the timeout fires.

# Lifecycle

Agent state reports are ground truth. Lifecycle.Apply validates the
transition against pkg/state, applies the report either way (recording
divergence on the server's system log), bumps crash bookkeeping, and
schedules an auto-restart when the policy allows one:

	CRASHED + on-failure/always + CrashCount < MaxCrashCount
	        └──▶ timer(CrashRestartDelay) ──▶ BuildStart ──▶ agent

A state report arriving before the timer fires cancels the pending
restart; reality moved on.

# Liveness

The sweep loop compares each agent's last heartbeat against the
configured timeout on every sweep interval. Expired agents have their
socket closed, their registry entry removed, and their node marked
offline in the store. Liveness is judged from the in-memory heartbeat
clock, not the store, so a slow database cannot make a healthy agent
look dead.

# Usage

Wiring the gateway (cmd/catalyst does this):

	gw, err := gateway.New(cfg, store, broker)
	if err != nil {
		return err
	}
	if err := gw.Start(); err != nil {
		return err
	}
	defer gw.Stop()

Start binds synchronously so a bad port fails startup; Stop closes the
listener, closes every live socket, cancels pending restart timers, and
drains the async write queue, in that order.

Sibling components reach agents through the exported senders:

	gw.SendToNode(nodeID, msg)       // fire-and-forget command
	gw.RequestJSON(nodeID, msg, ttl) // correlated request
	gw.Lifecycle().BuildStart(srv)   // full start command for a server

# Node Bootstrap

POST /api/nodes/bootstrap-token mints a short-lived one-time token
(admin JWT required). A new node POSTs it to /api/nodes/bootstrap with
its hostname and capacity, and receives its node id and agent secret
exactly once; the stored copy is encrypted.

# Integration Points

This package integrates with:

  - pkg/protocol: Decodes agent and client frames, encodes commands
  - pkg/state: Transition validation inside Lifecycle.Apply
  - pkg/storage: All fleet reads/writes; AsyncWriter for history
  - pkg/security: Token validation, secret verification, bootstrap
  - pkg/events: Publishes node and server lifecycle events
  - pkg/metrics: Connection gauges, traffic counters, /metrics mount
  - pkg/scheduler: Uses SendToNode and BuildStart for task dispatch
*/
package gateway

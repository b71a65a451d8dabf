package gateway

import (
	"time"

	"github.com/google/uuid"

	"github.com/catalyst-gg/catalyst/pkg/events"
	"github.com/catalyst-gg/catalyst/pkg/metrics"
	"github.com/catalyst-gg/catalyst/pkg/protocol"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

// handleAgentMessage processes one decoded frame from an agent channel.
// raw is the original wire form, reused verbatim when a frame is fanned
// out to watching clients.
func (g *Gateway) handleAgentMessage(agent *AgentConn, msg protocol.Message, raw []byte) {
	metrics.AgentMessagesTotal.WithLabelValues(msg.MessageType()).Inc()

	switch m := msg.(type) {
	case *protocol.Heartbeat:
		g.handleHeartbeat(agent)
	case *protocol.ConsoleOutput:
		g.handleConsoleOutput(agent, m, raw)
	case *protocol.ServerStateUpdate:
		g.handleServerStateUpdate(agent, m, raw)
	case *protocol.ResourceStats:
		g.handleResourceStats(agent, m, raw)
	case *protocol.HealthReport:
		g.handleHealthReport(agent, m)
	case *protocol.BackupComplete:
		g.handleBackupComplete(agent, m, raw)
	case *protocol.BackupRestoreComplete:
		g.fanOutToServer(agent, m.ServerID, raw)
	case *protocol.BackupDeleteComplete:
		g.fanOutToServer(agent, m.ServerID, raw)
	case *protocol.Response:
		if !g.correlator.Dispatch(m) {
			g.logger.Debug().
				Str("node_id", agent.NodeID).
				Str("request_id", m.RequestID).
				Str("type", m.Type).
				Msg("Response with no pending request")
		}
	case *protocol.Chunk:
		if !g.correlator.DispatchChunk(m) {
			g.logger.Debug().
				Str("node_id", agent.NodeID).
				Str("request_id", m.RequestID).
				Msg("Chunk with no pending request")
		}
	default:
		g.logger.Warn().
			Str("node_id", agent.NodeID).
			Str("type", msg.MessageType()).
			Msg("Unhandled agent message type")
	}
}

// handleHeartbeat refreshes the in-memory liveness clock and persists the
// node's last-seen time in the background.
func (g *Gateway) handleHeartbeat(agent *AgentConn) {
	agent.TouchHeartbeat()
	metrics.HeartbeatsTotal.Inc()

	nodeID := agent.NodeID
	g.writer.Do("node last-seen", func() error {
		node, err := g.store.GetNode(nodeID)
		if err != nil {
			return err
		}
		node.IsOnline = true
		node.LastSeenAt = time.Now().UTC()
		return g.store.UpdateNode(node)
	})
}

// handleConsoleOutput appends the line to the server's log in the
// background and forwards the frame to everyone watching the server.
func (g *Gateway) handleConsoleOutput(agent *AgentConn, m *protocol.ConsoleOutput, raw []byte) {
	server, err := g.store.GetServerByUUIDOrID(m.ServerID)
	if err != nil {
		g.logger.Warn().
			Str("node_id", agent.NodeID).
			Str("server_id", m.ServerID).
			Msg("Console output for unknown server, dropping")
		return
	}

	entry := &types.ServerLog{
		ID:        uuid.New().String(),
		ServerID:  server.ID,
		Stream:    types.LogStream(m.Stream),
		Data:      m.Data,
		Timestamp: time.Now().UTC(),
	}
	g.writer.Do("console log", func() error {
		return g.store.AppendServerLog(entry)
	})

	g.registry.Broadcast(g.audience(server), raw)
}

// handleServerStateUpdate runs the lifecycle transition and fans the
// frame out. Rejected transitions are logged by the lifecycle but still
// applied, so the frame is forwarded either way; only a hard failure
// (unknown server, persistence error) suppresses the fan-out.
func (g *Gateway) handleServerStateUpdate(agent *AgentConn, m *protocol.ServerStateUpdate, raw []byte) {
	server, err := g.lifecycle.Apply(m)
	if err != nil {
		g.logger.Warn().Err(err).
			Str("node_id", agent.NodeID).
			Str("server", m.Ref()).
			Str("state", m.State).
			Msg("State update not applied")
		return
	}
	g.registry.Broadcast(g.audience(server), raw)
}

// handleResourceStats persists one usage sample in the background and
// forwards it to watching clients. Samples for unknown servers are
// dropped; the agent may be reporting a container the backend already
// deleted.
func (g *Gateway) handleResourceStats(agent *AgentConn, m *protocol.ResourceStats, raw []byte) {
	server, err := g.store.GetServerByUUIDOrID(m.Ref())
	if err != nil {
		g.logger.Warn().
			Str("node_id", agent.NodeID).
			Str("server", m.Ref()).
			Msg("Resource stats for unknown server, dropping")
		return
	}

	sample := &types.ServerMetrics{
		ServerID:       server.ID,
		Timestamp:      time.Now().UTC(),
		CPUPercent:     m.CPUPercent,
		MemoryUsageMB:  m.MemoryUsageMB,
		DiskUsageMB:    m.DiskUsageMB,
		DiskIOMB:       m.DiskIOMB,
		NetworkRxBytes: m.NetworkRxBytes,
		NetworkTxBytes: m.NetworkTxBytes,
	}
	g.writer.Do("server metrics", func() error {
		return g.store.AppendServerMetrics(sample)
	})

	g.registry.Broadcast(g.audience(server), raw)
}

// handleHealthReport persists a node-level usage sample. Health reports
// are not forwarded to clients.
func (g *Gateway) handleHealthReport(agent *AgentConn, m *protocol.HealthReport) {
	sample := &types.NodeMetrics{
		NodeID:         agent.NodeID,
		Timestamp:      time.Now().UTC(),
		CPUPercent:     m.CPUPercent,
		MemoryUsageMB:  m.MemoryUsageMB,
		MemoryTotalMB:  m.MemoryTotalMB,
		DiskUsageMB:    m.DiskUsageMB,
		DiskTotalMB:    m.DiskTotalMB,
		NetworkRxBytes: m.NetworkRxBytes,
		NetworkTxBytes: m.NetworkTxBytes,
		ContainerCount: m.ContainerCount,
	}
	g.writer.Do("node metrics", func() error {
		return g.store.AppendNodeMetrics(sample)
	})
}

// handleBackupComplete records the finished backup. The row is matched
// by id when the agent echoes one, otherwise by (server, name) so that
// re-runs of a named backup update in place. This write is awaited;
// losing a backup record means losing the restore path.
func (g *Gateway) handleBackupComplete(agent *AgentConn, m *protocol.BackupComplete, raw []byte) {
	server, err := g.store.GetServerByUUIDOrID(m.ServerID)
	if err != nil {
		g.logger.Warn().
			Str("node_id", agent.NodeID).
			Str("server_id", m.ServerID).
			Msg("Backup completion for unknown server, dropping")
		return
	}

	backup := g.resolveBackup(server.ID, m)
	backup.Path = m.BackupPath
	backup.SizeMB = m.SizeMB
	backup.Checksum = m.Checksum
	if m.Metadata != nil {
		backup.Metadata = m.Metadata
	}

	if err := g.store.UpdateBackup(backup); err != nil {
		g.logger.Error().Err(err).
			Str("server_id", server.ID).
			Str("backup", backup.Name).
			Msg("Failed to persist backup record")
		return
	}

	g.appendSystemLog(server.ID, "Backup completed: "+backup.Name)
	g.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    events.EventBackupCompleted,
		Message: "Backup completed for server " + server.Name,
		Metadata: map[string]string{
			"server_id": server.ID,
			"backup_id": backup.ID,
		},
	})

	g.registry.Broadcast(g.audience(server), raw)
}

// resolveBackup finds the backup row this completion belongs to, or
// builds a fresh one when the agent reports a backup the backend never
// initiated.
func (g *Gateway) resolveBackup(serverID string, m *protocol.BackupComplete) *types.Backup {
	if m.BackupID != "" {
		if b, err := g.store.GetBackup(m.BackupID); err == nil {
			return b
		}
	}
	if b, err := g.store.GetBackupByServerAndName(serverID, m.BackupName); err == nil {
		return b
	}
	return &types.Backup{
		ID:          uuid.New().String(),
		ServerID:    serverID,
		Name:        m.BackupName,
		StorageMode: types.StorageModeLocal,
		CreatedAt:   time.Now().UTC(),
	}
}

// fanOutToServer forwards a frame to the server's audience without any
// persistence. Used for completions that only matter to watchers.
func (g *Gateway) fanOutToServer(agent *AgentConn, serverID string, raw []byte) {
	server, err := g.store.GetServerByUUIDOrID(serverID)
	if err != nil {
		g.logger.Debug().
			Str("node_id", agent.NodeID).
			Str("server_id", serverID).
			Msg("Completion for unknown server, dropping")
		return
	}
	g.registry.Broadcast(g.audience(server), raw)
}

// audience computes the user ids allowed to see frames about a server:
// the owner plus everyone holding an access grant. A grant listing
// failure degrades to owner-only rather than leaking to nobody.
func (g *Gateway) audience(server *types.Server) map[string]struct{} {
	aud := map[string]struct{}{server.OwnerID: {}}
	grants, err := g.store.ListAccessByServer(server.ID)
	if err != nil {
		g.logger.Warn().Err(err).
			Str("server_id", server.ID).
			Msg("Failed to list access grants for fan-out")
		return aud
	}
	for _, grant := range grants {
		aud[grant.UserID] = struct{}{}
	}
	return aud
}

// appendSystemLog writes a backend-generated line to the server's
// console history in the background.
func (g *Gateway) appendSystemLog(serverID, message string) {
	entry := &types.ServerLog{
		ID:        uuid.New().String(),
		ServerID:  serverID,
		Stream:    types.StreamSystem,
		Data:      message,
		Timestamp: time.Now().UTC(),
	}
	g.writer.Do("system log", func() error {
		return g.store.AppendServerLog(entry)
	})
}

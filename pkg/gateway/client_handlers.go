package gateway

import (
	"time"

	"github.com/catalyst-gg/catalyst/pkg/metrics"
	"github.com/catalyst-gg/catalyst/pkg/protocol"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

// handleClientMessage processes one decoded frame from a user client.
func (g *Gateway) handleClientMessage(client *ClientConn, msg protocol.Message) {
	metrics.ClientMessagesTotal.WithLabelValues(msg.MessageType()).Inc()

	switch m := msg.(type) {
	case *protocol.ServerControl:
		g.handleServerControl(client, m)
	case *protocol.ConsoleInput:
		g.handleConsoleInput(client, m)
	default:
		g.logger.Warn().
			Str("session", client.SessionID).
			Str("type", msg.MessageType()).
			Msg("Unhandled client message type")
	}
}

// handleServerControl authorizes and forwards a power action. The three
// failure modes map to stable error codes so client UIs can present them
// without string matching.
func (g *Gateway) handleServerControl(client *ClientConn, m *protocol.ServerControl) {
	server, err := g.store.GetServerByUUIDOrID(m.ServerID)
	if err != nil {
		g.sendError(client, protocol.CodeServerNotFound, "server not found")
		return
	}
	if !g.authorized(client.UserID, server) {
		g.sendError(client, protocol.CodePermissionDenied, "you do not have access to this server")
		return
	}
	agent, ok := g.registry.Agent(server.NodeID)
	if !ok {
		g.sendError(client, protocol.CodeNodeOffline, "the server's node is offline")
		return
	}

	command, err := g.buildControlCommand(server, m.Action)
	if err != nil {
		g.logger.Error().Err(err).
			Str("session", client.SessionID).
			Str("server_id", server.ID).
			Str("action", m.Action).
			Msg("Could not build control command")
		return
	}
	frame, err := protocol.Encode(command)
	if err != nil {
		g.logger.Error().Err(err).Str("action", m.Action).Msg("Encode control command failed")
		return
	}
	if err := agent.Send(frame); err != nil {
		g.logger.Warn().Err(err).
			Str("node_id", server.NodeID).
			Str("server_id", server.ID).
			Msg("Control command send failed")
		return
	}

	g.logger.Info().
		Str("user_id", client.UserID).
		Str("server_id", server.ID).
		Str("action", m.Action).
		Msg("Control command forwarded")
}

// buildControlCommand maps a client action to the agent command frame.
// Start carries the full container configuration; the rest identify the
// server and let the agent act on its running container.
func (g *Gateway) buildControlCommand(server *types.Server, action string) (protocol.Message, error) {
	switch action {
	case "start":
		return g.lifecycle.BuildStart(server)
	case "stop":
		return &protocol.StopServer{
			Type:     protocol.TypeStopServer,
			ServerID: server.ID,
			UUID:     server.UUID,
		}, nil
	case "restart":
		return &protocol.RestartServer{
			Type:     protocol.TypeRestartServer,
			ServerID: server.ID,
			UUID:     server.UUID,
		}, nil
	default: // validate() only admits backup beyond the above
		return &protocol.CreateBackup{
			Type:       protocol.TypeCreateBackup,
			ServerID:   server.ID,
			UUID:       server.UUID,
			BackupName: "manual-" + time.Now().UTC().Format("20060102-150405"),
		}, nil
	}
}

// handleConsoleInput forwards a console line to the server's agent with
// the server's uuid attached, so the agent can route it to the right
// container without a lookup.
func (g *Gateway) handleConsoleInput(client *ClientConn, m *protocol.ConsoleInput) {
	server, err := g.store.GetServerByUUIDOrID(m.ServerID)
	if err != nil {
		g.sendError(client, protocol.CodeServerNotFound, "server not found")
		return
	}
	if !g.authorized(client.UserID, server) {
		g.sendError(client, protocol.CodePermissionDenied, "you do not have access to this server")
		return
	}
	agent, ok := g.registry.Agent(server.NodeID)
	if !ok {
		g.sendError(client, protocol.CodeNodeOffline, "the server's node is offline")
		return
	}

	m.UUID = server.UUID
	frame, err := protocol.Encode(m)
	if err != nil {
		g.logger.Error().Err(err).Msg("Encode console input failed")
		return
	}
	if err := agent.Send(frame); err != nil {
		g.logger.Warn().Err(err).
			Str("node_id", server.NodeID).
			Str("server_id", server.ID).
			Msg("Console input send failed")
	}
}

// authorized reports whether the user owns the server or holds a grant
func (g *Gateway) authorized(userID string, server *types.Server) bool {
	if userID == server.OwnerID {
		return true
	}
	grants, err := g.store.ListAccessByServer(server.ID)
	if err != nil {
		g.logger.Warn().Err(err).
			Str("server_id", server.ID).
			Msg("Failed to list access grants for authorization")
		return false
	}
	for _, grant := range grants {
		if grant.UserID == userID {
			return true
		}
	}
	return false
}

// sendError pushes an error frame to the client, best-effort
func (g *Gateway) sendError(client *ClientConn, code, message string) {
	frame, err := protocol.Encode(protocol.NewError(code, message))
	if err != nil {
		g.logger.Error().Err(err).Str("code", code).Msg("Encode error frame failed")
		return
	}
	if !client.TrySend(frame) {
		g.logger.Debug().
			Str("session", client.SessionID).
			Str("code", code).
			Msg("Error frame dropped, client buffer full")
	}
}

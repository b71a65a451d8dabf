package integration

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-gg/catalyst/pkg/config"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

// A live agent keeps its node online; once heartbeats stop, the sweep
// expires the connection and flips the node offline.
func TestAgentAdmissionAndHeartbeatExpiry(t *testing.T) {
	f := startFleet(t, func(cfg *config.Config) {
		cfg.AgentHeartbeatTimeout = 300 * time.Millisecond
		cfg.HeartbeatSweepInterval = 75 * time.Millisecond
	})
	f.seedNode(t)

	conn := f.dialAgent(t, "node-1", nodeSecret)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var handshake map[string]any
	require.NoError(t, json.Unmarshal(data, &handshake))
	assert.Equal(t, "node_handshake_response", handshake["type"])
	assert.Equal(t, true, handshake["success"])
	assert.Equal(t, "http://backend.test:3000", handshake["backendAddress"])

	require.Eventually(t, func() bool {
		node, err := f.store.GetNode("node-1")
		return err == nil && node.IsOnline
	}, 2*time.Second, 20*time.Millisecond, "node should come online on admission")

	// Heartbeats at a third of the timeout keep the agent alive well
	// past the point where silence would have expired it.
	for i := 0; i < 5; i++ {
		send(t, conn, `{"type":"heartbeat","timestamp":1700000000}`)
		time.Sleep(100 * time.Millisecond)
	}
	node, err := f.store.GetNode("node-1")
	require.NoError(t, err)
	assert.True(t, node.IsOnline, "heartbeats should keep the node online")
	assert.False(t, node.LastSeenAt.IsZero())

	// Go quiet and let the sweep expire the connection.
	require.Eventually(t, func() bool {
		node, err := f.store.GetNode("node-1")
		return err == nil && !node.IsOnline
	}, 2*time.Second, 25*time.Millisecond, "silent node should be marked offline")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Console output fans out to the owner and to granted users, and to
// nobody else.
func TestConsoleFanOutFollowsAccessGrants(t *testing.T) {
	f := startFleet(t, nil)
	f.seedNode(t)
	f.seedGameServer(t, types.StatusRunning)

	agent := f.dialAgent(t, "node-1", nodeSecret)
	owner := f.dialClient(t, "u1")
	granted := f.dialClient(t, "u2")
	stranger := f.dialClient(t, "u3")

	send(t, agent, `{"type":"console_output","serverId":"srv-1","stream":"stdout","data":"[12:00:01] Done (3.2s)! For help, type \"help\""}`)

	ownerFrame := expectFrame(t, owner, "console_output")
	assert.Equal(t, `[12:00:01] Done (3.2s)! For help, type "help"`, ownerFrame["data"])
	grantedFrame := expectFrame(t, granted, "console_output")
	assert.Equal(t, ownerFrame["data"], grantedFrame["data"])

	expectSilence(t, stranger, 300*time.Millisecond)
}

// A crash on a server with an on-failure policy is recorded and a
// start command goes back to the agent after the restart delay.
func TestCrashSchedulesAutomaticRestart(t *testing.T) {
	f := startFleet(t, func(cfg *config.Config) {
		cfg.CrashRestartDelay = 50 * time.Millisecond
	})
	f.seedNode(t)
	f.seedGameServer(t, types.StatusRunning)

	agent := f.dialAgent(t, "node-1", nodeSecret)

	send(t, agent, `{"type":"server_state_update","serverId":"srv-1","state":"CRASHED","reason":"container exited with code 137"}`)

	start := expectFrame(t, agent, "start_server")
	assert.Equal(t, "uuid-1", start["uuid"])
	assert.Equal(t, templateImg, start["image"])

	server, err := f.store.GetServer("srv-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCrashed, server.Status)
	assert.Equal(t, 1, server.CrashCount)
	require.NotNil(t, server.LastCrashAt)
	assert.WithinDuration(t, time.Now(), *server.LastCrashAt, 5*time.Second)

	logs, err := f.store.ListServerLogs("srv-1", 50)
	require.NoError(t, err)
	assert.True(t, hasLogLine(logs, "Auto-restart issued after crash"))
}

// State reports that skip steps are still applied; the mismatch is
// only recorded on the server's console history.
func TestDivergentTransitionIsAppliedAndLogged(t *testing.T) {
	f := startFleet(t, nil)
	f.seedNode(t)
	f.seedGameServer(t, types.StatusStopped)

	agent := f.dialAgent(t, "node-1", nodeSecret)

	send(t, agent, `{"type":"server_state_update","serverId":"srv-1","state":"RUNNING"}`)

	require.Eventually(t, func() bool {
		server, err := f.store.GetServer("srv-1")
		return err == nil && server.Status == types.StatusRunning
	}, 2*time.Second, 20*time.Millisecond, "divergent report should still be applied")

	logs, err := f.store.ListServerLogs("srv-1", 50)
	require.NoError(t, err)
	assert.True(t, hasLogLine(logs, "Cannot transition from STOPPED to RUNNING"))
	assert.True(t, hasLogLine(logs, "Server state changed: STOPPED -> RUNNING"))
}

func hasLogLine(logs []*types.ServerLog, substring string) bool {
	for _, entry := range logs {
		if strings.Contains(entry.Data, substring) {
			return true
		}
	}
	return false
}

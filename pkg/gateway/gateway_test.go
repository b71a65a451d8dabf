package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-gg/catalyst/pkg/config"
	"github.com/catalyst-gg/catalyst/pkg/events"
	"github.com/catalyst-gg/catalyst/pkg/protocol"
	"github.com/catalyst-gg/catalyst/pkg/security"
	"github.com/catalyst-gg/catalyst/pkg/storage"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

const testNodeSecret = "0f1e2d3c4b5a69788796a5b4c3d2e1f0"

// gatewayHarness is a running gateway on an ephemeral port
type gatewayHarness struct {
	gw     *Gateway
	store  *storage.BoltStore
	cfg    *config.Config
	tokens *security.TokenManager
	addr   string
}

func startGateway(t *testing.T, mutate func(*config.Config)) *gatewayHarness {
	t.Helper()

	cfg := config.Default()
	cfg.Port = 0
	cfg.ExternalAddress = "http://backend.test:3000"
	cfg.JWTSecret = "gateway-test-signing-secret"
	if mutate != nil {
		mutate(cfg)
	}

	store := newTestStore(t)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	gw, err := New(cfg, store, broker)
	require.NoError(t, err)
	require.NoError(t, gw.Start())
	t.Cleanup(gw.Stop)

	tokens, err := security.NewTokenManager(cfg.JWTSecret)
	require.NoError(t, err)

	return &gatewayHarness{gw: gw, store: store, cfg: cfg, tokens: tokens, addr: gw.Addr()}
}

func (h *gatewayHarness) seedNode(t *testing.T) *types.Node {
	t.Helper()
	node := &types.Node{
		ID:       "node-1",
		Hostname: "node1.test",
		Secret:   testNodeSecret,
	}
	require.NoError(t, h.store.CreateNode(node))
	return node
}

func (h *gatewayHarness) seedFleet(t *testing.T) {
	t.Helper()
	h.seedNode(t)
	require.NoError(t, h.store.CreateTemplate(&types.ServerTemplate{
		ID:    "tpl-1",
		Name:  "valheim",
		Image: "ghcr.io/catalyst-gg/valheim:latest",
	}))
	require.NoError(t, h.store.CreateServer(&types.Server{
		ID:                "srv-1",
		UUID:              "uuid-1",
		OwnerID:           "u1",
		NodeID:            "node-1",
		TemplateID:        "tpl-1",
		Status:            types.StatusStarting,
		AllocatedMemoryMB: 4096,
		NetworkMode:       types.NetworkModeBridge,
		RestartPolicy:     types.RestartOnFailure,
		MaxCrashCount:     3,
	}))
	require.NoError(t, h.store.CreateAccess(&types.ServerAccess{
		UserID:      "u2",
		ServerID:    "srv-1",
		Permissions: []string{"console"},
	}))
}

func (h *gatewayHarness) dialAgent(t *testing.T, nodeID, secret string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+secret)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+h.addr+"/ws?nodeId="+nodeID, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *gatewayHarness) dialClient(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := h.tokens.IssueToken(userID, false, time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+h.addr+"/ws?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// expectSilence asserts no frame arrives within the window
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(window)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %s", data)
	}
}

func TestAgentHandshake(t *testing.T) {
	h := startGateway(t, nil)
	h.seedNode(t)

	conn := h.dialAgent(t, "node-1", testNodeSecret)

	var hello protocol.NodeHandshakeResponse
	require.NoError(t, json.Unmarshal(readFrame(t, conn, 2*time.Second), &hello))
	assert.Equal(t, protocol.TypeNodeHandshakeResponse, hello.Type)
	assert.True(t, hello.Success)
	assert.Equal(t, "http://backend.test:3000", hello.BackendAddress)

	// The handshake flips the node online before the reply is sent
	node, err := h.store.GetNode("node-1")
	require.NoError(t, err)
	assert.True(t, node.IsOnline)
	assert.WithinDuration(t, time.Now(), node.LastSeenAt, 5*time.Second)
}

// TestAdmissionDenialsAreUniform checks that a wrong secret and an
// unknown node produce byte-identical denials, so probing reveals
// nothing about which node ids exist.
func TestAdmissionDenialsAreUniform(t *testing.T) {
	h := startGateway(t, nil)
	h.seedNode(t)

	deny := func(nodeID, secret string) (int, string) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+secret)
		conn, resp, err := websocket.DefaultDialer.Dial("ws://"+h.addr+"/ws?nodeId="+nodeID, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		if conn != nil {
			conn.Close()
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return resp.StatusCode, string(body)
	}

	badSecretCode, badSecretBody := deny("node-1", "wrong-secret")
	unknownNodeCode, unknownNodeBody := deny("node-nope", testNodeSecret)

	assert.Equal(t, http.StatusUnauthorized, badSecretCode)
	assert.Equal(t, badSecretCode, unknownNodeCode)
	assert.Equal(t, badSecretBody, unknownNodeBody)
}

func TestClientAdmission(t *testing.T) {
	h := startGateway(t, nil)

	conn := h.dialClient(t, "u1")
	require.NotNil(t, conn)

	// Garbage tokens are rejected before the upgrade
	_, resp, err := websocket.DefaultDialer.Dial("ws://"+h.addr+"/ws?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestConsoleOutputFanOut(t *testing.T) {
	h := startGateway(t, nil)
	h.seedFleet(t)

	agent := h.dialAgent(t, "node-1", testNodeSecret)
	readFrame(t, agent, 2*time.Second) // handshake

	owner := h.dialClient(t, "u1")
	granted := h.dialClient(t, "u2")
	stranger := h.dialClient(t, "u3")

	frame := `{"type":"console_output","serverId":"srv-1","stream":"stdout","data":"[12:00:01] Server started"}`
	send(t, agent, frame)

	assert.JSONEq(t, frame, string(readFrame(t, owner, 2*time.Second)))
	assert.JSONEq(t, frame, string(readFrame(t, granted, 2*time.Second)))
	expectSilence(t, stranger, 300*time.Millisecond)

	// The line also lands in the server's log history
	require.Eventually(t, func() bool {
		logs, err := h.store.ListServerLogs("srv-1", 10)
		return err == nil && len(logs) == 1 && logs[0].Data == "[12:00:01] Server started"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStateUpdateFlowsToClientsAndStore(t *testing.T) {
	h := startGateway(t, nil)
	h.seedFleet(t)

	agent := h.dialAgent(t, "node-1", testNodeSecret)
	readFrame(t, agent, 2*time.Second)
	owner := h.dialClient(t, "u1")

	send(t, agent, `{"type":"server_state_update","uuid":"uuid-1","state":"RUNNING","containerId":"c0ffee"}`)

	var update protocol.ServerStateUpdate
	require.NoError(t, json.Unmarshal(readFrame(t, owner, 2*time.Second), &update))
	assert.Equal(t, "RUNNING", update.State)

	server, err := h.store.GetServer("srv-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, server.Status)
	assert.Equal(t, "c0ffee", server.ContainerID)
}

func TestResourceStatsPersistedAndForwarded(t *testing.T) {
	h := startGateway(t, nil)
	h.seedFleet(t)

	agent := h.dialAgent(t, "node-1", testNodeSecret)
	readFrame(t, agent, 2*time.Second)
	owner := h.dialClient(t, "u1")

	send(t, agent, `{"type":"resource_stats","serverId":"srv-1","cpuPercent":41.5,"memoryUsageMb":2211,"diskUsageMb":800}`)

	var stats protocol.ResourceStats
	require.NoError(t, json.Unmarshal(readFrame(t, owner, 2*time.Second), &stats))
	assert.Equal(t, 41.5, stats.CPUPercent)

	require.Eventually(t, func() bool {
		sample, err := h.store.LatestServerMetrics("srv-1")
		return err == nil && sample != nil && sample.CPUPercent == 41.5
	}, 2*time.Second, 20*time.Millisecond)

	// Samples for unknown servers are dropped without disconnecting
	send(t, agent, `{"type":"resource_stats","serverId":"ghost","cpuPercent":1}`)
	send(t, agent, `{"type":"heartbeat"}`)
	expectSilence(t, owner, 300*time.Millisecond)
}

func TestHealthReportPersisted(t *testing.T) {
	h := startGateway(t, nil)
	h.seedNode(t)

	agent := h.dialAgent(t, "node-1", testNodeSecret)
	readFrame(t, agent, 2*time.Second)

	send(t, agent, `{"type":"health_report","cpuPercent":12.5,"memoryUsageMb":9000,"memoryTotalMb":32000,"containerCount":4}`)

	require.Eventually(t, func() bool {
		sample, err := h.store.LatestNodeMetrics("node-1")
		return err == nil && sample != nil && sample.ContainerCount == 4
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBackupCompleteRecorded(t *testing.T) {
	h := startGateway(t, nil)
	h.seedFleet(t)

	agent := h.dialAgent(t, "node-1", testNodeSecret)
	readFrame(t, agent, 2*time.Second)
	owner := h.dialClient(t, "u1")

	send(t, agent, `{"type":"backup_complete","serverId":"srv-1","backupName":"nightly","backupPath":"/backups/nightly.tar.zst","sizeMb":512.25,"checksum":"sha256:deadbeef"}`)

	// Watchers see the completion
	var done protocol.BackupComplete
	require.NoError(t, json.Unmarshal(readFrame(t, owner, 2*time.Second), &done))
	assert.Equal(t, "nightly", done.BackupName)

	require.Eventually(t, func() bool {
		b, err := h.store.GetBackupByServerAndName("srv-1", "nightly")
		return err == nil && b.SizeMB == 512.25 && b.Checksum == "sha256:deadbeef"
	}, 2*time.Second, 20*time.Millisecond)

	// A re-run of the same named backup updates in place
	send(t, agent, `{"type":"backup_complete","serverId":"srv-1","backupName":"nightly","backupPath":"/backups/nightly.tar.zst","sizeMb":600}`)
	readFrame(t, owner, 2*time.Second)
	require.Eventually(t, func() bool {
		backups, err := h.store.ListBackupsByServer("srv-1")
		return err == nil && len(backups) == 1 && backups[0].SizeMB == 600
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServerControlErrors(t *testing.T) {
	h := startGateway(t, nil)
	h.seedFleet(t)

	owner := h.dialClient(t, "u1")
	stranger := h.dialClient(t, "u3")

	readError := func(conn *websocket.Conn) string {
		var e protocol.ErrorMessage
		require.NoError(t, json.Unmarshal(readFrame(t, conn, 2*time.Second), &e))
		assert.Equal(t, protocol.TypeError, e.Type)
		return e.Code
	}

	send(t, owner, `{"type":"server_control","serverId":"missing","action":"stop"}`)
	assert.Equal(t, protocol.CodeServerNotFound, readError(owner))

	send(t, stranger, `{"type":"server_control","serverId":"srv-1","action":"stop"}`)
	assert.Equal(t, protocol.CodePermissionDenied, readError(stranger))

	// Owner is authorized but the node has no live agent
	send(t, owner, `{"type":"server_control","serverId":"srv-1","action":"stop"}`)
	assert.Equal(t, protocol.CodeNodeOffline, readError(owner))
}

func TestServerControlForwarded(t *testing.T) {
	h := startGateway(t, nil)
	h.seedFleet(t)

	agent := h.dialAgent(t, "node-1", testNodeSecret)
	readFrame(t, agent, 2*time.Second)
	owner := h.dialClient(t, "u1")

	send(t, owner, `{"type":"server_control","serverId":"srv-1","action":"stop"}`)

	var stop protocol.StopServer
	require.NoError(t, json.Unmarshal(readFrame(t, agent, 2*time.Second), &stop))
	assert.Equal(t, protocol.TypeStopServer, stop.Type)
	assert.Equal(t, "srv-1", stop.ServerID)
	assert.Equal(t, "uuid-1", stop.UUID)

	// A grant holder may act too
	granted := h.dialClient(t, "u2")
	send(t, granted, `{"type":"server_control","serverId":"srv-1","action":"restart"}`)

	var restart protocol.RestartServer
	require.NoError(t, json.Unmarshal(readFrame(t, agent, 2*time.Second), &restart))
	assert.Equal(t, protocol.TypeRestartServer, restart.Type)
}

func TestConsoleInputCarriesUUID(t *testing.T) {
	h := startGateway(t, nil)
	h.seedFleet(t)

	agent := h.dialAgent(t, "node-1", testNodeSecret)
	readFrame(t, agent, 2*time.Second)
	owner := h.dialClient(t, "u1")

	send(t, owner, `{"type":"console_input","serverId":"srv-1","data":"say hello"}`)

	var input protocol.ConsoleInput
	require.NoError(t, json.Unmarshal(readFrame(t, agent, 2*time.Second), &input))
	assert.Equal(t, "srv-1", input.ServerID)
	assert.Equal(t, "uuid-1", input.UUID)
	assert.Equal(t, "say hello", input.Data)
}

func TestHeartbeatRefreshesNode(t *testing.T) {
	h := startGateway(t, nil)
	h.seedNode(t)

	agent := h.dialAgent(t, "node-1", testNodeSecret)
	readFrame(t, agent, 2*time.Second)

	send(t, agent, `{"type":"heartbeat"}`)

	require.Eventually(t, func() bool {
		node, err := h.store.GetNode("node-1")
		return err == nil && node.IsOnline && time.Since(node.LastSeenAt) < 5*time.Second
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSweepExpiresSilentAgent(t *testing.T) {
	h := startGateway(t, func(cfg *config.Config) {
		cfg.AgentHeartbeatTimeout = 300 * time.Millisecond
		cfg.HeartbeatSweepInterval = 100 * time.Millisecond
	})
	h.seedNode(t)

	agent := h.dialAgent(t, "node-1", testNodeSecret)
	readFrame(t, agent, 2*time.Second)
	assert.Equal(t, 1, h.gw.registry.AgentCount())

	// No heartbeats: the sweep closes the socket and flips the node
	require.Eventually(t, func() bool {
		node, err := h.store.GetNode("node-1")
		return err == nil && !node.IsOnline && h.gw.registry.AgentCount() == 0
	}, 3*time.Second, 50*time.Millisecond)

	// The agent's side observes the close
	require.NoError(t, agent.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := agent.ReadMessage()
	assert.Error(t, err)
}

func TestDisconnectMarksNodeOffline(t *testing.T) {
	h := startGateway(t, nil)
	h.seedNode(t)

	agent := h.dialAgent(t, "node-1", testNodeSecret)
	readFrame(t, agent, 2*time.Second)
	agent.Close()

	require.Eventually(t, func() bool {
		node, err := h.store.GetNode("node-1")
		return err == nil && !node.IsOnline && h.gw.registry.AgentCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNodeBootstrapFlow(t *testing.T) {
	h := startGateway(t, nil)

	adminToken, err := h.tokens.IssueToken("admin-1", true, time.Hour)
	require.NoError(t, err)
	userToken, err := h.tokens.IssueToken("u1", false, time.Hour)
	require.NoError(t, err)

	post := func(path, token, body string) (*http.Response, map[string]string) {
		req, err := http.NewRequest(http.MethodPost, "http://"+h.addr+path, bytes.NewBufferString(body))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })

		var out map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	// Only admins may mint enrollment tokens
	resp, _ := post("/api/nodes/bootstrap-token", userToken, "{}")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, minted := post("/api/nodes/bootstrap-token", adminToken, "{}")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, minted["token"])

	resp, enrolled := post("/api/nodes/bootstrap", "", `{"token":"`+minted["token"]+`","hostname":"node9.test","publicAddress":"203.0.113.9"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, enrolled["nodeId"])
	require.NotEmpty(t, enrolled["secret"])

	// Secret is stored encrypted, never in the clear
	node, err := h.store.GetNode(enrolled["nodeId"])
	require.NoError(t, err)
	assert.Equal(t, "node9.test", node.Hostname)
	assert.NotEqual(t, enrolled["secret"], node.Secret)

	// Tokens are single-use
	resp, _ = post("/api/nodes/bootstrap", "", `{"token":"`+minted["token"]+`","hostname":"again.test"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The returned secret admits the agent end to end
	conn := h.dialAgent(t, enrolled["nodeId"], enrolled["secret"])
	var hello protocol.NodeHandshakeResponse
	require.NoError(t, json.Unmarshal(readFrame(t, conn, 2*time.Second), &hello))
	assert.True(t, hello.Success)
}

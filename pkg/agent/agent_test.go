package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-gg/catalyst/pkg/protocol"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

// fakeBackend plays the gateway's side of the channel: it accepts the
// upgrade, sends the handshake, and records every frame the agent
// sends.
type fakeBackend struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	auth    []string
	nodeIDs []string

	frames chan map[string]any
	connCh chan *websocket.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		frames: make(chan map[string]any, 256),
		connCh: make(chan *websocket.Conn, 8),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.auth = append(b.auth, r.Header.Get("Authorization"))
	b.nodeIDs = append(b.nodeIDs, r.URL.Query().Get("nodeId"))
	b.mu.Unlock()

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	hello, err := protocol.Encode(&protocol.NodeHandshakeResponse{
		Type:           protocol.TypeNodeHandshakeResponse,
		Success:        true,
		BackendAddress: "backend.test:3000",
	})
	if err != nil || conn.WriteMessage(websocket.TextMessage, hello) != nil {
		conn.Close()
		return
	}

	select {
	case b.connCh <- conn:
	default:
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m map[string]any
		if json.Unmarshal(frame, &m) == nil {
			b.frames <- m
		}
	}
}

func (b *fakeBackend) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-b.connCh:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("agent never connected")
		return nil
	}
}

// expectFrame returns the next frame of the wanted type, skipping
// everything else.
func (b *fakeBackend) expectFrame(t *testing.T, wantType string) map[string]any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-b.frames:
			if m["type"] == wantType {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s frame arrived", wantType)
			return nil
		}
	}
}

// expectConsole returns the next console_output whose data contains the
// given substring.
func (b *fakeBackend) expectConsole(t *testing.T, contains string) map[string]any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-b.frames:
			if m["type"] != protocol.TypeConsoleOutput {
				continue
			}
			if data, _ := m["data"].(string); strings.Contains(data, contains) {
				return m
			}
		case <-deadline:
			t.Fatalf("no console_output containing %q arrived", contains)
			return nil
		}
	}
}

func (b *fakeBackend) connections() (auth, nodeIDs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.auth...), append([]string(nil), b.nodeIDs...)
}

func startAgent(t *testing.T, b *fakeBackend, rt Runtime, mutate func(*Config)) *Agent {
	t.Helper()
	cfg := Config{
		BackendURL: b.srv.URL + "/ws",
		NodeID:     "node-1",
		Secret:     "s3cret",

		// Long intervals keep periodic traffic out of the frame stream
		// unless a test opts in.
		HeartbeatInterval: time.Hour,
		StatsInterval:     time.Hour,
		ReconnectMin:      20 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a := New(cfg, rt)
	a.Start()
	t.Cleanup(a.Stop)
	return a
}

func sendToAgent(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

const startFrame = `{"type":"start_server","serverId":"srv-1","uuid":"uuid-1","image":"ghcr.io/catalyst-gg/minecraft:1.21","memoryMb":2048,"diskMb":10240}`

func TestConnectPresentsCredentials(t *testing.T) {
	b := newFakeBackend(t)
	startAgent(t, b, NewSimRuntime(), nil)
	b.waitConn(t)

	auth, nodeIDs := b.connections()
	require.NotEmpty(t, auth)
	assert.Equal(t, "Bearer s3cret", auth[0])
	assert.Equal(t, "node-1", nodeIDs[0])

	// An initial usage report follows the handshake immediately.
	report := b.expectFrame(t, protocol.TypeHealthReport)
	assert.Equal(t, float64(0), report["containerCount"])
	assert.Equal(t, float64(16384), report["memoryTotalMb"])
}

func TestReconnectsAfterConnectionDrop(t *testing.T) {
	b := newFakeBackend(t)
	startAgent(t, b, NewSimRuntime(), nil)

	first := b.waitConn(t)
	first.Close()

	second := b.waitConn(t)
	require.NotNil(t, second)

	_, nodeIDs := b.connections()
	assert.GreaterOrEqual(t, len(nodeIDs), 2)
}

func TestStartCommandEmitsLifecycle(t *testing.T) {
	b := newFakeBackend(t)
	rt := NewSimRuntime()
	startAgent(t, b, rt, nil)
	conn := b.waitConn(t)

	sendToAgent(t, conn, startFrame)

	starting := b.expectFrame(t, protocol.TypeServerStateUpdate)
	assert.Equal(t, string(types.StatusStarting), starting["state"])
	assert.Equal(t, "uuid-1", starting["uuid"])
	assert.Equal(t, "sim-uuid-1", starting["containerId"])

	running := b.expectFrame(t, protocol.TypeServerStateUpdate)
	assert.Equal(t, string(types.StatusRunning), running["state"])

	b.expectConsole(t, "Server started")

	state, ok := rt.StateOf("uuid-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusRunning, state)
}

func TestStopUnknownServerReportsError(t *testing.T) {
	b := newFakeBackend(t)
	startAgent(t, b, NewSimRuntime(), nil)
	conn := b.waitConn(t)

	sendToAgent(t, conn, `{"type":"stop_server","serverId":"srv-9","uuid":"uuid-9"}`)

	update := b.expectFrame(t, protocol.TypeServerStateUpdate)
	assert.Equal(t, string(types.StatusError), update["state"])
	assert.Equal(t, "uuid-9", update["uuid"])
	assert.Contains(t, update["reason"], "no such server")
}

func TestCorrelatedCommandsAnswered(t *testing.T) {
	b := newFakeBackend(t)
	startAgent(t, b, NewSimRuntime(), nil)
	conn := b.waitConn(t)

	sendToAgent(t, conn, startFrame)
	b.expectConsole(t, "Server started")

	sendToAgent(t, conn, `{"type":"stop_server","serverId":"srv-1","uuid":"uuid-1","requestId":"req-42"}`)
	reply := b.expectFrame(t, "stop_server_response")
	assert.Equal(t, "req-42", reply["requestId"])
	assert.Equal(t, true, reply["success"])

	sendToAgent(t, conn, `{"type":"restart_server","serverId":"srv-9","uuid":"uuid-9","requestId":"req-43"}`)
	reply = b.expectFrame(t, "restart_server_response")
	assert.Equal(t, "req-43", reply["requestId"])
	assert.Equal(t, false, reply["success"])
	assert.Contains(t, reply["error"], "no such server")
}

func TestBackupCompletionFrame(t *testing.T) {
	b := newFakeBackend(t)
	startAgent(t, b, NewSimRuntime(), nil)
	conn := b.waitConn(t)

	sendToAgent(t, conn, startFrame)
	b.expectConsole(t, "Server started")

	sendToAgent(t, conn, `{"type":"create_backup","serverId":"srv-1","uuid":"uuid-1","backupName":"nightly"}`)

	done := b.expectFrame(t, protocol.TypeBackupComplete)
	assert.Equal(t, "srv-1", done["serverId"])
	assert.Equal(t, "nightly", done["backupName"])
	assert.Contains(t, done["backupPath"], "uuid-1")
	assert.Greater(t, done["sizeMb"], float64(0))
	assert.Len(t, done["checksum"], 64)
}

func TestBackupFailureSurfacesOnSystemConsole(t *testing.T) {
	b := newFakeBackend(t)
	startAgent(t, b, NewSimRuntime(), nil)
	conn := b.waitConn(t)

	sendToAgent(t, conn, `{"type":"create_backup","serverId":"srv-9","uuid":"uuid-9","backupName":"nightly"}`)

	line := b.expectConsole(t, "failed")
	assert.Equal(t, "system", line["stream"])
	assert.Equal(t, "uuid-9", line["serverId"])
}

func TestCommandsAndConsoleInputReachRuntime(t *testing.T) {
	b := newFakeBackend(t)
	startAgent(t, b, NewSimRuntime(), nil)
	conn := b.waitConn(t)

	sendToAgent(t, conn, startFrame)
	b.expectConsole(t, "Server started")

	sendToAgent(t, conn, `{"type":"send_command","serverId":"srv-1","uuid":"uuid-1","command":"save-all"}`)
	b.expectConsole(t, "> save-all")

	sendToAgent(t, conn, `{"type":"console_input","serverId":"srv-1","uuid":"uuid-1","data":"say hi"}`)
	b.expectConsole(t, "> say hi")
}

func TestCommandOnStoppedServerReportsFailure(t *testing.T) {
	b := newFakeBackend(t)
	startAgent(t, b, NewSimRuntime(), nil)
	conn := b.waitConn(t)

	sendToAgent(t, conn, startFrame)
	b.expectConsole(t, "Server started")
	sendToAgent(t, conn, `{"type":"stop_server","serverId":"srv-1","uuid":"uuid-1"}`)
	b.expectConsole(t, "Server stopped")

	sendToAgent(t, conn, `{"type":"send_command","serverId":"srv-1","uuid":"uuid-1","command":"save-all"}`)

	line := b.expectConsole(t, "Command failed")
	assert.Equal(t, "system", line["stream"])
}

func TestHeartbeatsCarryTimestamps(t *testing.T) {
	b := newFakeBackend(t)
	startAgent(t, b, NewSimRuntime(), func(cfg *Config) {
		cfg.HeartbeatInterval = 30 * time.Millisecond
	})
	b.waitConn(t)

	first := b.expectFrame(t, protocol.TypeHeartbeat)
	second := b.expectFrame(t, protocol.TypeHeartbeat)
	assert.Greater(t, first["timestamp"], float64(0))
	assert.Greater(t, second["timestamp"], float64(0))
}

func TestUsageReportingIncludesRunningServers(t *testing.T) {
	b := newFakeBackend(t)
	startAgent(t, b, NewSimRuntime(), func(cfg *Config) {
		cfg.StatsInterval = 50 * time.Millisecond
	})
	conn := b.waitConn(t)

	sendToAgent(t, conn, startFrame)
	b.expectConsole(t, "Server started")

	stats := b.expectFrame(t, protocol.TypeResourceStats)
	assert.Equal(t, "uuid-1", stats["uuid"])
	assert.Equal(t, float64(1024), stats["memoryUsageMb"])

	deadline := time.After(3 * time.Second)
	for {
		var report map[string]any
		select {
		case m := <-b.frames:
			if m["type"] != protocol.TypeHealthReport {
				continue
			}
			report = m
		case <-deadline:
			t.Fatal("no health_report counting the running server")
		}
		if report["containerCount"] == float64(1) {
			break
		}
	}
}

func TestCrashFlowsAsStateUpdate(t *testing.T) {
	b := newFakeBackend(t)
	rt := NewSimRuntime()
	startAgent(t, b, rt, nil)
	conn := b.waitConn(t)

	sendToAgent(t, conn, startFrame)
	b.expectConsole(t, "Server started")

	require.NoError(t, rt.Crash("uuid-1", "container exited with code 137"))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-b.frames:
			if m["type"] != protocol.TypeServerStateUpdate {
				continue
			}
			if m["state"] != string(types.StatusCrashed) {
				continue
			}
			assert.Equal(t, "uuid-1", m["uuid"])
			assert.Contains(t, m["reason"], "137")
			return
		case <-deadline:
			t.Fatal("no CRASHED state update arrived")
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	b := newFakeBackend(t)
	a := startAgent(t, b, NewSimRuntime(), nil)
	b.waitConn(t)

	a.Stop()
	a.Stop()
}

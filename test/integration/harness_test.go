package integration

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-gg/catalyst/pkg/config"
	"github.com/catalyst-gg/catalyst/pkg/events"
	"github.com/catalyst-gg/catalyst/pkg/gateway"
	"github.com/catalyst-gg/catalyst/pkg/security"
	"github.com/catalyst-gg/catalyst/pkg/storage"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

const (
	nodeSecret   = "9a8b7c6d5e4f30211203f4e5d6c7b8a9"
	templateImg  = "ghcr.io/catalyst-gg/valheim:latest"
	frameTimeout = 3 * time.Second
)

// fleet is a backend assembled from real components on an ephemeral
// port. Tests attach agents and clients over real websockets and then
// assert on the store, the sockets, or both.
type fleet struct {
	cfg    *config.Config
	store  *storage.BoltStore
	broker *events.Broker
	gw     *gateway.Gateway
	tokens *security.TokenManager
	addr   string
}

func startFleet(t *testing.T, mutate func(*config.Config)) *fleet {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	cfg := config.Default()
	cfg.Port = 0
	cfg.ExternalAddress = "http://backend.test:3000"
	cfg.JWTSecret = "integration-signing-secret"
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	gw, err := gateway.New(cfg, store, broker)
	require.NoError(t, err)
	require.NoError(t, gw.Start())
	t.Cleanup(gw.Stop)

	tokens, err := security.NewTokenManager(cfg.JWTSecret)
	require.NoError(t, err)

	return &fleet{cfg: cfg, store: store, broker: broker, gw: gw, tokens: tokens, addr: gw.Addr()}
}

func (f *fleet) seedNode(t *testing.T) *types.Node {
	t.Helper()
	node := &types.Node{
		ID:       "node-1",
		Hostname: "node1.test",
		Secret:   nodeSecret,
	}
	require.NoError(t, f.store.CreateNode(node))
	return node
}

// seedGameServer registers a template and one server on node-1, owned
// by u1 with a console grant for u2.
func (f *fleet) seedGameServer(t *testing.T, status types.ServerStatus) *types.Server {
	t.Helper()
	require.NoError(t, f.store.CreateTemplate(&types.ServerTemplate{
		ID:    "tpl-1",
		Name:  "valheim",
		Image: templateImg,
	}))
	server := &types.Server{
		ID:                "srv-1",
		UUID:              "uuid-1",
		OwnerID:           "u1",
		NodeID:            "node-1",
		TemplateID:        "tpl-1",
		Status:            status,
		AllocatedMemoryMB: 4096,
		AllocatedDiskMB:   10240,
		NetworkMode:       types.NetworkModeBridge,
		RestartPolicy:     types.RestartOnFailure,
		MaxCrashCount:     3,
	}
	require.NoError(t, f.store.CreateServer(server))
	require.NoError(t, f.store.CreateAccess(&types.ServerAccess{
		UserID:      "u2",
		ServerID:    "srv-1",
		Permissions: []string{"console"},
	}))
	return server
}

// dialAgent opens a node connection. The handshake response is left on
// the wire; expectFrame skips past it unless a test reads it first.
func (f *fleet) dialAgent(t *testing.T, nodeID, secret string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+secret)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+f.addr+"/ws?nodeId="+nodeID, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fleet) dialClient(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := f.tokens.IssueToken(userID, false, time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+f.addr+"/ws?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// expectFrame reads until a frame of the wanted type arrives, skipping
// unrelated traffic such as handshakes and stats fan-out.
func expectFrame(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(frameTimeout)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s frame", wantType)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == wantType {
			return frame
		}
	}
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

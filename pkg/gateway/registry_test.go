package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-gg/catalyst/pkg/storage"
)

// wsPair dials a throwaway WebSocket and returns both ends. The server
// side is what the registry holds; the client side plays the peer.
func wsPair(t *testing.T) (serverSide, clientSide *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientSide, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientSide.Close() })

	select {
	case serverSide = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of websocket pair never arrived")
	}
	t.Cleanup(func() { serverSide.Close() })
	return serverSide, clientSide
}

// newTestStore opens a BoltStore in a temp dir for gateway tests
func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// readFrame reads one frame from the peer side with a deadline
func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func TestAddAgentSupersedesPrevious(t *testing.T) {
	registry := NewRegistry()

	first, _ := wsPair(t)
	second, _ := wsPair(t)

	agentA := newAgentConn("node-1", first)
	agentB := newAgentConn("node-1", second)

	require.Nil(t, registry.AddAgent(agentA))

	previous := registry.AddAgent(agentB)
	require.NotNil(t, previous)
	assert.Same(t, agentA, previous)

	// Superseded socket is closed
	select {
	case <-agentA.Done():
	case <-time.After(time.Second):
		t.Fatal("superseded agent was not closed")
	}

	current, ok := registry.Agent("node-1")
	require.True(t, ok)
	assert.Same(t, agentB, current)
	assert.Equal(t, 1, registry.AgentCount())
}

func TestRemoveAgentOnlyEvictsSameConnection(t *testing.T) {
	registry := NewRegistry()

	first, _ := wsPair(t)
	second, _ := wsPair(t)

	agentA := newAgentConn("node-1", first)
	agentB := newAgentConn("node-1", second)

	registry.AddAgent(agentA)
	registry.AddAgent(agentB)

	// Removing the stale connection must not evict its successor
	registry.RemoveAgent(agentA)

	current, ok := registry.Agent("node-1")
	require.True(t, ok)
	assert.Same(t, agentB, current)

	registry.RemoveAgent(agentB)
	_, ok = registry.Agent("node-1")
	assert.False(t, ok)
}

func TestAgentSendAfterClose(t *testing.T) {
	serverSide, _ := wsPair(t)
	agent := newAgentConn("node-1", serverSide)
	agent.Close()

	err := agent.Send([]byte(`{"type":"heartbeat"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disconnected")
}

func TestClientSessionIDsAreUnique(t *testing.T) {
	registry := NewRegistry()

	s1, _ := wsPair(t)
	s2, _ := wsPair(t)

	c1 := registry.AddClient("user-1", s1)
	c2 := registry.AddClient("user-1", s2)

	assert.NotEqual(t, c1.SessionID, c2.SessionID)
	assert.True(t, strings.HasPrefix(c1.SessionID, "user-1-"))
	assert.Equal(t, 2, registry.ClientCount())

	registry.RemoveClient(c1)
	registry.RemoveClient(c2)
	assert.Equal(t, 0, registry.ClientCount())
}

func TestBroadcastReachesOnlyAudience(t *testing.T) {
	registry := NewRegistry()

	ownerSrv, ownerPeer := wsPair(t)
	grantSrv, grantPeer := wsPair(t)
	otherSrv, otherPeer := wsPair(t)

	registry.AddClient("owner", ownerSrv)
	registry.AddClient("granted", grantSrv)
	registry.AddClient("stranger", otherSrv)

	frame := []byte(`{"type":"console_output","serverId":"srv-1","stream":"stdout","data":"hello"}`)
	audience := map[string]struct{}{"owner": {}, "granted": {}}
	registry.Broadcast(audience, frame)

	assert.Equal(t, frame, readFrame(t, ownerPeer, 2*time.Second))
	assert.Equal(t, frame, readFrame(t, grantPeer, 2*time.Second))

	// The stranger must receive nothing
	require.NoError(t, otherPeer.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := otherPeer.ReadMessage()
	assert.Error(t, err)
}

func TestBroadcastDropsSlowClient(t *testing.T) {
	registry := NewRegistry()

	serverSide, _ := wsPair(t)

	// Client without a write pump, emulating a consumer that stopped
	// draining its queue.
	client := newClientConn("user-1-1", "user-1", serverSide)
	registry.clients[client.SessionID] = client

	frame := []byte(`{"type":"console_output","serverId":"s","stream":"stdout","data":"x"}`)
	audience := map[string]struct{}{"user-1": {}}

	for i := 0; i < clientSendBuffer+1; i++ {
		registry.Broadcast(audience, frame)
	}

	// Overflow must have evicted and closed the client
	assert.Equal(t, 0, registry.ClientCount())
	select {
	case <-client.Done():
	default:
		t.Fatal("slow client was not closed")
	}
}

func TestCloseAll(t *testing.T) {
	registry := NewRegistry()

	agentSrv, _ := wsPair(t)
	clientSrv, _ := wsPair(t)

	agent := newAgentConn("node-1", agentSrv)
	registry.AddAgent(agent)
	client := registry.AddClient("user-1", clientSrv)

	registry.CloseAll()

	select {
	case <-agent.Done():
	case <-time.After(time.Second):
		t.Fatal("agent connection was not closed")
	}
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client connection was not closed")
	}
}

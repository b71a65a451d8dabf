package gateway

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/catalyst-gg/catalyst/pkg/metrics"
)

const clientSendBuffer = 256

// AgentConn is one live agent socket. Writes are serialized through the
// connection mutex; agents are never dropped for slow consumption.
type AgentConn struct {
	NodeID string

	conn    *websocket.Conn
	writeMu sync.Mutex

	heartbeatMu   sync.RWMutex
	lastHeartbeat time.Time

	// expired is set by the heartbeat sweep before it closes the socket,
	// so the read loop teardown knows the offline transition is handled.
	expired atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

func newAgentConn(nodeID string, conn *websocket.Conn) *AgentConn {
	return &AgentConn{
		NodeID:        nodeID,
		conn:          conn,
		lastHeartbeat: time.Now(),
		done:          make(chan struct{}),
	}
}

// Send writes a frame to the agent, blocking until the write completes
func (a *AgentConn) Send(frame []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	select {
	case <-a.done:
		return fmt.Errorf("agent %s disconnected", a.NodeID)
	default:
	}
	return a.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close closes the underlying socket once
func (a *AgentConn) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.conn.Close()
	})
}

// Done reports socket teardown to waiters
func (a *AgentConn) Done() <-chan struct{} {
	return a.done
}

// TouchHeartbeat records an inbound heartbeat
func (a *AgentConn) TouchHeartbeat() {
	a.heartbeatMu.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMu.Unlock()
}

// LastHeartbeat returns the time of the most recent heartbeat
func (a *AgentConn) LastHeartbeat() time.Time {
	a.heartbeatMu.RLock()
	defer a.heartbeatMu.RUnlock()
	return a.lastHeartbeat
}

// ClientConn is one live client session with a bounded outbound queue
type ClientConn struct {
	SessionID string
	UserID    string

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newClientConn(sessionID, userID string, conn *websocket.Conn) *ClientConn {
	return &ClientConn{
		SessionID: sessionID,
		UserID:    userID,
		conn:      conn,
		send:      make(chan []byte, clientSendBuffer),
		done:      make(chan struct{}),
	}
}

// TrySend queues a frame without blocking. It reports false when the
// client's buffer is full and the connection should be dropped.
func (c *ClientConn) TrySend(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close closes the underlying socket once
func (c *ClientConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Done reports socket teardown to waiters
func (c *ClientConn) Done() <-chan struct{} {
	return c.done
}

// writePump drains the send queue onto the socket
func (c *ClientConn) writePump() {
	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Registry tracks every live agent and client connection
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*AgentConn
	clients map[string]*ClientConn

	sessionSeq atomic.Uint64
}

// NewRegistry creates an empty connection registry
func NewRegistry() *Registry {
	return &Registry{
		agents:  make(map[string]*AgentConn),
		clients: make(map[string]*ClientConn),
	}
}

// AddAgent registers an agent connection, superseding any previous socket
// for the same node. The superseded connection, if any, is returned closed.
func (r *Registry) AddAgent(agent *AgentConn) *AgentConn {
	r.mu.Lock()
	previous := r.agents[agent.NodeID]
	r.agents[agent.NodeID] = agent
	r.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	metrics.AgentsConnected.Set(float64(r.AgentCount()))
	return previous
}

// RemoveAgent unregisters an agent connection. The entry is only removed
// when it still refers to the same connection, so a superseded socket
// cannot evict its successor.
func (r *Registry) RemoveAgent(agent *AgentConn) {
	r.mu.Lock()
	if current, ok := r.agents[agent.NodeID]; ok && current == agent {
		delete(r.agents, agent.NodeID)
	}
	r.mu.Unlock()

	agent.Close()
	metrics.AgentsConnected.Set(float64(r.AgentCount()))
}

// Agent returns the live connection for a node, if any
func (r *Registry) Agent(nodeID string) (*AgentConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[nodeID]
	return agent, ok
}

// Agents returns a snapshot of all live agent connections
func (r *Registry) Agents() []*AgentConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*AgentConn, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, agent)
	}
	return agents
}

// AddClient registers a client connection under a fresh session id
func (r *Registry) AddClient(userID string, conn *websocket.Conn) *ClientConn {
	sessionID := fmt.Sprintf("%s-%d", userID, r.sessionSeq.Add(1))
	client := newClientConn(sessionID, userID, conn)

	r.mu.Lock()
	r.clients[sessionID] = client
	r.mu.Unlock()

	go client.writePump()
	metrics.ClientsConnected.Set(float64(r.ClientCount()))
	return client
}

// RemoveClient unregisters a client connection
func (r *Registry) RemoveClient(client *ClientConn) {
	r.mu.Lock()
	delete(r.clients, client.SessionID)
	r.mu.Unlock()

	client.Close()
	metrics.ClientsConnected.Set(float64(r.ClientCount()))
}

// Broadcast sends a frame to every connected client whose user id is in
// the audience. Sends never block; clients that cannot keep up are
// dropped and must reconnect.
func (r *Registry) Broadcast(audience map[string]struct{}, frame []byte) {
	r.mu.RLock()
	targets := make([]*ClientConn, 0, len(r.clients))
	for _, client := range r.clients {
		if _, ok := audience[client.UserID]; ok {
			targets = append(targets, client)
		}
	}
	r.mu.RUnlock()

	for _, client := range targets {
		if !client.TrySend(frame) {
			metrics.ClientsDropped.Inc()
			r.RemoveClient(client)
		}
	}
}

// CloseAll closes every live connection. Used during shutdown; read
// loops observe the closed sockets and unregister themselves.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	agents := make([]*AgentConn, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, agent)
	}
	clients := make([]*ClientConn, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.mu.RUnlock()

	for _, agent := range agents {
		agent.Close()
	}
	for _, client := range clients {
		client.Close()
	}
}

// AgentCount returns the number of live agent connections
func (r *Registry) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ClientCount returns the number of live client sessions
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

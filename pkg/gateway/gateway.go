package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/catalyst-gg/catalyst/pkg/config"
	"github.com/catalyst-gg/catalyst/pkg/events"
	"github.com/catalyst-gg/catalyst/pkg/log"
	"github.com/catalyst-gg/catalyst/pkg/metrics"
	"github.com/catalyst-gg/catalyst/pkg/protocol"
	"github.com/catalyst-gg/catalyst/pkg/security"
	"github.com/catalyst-gg/catalyst/pkg/storage"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

const (
	// maxFrameSize bounds a single WebSocket frame. Console output and
	// stats frames are small; anything larger is a misbehaving peer.
	maxFrameSize = 1 << 20

	// bootstrapTokenTTL is how long a node enrollment token stays valid
	bootstrapTokenTTL = 15 * time.Minute
)

// TokenValidator resolves a client bearer credential to an identity.
// The default is the HS256 token manager; session stores or API-key
// frontends can substitute their own.
type TokenValidator interface {
	ValidateToken(token string) (*security.Identity, error)
}

// Gateway owns the WebSocket endpoint agents and clients connect to,
// plus the HTTP surface around it (metrics, health, node enrollment).
type Gateway struct {
	cfg        *config.Config
	store      storage.Store
	registry   *Registry
	correlator *Correlator
	lifecycle  *Lifecycle
	broker     *events.Broker
	writer     *AsyncWriter
	tokens     TokenValidator
	secrets    *security.SecretsManager
	bootstrap  *security.BootstrapManager

	upgrader websocket.Upgrader
	logger   zerolog.Logger

	httpServer *http.Server
	listener   net.Listener
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	connWg     sync.WaitGroup
}

// New wires up a gateway. The broker should already be started; the
// gateway publishes fleet events but never consumes them.
func New(cfg *config.Config, store storage.Store, broker *events.Broker) (*Gateway, error) {
	tokens, err := security.NewTokenManager(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}
	secrets, err := security.NewSecretsManagerFromPassword(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("secrets manager: %w", err)
	}

	logger := log.WithComponent("gateway")
	registry := NewRegistry()
	writer := NewAsyncWriter()

	return &Gateway{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		correlator: NewCorrelator(),
		lifecycle:  NewLifecycle(store, registry, broker, writer, cfg.CrashRestartDelay),
		broker:     broker,
		writer:     writer,
		tokens:     tokens,
		secrets:    secrets,
		bootstrap:  security.NewBootstrapManager(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

// Start binds the listener and begins serving. The bind happens
// synchronously so a bad port aborts startup instead of failing in a
// goroutine after the process reports healthy.
func (g *Gateway) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", g.cfg.Port))
	if err != nil {
		return fmt.Errorf("bind gateway listener: %w", err)
	}
	g.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.serveWS)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/api/nodes/bootstrap", g.handleBootstrap)
	mux.HandleFunc("/api/nodes/bootstrap-token", g.handleBootstrapToken)

	g.httpServer = &http.Server{Handler: mux}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error().Err(err).Msg("Gateway server stopped unexpectedly")
		}
	}()

	g.wg.Add(1)
	go g.sweepLoop()

	metrics.SetComponent("gateway", true, "")
	g.logger.Info().Int("port", g.cfg.Port).Msg("Gateway listening")
	return nil
}

// Stop shuts the gateway down: no new connections, live sockets closed,
// pending restart timers cancelled, queued best-effort writes drained.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if g.httpServer != nil {
			if err := g.httpServer.Shutdown(ctx); err != nil {
				g.logger.Warn().Err(err).Msg("Gateway shutdown did not complete cleanly")
			}
		}

		g.registry.CloseAll()
		g.connWg.Wait()
		g.lifecycle.Stop()
		g.wg.Wait()
		g.writer.Stop()

		metrics.SetComponent("gateway", false, "stopped")
		g.logger.Info().Msg("Gateway stopped")
	})
}

// Addr returns the bound listener address, for tests that start on port 0
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// serveWS admits a connection as either an agent or a client. Presence
// of a nodeId selects the agent path. Authentication runs before the
// WebSocket upgrade, and every rejection is the same generic 401 so a
// probe learns nothing about which node ids or tokens exist.
func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-g.stopCh:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	token := bearerToken(r)
	nodeID := r.URL.Query().Get("nodeId")

	if nodeID != "" {
		g.admitAgent(w, r, nodeID, token)
		return
	}
	g.admitClient(w, r, token)
}

// bearerToken extracts the credential from the Authorization header,
// falling back to the token query parameter for browser WebSocket
// clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (g *Gateway) admitAgent(w http.ResponseWriter, r *http.Request, nodeID, token string) {
	node, err := g.store.GetNode(nodeID)
	if err != nil {
		g.logger.Warn().Str("remote", r.RemoteAddr).Msg("Agent handshake for unknown node")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	secret := node.Secret
	if plain, err := g.secrets.DecryptString(secret); err == nil {
		secret = plain
	}
	if !security.VerifySecret(secret, token) {
		g.logger.Warn().Str("remote", r.RemoteAddr).Msg("Agent handshake with bad secret")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Agent upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	agent := newAgentConn(nodeID, conn)
	if previous := g.registry.AddAgent(agent); previous != nil {
		g.logger.Info().Str("node_id", nodeID).Msg("Agent reconnected, superseding previous socket")
	}

	node.IsOnline = true
	node.LastSeenAt = time.Now().UTC()
	if err := g.store.UpdateNode(node); err != nil {
		g.logger.Error().Err(err).Str("node_id", nodeID).Msg("Failed to persist node online state")
	}

	reply := &protocol.NodeHandshakeResponse{
		Type:           protocol.TypeNodeHandshakeResponse,
		Success:        true,
		BackendAddress: g.cfg.ExternalAddress,
	}
	frame, err := protocol.Encode(reply)
	if err == nil {
		err = agent.Send(frame)
	}
	if err != nil {
		g.logger.Error().Err(err).Str("node_id", nodeID).Msg("Handshake reply failed")
		g.registry.RemoveAgent(agent)
		return
	}

	g.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     events.EventNodeOnline,
		Message:  "Node " + node.Hostname + " connected",
		Metadata: map[string]string{"node_id": nodeID},
	})
	g.logger.Info().Str("node_id", nodeID).Str("hostname", node.Hostname).Msg("Agent connected")

	g.connWg.Add(1)
	g.readAgent(agent)
}

func (g *Gateway) admitClient(w http.ResponseWriter, r *http.Request, token string) {
	identity, err := g.tokens.ValidateToken(token)
	if err != nil {
		g.logger.Warn().Str("remote", r.RemoteAddr).Msg("Client handshake with invalid token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Client upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	client := g.registry.AddClient(identity.UserID, conn)
	g.logger.Info().Str("session", client.SessionID).Msg("Client connected")

	g.connWg.Add(1)
	g.readClient(client)
}

// readAgent is the agent read loop. Frames are handled synchronously so
// that a node's messages apply in the order it sent them.
func (g *Gateway) readAgent(agent *AgentConn) {
	defer g.connWg.Done()
	defer g.agentDisconnected(agent)

	for {
		_, data, err := agent.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeAgent(data)
		if err != nil {
			g.logger.Warn().Err(err).Str("node_id", agent.NodeID).Msg("Undecodable agent frame")
			continue
		}
		g.handleAgentMessage(agent, msg, data)
	}
}

// agentDisconnected tears down after an agent read loop exits. The node
// is only marked offline when no replacement socket took over, so an
// agent reconnect does not flap the node's online flag. Sweep-expired
// connections were already transitioned by the sweep.
func (g *Gateway) agentDisconnected(agent *AgentConn) {
	g.registry.RemoveAgent(agent)

	if agent.expired.Load() {
		return
	}
	if _, ok := g.registry.Agent(agent.NodeID); ok {
		return
	}

	g.markNodeOffline(agent.NodeID)
	g.logger.Info().Str("node_id", agent.NodeID).Msg("Agent disconnected")
}

// markNodeOffline persists the offline flag and announces the loss
func (g *Gateway) markNodeOffline(nodeID string) {
	node, err := g.store.GetNode(nodeID)
	if err != nil {
		g.logger.Error().Err(err).Str("node_id", nodeID).Msg("Node lookup failed while marking offline")
		return
	}
	node.IsOnline = false
	if err := g.store.UpdateNode(node); err != nil {
		g.logger.Error().Err(err).Str("node_id", nodeID).Msg("Failed to persist node offline state")
	}

	g.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     events.EventNodeOffline,
		Message:  "Node " + node.Hostname + " disconnected",
		Metadata: map[string]string{"node_id": nodeID},
	})
}

// readClient is the client read loop
func (g *Gateway) readClient(client *ClientConn) {
	defer g.connWg.Done()
	defer func() {
		g.registry.RemoveClient(client)
		g.logger.Info().Str("session", client.SessionID).Msg("Client disconnected")
	}()

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeClient(data)
		if err != nil {
			g.logger.Warn().Err(err).Str("session", client.SessionID).Msg("Undecodable client frame")
			continue
		}
		g.handleClientMessage(client, msg)
	}
}

// RequestJSON forwards a correlated request to a node's agent. Exposed
// for the scheduler and API layers.
func (g *Gateway) RequestJSON(nodeID string, msg protocol.Correlatable, timeout time.Duration) (*protocol.Response, error) {
	agent, ok := g.registry.Agent(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %s has no live agent connection", nodeID)
	}
	return g.correlator.RequestJSON(agent, msg, timeout)
}

// RequestBinary forwards a correlated chunked request to a node's agent
func (g *Gateway) RequestBinary(nodeID string, msg protocol.Correlatable, timeout time.Duration, onChunk func([]byte) error) error {
	agent, ok := g.registry.Agent(nodeID)
	if !ok {
		return fmt.Errorf("node %s has no live agent connection", nodeID)
	}
	return g.correlator.RequestBinary(agent, msg, timeout, onChunk)
}

// SendToNode pushes a fire-and-forget command to a node's agent
func (g *Gateway) SendToNode(nodeID string, msg protocol.Message) error {
	agent, ok := g.registry.Agent(nodeID)
	if !ok {
		return fmt.Errorf("node %s has no live agent connection", nodeID)
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return agent.Send(frame)
}

// Lifecycle exposes the server lifecycle manager to sibling components
func (g *Gateway) Lifecycle() *Lifecycle {
	return g.lifecycle
}

type bootstrapRequest struct {
	Token         string  `json:"token"`
	Hostname      string  `json:"hostname"`
	PublicAddress string  `json:"publicAddress"`
	MaxMemoryMB   int64   `json:"maxMemoryMb"`
	MaxCPUCores   float64 `json:"maxCpuCores"`
	LocationID    string  `json:"locationId"`
}

type bootstrapResponse struct {
	NodeID string `json:"nodeId"`
	Secret string `json:"secret"`
}

// handleBootstrap enrolls a new node. The caller presents a one-time
// bootstrap token and receives the node id plus the agent secret. The
// secret is returned exactly once and stored encrypted.
func (g *Gateway) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req bootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Hostname == "" {
		http.Error(w, "hostname is required", http.StatusBadRequest)
		return
	}

	if err := g.bootstrap.ClaimToken(req.Token); err != nil {
		g.logger.Warn().Str("remote", r.RemoteAddr).Msg("Bootstrap with invalid token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	secret, err := security.GenerateNodeSecret()
	if err != nil {
		g.logger.Error().Err(err).Msg("Node secret generation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	stored, err := g.secrets.EncryptString(secret)
	if err != nil {
		g.logger.Error().Err(err).Msg("Node secret encryption failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	node := &types.Node{
		ID:            uuid.New().String(),
		Hostname:      req.Hostname,
		PublicAddress: req.PublicAddress,
		Secret:        stored,
		MaxMemoryMB:   req.MaxMemoryMB,
		MaxCPUCores:   req.MaxCPUCores,
		LocationID:    req.LocationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := g.store.CreateNode(node); err != nil {
		g.logger.Error().Err(err).Str("hostname", req.Hostname).Msg("Node creation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	g.logger.Info().Str("node_id", node.ID).Str("hostname", node.Hostname).Msg("Node enrolled")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bootstrapResponse{NodeID: node.ID, Secret: secret})
}

// handleBootstrapToken mints a one-time enrollment token. Admin only.
func (g *Gateway) handleBootstrapToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identity, err := g.tokens.ValidateToken(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !identity.Admin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	token, err := g.bootstrap.GenerateToken(bootstrapTokenTTL)
	if err != nil {
		g.logger.Error().Err(err).Msg("Bootstrap token generation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"token":     token.Token,
		"expiresAt": token.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

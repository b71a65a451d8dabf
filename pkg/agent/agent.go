// Package agent implements the node-side daemon that pairs with the
// backend gateway. It maintains one WebSocket channel to the backend,
// authenticates with the node's shared secret, sends heartbeats, relays
// console output and resource samples, and executes lifecycle commands
// against a pluggable container Runtime.
//
// The agent never makes fleet decisions. It reports what it observes
// and does what it is told; the backend owns all state.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/catalyst-gg/catalyst/pkg/log"
	"github.com/catalyst-gg/catalyst/pkg/protocol"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultStatsInterval     = 30 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultReconnectMin      = time.Second
	defaultReconnectMax      = 30 * time.Second

	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	usageTimeout     = 10 * time.Second

	// commandTimeout bounds a single runtime operation. Starts can pull
	// images, so this is generous.
	commandTimeout = 5 * time.Minute
)

// Config holds agent configuration.
type Config struct {
	// BackendURL is the gateway's WebSocket endpoint, for example
	// ws://backend.example.com:3000/ws. http and https schemes are
	// accepted and translated.
	BackendURL string
	NodeID     string
	Secret     string

	HeartbeatInterval time.Duration
	StatsInterval     time.Duration
	DialTimeout       time.Duration

	// ReconnectMin and ReconnectMax bound the exponential backoff
	// between connection attempts.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Agent is the node daemon. One Agent owns one backend channel and one
// Runtime. Create with New, then Start and Stop.
type Agent struct {
	cfg     Config
	runtime Runtime
	logger  zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an agent. Zero durations in cfg take defaults.
func New(cfg Config, rt Runtime) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaultStatsInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}

	return &Agent{
		cfg:     cfg,
		runtime: rt,
		logger:  log.WithComponent("agent").With().Str("node_id", cfg.NodeID).Logger(),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the connection loop and the runtime forwarders. It
// returns immediately; connection failures are retried with backoff
// until Stop is called.
func (a *Agent) Start() {
	a.wg.Add(2)
	go a.run()
	go a.forwardLoop()
	a.logger.Info().Str("backend", a.cfg.BackendURL).Msg("Agent started")
}

// Stop closes the backend channel and waits for all loops to drain.
// Safe to call more than once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.mu.Lock()
		a.stopped = true
		if a.conn != nil {
			a.conn.Close()
		}
		a.mu.Unlock()
	})
	a.wg.Wait()
	a.logger.Info().Msg("Agent stopped")
}

// run owns the reconnect loop. Each successful handshake resets the
// backoff so a stable agent that loses its link retries quickly.
func (a *Agent) run() {
	defer a.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.ReconnectMin
	bo.MaxInterval = a.cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	for {
		err := a.session(bo)

		select {
		case <-a.stopCh:
			return
		default:
		}

		wait := bo.NextBackOff()
		a.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Backend connection lost, reconnecting")

		select {
		case <-time.After(wait):
		case <-a.stopCh:
			return
		}
	}
}

// session dials, handshakes and then serves one connection until it
// breaks. The heartbeat and stats loops live only as long as the
// connection does.
func (a *Agent) session(bo *backoff.ExponentialBackOff) error {
	conn, err := a.dial()
	if err != nil {
		return err
	}

	if err := a.awaitHandshake(conn); err != nil {
		conn.Close()
		return err
	}
	bo.Reset()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		conn.Close()
		return nil
	}
	a.conn = conn
	a.mu.Unlock()

	done := make(chan struct{})
	var loops sync.WaitGroup
	loops.Add(2)
	go a.heartbeatLoop(done, &loops)
	go a.statsLoop(done, &loops)

	readErr := a.readLoop(conn)

	close(done)
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
	conn.Close()
	loops.Wait()
	return readErr
}

// dial opens the WebSocket to the backend with the node's credentials.
func (a *Agent) dial() (*websocket.Conn, error) {
	u, err := url.Parse(a.cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("nodeId", a.cfg.NodeID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.Secret)

	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.DialTimeout}
	conn, _, err := dialer.Dial(u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial backend: %w", err)
	}
	return conn, nil
}

// awaitHandshake reads the backend's first frame, which must be a
// successful node_handshake_response.
func (a *Agent) awaitHandshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	msg, err := protocol.DecodeBackend(frame)
	if err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	hello, ok := msg.(*protocol.NodeHandshakeResponse)
	if !ok {
		return fmt.Errorf("expected handshake, got %s", msg.MessageType())
	}
	if !hello.Success {
		return fmt.Errorf("backend rejected handshake")
	}

	a.logger.Info().Str("backend_address", hello.BackendAddress).Msg("Connected to backend")
	return nil
}

// readLoop decodes backend frames and dispatches commands until the
// connection errors out.
func (a *Agent) readLoop(conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := protocol.DecodeBackend(frame)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Undecodable frame from backend, dropping")
			continue
		}
		a.handle(msg)
	}
}

// handle dispatches one backend frame. Runtime commands run in their
// own goroutine so a slow image pull never stalls the read loop.
func (a *Agent) handle(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.StartServer:
		a.async(func() { a.handleStart(m) })
	case *protocol.StopServer:
		a.async(func() { a.handleStop(m) })
	case *protocol.RestartServer:
		a.async(func() { a.handleRestart(m) })
	case *protocol.CreateBackup:
		a.async(func() { a.handleBackup(m) })
	case *protocol.SendCommand:
		a.async(func() { a.handleCommand(m) })
	case *protocol.ConsoleInput:
		a.async(func() { a.handleConsoleInput(m) })
	case *protocol.ErrorMessage:
		a.logger.Warn().Str("code", m.Code).Str("message", m.Message).Msg("Error from backend")
	case *protocol.NodeHandshakeResponse:
		a.logger.Debug().Msg("Duplicate handshake frame, ignoring")
	default:
		a.logger.Warn().Str("type", msg.MessageType()).Msg("Unhandled backend message type")
	}
}

// async runs fn on the agent's wait group unless the agent is stopping.
func (a *Agent) async(fn func()) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *Agent) handleStart(cmd *protocol.StartServer) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	err := a.runtime.Start(ctx, cmd)
	if err != nil {
		a.logger.Warn().Err(err).Str("server_uuid", cmd.UUID).Msg("Server start failed")
		a.reportError(serverRef(cmd.UUID, cmd.ServerID), err)
	}
	a.reply(protocol.TypeStartServer, cmd.RequestID, err)
}

func (a *Agent) handleStop(cmd *protocol.StopServer) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	err := a.runtime.Stop(ctx, serverRef(cmd.UUID, cmd.ServerID))
	if err != nil {
		a.logger.Warn().Err(err).Str("server_uuid", cmd.UUID).Msg("Server stop failed")
		a.reportError(serverRef(cmd.UUID, cmd.ServerID), err)
	}
	a.reply(protocol.TypeStopServer, cmd.RequestID, err)
}

func (a *Agent) handleRestart(cmd *protocol.RestartServer) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	err := a.runtime.Restart(ctx, serverRef(cmd.UUID, cmd.ServerID))
	if err != nil {
		a.logger.Warn().Err(err).Str("server_uuid", cmd.UUID).Msg("Server restart failed")
		a.reportError(serverRef(cmd.UUID, cmd.ServerID), err)
	}
	a.reply(protocol.TypeRestartServer, cmd.RequestID, err)
}

func (a *Agent) handleBackup(cmd *protocol.CreateBackup) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	ref := serverRef(cmd.UUID, cmd.ServerID)
	result, err := a.runtime.Backup(ctx, ref, cmd.BackupName)
	if err != nil {
		a.logger.Warn().Err(err).Str("server_uuid", ref).Str("backup", cmd.BackupName).Msg("Backup failed")
		a.sendBestEffort(&protocol.ConsoleOutput{
			Type:     protocol.TypeConsoleOutput,
			ServerID: ref,
			Stream:   "system",
			Data:     fmt.Sprintf("Backup %q failed: %v", cmd.BackupName, err),
		})
		a.reply(protocol.TypeCreateBackup, cmd.RequestID, err)
		return
	}

	a.sendBestEffort(&protocol.BackupComplete{
		Type:       protocol.TypeBackupComplete,
		ServerID:   cmd.ServerID,
		BackupName: cmd.BackupName,
		BackupPath: result.Path,
		SizeMB:     result.SizeMB,
		Checksum:   result.Checksum,
	})
	a.logger.Info().Str("server_uuid", ref).Str("backup", cmd.BackupName).Msg("Backup complete")
	a.reply(protocol.TypeCreateBackup, cmd.RequestID, nil)
}

func (a *Agent) handleCommand(cmd *protocol.SendCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	ref := serverRef(cmd.UUID, cmd.ServerID)
	err := a.runtime.Exec(ctx, ref, cmd.Command, cmd.Environment)
	if err != nil {
		a.logger.Warn().Err(err).Str("server_uuid", ref).Msg("Command execution failed")
		a.sendBestEffort(&protocol.ConsoleOutput{
			Type:     protocol.TypeConsoleOutput,
			ServerID: ref,
			Stream:   "system",
			Data:     fmt.Sprintf("Command failed: %v", err),
		})
	}
	a.reply(protocol.TypeSendCommand, cmd.RequestID, err)
}

func (a *Agent) handleConsoleInput(m *protocol.ConsoleInput) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	ref := serverRef(m.UUID, m.ServerID)
	if err := a.runtime.Exec(ctx, ref, m.Data, nil); err != nil {
		a.logger.Warn().Err(err).Str("server_uuid", ref).Msg("Console input rejected by runtime")
		a.sendBestEffort(&protocol.ConsoleOutput{
			Type:     protocol.TypeConsoleOutput,
			ServerID: ref,
			Stream:   "system",
			Data:     fmt.Sprintf("Input rejected: %v", err),
		})
	}
}

// reportError tells the backend a command left the server in ERROR.
func (a *Agent) reportError(ref string, err error) {
	a.sendBestEffort(&protocol.ServerStateUpdate{
		Type:   protocol.TypeServerStateUpdate,
		UUID:   ref,
		State:  string(types.StatusError),
		Reason: err.Error(),
	})
}

// reply answers a correlated command. Commands without a request id get
// no reply; their effects surface as state updates instead.
func (a *Agent) reply(msgType, requestID string, err error) {
	if requestID == "" {
		return
	}
	resp := &protocol.Response{
		Type:      msgType + "_response",
		RequestID: requestID,
		Success:   err == nil,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	a.sendBestEffort(resp)
}

// heartbeatLoop announces liveness for one connection.
func (a *Agent) heartbeatLoop(done chan struct{}, loops *sync.WaitGroup) {
	defer loops.Done()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := a.send(&protocol.Heartbeat{
				Type:      protocol.TypeHeartbeat,
				Timestamp: time.Now().Unix(),
			})
			if err != nil {
				a.logger.Debug().Err(err).Msg("Heartbeat send failed")
			}
		case <-done:
			return
		case <-a.stopCh:
			return
		}
	}
}

// statsLoop reports resource usage for one connection. An initial
// sample goes out right away so the backend has fresh numbers as soon
// as the node appears.
func (a *Agent) statsLoop(done chan struct{}, loops *sync.WaitGroup) {
	defer loops.Done()

	a.reportUsage()

	ticker := time.NewTicker(a.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.reportUsage()
		case <-done:
			return
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) reportUsage() {
	ctx, cancel := context.WithTimeout(context.Background(), usageTimeout)
	defer cancel()

	servers, node, err := a.runtime.Usage(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Usage sampling failed")
		return
	}

	for _, u := range servers {
		a.sendBestEffort(&protocol.ResourceStats{
			Type:           protocol.TypeResourceStats,
			UUID:           u.UUID,
			CPUPercent:     u.CPUPercent,
			MemoryUsageMB:  u.MemoryUsageMB,
			DiskUsageMB:    u.DiskUsageMB,
			DiskIOMB:       u.DiskIOMB,
			NetworkRxBytes: u.NetworkRxBytes,
			NetworkTxBytes: u.NetworkTxBytes,
		})
	}

	a.sendBestEffort(&protocol.HealthReport{
		Type:           protocol.TypeHealthReport,
		CPUPercent:     node.CPUPercent,
		MemoryUsageMB:  node.MemoryUsageMB,
		MemoryTotalMB:  node.MemoryTotalMB,
		DiskUsageMB:    node.DiskUsageMB,
		DiskTotalMB:    node.DiskTotalMB,
		NetworkRxBytes: node.NetworkRxBytes,
		NetworkTxBytes: node.NetworkTxBytes,
		ContainerCount: node.ContainerCount,
	})
}

// forwardLoop relays runtime observations for the life of the agent.
// Lines and transitions that arrive while disconnected are dropped;
// the backend resynchronizes from the next stats report.
func (a *Agent) forwardLoop() {
	defer a.wg.Done()

	for {
		select {
		case line, ok := <-a.runtime.Console():
			if !ok {
				return
			}
			a.sendBestEffort(&protocol.ConsoleOutput{
				Type:     protocol.TypeConsoleOutput,
				ServerID: line.UUID,
				Stream:   line.Stream,
				Data:     line.Data,
			})
		case ev, ok := <-a.runtime.Events():
			if !ok {
				return
			}
			a.sendBestEffort(&protocol.ServerStateUpdate{
				Type:          protocol.TypeServerStateUpdate,
				UUID:          ev.UUID,
				State:         string(ev.State),
				Reason:        ev.Reason,
				ContainerID:   ev.ContainerID,
				ContainerName: ev.ContainerName,
			})
		case <-a.stopCh:
			return
		}
	}
}

// send encodes and writes one frame to the current connection.
func (a *Agent) send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteMessage(websocket.TextMessage, frame)
}

// sendBestEffort sends and logs failures at debug level. Used for
// observational frames where the read loop will notice a dead
// connection anyway.
func (a *Agent) sendBestEffort(msg protocol.Message) {
	if err := a.send(msg); err != nil {
		a.logger.Debug().Err(err).Str("type", msg.MessageType()).Msg("Frame dropped, not connected")
	}
}

// serverRef picks the uuid when present, else the id. Backend frames
// carry both; the runtime keys everything by uuid.
func serverRef(uuid, id string) string {
	if uuid != "" {
		return uuid
	}
	return id
}

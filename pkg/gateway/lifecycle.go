package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/catalyst-gg/catalyst/pkg/events"
	"github.com/catalyst-gg/catalyst/pkg/log"
	"github.com/catalyst-gg/catalyst/pkg/metrics"
	"github.com/catalyst-gg/catalyst/pkg/protocol"
	"github.com/catalyst-gg/catalyst/pkg/state"
	"github.com/catalyst-gg/catalyst/pkg/storage"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

// serverDataDir is the path on a node where a server's files live,
// exported to containers as SERVER_DIR.
const serverDataDir = "/var/lib/catalyst/servers"

// Lifecycle owns every mutation of Server.status. Updates for one server
// are serialized through a per-server mutex so that transition
// validation, crash counting, and restart scheduling observe a
// consistent row.
type Lifecycle struct {
	store        storage.Store
	registry     *Registry
	broker       *events.Broker
	writer       *AsyncWriter
	restartDelay time.Duration
	logger       zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	stopped  bool
}

// NewLifecycle creates the server lifecycle manager
func NewLifecycle(store storage.Store, registry *Registry, broker *events.Broker, writer *AsyncWriter, restartDelay time.Duration) *Lifecycle {
	return &Lifecycle{
		store:        store,
		registry:     registry,
		broker:       broker,
		writer:       writer,
		restartDelay: restartDelay,
		logger:       log.WithComponent("lifecycle"),
		locks:        make(map[string]*sync.Mutex),
		timers:       make(map[string]*time.Timer),
	}
}

// Stop cancels every pending restart timer
func (l *Lifecycle) Stop() {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()

	l.stopped = true
	for serverID, timer := range l.timers {
		timer.Stop()
		delete(l.timers, serverID)
	}
}

func (l *Lifecycle) lock(serverID string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()

	mu, ok := l.locks[serverID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[serverID] = mu
	}
	return mu
}

// Apply processes a state report from an agent. Invalid transitions are
// recorded in the server's system log but still applied: the agent is
// the source of truth for what the container is actually doing.
func (l *Lifecycle) Apply(update *protocol.ServerStateUpdate) (*types.Server, error) {
	server, err := l.store.GetServerByUUIDOrID(update.Ref())
	if err != nil {
		return nil, err
	}

	newStatus, err := state.ParseStatus(update.State)
	if err != nil {
		return nil, err
	}

	mu := l.lock(server.ID)
	mu.Lock()
	defer mu.Unlock()

	previous := server.Status
	if ok, reason := state.Validate(previous, newStatus); !ok {
		l.logger.Warn().
			Str("server_id", server.ID).
			Str("from", string(previous)).
			Str("to", string(newStatus)).
			Msg("Invalid state transition reported by agent")
		l.appendSystemLog(server.ID, reason)
	}

	// Reality changed; a restart scheduled for the previous crash no
	// longer applies.
	if newStatus != types.StatusCrashed {
		l.CancelRestart(server.ID)
	}

	now := time.Now()
	server.Status = newStatus
	server.UpdatedAt = now
	if update.ContainerID != "" {
		server.ContainerID = update.ContainerID
	}
	if update.ContainerName != "" {
		server.ContainerName = update.ContainerName
	}
	if newStatus == types.StatusCrashed {
		server.CrashCount++
		server.LastCrashAt = &now
	}

	if err := l.store.UpdateServer(server); err != nil {
		return nil, fmt.Errorf("persist state update: %w", err)
	}

	transition := fmt.Sprintf("Server state changed: %s -> %s", previous, newStatus)
	if update.Reason != "" {
		transition += " (" + update.Reason + ")"
	}
	l.appendSystemLog(server.ID, transition)

	l.broker.Publish(&events.Event{
		Type:    events.EventServerStateChanged,
		Message: transition,
		Metadata: map[string]string{
			"server_id": server.ID,
			"from":      string(previous),
			"to":        string(newStatus),
		},
	})

	if newStatus == types.StatusCrashed {
		l.broker.Publish(&events.Event{
			Type:    events.EventServerCrashed,
			Message: fmt.Sprintf("Server %s crashed (count %d)", server.ID, server.CrashCount),
			Metadata: map[string]string{
				"server_id":   server.ID,
				"crash_count": fmt.Sprintf("%d", server.CrashCount),
			},
		})
		l.autoRestart(server)
	}

	return server, nil
}

// autoRestart applies the restart policy after a crash. The caller holds
// the server's lock.
func (l *Lifecycle) autoRestart(server *types.Server) {
	logger := l.logger.With().Str("server_id", server.ID).Logger()

	switch server.RestartPolicy {
	case types.RestartNever:
		logger.Info().Msg("Restart policy is never, leaving server crashed")
		return
	case types.RestartOnFailure, types.RestartAlways:
	default:
		logger.Warn().Str("policy", string(server.RestartPolicy)).Msg("Unknown restart policy, leaving server crashed")
		return
	}

	if server.CrashCount >= server.MaxCrashCount {
		logger.Warn().
			Int("crash_count", server.CrashCount).
			Int("max_crash_count", server.MaxCrashCount).
			Msg("Max crash count exceeded, not restarting")
		l.appendSystemLog(server.ID, "max crash count exceeded")
		return
	}

	l.scheduleRestart(server.ID)
	logger.Info().Dur("delay", l.restartDelay).Msg("Auto-restart scheduled")
}

func (l *Lifecycle) scheduleRestart(serverID string) {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()

	if l.stopped {
		return
	}
	if existing, ok := l.timers[serverID]; ok {
		existing.Stop()
	}
	l.timers[serverID] = time.AfterFunc(l.restartDelay, func() {
		l.fireRestart(serverID)
	})
}

// CancelRestart cancels a pending auto-restart for a server, if any
func (l *Lifecycle) CancelRestart(serverID string) {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()

	if timer, ok := l.timers[serverID]; ok {
		timer.Stop()
		delete(l.timers, serverID)
	}
}

func (l *Lifecycle) fireRestart(serverID string) {
	l.timersMu.Lock()
	delete(l.timers, serverID)
	stopped := l.stopped
	l.timersMu.Unlock()
	if stopped {
		return
	}

	logger := l.logger.With().Str("server_id", serverID).Logger()

	server, err := l.store.GetServer(serverID)
	if err != nil {
		logger.Error().Err(err).Msg("Auto-restart aborted, server lookup failed")
		return
	}
	agent, ok := l.registry.Agent(server.NodeID)
	if !ok {
		logger.Warn().Str("node_id", server.NodeID).Msg("Auto-restart aborted, node agent offline")
		return
	}

	start, err := l.BuildStart(server)
	if err != nil {
		logger.Error().Err(err).Msg("Auto-restart aborted, could not build start command")
		return
	}
	frame, err := protocol.Encode(start)
	if err != nil {
		logger.Error().Err(err).Msg("Auto-restart aborted, encode failed")
		return
	}
	if err := agent.Send(frame); err != nil {
		logger.Error().Err(err).Msg("Auto-restart send failed")
		return
	}

	metrics.CrashRestartsTotal.Inc()
	l.appendSystemLog(serverID, "Auto-restart issued after crash")
	logger.Info().Msg("Auto-restart issued")
}

// BuildStart composes a start command carrying the template image,
// startup command, merged environment, allocations, ports, and network
// mode.
func (l *Lifecycle) BuildStart(server *types.Server) (*protocol.StartServer, error) {
	template, err := l.store.GetTemplate(server.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}

	ports := make([]protocol.PortBinding, 0, len(server.PortBindings))
	for _, p := range server.PortBindings {
		ports = append(ports, protocol.PortBinding{
			HostPort:      p.HostPort,
			ContainerPort: p.ContainerPort,
			Protocol:      p.Protocol,
		})
	}

	return &protocol.StartServer{
		Type:           protocol.TypeStartServer,
		ServerID:       server.ID,
		UUID:           server.UUID,
		Image:          template.Image,
		StartupCommand: template.StartupCommand,
		Environment:    MergedEnvironment(server, template),
		MemoryMB:       server.AllocatedMemoryMB,
		CPUCores:       server.AllocatedCPUCores,
		DiskMB:         server.AllocatedDiskMB,
		Ports:          ports,
		NetworkMode:    string(server.NetworkMode),
	}, nil
}

// MergedEnvironment overlays the server's environment on the template's
// and injects the runtime variables agents expect.
func MergedEnvironment(server *types.Server, template *types.ServerTemplate) map[string]string {
	env := make(map[string]string)
	if template != nil {
		for k, v := range template.Environment {
			env[k] = v
		}
	}
	for k, v := range server.Environment {
		env[k] = v
	}
	env["SERVER_DIR"] = fmt.Sprintf("%s/%s", serverDataDir, server.UUID)
	if server.NetworkMode == types.NetworkModeDedicated && server.PrimaryIP != "" {
		env["CATALYST_NETWORK_IP"] = server.PrimaryIP
	}
	return env
}

// PendingRestarts returns the number of scheduled auto-restarts
func (l *Lifecycle) PendingRestarts() int {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()
	return len(l.timers)
}

func (l *Lifecycle) appendSystemLog(serverID, message string) {
	entry := &types.ServerLog{
		ID:        uuid.New().String(),
		ServerID:  serverID,
		Stream:    types.StreamSystem,
		Data:      message,
		Timestamp: time.Now(),
	}
	l.writer.Do("system log", func() error {
		return l.store.AppendServerLog(entry)
	})
}

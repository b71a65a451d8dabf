package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/catalyst-gg/catalyst/pkg/protocol"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

// SimRuntime is an in-memory Runtime. It tracks server state, emits the
// same lifecycle transitions a real engine would, and synthesizes
// resource numbers. It backs catalyst-agent's --sim mode and the agent
// tests; nothing here touches an actual container engine.
type SimRuntime struct {
	mu      sync.Mutex
	servers map[string]*simServer
	events  chan StateChange
	console chan ConsoleLine
}

type simServer struct {
	uuid          string
	state         types.ServerStatus
	containerID   string
	containerName string
	memoryMB      int64
	diskMB        int64
	backups       int
}

// NewSimRuntime creates an empty simulation runtime.
func NewSimRuntime() *SimRuntime {
	return &SimRuntime{
		servers: make(map[string]*simServer),
		events:  make(chan StateChange, 64),
		console: make(chan ConsoleLine, 256),
	}
}

func (r *SimRuntime) Start(ctx context.Context, cmd *protocol.StartServer) error {
	ref := serverRef(cmd.UUID, cmd.ServerID)
	if ref == "" {
		return fmt.Errorf("start command has no server reference")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.servers[ref]
	if s != nil && s.state == types.StatusRunning {
		return fmt.Errorf("server %s is already running", ref)
	}
	if s == nil {
		s = &simServer{uuid: ref}
		r.servers[ref] = s
	}
	s.memoryMB = cmd.MemoryMB
	s.diskMB = cmd.DiskMB
	s.containerID = "sim-" + ref
	s.containerName = "catalyst-" + ref

	r.transition(s, types.StatusStarting, "")
	r.say(ref, "system", "Container "+s.containerID+" created from "+cmd.Image)
	if cmd.StartupCommand != "" {
		r.say(ref, "stdout", "> "+cmd.StartupCommand)
	}
	r.transition(s, types.StatusRunning, "")
	r.say(ref, "stdout", "Server started")
	return nil
}

func (r *SimRuntime) Stop(ctx context.Context, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.servers[uuid]
	if !ok {
		return fmt.Errorf("no such server %s", uuid)
	}
	if s.state == types.StatusStopped {
		return nil
	}

	r.transition(s, types.StatusStopping, "")
	r.transition(s, types.StatusStopped, "")
	r.say(uuid, "system", "Server stopped")
	return nil
}

func (r *SimRuntime) Restart(ctx context.Context, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.servers[uuid]
	if !ok {
		return fmt.Errorf("no such server %s", uuid)
	}

	if s.state == types.StatusRunning {
		r.transition(s, types.StatusStopping, "")
		r.transition(s, types.StatusStopped, "")
	}
	r.transition(s, types.StatusStarting, "")
	r.transition(s, types.StatusRunning, "")
	r.say(uuid, "stdout", "Server started")
	return nil
}

func (r *SimRuntime) Backup(ctx context.Context, uuid, name string) (*BackupResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.servers[uuid]
	if !ok {
		return nil, fmt.Errorf("no such server %s", uuid)
	}

	s.backups++
	sum := sha256.Sum256([]byte(uuid + "/" + name))
	result := &BackupResult{
		Path:     "/var/lib/catalyst/backups/" + uuid + "/" + name + ".tar.gz",
		SizeMB:   float64(120 + 8*s.backups),
		Checksum: hex.EncodeToString(sum[:]),
	}
	r.say(uuid, "system", "Backup "+name+" archived")
	return result, nil
}

func (r *SimRuntime) Exec(ctx context.Context, uuid, command string, env map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.servers[uuid]
	if !ok {
		return fmt.Errorf("no such server %s", uuid)
	}
	if s.state != types.StatusRunning {
		return fmt.Errorf("server %s is not running", uuid)
	}

	r.say(uuid, "stdout", "> "+command)
	return nil
}

func (r *SimRuntime) Usage(ctx context.Context) ([]ServerUsage, NodeUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var servers []ServerUsage
	node := NodeUsage{
		CPUPercent:    4.0,
		MemoryUsageMB: 1024,
		MemoryTotalMB: 16384,
		DiskUsageMB:   20480,
		DiskTotalMB:   512000,
	}

	for _, s := range r.servers {
		if s.state != types.StatusRunning {
			continue
		}
		u := ServerUsage{
			UUID:           s.uuid,
			CPUPercent:     12.5,
			MemoryUsageMB:  float64(s.memoryMB) / 2,
			DiskUsageMB:    float64(s.diskMB) / 4,
			DiskIOMB:       1.5,
			NetworkRxBytes: 2048,
			NetworkTxBytes: 4096,
		}
		servers = append(servers, u)

		node.CPUPercent += u.CPUPercent / 2
		node.MemoryUsageMB += u.MemoryUsageMB
		node.DiskUsageMB += u.DiskUsageMB
		node.ContainerCount++
	}
	return servers, node, nil
}

func (r *SimRuntime) Events() <-chan StateChange { return r.events }

func (r *SimRuntime) Console() <-chan ConsoleLine { return r.console }

// StateOf reports the simulated state of a server. Exists for tests and
// the sim CLI; a real runtime has no equivalent.
func (r *SimRuntime) StateOf(uuid string) (types.ServerStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[uuid]
	if !ok {
		return "", false
	}
	return s.state, true
}

// Crash flips a running server to CRASHED, as if its container died.
// Drives crash-path testing end to end.
func (r *SimRuntime) Crash(uuid, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.servers[uuid]
	if !ok {
		return fmt.Errorf("no such server %s", uuid)
	}
	if s.state != types.StatusRunning {
		return fmt.Errorf("server %s is not running", uuid)
	}

	r.transition(s, types.StatusCrashed, reason)
	r.say(uuid, "system", "Container exited unexpectedly")
	return nil
}

// transition records the new state and emits it. Callers hold r.mu so
// emitted events keep their causal order.
func (r *SimRuntime) transition(s *simServer, state types.ServerStatus, reason string) {
	s.state = state
	ev := StateChange{
		UUID:          s.uuid,
		State:         state,
		Reason:        reason,
		ContainerID:   s.containerID,
		ContainerName: s.containerName,
	}
	select {
	case r.events <- ev:
	default:
	}
}

func (r *SimRuntime) say(uuid, stream, data string) {
	line := ConsoleLine{UUID: uuid, Stream: stream, Data: data}
	select {
	case r.console <- line:
	default:
	}
}

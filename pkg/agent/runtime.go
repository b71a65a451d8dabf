package agent

import (
	"context"

	"github.com/catalyst-gg/catalyst/pkg/protocol"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

// StateChange is a lifecycle transition observed by the runtime, for
// example a container exiting on its own. The agent forwards these to
// the backend as server_state_update frames.
type StateChange struct {
	UUID          string
	State         types.ServerStatus
	Reason        string
	ContainerID   string
	ContainerName string
}

// ConsoleLine is one line of server console output.
type ConsoleLine struct {
	UUID   string
	Stream string // stdout, stderr or system
	Data   string
}

// ServerUsage is one resource sample for a single server.
type ServerUsage struct {
	UUID           string
	CPUPercent     float64
	MemoryUsageMB  float64
	DiskUsageMB    float64
	DiskIOMB       float64
	NetworkRxBytes int64
	NetworkTxBytes int64
}

// NodeUsage is one resource sample for the whole node.
type NodeUsage struct {
	CPUPercent     float64
	MemoryUsageMB  float64
	MemoryTotalMB  float64
	DiskUsageMB    float64
	DiskTotalMB    float64
	NetworkRxBytes int64
	NetworkTxBytes int64
	ContainerCount int
}

// BackupResult describes an archive the runtime produced.
type BackupResult struct {
	Path     string
	SizeMB   float64
	Checksum string
}

// Runtime is the container backend the agent drives. The agent itself
// never touches containers; every command from the backend is executed
// through this interface, and every observation flows back out of it.
// Implementations wrap a real container engine. SimRuntime is an
// in-memory implementation for development and tests.
type Runtime interface {
	// Start provisions and launches a server container.
	Start(ctx context.Context, cmd *protocol.StartServer) error

	// Stop stops the server's container.
	Stop(ctx context.Context, uuid string) error

	// Restart stops and relaunches the server's container.
	Restart(ctx context.Context, uuid string) error

	// Backup archives the server's data directory and returns the
	// archive's location, size and checksum.
	Backup(ctx context.Context, uuid, name string) (*BackupResult, error)

	// Exec writes a command line to the server's stdin.
	Exec(ctx context.Context, uuid, command string, env map[string]string) error

	// Usage samples per-server and node-wide resource consumption.
	Usage(ctx context.Context) ([]ServerUsage, NodeUsage, error)

	// Events yields lifecycle transitions as the runtime observes them.
	// The channel is owned by the runtime and stays open for its life.
	Events() <-chan StateChange

	// Console yields server console output lines.
	Console() <-chan ConsoleLine
}

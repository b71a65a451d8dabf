package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-gg/catalyst/pkg/protocol"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

func simStart(t *testing.T, r *SimRuntime, uuid string) {
	t.Helper()
	require.NoError(t, r.Start(context.Background(), &protocol.StartServer{
		Type:     protocol.TypeStartServer,
		ServerID: "srv-" + uuid,
		UUID:     uuid,
		Image:    "ghcr.io/catalyst-gg/minecraft:1.21",
		MemoryMB: 2048,
		DiskMB:   10240,
	}))
}

func drainStates(r *SimRuntime) []types.ServerStatus {
	var states []types.ServerStatus
	for {
		select {
		case ev := <-r.Events():
			states = append(states, ev.State)
		default:
			return states
		}
	}
}

func TestSimLifecycleTransitions(t *testing.T) {
	r := NewSimRuntime()
	ctx := context.Background()

	simStart(t, r, "uuid-1")
	assert.Equal(t, []types.ServerStatus{types.StatusStarting, types.StatusRunning}, drainStates(r))

	require.NoError(t, r.Stop(ctx, "uuid-1"))
	assert.Equal(t, []types.ServerStatus{types.StatusStopping, types.StatusStopped}, drainStates(r))

	// Restarting a stopped server goes straight to the start phase.
	require.NoError(t, r.Restart(ctx, "uuid-1"))
	assert.Equal(t, []types.ServerStatus{types.StatusStarting, types.StatusRunning}, drainStates(r))

	require.NoError(t, r.Restart(ctx, "uuid-1"))
	assert.Equal(t, []types.ServerStatus{
		types.StatusStopping, types.StatusStopped,
		types.StatusStarting, types.StatusRunning,
	}, drainStates(r))
}

func TestSimStartTwiceRejected(t *testing.T) {
	r := NewSimRuntime()

	simStart(t, r, "uuid-1")
	err := r.Start(context.Background(), &protocol.StartServer{UUID: "uuid-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestSimStopIsIdempotentOnceStopped(t *testing.T) {
	r := NewSimRuntime()
	ctx := context.Background()

	simStart(t, r, "uuid-1")
	require.NoError(t, r.Stop(ctx, "uuid-1"))
	drainStates(r)

	require.NoError(t, r.Stop(ctx, "uuid-1"))
	assert.Empty(t, drainStates(r))
}

func TestSimExecRequiresRunning(t *testing.T) {
	r := NewSimRuntime()
	ctx := context.Background()

	require.Error(t, r.Exec(ctx, "uuid-1", "save-all", nil))

	simStart(t, r, "uuid-1")
	require.NoError(t, r.Exec(ctx, "uuid-1", "save-all", nil))

	require.NoError(t, r.Stop(ctx, "uuid-1"))
	err := r.Exec(ctx, "uuid-1", "save-all", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestSimBackupGrowsAndChecksumsStay(t *testing.T) {
	r := NewSimRuntime()
	ctx := context.Background()
	simStart(t, r, "uuid-1")

	first, err := r.Backup(ctx, "uuid-1", "nightly")
	require.NoError(t, err)
	second, err := r.Backup(ctx, "uuid-1", "nightly")
	require.NoError(t, err)

	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Len(t, first.Checksum, 64)
	assert.Greater(t, second.SizeMB, first.SizeMB)
	assert.Contains(t, first.Path, "uuid-1/nightly")

	_, err = r.Backup(ctx, "uuid-9", "nightly")
	require.Error(t, err)
}

func TestSimUsageCountsRunningOnly(t *testing.T) {
	r := NewSimRuntime()
	ctx := context.Background()

	simStart(t, r, "uuid-1")
	simStart(t, r, "uuid-2")
	require.NoError(t, r.Stop(ctx, "uuid-2"))

	servers, node, err := r.Usage(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "uuid-1", servers[0].UUID)
	assert.Equal(t, float64(1024), servers[0].MemoryUsageMB)
	assert.Equal(t, 1, node.ContainerCount)
	assert.Greater(t, node.MemoryTotalMB, node.MemoryUsageMB)
}

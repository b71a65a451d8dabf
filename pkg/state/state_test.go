package state

import (
	"testing"

	"github.com/catalyst-gg/catalyst/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []types.ServerStatus{
	types.StatusStopped,
	types.StatusInstalling,
	types.StatusStarting,
	types.StatusRunning,
	types.StatusStopping,
	types.StatusCrashed,
	types.StatusError,
}

// TestTransitionClosure verifies every allowed transition passes and every
// pair outside the table is rejected.
func TestTransitionClosure(t *testing.T) {
	for _, from := range allStatuses {
		allowed := make(map[types.ServerStatus]bool)
		for _, to := range Transitions[from] {
			allowed[to] = true
		}

		for _, to := range allStatuses {
			ok, reason := Validate(from, to)
			if allowed[to] {
				assert.True(t, ok, "%s -> %s should be allowed", from, to)
				assert.Empty(t, reason)
			} else {
				assert.False(t, ok, "%s -> %s should be rejected", from, to)
				assert.Equal(t, "Cannot transition from "+string(from)+" to "+string(to), reason)
			}
		}
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    types.ServerStatus
		to      types.ServerStatus
		allowed bool
	}{
		{"stopped to starting", types.StatusStopped, types.StatusStarting, true},
		{"stopped to installing", types.StatusStopped, types.StatusInstalling, true},
		{"stopped to running skips starting", types.StatusStopped, types.StatusRunning, false},
		{"starting to running", types.StatusStarting, types.StatusRunning, true},
		{"starting aborts to stopped", types.StatusStarting, types.StatusStopped, true},
		{"running to crashed", types.StatusRunning, types.StatusCrashed, true},
		{"running to stopping", types.StatusRunning, types.StatusStopping, true},
		{"running to stopped skips stopping", types.StatusRunning, types.StatusStopped, false},
		{"crashed to starting", types.StatusCrashed, types.StatusStarting, true},
		{"crashed to running skips starting", types.StatusCrashed, types.StatusRunning, false},
		{"error only recovers to stopped", types.StatusError, types.StatusStopped, true},
		{"error to running", types.StatusError, types.StatusRunning, false},
		{"stopping to stopped", types.StatusStopping, types.StatusStopped, true},
		{"installing to stopped", types.StatusInstalling, types.StatusStopped, true},
		{"no self transition", types.StatusRunning, types.StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestDerivedPredicates(t *testing.T) {
	tests := []struct {
		status          types.ServerStatus
		canStart        bool
		canStop         bool
		canRestart      bool
		isTerminal      bool
		isTransitioning bool
	}{
		{types.StatusStopped, true, false, true, false, false},
		{types.StatusInstalling, false, false, false, false, false},
		{types.StatusStarting, false, true, false, false, true},
		{types.StatusRunning, false, true, true, false, false},
		{types.StatusStopping, false, false, false, false, true},
		{types.StatusCrashed, true, false, false, true, false},
		{types.StatusError, false, false, false, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.canStart, CanStart(tt.status), "canStart")
			assert.Equal(t, tt.canStop, CanStop(tt.status), "canStop")
			assert.Equal(t, tt.canRestart, CanRestart(tt.status), "canRestart")
			assert.Equal(t, tt.isTerminal, IsTerminal(tt.status), "isTerminal")
			assert.Equal(t, tt.isTransitioning, IsTransitioning(tt.status), "isTransitioning")
		})
	}
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus("RUNNING")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, status)

	_, err = ParseStatus("running")
	assert.Error(t, err)

	_, err = ParseStatus("EXPLODED")
	assert.Error(t, err)
}

// Package state defines the server lifecycle state machine: the table of
// legal status transitions and the predicates derived from it. Everything
// here is pure; persistence and side effects belong to the gateway.
package state

import (
	"fmt"

	"github.com/catalyst-gg/catalyst/pkg/types"
)

// Transitions maps each status to the statuses it may legally move to.
var Transitions = map[types.ServerStatus][]types.ServerStatus{
	types.StatusStopped:    {types.StatusInstalling, types.StatusStarting, types.StatusError},
	types.StatusInstalling: {types.StatusStopped, types.StatusError},
	types.StatusStarting:   {types.StatusRunning, types.StatusError, types.StatusStopped},
	types.StatusRunning:    {types.StatusStopping, types.StatusCrashed, types.StatusError},
	types.StatusStopping:   {types.StatusStopped, types.StatusError},
	types.StatusCrashed:    {types.StatusStarting, types.StatusStopped},
	types.StatusError:      {types.StatusStopped},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to types.ServerStatus) bool {
	for _, allowed := range Transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Validate checks a proposed transition. When the move is illegal it returns
// false and a human-readable reason suitable for the audit log.
func Validate(from, to types.ServerStatus) (bool, string) {
	if CanTransition(from, to) {
		return true, ""
	}
	return false, fmt.Sprintf("Cannot transition from %s to %s", from, to)
}

// ParseStatus validates a status string received over the wire.
func ParseStatus(s string) (types.ServerStatus, error) {
	status := types.ServerStatus(s)
	if _, ok := Transitions[status]; !ok {
		return "", fmt.Errorf("unknown server status: %q", s)
	}
	return status, nil
}

// CanStart reports whether a start command is meaningful in this status.
func CanStart(s types.ServerStatus) bool {
	return s == types.StatusStopped || s == types.StatusCrashed
}

// CanStop reports whether a stop command is meaningful in this status.
func CanStop(s types.ServerStatus) bool {
	return s == types.StatusRunning || s == types.StatusStarting
}

// CanRestart reports whether a restart command is meaningful in this status.
func CanRestart(s types.ServerStatus) bool {
	return s == types.StatusRunning || s == types.StatusStopped
}

// IsTerminal reports whether the status is a dead end requiring intervention.
func IsTerminal(s types.ServerStatus) bool {
	return s == types.StatusError || s == types.StatusCrashed
}

// IsTransitioning reports whether the server is between stable states.
func IsTransitioning(s types.ServerStatus) bool {
	return s == types.StatusStarting || s == types.StatusStopping
}

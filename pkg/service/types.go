// Package service implements the supervisor for long-lived child processes
// declared in rc configuration: launch with privilege reduction, restart
// policy, and status mirroring into the property store.
package service

import "fmt"

// State represents the current state of a supervised service.
type State uint8

const (
	StateStopped    State = iota // Service is not running
	StateStarting                // Launch in progress
	StateRunning                 // Child process is alive
	StateRestarting              // Waiting out the restart backoff
	StateDisabled                // Declared disabled; skipped by class start
	StateFatal                   // Critical restart storm, no further restarts
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateDisabled:
		return "disabled"
	case StateFatal:
		return "fatal"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// statusValue maps a state to the init.svc.<name> property value. The
// property vocabulary is narrower than the internal state set: transient
// states report as their observable neighbour.
func (s State) statusValue() string {
	switch s {
	case StateStarting:
		return "running"
	case StateFatal:
		return "stopped"
	case StateRunning, StateRestarting, StateDisabled:
		return s.String()
	default:
		return "stopped"
	}
}

package models

import (
	"fmt"
	"time"
)

// UnitState is the on-disk lifecycle of a single work unit's sandbox directory.
type UnitState string

// Unit states
const (
	UnitAbsent    UnitState = "absent"    // No sandbox directory yet
	UnitRunning   UnitState = "running"   // Execution started, no terminal marker
	UnitSucceeded UnitState = "succeeded" // Result extracted and delivered
	UnitFailed    UnitState = "failed"    // Engine or extraction failed, result delivered
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[UnitState]map[UnitState]bool{
	UnitAbsent: {
		UnitRunning: true, // Absent → Running (worker starts the unit)
	},
	UnitRunning: {
		UnitSucceeded: true, // Running → Succeeded (engine exit 0, output extracted)
		UnitFailed:    true, // Running → Failed (non-zero exit, timeout, bad output)
		UnitAbsent:    true, // Running → Absent (crash recovery wipes the directory)
	},
	// Terminal states (no transitions allowed)
	UnitSucceeded: {},
	UnitFailed:    {},
}

// ValidateTransition checks if a unit state transition is valid
func ValidateTransition(from, to UnitState) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// IsTerminalState returns true if the unit must not be executed again
func IsTerminalState(state UnitState) bool {
	return state == UnitSucceeded || state == UnitFailed
}

// StateMarker is the content of a unit's state file.
type StateMarker struct {
	Unit      string    `json:"unit"`
	State     UnitState `json:"state"`
	Attempt   int       `json:"attempt"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Valid reports whether the marker carries a known state for the given unit.
func (m *StateMarker) Valid(unitID string) bool {
	if m == nil || m.Unit != unitID {
		return false
	}
	_, known := validTransitions[m.State]
	return known && m.State != UnitAbsent
}

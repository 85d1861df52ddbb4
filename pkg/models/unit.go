package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkUnit is one (case, variant) simulation. A nil VariantID is the baseline.
type WorkUnit struct {
	CaseID    int
	VariantID *int
}

// Baseline returns the baseline unit for a case
func Baseline(caseID int) WorkUnit {
	return WorkUnit{CaseID: caseID}
}

// Variant returns the unit applying design alternative v to a case
func Variant(caseID, v int) WorkUnit {
	return WorkUnit{CaseID: caseID, VariantID: &v}
}

// IsBaseline reports whether the unit has no variant applied
func (u WorkUnit) IsBaseline() bool {
	return u.VariantID == nil
}

// UpgradeNumber is 0 for the baseline and variant+1 otherwise.
func (u WorkUnit) UpgradeNumber() int {
	if u.VariantID == nil {
		return 0
	}
	return *u.VariantID + 1
}

// ID returns the stable identifier used for directories, object keys and sink records.
func (u WorkUnit) ID() string {
	return fmt.Sprintf("bldg%07dup%02d", u.CaseID, u.UpgradeNumber())
}

// Key is a comparable identity for set membership.
func (u WorkUnit) Key() [2]int {
	if u.VariantID == nil {
		return [2]int{u.CaseID, -1}
	}
	return [2]int{u.CaseID, *u.VariantID}
}

func (u WorkUnit) String() string {
	return u.ID()
}

// MarshalJSON encodes the unit as the descriptor tuple [case_id, variant_id|null].
func (u WorkUnit) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{u.CaseID, u.VariantID})
}

// UnmarshalJSON decodes the descriptor tuple form.
func (u *WorkUnit) UnmarshalJSON(data []byte) error {
	var raw []*int
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("work unit must be [case_id, variant_id|null]: %w", err)
	}
	if len(raw) != 2 || raw[0] == nil {
		return fmt.Errorf("work unit must be [case_id, variant_id|null], got %s", string(data))
	}
	u.CaseID = *raw[0]
	u.VariantID = raw[1]
	return nil
}

// Shard is an immutable, ordered subset of the work set assigned to one worker.
type Shard struct {
	ID    int
	Units []WorkUnit
}

// ResultStatus is the terminal status of a unit's sandbox execution
type ResultStatus string

const (
	StatusSucceeded ResultStatus = "Succeeded"
	StatusFailed    ResultStatus = "Failed"
)

// SandboxResult is produced once per unit by the sandbox executor.
type SandboxResult struct {
	Unit         WorkUnit
	Status       ResultStatus
	Output       map[string]interface{}
	LogReference string
	ExitCode     int
	Duration     time.Duration
	Error        string
}

// LifecycleState of a provisioned backend resource
type LifecycleState string

const (
	ResourceAbsent   LifecycleState = "Absent"
	ResourceCreating LifecycleState = "Creating"
	ResourceActive   LifecycleState = "Active"
	ResourceFailed   LifecycleState = "Failed"
)

// BackendResource records one remote resource owned by a bootstrapper.
type BackendResource struct {
	Kind        string
	LogicalName string
	RemoteID    string
	State       LifecycleState
}

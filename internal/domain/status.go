package domain

import "strings"

// RunStatus is the lifecycle state of a release run.
type RunStatus string

const (
	RunStatusScheduled  RunStatus = "scheduled"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusReady      RunStatus = "ready"
	RunStatusBlocked    RunStatus = "blocked"

	// Owned by the deployment process; accepted on input, never produced here.
	RunStatusCompleted  RunStatus = "completed"
	RunStatusRolledBack RunStatus = "rolled_back"
)

// GateStatus is the state of a single gate result.
type GateStatus string

const (
	GateStatusPending    GateStatus = "pending"
	GateStatusInProgress GateStatus = "in_progress"
	GateStatusPass       GateStatus = "pass"
	GateStatusFail       GateStatus = "fail"
)

// NormalizeRunStatus maps free-form status values to canonical run states.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusScheduled):
		return RunStatusScheduled
	case string(RunStatusInProgress), "in-progress":
		return RunStatusInProgress
	case string(RunStatusReady):
		return RunStatusReady
	case string(RunStatusBlocked):
		return RunStatusBlocked
	case string(RunStatusCompleted):
		return RunStatusCompleted
	case string(RunStatusRolledBack), "rolled-back":
		return RunStatusRolledBack
	default:
		return ""
	}
}

// NormalizeGateStatus maps free-form status values to canonical gate states.
func NormalizeGateStatus(value string) GateStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(GateStatusPending), "":
		return GateStatusPending
	case string(GateStatusInProgress), "in-progress":
		return GateStatusInProgress
	case string(GateStatusPass), "passed":
		return GateStatusPass
	case string(GateStatusFail), "failed":
		return GateStatusFail
	default:
		return ""
	}
}

// Settled reports whether the engine may no longer move a run out of this
// state. Ready hands over to the deployment process.
func (s RunStatus) Settled() bool {
	switch s {
	case RunStatusReady, RunStatusCompleted, RunStatusRolledBack:
		return true
	default:
		return false
	}
}

// CanTransitionRunStatus enforces the evaluation state machine:
//
//	scheduled   -> in_progress | ready | blocked
//	in_progress -> in_progress | ready | blocked
//	blocked     -> blocked | in_progress | ready
//
// Settled states only transition to themselves.
func CanTransitionRunStatus(current, next RunStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	if current.Settled() {
		return false
	}
	switch next {
	case RunStatusInProgress, RunStatusReady, RunStatusBlocked:
		return true
	default:
		return false
	}
}

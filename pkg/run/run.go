// Package run defines the module-run vocabulary: statuses, operations,
// priorities, execution modes, and the legal status transitions.
package run

import (
	"errors"
	"fmt"
)

// Status of a module run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPlanned   Status = "planned"
	StatusConfirmed Status = "confirmed"
	StatusApplying  Status = "applying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
	StatusDiscarded Status = "discarded"
	StatusSkipped   Status = "skipped"
)

// Operation of a module run.
type Operation string

const (
	OpPlan    Operation = "plan"
	OpApply   Operation = "apply"
	OpDestroy Operation = "destroy"
)

// EnvOperation of an environment run.
type EnvOperation string

const (
	EnvOpPlanAll    EnvOperation = "plan-all"
	EnvOpApplyAll   EnvOperation = "apply-all"
	EnvOpDestroyAll EnvOperation = "destroy-all"
)

// ModuleOperation maps an environment operation onto the per-module
// operation. Unknown operations degrade to plan.
func (e EnvOperation) ModuleOperation() Operation {
	switch e {
	case EnvOpPlanAll:
		return OpPlan
	case EnvOpApplyAll:
		return OpApply
	case EnvOpDestroyAll:
		return OpDestroy
	default:
		return OpPlan
	}
}

// Priority of a queued run. User runs outrank cascade runs.
type Priority string

const (
	PriorityUser    Priority = "user"
	PriorityCascade Priority = "cascade"
)

// Mode is the execution mode of a module.
type Mode string

const (
	ModePeaaS Mode = "peaas"
	ModeBYOC  Mode = "byoc"
)

// ErrIllegalTransition is returned for any transition outside the table.
var ErrIllegalTransition = errors.New("illegal status transition")

// transitions is the full legal transition table.
var transitions = map[Status][]Status{
	StatusPending:   {StatusQueued, StatusCancelled, StatusSkipped},
	StatusQueued:    {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusPlanned, StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut},
	StatusPlanned:   {StatusConfirmed, StatusDiscarded, StatusCancelled},
	StatusConfirmed: {StatusApplying, StatusCancelled},
	StatusApplying:  {StatusSucceeded, StatusFailed, StatusTimedOut},
}

// IsTerminal reports whether s is a terminal status. Terminal runs are
// immutable.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut, StatusDiscarded, StatusSkipped:
		return true
	}
	return false
}

// IsActive reports whether s occupies the module's single active slot.
func (s Status) IsActive() bool {
	switch s {
	case StatusRunning, StatusPlanned, StatusApplying, StatusConfirmed:
		return true
	}
	return false
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrIllegalTransition when from → to is not in
// the table, with both states in the message.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

package feature

import (
	"fmt"
)

// Status is the lifecycle state of a Feature.
type Status string

const (
	// StatusBacklog is the initial state of every created Feature.
	StatusBacklog Status = "backlog"

	// StatusQueued means the scheduler admitted the Feature and is
	// provisioning a workspace for it.
	StatusQueued Status = "queued"

	// StatusPlanning means a provider is producing a plan for the Feature.
	StatusPlanning Status = "planning"

	// StatusWaitingApproval parks the Feature on the human plan-approval
	// gate. A parked Feature holds no concurrency slot.
	StatusWaitingApproval Status = "waiting_approval"

	// StatusInProgress means a provider run is executing the plan.
	StatusInProgress Status = "in_progress"

	// StatusVerification means the provider reported completion and the
	// result awaits automated or manual checks.
	StatusVerification Status = "verification"

	// StatusVerified is the successful terminal state.
	StatusVerified Status = "verified"

	// StatusFailed records a non-retryable error or exhausted retries.
	StatusFailed Status = "failed"

	// StatusCancelled records an explicit abort.
	StatusCancelled Status = "cancelled"
)

// AllStatuses returns every defined status.
func AllStatuses() []Status {
	return []Status{
		StatusBacklog, StatusQueued, StatusPlanning, StatusWaitingApproval,
		StatusInProgress, StatusVerification, StatusVerified,
		StatusFailed, StatusCancelled,
	}
}

// transitions is the authoritative edge set of the state machine.
var transitions = map[Status]map[Status]bool{
	StatusBacklog: {
		StatusQueued:    true,
		StatusCancelled: true,
	},
	StatusQueued: {
		StatusPlanning:  true,
		StatusCancelled: true,
	},
	StatusPlanning: {
		StatusWaitingApproval: true,
		StatusInProgress:      true, // pipeline auto-approves
		StatusFailed:          true,
		StatusCancelled:       true,
	},
	StatusWaitingApproval: {
		StatusInProgress: true, // user approves
		StatusBacklog:    true, // user rejects without feedback
		StatusPlanning:   true, // user rejects with feedback, re-plan
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusVerification: true,
		StatusFailed:       true,
		StatusCancelled:    true,
	},
	StatusVerification: {
		StatusVerified:  true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusVerified: {},
	StatusFailed: {
		StatusBacklog: true, // manual reset, always allowed
	},
	StatusCancelled: {
		StatusBacklog: true, // manual reset, always allowed
	},
}

// Valid reports whether s is a defined status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s is a resting state no scheduler activity can
// leave without user action.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusFailed || s == StatusCancelled
}

// Runnable reports whether the scheduler may admit a Feature in this status.
func (s Status) Runnable() bool {
	return s == StatusBacklog || s == StatusQueued
}

// ValidateTransition checks whether from -> to is a legal edge.
//
// A self-transition is accepted as a no-op so that replayed stream messages
// stay idempotent. Any other off-edge attempt returns ErrIllegalTransition
// wrapped with both endpoints.
func ValidateTransition(from, to Status) error {
	if !from.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, from)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, to)
	}
	if from == to {
		return nil
	}
	if !transitions[from][to] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

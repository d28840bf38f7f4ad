package record

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Status is the lifecycle state of an optimization record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidTransition is returned for a status change the lifecycle
// does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the full lifecycle: a run starts pending, begins
// running, and ends in exactly one terminal state. Terminal states
// have no outgoing edges; only cosmetic fields may change afterwards.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusError, StatusCancelled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransitionTo reports whether the lifecycle allows moving to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// availableTransitions lists the allowed next statuses, sorted, for
// error messages.
func (s Status) availableTransitions() []string {
	out := make([]string, 0, len(transitions[s]))
	for _, next := range transitions[s] {
		out = append(out, string(next))
	}
	sort.Strings(out)
	return out
}

// TransitionTo moves the record to next, stamping StartedAt when the
// run begins and CompletedAt when it reaches a terminal state.
func (r *Record) TransitionTo(next Status) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s (allowed: %v)",
			ErrInvalidTransition, r.Status, next, r.Status.availableTransitions())
	}

	now := time.Now().UTC()
	switch next {
	case StatusRunning:
		r.StartedAt = &now
	case StatusCompleted, StatusError, StatusCancelled:
		r.CompletedAt = &now
	}
	r.Status = next
	return nil
}

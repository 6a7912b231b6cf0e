// Package state validates and enacts queue item status transitions.
// The transition table here is the single source of truth for legal moves.
package state

import (
	"time"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
)

// Cause distinguishes engine-driven moves from operator actions.
type Cause int

const (
	// Automatic transitions are made by the orchestrator.
	Automatic Cause = iota
	// Manual transitions are made by an operator.
	Manual
)

func (c Cause) String() string {
	if c == Manual {
		return "manual"
	}
	return "automatic"
}

// transitions lists the legal targets of every status.
var transitions = map[queue.Status][]queue.Status{
	queue.StatusPending:    {queue.StatusInProgress},
	queue.StatusInProgress: {queue.StatusSynced, queue.StatusFailed},
	queue.StatusSynced:     {},
	queue.StatusFailed:     {queue.StatusRetry, queue.StatusDeadLetter},
	queue.StatusRetry:      {queue.StatusInProgress},
	queue.StatusDeadLetter: {queue.StatusPending},
}

// manualOnly marks edges that an automatic cause may never take.
var manualOnly = map[[2]queue.Status]bool{
	{queue.StatusDeadLetter, queue.StatusPending}: true,
}

// AllowedTransitions returns the statuses reachable from s in one step.
// The returned slice is a copy.
func AllowedTransitions(s queue.Status) []queue.Status {
	next := transitions[s]
	out := make([]queue.Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from -> to is legal for the given cause.
func CanTransition(from, to queue.Status, cause Cause) bool {
	for _, s := range transitions[from] {
		if s != to {
			continue
		}
		if manualOnly[[2]queue.Status{from, to}] && cause != Manual {
			return false
		}
		return true
	}
	return false
}

// Validate returns an INVALID_TRANSITION error when from -> to is illegal.
func Validate(from, to queue.Status, cause Cause) error {
	if !from.Valid() || !to.Valid() {
		return errors.Newf(errors.ErrInvalidTransition, "unknown status in %s -> %s", from, to)
	}
	if CanTransition(from, to, cause) {
		return nil
	}
	if manualOnly[[2]queue.Status{from, to}] {
		return errors.Newf(errors.ErrInvalidTransition, "%s -> %s requires manual action", from, to)
	}
	return errors.Newf(errors.ErrInvalidTransition, "%s -> %s is not allowed", from, to)
}

// Transition validates and applies a status change to item.
// The item is left untouched when the move is rejected.
func Transition(item *queue.Item, to queue.Status, cause Cause, now time.Time) error {
	if err := Validate(item.Status, to, cause); err != nil {
		return err
	}
	item.Status = to
	item.UpdatedAt = now
	return nil
}

// IsTerminal reports whether no automatic transition leaves s.
func IsTerminal(s queue.Status) bool {
	switch s {
	case queue.StatusSynced, queue.StatusDeadLetter:
		return true
	case queue.StatusPending, queue.StatusInProgress, queue.StatusFailed, queue.StatusRetry:
		return false
	default:
		return false
	}
}

// Dispatchable reports whether an item in s may be picked up by the orchestrator.
func Dispatchable(s queue.Status) bool {
	return CanTransition(s, queue.StatusInProgress, Automatic)
}

// DispatchableStatuses lists the statuses the orchestrator selects from.
func DispatchableStatuses() []queue.Status {
	var out []queue.Status
	for _, s := range queue.Statuses {
		if Dispatchable(s) {
			out = append(out, s)
		}
	}
	return out
}

// Package lifecycle enforces the queue item state machine and the
// capacity, placement, and ordering rules around it.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/finchboard/finchboard/internal/store"
)

var (
	// ErrInvalidTransition is returned when a status transition is not
	// allowed by the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnknownStatus is returned when a status is not recognized.
	ErrUnknownStatus = errors.New("unknown status")
	// ErrCapacityExceeded is returned when a transition into in_progress
	// would exceed the queue's max_parallel_items cap.
	ErrCapacityExceeded = errors.New("queue capacity exceeded")
)

// InvalidTransitionError provides the attempted and current status for a
// rejected transition.
type InvalidTransitionError struct {
	From store.ItemStatus
	To   store.ItemStatus
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// UnknownStatusError indicates an unexpected status value.
type UnknownStatusError struct {
	Status store.ItemStatus
}

func (e UnknownStatusError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownStatus, e.Status)
}

func (e UnknownStatusError) Unwrap() error {
	return ErrUnknownStatus
}

// CapacityExceededError reports a queue whose in_progress cap is full. This
// is transient from the caller's perspective; retry once an item finishes.
type CapacityExceededError struct {
	QueueID     int64
	MaxParallel int
}

func (e CapacityExceededError) Error() string {
	return fmt.Sprintf("%s: queue %d already has %d items in progress", ErrCapacityExceeded, e.QueueID, e.MaxParallel)
}

func (e CapacityExceededError) Unwrap() error {
	return ErrCapacityExceeded
}

// ConflictError reports a structural conflict, e.g. moving an in_progress
// item or enqueueing a task whose parent ticket sits in another queue.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", store.ErrConflict, e.Reason)
}

func (e ConflictError) Unwrap() error {
	return store.ErrConflict
}

// validTransitions is the item status state machine:
//
//	queued -> in_progress | cancelled
//	in_progress -> completed | failed | timeout | cancelled
//
// completed, failed, cancelled, and timeout are terminal. Re-entry to
// queued happens only through Retry, never through UpdateStatus.
var validTransitions = map[store.ItemStatus]map[store.ItemStatus]struct{}{
	store.ItemStatusQueued: {
		store.ItemStatusInProgress: {},
		store.ItemStatusCancelled:  {},
	},
	store.ItemStatusInProgress: {
		store.ItemStatusCompleted: {},
		store.ItemStatusFailed:    {},
		store.ItemStatusTimeout:   {},
		store.ItemStatusCancelled: {},
	},
	store.ItemStatusCompleted: {},
	store.ItemStatusFailed:    {},
	store.ItemStatusCancelled: {},
	store.ItemStatusTimeout:   {},
}

// retryable lists the statuses Retry accepts.
var retryable = map[store.ItemStatus]struct{}{
	store.ItemStatusFailed:    {},
	store.ItemStatusCancelled: {},
	store.ItemStatusTimeout:   {},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to store.ItemStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// ValidateTransition returns a typed error when from -> to is not allowed.
func ValidateTransition(from, to store.ItemStatus) error {
	if !store.KnownItemStatus(to) {
		return UnknownStatusError{Status: to}
	}
	if !CanTransition(from, to) {
		return InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// CanRetry reports whether an item in the given status may be retried.
func CanRetry(from store.ItemStatus) bool {
	_, ok := retryable[from]
	return ok
}

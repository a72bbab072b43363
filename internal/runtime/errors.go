package runtime

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
)

// Domain errors for the runtime package, checked with errors.Is().
var (
	// ErrInstanceNotFound is returned when an instance id is not stored.
	ErrInstanceNotFound = errors.New("runtime: instance not found")

	// ErrCompositionNotFound is returned when a composition id is not
	// stored.
	ErrCompositionNotFound = errors.New("runtime: composition not found")

	// ErrAlreadyInState is returned when a requested transition targets the
	// state the instance is already in.
	ErrAlreadyInState = errors.New("runtime: already in requested state")

	// ErrAlreadyTransitioning is returned when a transition is requested
	// while another is outstanding. A transitional state acts as a lock.
	ErrAlreadyTransitioning = errors.New("runtime: transition in progress")

	// ErrCannotTransition is returned for transitions the state machine
	// does not define, such as UNINITIALISED directly to RUNNING.
	ErrCannotTransition = errors.New("runtime: illegal transition")

	// ErrScanLeaseHeld is returned when another runtime replica holds the
	// scan lease.
	ErrScanLeaseHeld = errors.New("runtime: scan lease held by another replica")
)

// TransitionError describes a rejected supervision request with enough
// context for an operator to understand what was refused and why.
type TransitionError struct {
	InstanceID uuid.UUID
	From       acm.CompositionState
	Requested  acm.OrderedState
	Err        error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("instance %s: cannot move from %s towards %s: %v",
		e.InstanceID, e.From, e.Requested, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

package participant

import "errors"

// Domain errors for the participant package, checked with errors.Is().
var (
	// ErrInstanceNotFound is returned when an instance id is not cached.
	ErrInstanceNotFound = errors.New("participant: instance not found")

	// ErrElementNotFound is returned when an element id is not part of a
	// cached instance.
	ErrElementNotFound = errors.New("participant: element not found")

	// ErrNotDeployed is returned when a lock or unlock is requested for an
	// element that is not deployed. Illegal transitions are rejected, not
	// silently ignored.
	ErrNotDeployed = errors.New("participant: element not deployed")

	// ErrExecutorStopped is returned when work is submitted after Stop.
	ErrExecutorStopped = errors.New("participant: executor stopped")

	// ErrInvalidIdentity is returned when the configured participant id is
	// not a valid UUID.
	ErrInvalidIdentity = errors.New("participant: invalid participant id")
)

package acm

// DeployState tracks an element's or instance's position in the deployment
// lifecycle. Values ending in "ING" are in-flight; the matching stable state
// is reached when the participant reports completion.
type DeployState string

const (
	DeployStateUndeployed  DeployState = "UNDEPLOYED"
	DeployStateDeploying   DeployState = "DEPLOYING"
	DeployStateDeployed    DeployState = "DEPLOYED"
	DeployStateUndeploying DeployState = "UNDEPLOYING"
	DeployStateUpdating    DeployState = "UPDATING"
	DeployStateMigrating   DeployState = "MIGRATING"
	DeployStateDeleting    DeployState = "DELETING"
	DeployStateDeleted     DeployState = "DELETED"
)

// InFlight reports whether the state represents an operation still running.
func (s DeployState) InFlight() bool {
	switch s {
	case DeployStateDeploying, DeployStateUndeploying, DeployStateUpdating,
		DeployStateMigrating, DeployStateDeleting:
		return true
	default:
		return false
	}
}

// LockState tracks whether a deployed element is accepting work.
// LockStateNone applies to elements that are not deployed.
type LockState string

const (
	LockStateLocked    LockState = "LOCKED"
	LockStateUnlocked  LockState = "UNLOCKED"
	LockStateLocking   LockState = "LOCKING"
	LockStateUnlocking LockState = "UNLOCKING"
	LockStateNone      LockState = "NONE"
)

// InFlight reports whether a lock transition is still running.
func (s LockState) InFlight() bool {
	return s == LockStateLocking || s == LockStateUnlocking
}

// SubState marks fine-grained progress within a multi-phase operation.
// It is meaningful only while a deploy, migrate or review operation is in
// flight and resets to NONE on completion or failure.
type SubState string

const (
	SubStateNone                 SubState = "NONE"
	SubStatePreparing            SubState = "PREPARING"
	SubStateReviewing            SubState = "REVIEWING"
	SubStateMigrationPrechecking SubState = "MIGRATION_PRECHECKING"
	SubStateRollbacking          SubState = "ROLLBACKING"
)

// StateChangeResult reports the outcome of the most recent state transition.
type StateChangeResult string

const (
	ResultNoError StateChangeResult = "NO_ERROR"
	ResultFailed  StateChangeResult = "FAILED"
	ResultTimeout StateChangeResult = "TIMEOUT"
)

// CompositionState is the supervision-level state of an instance as seen by
// the runtime. States of the form A2B are transitional: a command has been
// published and the runtime is waiting for participants to report B.
type CompositionState string

const (
	StateUninitialised         CompositionState = "UNINITIALISED"
	StateUninitialised2Passive CompositionState = "UNINITIALISED2PASSIVE"
	StatePassive               CompositionState = "PASSIVE"
	StatePassive2Running       CompositionState = "PASSIVE2RUNNING"
	StateRunning               CompositionState = "RUNNING"
	StateRunning2Passive       CompositionState = "RUNNING2PASSIVE"
	StatePassive2Uninitialised CompositionState = "PASSIVE2UNINITIALISED"
)

// Transitional reports whether the state is an in-flight A2B state.
// A transitional state acts as a lock: no new transition may be requested
// until it resolves or the scanner times it out.
func (s CompositionState) Transitional() bool {
	switch s {
	case StateUninitialised2Passive, StatePassive2Running,
		StateRunning2Passive, StatePassive2Uninitialised:
		return true
	default:
		return false
	}
}

// OrderedState is the state an operator has requested for an instance,
// distinct from the observed CompositionState.
type OrderedState string

const (
	OrderedUninitialised OrderedState = "UNINITIALISED"
	OrderedPassive       OrderedState = "PASSIVE"
	OrderedRunning       OrderedState = "RUNNING"
)

// AsState returns the stable CompositionState this ordered state targets.
func (o OrderedState) AsState() CompositionState {
	switch o {
	case OrderedPassive:
		return StatePassive
	case OrderedRunning:
		return StateRunning
	default:
		return StateUninitialised
	}
}

// Target returns the transitional state entered when moving from a stable
// state towards this ordered state. It does not validate the transition;
// that is the supervisor's job.
func (o OrderedState) Target(from CompositionState) CompositionState {
	switch {
	case o == OrderedPassive && from == StateUninitialised:
		return StateUninitialised2Passive
	case o == OrderedPassive && from == StateRunning:
		return StateRunning2Passive
	case o == OrderedRunning && from == StatePassive:
		return StatePassive2Running
	case o == OrderedUninitialised && from == StatePassive:
		return StatePassive2Uninitialised
	default:
		return from
	}
}

// ElementState tags a DTO snapshot with how the element relates to the local
// definition cache at the moment the snapshot was taken.
type ElementState string

const (
	// ElementStateNew marks an element being introduced for the first time,
	// for example the target side of a migration.
	ElementStateNew ElementState = "NEW"

	// ElementStatePresent marks an element whose definition is cached.
	ElementStatePresent ElementState = "PRESENT"

	// ElementStateNotPresent marks an element whose definition lookup
	// missed. Callbacks must treat such elements defensively; the reference
	// is stale or the definition cache lags the instance.
	ElementStateNotPresent ElementState = "NOT_PRESENT"
)

// ParticipantHealth is the runtime's view of a participant's liveness,
// derived from heartbeat arrival times by the scanner.
type ParticipantHealth string

const (
	HealthOK         ParticipantHealth = "OK"
	HealthNotHealthy ParticipantHealth = "NOT_HEALTHY"
	HealthOffline    ParticipantHealth = "OFF_LINE"
)

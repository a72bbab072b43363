package messages

import (
	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
)

// Register announces a participant to the runtime. Sent at process start
// and re-sent on reconnect; registration is idempotent.
type Register struct {
	Supported []acm.SupportedElementType `json:"supported"`
}

// ParticipantAck acknowledges a participant-level message (register,
// deregister, prime, deprime).
type ParticipantAck struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`

	// State reports the composition definition state after a prime or
	// deprime ack (PRIMED / COMMISSIONED); empty otherwise.
	State string `json:"state,omitempty"`
}

// Prime delivers a composition's full element-definition set to
// participants. The set replaces any prior definitions for the composition
// id in the envelope.
type Prime struct {
	Elements []acm.ElementDefinition `json:"elements"`
}

// Deprime removes a composition's definitions. The composition id travels
// in the envelope; there is no payload body.
type Deprime struct{}

// ParticipantDeploy is the slice of a deploy command addressed to one
// participant: only the elements it owns.
type ParticipantDeploy struct {
	ParticipantID uuid.UUID           `json:"participant_id"`
	Elements      []acm.ElementDeploy `json:"elements"`
}

// Deploy commands participants to deploy (or update/migrate) an instance.
// Each participant picks its own slice out of Participants and ignores the
// rest. StartPhase limits execution to elements declaring that phase;
// Stage drives multi-stage migrations.
type Deploy struct {
	Participants []ParticipantDeploy `json:"participants"`
	StartPhase   int                 `json:"start_phase"`
	Stage        int                 `json:"stage"`

	// CompositionTargetID is set when this deploy is a migration: the
	// instance moves from the envelope's composition to this one.
	CompositionTargetID uuid.UUID `json:"composition_target_id,omitempty"`

	// SubState distinguishes plain deploys from staged operations such as
	// PREPARING or MIGRATING precheck runs.
	SubState acm.SubState `json:"sub_state,omitempty"`

	// FirstStartPhase is true on the first phase of a rollout; participants
	// initialise instance state from scratch only then.
	FirstStartPhase bool `json:"first_start_phase"`
}

// StateChange commands a supervision transition on an already-deployed
// instance (lock, unlock, undeploy, delete are expressed through the
// ordered state plus the instance's deploy states).
type StateChange struct {
	OrderedState    acm.OrderedState `json:"ordered_state"`
	StartPhase      int              `json:"start_phase"`
	FirstStartPhase bool             `json:"first_start_phase"`
}

// ElementAck is the per-element outcome inside an instance ack.
type ElementAck struct {
	Success          bool            `json:"success"`
	Message          string          `json:"message,omitempty"`
	DeployState      acm.DeployState `json:"deploy_state,omitempty"`
	LockState        acm.LockState   `json:"lock_state,omitempty"`
	OperationalState string          `json:"operational_state,omitempty"`
	UseState         string          `json:"use_state,omitempty"`
	OutProperties    map[string]any  `json:"out_properties,omitempty"`
}

// Ack reports the outcome of a deploy or state-change command for one
// instance. Duplicate acks are expected under at-least-once delivery; the
// runtime treats an ack as a no-op when the instance is no longer in the
// matching transitional state.
type Ack struct {
	Success  bool                     `json:"success"`
	Message  string                   `json:"message,omitempty"`
	Stage    int                      `json:"stage,omitempty"`
	Elements map[uuid.UUID]ElementAck `json:"elements,omitempty"`

	DeployState acm.DeployState      `json:"deploy_state,omitempty"`
	LockState   acm.LockState        `json:"lock_state,omitempty"`
	State       acm.CompositionState `json:"state,omitempty"`
}

// ElementInfo is one element's runtime state inside a heartbeat.
type ElementInfo struct {
	ID               uuid.UUID       `json:"id"`
	DeployState      acm.DeployState `json:"deploy_state"`
	LockState        acm.LockState   `json:"lock_state"`
	OperationalState string          `json:"operational_state,omitempty"`
	UseState         string          `json:"use_state,omitempty"`
	OutProperties    map[string]any  `json:"out_properties,omitempty"`
	Message          string          `json:"message,omitempty"`
}

// InstanceSnapshot is one instance's state inside a heartbeat.
type InstanceSnapshot struct {
	InstanceID    uuid.UUID       `json:"instance_id"`
	CompositionID uuid.UUID       `json:"composition_id"`
	DeployState   acm.DeployState `json:"deploy_state"`
	LockState     acm.LockState   `json:"lock_state"`
	Elements      []ElementInfo   `json:"elements,omitempty"`
}

// Stats carries coarse heartbeat statistics for telemetry.
type Stats struct {
	InstanceCount   int   `json:"instance_count"`
	DefinitionCount int   `json:"definition_count"`
	UptimeSeconds   int64 `json:"uptime_seconds"`
}

// Status is the periodic participant heartbeat. It doubles as the reply to
// a PARTICIPANT_STATUS_REQ.
type Status struct {
	Supported []acm.SupportedElementType `json:"supported,omitempty"`
	Instances []InstanceSnapshot         `json:"instances,omitempty"`
	Stats     Stats                      `json:"stats"`
}

// StatusReq demands an immediate heartbeat from the addressed participant.
type StatusReq struct{}

// RestartElement is one element's full state in a restart replay.
type RestartElement struct {
	ID               uuid.UUID        `json:"id"`
	DefinitionID     acm.DefinitionID `json:"definition_id"`
	ParticipantID    uuid.UUID        `json:"participant_id"`
	DeployState      acm.DeployState  `json:"deploy_state"`
	LockState        acm.LockState    `json:"lock_state"`
	OperationalState string           `json:"operational_state,omitempty"`
	UseState         string           `json:"use_state,omitempty"`
	Properties       map[string]any   `json:"properties,omitempty"`
	OutProperties    map[string]any   `json:"out_properties,omitempty"`
}

// RestartInstance is one instance's full state in a restart replay.
type RestartInstance struct {
	InstanceID          uuid.UUID             `json:"instance_id"`
	CompositionTargetID uuid.UUID             `json:"composition_target_id,omitempty"`
	DeployState         acm.DeployState       `json:"deploy_state"`
	LockState           acm.LockState         `json:"lock_state"`
	Result              acm.StateChangeResult `json:"state_change_result"`
	Revision            uuid.UUID             `json:"revision"`
	Elements            []RestartElement      `json:"elements"`
}

// Restart replays a composition's definitions and instances to a
// participant that re-registered after a crash. The participant rebuilds
// its cache from this snapshot, keeping only elements it owns.
type Restart struct {
	Elements  []acm.ElementDefinition `json:"elements"`
	Revision  uuid.UUID               `json:"revision"`
	Instances []RestartInstance       `json:"instances"`
}

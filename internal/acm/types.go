package acm

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefinitionID identifies an element definition by name and version.
// It is comparable and used as a map key; the relationship between an
// element instance and its definition is by identifier, never by pointer,
// because definitions and instances have independent lifecycles.
type DefinitionID struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// String renders the identifier as "name:version" for logging.
func (d DefinitionID) String() string {
	return d.Name + ":" + d.Version
}

// MarshalText renders the identifier as "name:version" so it can be used
// as a JSON map key.
func (d DefinitionID) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses the "name:version" form produced by MarshalText.
// The split is on the last colon, so names may themselves contain colons.
func (d *DefinitionID) UnmarshalText(text []byte) error {
	s := string(text)
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return fmt.Errorf("invalid definition id %q: missing ':'", s)
	}
	d.Name, d.Version = s[:i], s[i+1:]
	return nil
}

// IsZero reports whether the identifier is unset.
func (d DefinitionID) IsZero() bool {
	return d.Name == "" && d.Version == ""
}

// ParticipantIdentity identifies one running participant process.
// ParticipantID is the stable logical identity; ReplicaID distinguishes
// multiple running copies of the same logical participant. Created at
// process start and never mutated.
type ParticipantIdentity struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	ReplicaID     uuid.UUID `json:"replica_id"`
}

// NewParticipantIdentity creates an identity with a fresh replica id.
func NewParticipantIdentity(participantID uuid.UUID) ParticipantIdentity {
	return ParticipantIdentity{
		ParticipantID: participantID,
		ReplicaID:     uuid.New(),
	}
}

// SupportedElementType declares one element type a participant can execute.
type SupportedElementType struct {
	TypeName    string `json:"type_name"`
	TypeVersion string `json:"type_version"`
}

// ElementDefinition is the type-level description of one composition
// element: its identifier plus declared common properties and any
// participant-reported output properties.
type ElementDefinition struct {
	DefinitionID     DefinitionID   `json:"definition_id"`
	CommonProperties map[string]any `json:"common_properties"`
	OutProperties    map[string]any `json:"out_properties"`
}

// CompositionDefinition is a commissioned automation composition template:
// the full element-definition set for one composition id. The definition
// set is replaced wholesale on re-prime; RevisionID changes iff the element
// set or properties change.
type CompositionDefinition struct {
	CompositionID uuid.UUID                          `json:"composition_id"`
	RevisionID    uuid.UUID                          `json:"revision_id"`
	Elements      map[DefinitionID]ElementDefinition `json:"elements"`
}

// Element is the per-element runtime state inside an instance. It is owned
// exclusively by its containing AutomationComposition. ParticipantID is
// assigned at deploy time and is authoritative for message applicability.
type Element struct {
	ID            uuid.UUID    `json:"id"`
	DefinitionID  DefinitionID `json:"definition_id"`
	ParticipantID uuid.UUID    `json:"participant_id"`

	DeployState DeployState `json:"deploy_state"`
	LockState   LockState   `json:"lock_state"`
	SubState    SubState    `json:"sub_state"`

	// OperationalState and UseState are free-form participant-reported
	// states; the runtime stores them but attaches no semantics.
	OperationalState string `json:"operational_state,omitempty"`
	UseState         string `json:"use_state,omitempty"`

	// Properties are the deploy-time inputs, immutable after creation
	// except through update or migration. OutProperties are reported by
	// the participant and may change at any time.
	Properties    map[string]any `json:"properties,omitempty"`
	OutProperties map[string]any `json:"out_properties,omitempty"`

	Message string `json:"message,omitempty"`
}

// DeepCopy returns an independent copy of the element.
func (e *Element) DeepCopy() *Element {
	out := *e
	out.Properties = copyMap(e.Properties)
	out.OutProperties = copyMap(e.OutProperties)
	return &out
}

// AutomationComposition is a running deployment of a composition: the
// instance-level states plus every element instance it owns.
type AutomationComposition struct {
	InstanceID    uuid.UUID `json:"instance_id"`
	CompositionID uuid.UUID `json:"composition_id"`

	// CompositionTargetID is set while a migration to another composition
	// definition is staged; zero otherwise.
	CompositionTargetID uuid.UUID `json:"composition_target_id,omitempty"`

	RevisionID uuid.UUID `json:"revision_id"`

	DeployState DeployState       `json:"deploy_state"`
	LockState   LockState         `json:"lock_state"`
	SubState    SubState          `json:"sub_state"`
	Result      StateChangeResult `json:"state_change_result"`

	// State and OrderedState drive runtime-side supervision: State is the
	// last observed supervision state, OrderedState what the operator asked
	// for. Participants do not use these fields.
	State        CompositionState `json:"state,omitempty"`
	OrderedState OrderedState     `json:"ordered_state,omitempty"`

	Elements map[uuid.UUID]*Element `json:"elements"`

	Message string `json:"message,omitempty"`
}

// DeepCopy returns an independent copy of the instance and its elements.
func (a *AutomationComposition) DeepCopy() *AutomationComposition {
	out := *a
	out.Elements = make(map[uuid.UUID]*Element, len(a.Elements))
	for id, el := range a.Elements {
		out.Elements[id] = el.DeepCopy()
	}
	return &out
}

// ElementDeploy is the per-element portion of a deploy command: the inputs
// needed to create or update one Element on a participant.
type ElementDeploy struct {
	ID           uuid.UUID      `json:"id"`
	DefinitionID DefinitionID   `json:"definition_id"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// Participant is the runtime's record of a registered participant.
type Participant struct {
	ParticipantID uuid.UUID              `json:"participant_id"`
	ReplicaID     uuid.UUID              `json:"replica_id"`
	Supported     []SupportedElementType `json:"supported,omitempty"`
	Health        ParticipantHealth      `json:"health"`
	LastSeen      time.Time              `json:"last_seen"`
}

// StartPhase extracts the rollout phase from an element definition's common
// properties. Elements with lower phases deploy first on the way up and
// last on the way down. Missing or malformed values mean phase 0.
func StartPhase(commonProperties map[string]any) int {
	v, ok := commonProperties["startPhase"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Stages extracts the set of migration stages declared in an element
// definition's common properties, defaulting to stage 0 only.
func Stages(commonProperties map[string]any) []int {
	v, ok := commonProperties["stage"]
	if !ok {
		return []int{0}
	}
	raw, ok := v.([]any)
	if !ok || len(raw) == 0 {
		return []int{0}
	}
	stages := make([]int, 0, len(raw))
	for _, item := range raw {
		switch n := item.(type) {
		case int:
			stages = append(stages, n)
		case float64:
			stages = append(stages, int(n))
		}
	}
	if len(stages) == 0 {
		return []int{0}
	}
	return stages
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

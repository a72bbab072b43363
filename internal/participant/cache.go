package participant

import (
	"sync"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
	"github.com/stratoline/acm-core/internal/messages"
)

// Logger defines the logging interface used across the participant
// package. This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Cache is the single source of truth inside one participant process for
// which compositions and instances it knows about and their last-seen
// state.
//
// All public methods are safe for concurrent use from the bus goroutines,
// the heartbeat ticker and executor workers. Each map is guarded
// independently; multi-map invariants (such as an instance and its
// definition being mutually consistent) are NOT transactionally
// guaranteed, which is why definition lookups return "not present"
// sentinels rather than failing.
type Cache struct {
	identity  acm.ParticipantIdentity
	supported []acm.SupportedElementType

	registered bool
	regMu      sync.RWMutex

	// compositions holds instance state keyed by instance id.
	compositions map[uuid.UUID]*acm.AutomationComposition
	compMu       sync.RWMutex

	// definitions holds commissioned element definitions keyed by
	// composition id.
	definitions map[uuid.UUID]*acm.CompositionDefinition
	defMu       sync.RWMutex

	// executions correlates an element or composition id with the message
	// id of its in-flight lifecycle operation.
	executions map[uuid.UUID]uuid.UUID
	execMu     sync.RWMutex

	// onHold queues envelopes that referenced a composition definition not
	// yet cached. Bounded; messages past the bound are dropped.
	onHold    []messages.Envelope
	holdLimit int
	holdMu    sync.Mutex
}

// NewCache creates a cache for the given participant identity.
// holdLimit bounds the on-hold message queue.
func NewCache(identity acm.ParticipantIdentity, supported []acm.SupportedElementType, holdLimit int) *Cache {
	if holdLimit <= 0 {
		holdLimit = 100
	}
	return &Cache{
		identity:     identity,
		supported:    supported,
		compositions: make(map[uuid.UUID]*acm.AutomationComposition),
		definitions:  make(map[uuid.UUID]*acm.CompositionDefinition),
		executions:   make(map[uuid.UUID]uuid.UUID),
		holdLimit:    holdLimit,
	}
}

// Identity returns the process's participant identity.
func (c *Cache) Identity() acm.ParticipantIdentity {
	return c.identity
}

// Supported returns the element types this participant executes.
func (c *Cache) Supported() []acm.SupportedElementType {
	out := make([]acm.SupportedElementType, len(c.supported))
	copy(out, c.supported)
	return out
}

// Registered reports whether the runtime has acknowledged registration.
func (c *Cache) Registered() bool {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	return c.registered
}

// SetRegistered records the registration handshake state.
func (c *Cache) SetRegistered(registered bool) {
	c.regMu.Lock()
	c.registered = registered
	c.regMu.Unlock()
}

// AddDefinitions replaces the definition set for a composition wholesale.
// Missing property maps are normalised to empty maps so downstream reads
// never see nil. Overwrite is not an error; last writer wins.
func (c *Cache) AddDefinitions(compositionID uuid.UUID, defs []acm.ElementDefinition, revisionID uuid.UUID) {
	definition := &acm.CompositionDefinition{
		CompositionID: compositionID,
		RevisionID:    revisionID,
		Elements:      make(map[acm.DefinitionID]acm.ElementDefinition, len(defs)),
	}
	for _, def := range defs {
		if def.CommonProperties == nil {
			def.CommonProperties = map[string]any{}
		}
		if def.OutProperties == nil {
			def.OutProperties = map[string]any{}
		}
		definition.Elements[def.DefinitionID] = def
	}

	c.defMu.Lock()
	c.definitions[compositionID] = definition
	c.defMu.Unlock()
}

// RemoveDefinitions removes a composition's definition set.
// Idempotent; absence is not an error.
func (c *Cache) RemoveDefinitions(compositionID uuid.UUID) {
	c.defMu.Lock()
	delete(c.definitions, compositionID)
	c.defMu.Unlock()
}

// Definition returns a copy of the definition set for a composition.
func (c *Cache) Definition(compositionID uuid.UUID) (*acm.CompositionDefinition, bool) {
	c.defMu.RLock()
	defer c.defMu.RUnlock()

	def, ok := c.definitions[compositionID]
	if !ok {
		return nil, false
	}
	out := &acm.CompositionDefinition{
		CompositionID: def.CompositionID,
		RevisionID:    def.RevisionID,
		Elements:      make(map[acm.DefinitionID]acm.ElementDefinition, len(def.Elements)),
	}
	for id, el := range def.Elements {
		out.Elements[id] = el
	}
	return out, true
}

// Instance returns a deep copy of a cached instance.
func (c *Cache) Instance(instanceID uuid.UUID) (*acm.AutomationComposition, bool) {
	c.compMu.RLock()
	defer c.compMu.RUnlock()

	instance, ok := c.compositions[instanceID]
	if !ok {
		return nil, false
	}
	return instance.DeepCopy(), true
}

// Instances returns deep copies of all cached instances.
func (c *Cache) Instances() []*acm.AutomationComposition {
	c.compMu.RLock()
	defer c.compMu.RUnlock()

	out := make([]*acm.AutomationComposition, 0, len(c.compositions))
	for _, instance := range c.compositions {
		out = append(out, instance.DeepCopy())
	}
	return out
}

// RemoveInstance drops an instance from the cache. Idempotent.
func (c *Cache) RemoveInstance(instanceID uuid.UUID) {
	c.compMu.Lock()
	delete(c.compositions, instanceID)
	c.compMu.Unlock()
}

// InitializeInstance constructs a fresh instance from a deploy command.
//
// Runtime state reported by this participant survives re-deploys: when an
// instance with the same id already exists, each new element carries
// forward the prior element's out properties, operational state and use
// state. Inputs (Properties) always come from the new deploy payload.
// This is a deliberate merge-not-replace policy.
func (c *Cache) InitializeInstance(compositionID, instanceID uuid.UUID, deploy []acm.ElementDeploy,
	deployState acm.DeployState, subState acm.SubState, revisionID uuid.UUID) {

	c.compMu.Lock()
	defer c.compMu.Unlock()

	prior := c.compositions[instanceID]

	elements := make(map[uuid.UUID]*acm.Element, len(deploy))
	for _, el := range deploy {
		element := &acm.Element{
			ID:            el.ID,
			DefinitionID:  el.DefinitionID,
			ParticipantID: c.identity.ParticipantID,
			DeployState:   deployState,
			LockState:     acm.LockStateLocked,
			SubState:      subState,
			Properties:    el.Properties,
		}
		if prior != nil {
			if last, ok := prior.Elements[el.ID]; ok {
				element.OutProperties = last.OutProperties
				element.OperationalState = last.OperationalState
				element.UseState = last.UseState
			}
		}
		elements[el.ID] = element
	}

	c.compositions[instanceID] = &acm.AutomationComposition{
		InstanceID:    instanceID,
		CompositionID: compositionID,
		RevisionID:    revisionID,
		DeployState:   deployState,
		LockState:     acm.LockStateNone,
		SubState:      subState,
		Result:        acm.ResultNoError,
		Elements:      elements,
	}
}

// InitializeFromRestart rebuilds an instance from a runtime restart
// snapshot. Only elements owned by this participant are retained;
// everything else in the snapshot is dropped as not-mine.
func (c *Cache) InitializeFromRestart(compositionID uuid.UUID, restart messages.RestartInstance) {
	elements := make(map[uuid.UUID]*acm.Element)
	for _, el := range restart.Elements {
		if el.ParticipantID != c.identity.ParticipantID {
			continue
		}
		elements[el.ID] = &acm.Element{
			ID:               el.ID,
			DefinitionID:     el.DefinitionID,
			ParticipantID:    c.identity.ParticipantID,
			DeployState:      el.DeployState,
			LockState:        el.LockState,
			SubState:         acm.SubStateNone,
			OperationalState: el.OperationalState,
			UseState:         el.UseState,
			Properties:       el.Properties,
			OutProperties:    el.OutProperties,
		}
	}

	instance := &acm.AutomationComposition{
		InstanceID:          restart.InstanceID,
		CompositionID:       compositionID,
		CompositionTargetID: restart.CompositionTargetID,
		RevisionID:          restart.Revision,
		DeployState:         restart.DeployState,
		LockState:           restart.LockState,
		SubState:            acm.SubStateNone,
		Result:              restart.Result,
		Elements:            elements,
	}

	c.compMu.Lock()
	c.compositions[instance.InstanceID] = instance
	c.compMu.Unlock()
}

// CommonPropertiesByElement resolves an element's declared common
// properties through the instance's weak definition reference. Returns an
// empty map when the instance, element or definition is absent - callers
// treat empty as unknown, never as an error, since definitions can lag
// instances during rolling updates.
func (c *Cache) CommonPropertiesByElement(instanceID, elementID uuid.UUID) map[string]any {
	c.compMu.RLock()
	instance, ok := c.compositions[instanceID]
	if !ok {
		c.compMu.RUnlock()
		return map[string]any{}
	}
	element, ok := instance.Elements[elementID]
	if !ok {
		c.compMu.RUnlock()
		return map[string]any{}
	}
	compositionID := instance.CompositionID
	definitionID := element.DefinitionID
	c.compMu.RUnlock()

	return c.CommonProperties(compositionID, definitionID)
}

// CommonProperties resolves the common properties declared for a
// definition id within a composition. Returns an empty map when the
// definition is absent.
func (c *Cache) CommonProperties(compositionID uuid.UUID, definitionID acm.DefinitionID) map[string]any {
	c.defMu.RLock()
	defer c.defMu.RUnlock()

	definition, ok := c.definitions[compositionID]
	if !ok {
		return map[string]any{}
	}
	element, ok := definition.Elements[definitionID]
	if !ok || element.CommonProperties == nil {
		return map[string]any{}
	}
	return element.CommonProperties
}

// CompositionElement builds a type-level DTO snapshot for an element.
// When the definition lookup misses, the snapshot carries empty property
// maps and the NOT_PRESENT state so callbacks can detect "act on an
// element whose type I no longer know" without a nil fault.
func (c *Cache) CompositionElement(compositionID uuid.UUID, element *acm.Element) acm.CompositionElement {
	c.defMu.RLock()
	defer c.defMu.RUnlock()

	if definition, ok := c.definitions[compositionID]; ok {
		if defElement, ok := definition.Elements[element.DefinitionID]; ok {
			return acm.CompositionElement{
				CompositionID: compositionID,
				DefinitionID:  element.DefinitionID,
				InProperties:  defElement.CommonProperties,
				OutProperties: defElement.OutProperties,
				State:         acm.ElementStatePresent,
			}
		}
	}

	return acm.CompositionElement{
		CompositionID: compositionID,
		DefinitionID:  element.DefinitionID,
		InProperties:  map[string]any{},
		OutProperties: map[string]any{},
		State:         acm.ElementStateNotPresent,
	}
}

// CompositionElementMap builds type-level DTO snapshots for every element
// of an instance, keyed by element id.
func (c *Cache) CompositionElementMap(instance *acm.AutomationComposition, compositionID uuid.UUID) map[uuid.UUID]acm.CompositionElement {
	out := make(map[uuid.UUID]acm.CompositionElement, len(instance.Elements))
	for id, element := range instance.Elements {
		out[id] = c.CompositionElement(compositionID, element)
	}
	return out
}

// InstanceElementMap builds instance-level DTO snapshots for every element
// of an instance, keyed by element id.
func (c *Cache) InstanceElementMap(instance *acm.AutomationComposition) map[uuid.UUID]acm.InstanceElement {
	out := make(map[uuid.UUID]acm.InstanceElement, len(instance.Elements))
	for id, element := range instance.Elements {
		out[id] = acm.InstanceElement{
			InstanceID:    instance.InstanceID,
			ElementID:     id,
			InProperties:  element.Properties,
			OutProperties: element.OutProperties,
			State:         acm.ElementStatePresent,
		}
	}
	return out
}

// DefinitionCurrent checks whether the cached definition for a composition
// matches the given revision. A nil revision means the sender predates
// revisioning and always reports current. Revisions are opaque: the check
// is exact equality, never ordering.
func (c *Cache) DefinitionCurrent(compositionID uuid.UUID, revisionID *uuid.UUID) bool {
	if revisionID == nil {
		return true
	}

	c.defMu.RLock()
	defer c.defMu.RUnlock()

	definition, ok := c.definitions[compositionID]
	if !ok {
		return false
	}
	return *revisionID == definition.RevisionID
}

// InstanceCurrent checks whether the cached instance matches the given
// revision, with the same nil escape hatch as DefinitionCurrent.
func (c *Cache) InstanceCurrent(instanceID uuid.UUID, revisionID *uuid.UUID) bool {
	if revisionID == nil {
		return true
	}

	c.compMu.RLock()
	defer c.compMu.RUnlock()

	instance, ok := c.compositions[instanceID]
	if !ok {
		return false
	}
	return *revisionID == instance.RevisionID
}

// UpdateElement applies a state report to a cached element. Returns
// ErrInstanceNotFound or ErrElementNotFound when the target is not cached.
func (c *Cache) UpdateElement(instanceID, elementID uuid.UUID,
	deployState acm.DeployState, lockState acm.LockState, message string) error {

	c.compMu.Lock()
	defer c.compMu.Unlock()

	instance, ok := c.compositions[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	element, ok := instance.Elements[elementID]
	if !ok {
		return ErrElementNotFound
	}

	element.DeployState = deployState
	element.LockState = lockState
	element.SubState = acm.SubStateNone
	element.Message = message

	if deployState == acm.DeployStateDeleted {
		delete(instance.Elements, elementID)
		if len(instance.Elements) == 0 {
			delete(c.compositions, instanceID)
			return nil
		}
	}

	recomputeInstance(instance)
	return nil
}

// SetInstanceStates sets the instance-level states directly, used when a
// command arrives to mark the whole instance as in-flight.
func (c *Cache) SetInstanceStates(instanceID uuid.UUID,
	deployState acm.DeployState, lockState acm.LockState, subState acm.SubState) error {

	c.compMu.Lock()
	defer c.compMu.Unlock()

	instance, ok := c.compositions[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	instance.DeployState = deployState
	instance.LockState = lockState
	instance.SubState = subState
	return nil
}

// recomputeInstance lifts uniform stable element states up to the
// instance. While any element is still in flight the instance-level states
// are left alone; elements in later rollout phases hold their transitional
// state until their phase runs, so the instance settles only when the
// whole rollout is done.
func recomputeInstance(instance *acm.AutomationComposition) {
	for _, el := range instance.Elements {
		if el.DeployState.InFlight() || el.LockState.InFlight() {
			return
		}
	}

	var deploy acm.DeployState
	var lock acm.LockState
	first := true
	for _, el := range instance.Elements {
		if first {
			deploy, lock = el.DeployState, el.LockState
			first = false
			continue
		}
		if el.DeployState != deploy {
			deploy = ""
		}
		if el.LockState != lock {
			lock = ""
		}
	}
	if deploy != "" {
		instance.DeployState = deploy
		instance.SubState = acm.SubStateNone
	}
	if lock != "" {
		instance.LockState = lock
	}
}

// SetElementInfo records participant-reported runtime state for an
// element: use state, operational state and output properties.
func (c *Cache) SetElementInfo(instanceID, elementID uuid.UUID,
	useState, operationalState string, outProperties map[string]any) error {

	c.compMu.Lock()
	defer c.compMu.Unlock()

	instance, ok := c.compositions[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	element, ok := instance.Elements[elementID]
	if !ok {
		return ErrElementNotFound
	}

	if useState != "" {
		element.UseState = useState
	}
	if operationalState != "" {
		element.OperationalState = operationalState
	}
	if outProperties != nil {
		element.OutProperties = outProperties
	}
	return nil
}

// StageMigration records the target composition of an in-flight
// migration and marks the instance MIGRATING. Later stages of an
// already-staged migration leave element states alone: elements migrated
// in earlier stages have settled into DEPLOYED and must stay there.
func (c *Cache) StageMigration(instanceID, targetCompositionID uuid.UUID) error {
	c.compMu.Lock()
	defer c.compMu.Unlock()

	instance, ok := c.compositions[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if instance.CompositionTargetID == targetCompositionID {
		return nil
	}
	instance.CompositionTargetID = targetCompositionID
	instance.DeployState = acm.DeployStateMigrating
	for _, element := range instance.Elements {
		element.DeployState = acm.DeployStateMigrating
	}
	return nil
}

// CompleteMigration repoints a migrated instance at its target
// composition and clears the staged target.
func (c *Cache) CompleteMigration(instanceID, targetCompositionID uuid.UUID) {
	c.compMu.Lock()
	defer c.compMu.Unlock()

	instance, ok := c.compositions[instanceID]
	if !ok {
		return
	}
	instance.CompositionID = targetCompositionID
	instance.CompositionTargetID = uuid.UUID{}
	instance.SubState = acm.SubStateNone
}

// CancelMigration abandons a staged migration after a rollback: the
// staged target is cleared and every element still marked MIGRATING
// settles back into DEPLOYED on the source composition.
func (c *Cache) CancelMigration(instanceID uuid.UUID) {
	c.compMu.Lock()
	defer c.compMu.Unlock()

	instance, ok := c.compositions[instanceID]
	if !ok {
		return
	}
	instance.CompositionTargetID = uuid.UUID{}
	instance.SubState = acm.SubStateNone
	for _, element := range instance.Elements {
		if element.DeployState == acm.DeployStateMigrating {
			element.DeployState = acm.DeployStateDeployed
		}
	}
	if instance.DeployState == acm.DeployStateMigrating {
		instance.DeployState = acm.DeployStateDeployed
	}
}

// TrackExecution correlates an element or composition id with the message
// that started its in-flight operation, replacing any prior entry. A new
// command for the same target supersedes the old one.
func (c *Cache) TrackExecution(key, messageID uuid.UUID) {
	c.execMu.Lock()
	c.executions[key] = messageID
	c.execMu.Unlock()
}

// ExecutionMessage returns the message id of the in-flight operation for
// a target, if any.
func (c *Cache) ExecutionMessage(key uuid.UUID) (uuid.UUID, bool) {
	c.execMu.RLock()
	defer c.execMu.RUnlock()
	id, ok := c.executions[key]
	return id, ok
}

// ClearExecution removes the in-flight correlation for a target.
func (c *Cache) ClearExecution(key uuid.UUID) {
	c.execMu.Lock()
	delete(c.executions, key)
	c.execMu.Unlock()
}

// Hold queues an envelope whose composition definition has not arrived
// yet. Returns false when the queue is full and the message was dropped.
func (c *Cache) Hold(env messages.Envelope) bool {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()

	if len(c.onHold) >= c.holdLimit {
		return false
	}
	c.onHold = append(c.onHold, env)
	return true
}

// TakeHeld removes and returns all held envelopes referencing the given
// composition, preserving arrival order. Called after the composition's
// definitions arrive so the messages can be replayed.
func (c *Cache) TakeHeld(compositionID uuid.UUID) []messages.Envelope {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()

	var taken []messages.Envelope
	remaining := c.onHold[:0]
	for _, env := range c.onHold {
		if env.CompositionID == compositionID {
			taken = append(taken, env)
		} else {
			remaining = append(remaining, env)
		}
	}
	c.onHold = remaining
	return taken
}

// HeldCount returns the number of queued on-hold envelopes.
func (c *Cache) HeldCount() int {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	return len(c.onHold)
}

// DefinitionCount returns the number of cached composition definitions.
func (c *Cache) DefinitionCount() int {
	c.defMu.RLock()
	defer c.defMu.RUnlock()
	return len(c.definitions)
}

// InstanceCount returns the number of cached instances.
func (c *Cache) InstanceCount() int {
	c.compMu.RLock()
	defer c.compMu.RUnlock()
	return len(c.compositions)
}

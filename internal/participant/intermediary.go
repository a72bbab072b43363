package participant

import (
	"context"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
	"github.com/stratoline/acm-core/internal/messages"
)

// ElementHandler is the contract a hosting application implements to give
// its elements lifecycle behaviour. Callbacks run on executor workers, one
// at a time per submitted command; they must be safe to call concurrently
// for different elements.
//
// Each callback receives snapshots, never live cache references. Outcomes
// are reported automatically from the returned error: nil acknowledges the
// operation as succeeded, non-nil as failed. Callbacks use the Intermediary
// directly only for unsolicited updates such as SendElementInfo.
//
// Embed Base to pick up no-op defaults for callbacks the application does
// not care about.
type ElementHandler interface {
	// Deploy creates the element. Called with the instance element snapshot
	// and the resolved deploy properties.
	Deploy(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement) error

	// Undeploy tears the element down.
	Undeploy(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement) error

	// Lock quiesces a deployed element.
	Lock(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement) error

	// Unlock resumes a locked element.
	Unlock(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement) error

	// Delete removes all traces of an undeployed element.
	Delete(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement) error

	// Update applies changed properties to a deployed element.
	Update(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement) error

	// Prime is called once per composition when its definitions arrive,
	// letting the application pre-load type-level resources.
	Prime(ctx context.Context, composition acm.CompositionDefinition) error

	// Deprime releases whatever Prime acquired.
	Deprime(ctx context.Context, compositionID uuid.UUID) error

	// Migrate moves an element from its current definition to the target
	// one. stage sequences multi-stage migrations.
	Migrate(ctx context.Context, compositionElement, targetElement acm.CompositionElement, instanceElement acm.InstanceElement, stage int) error

	// MigratePrecheck validates a staged migration without changing state.
	MigratePrecheck(ctx context.Context, compositionElement, targetElement acm.CompositionElement, instanceElement acm.InstanceElement) error

	// Review re-validates a deployed element against its definition.
	Review(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement) error

	// Prepare runs pre-deploy preparation on an undeployed element.
	Prepare(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement) error

	// RollbackMigration undoes a failed migration stage.
	RollbackMigration(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement, stage int) error
}

// Base provides no-op implementations of every ElementHandler callback
// except Deploy and Undeploy, which applications must supply themselves.
// Embed it so new callbacks added over time do not break existing hosts.
type Base struct{}

func (Base) Lock(context.Context, acm.CompositionElement, acm.InstanceElement) error   { return nil }
func (Base) Unlock(context.Context, acm.CompositionElement, acm.InstanceElement) error { return nil }
func (Base) Delete(context.Context, acm.CompositionElement, acm.InstanceElement) error { return nil }
func (Base) Update(context.Context, acm.CompositionElement, acm.InstanceElement) error { return nil }
func (Base) Prime(context.Context, acm.CompositionDefinition) error                    { return nil }
func (Base) Deprime(context.Context, uuid.UUID) error                                  { return nil }
func (Base) Migrate(context.Context, acm.CompositionElement, acm.CompositionElement, acm.InstanceElement, int) error {
	return nil
}
func (Base) MigratePrecheck(context.Context, acm.CompositionElement, acm.CompositionElement, acm.InstanceElement) error {
	return nil
}
func (Base) Review(context.Context, acm.CompositionElement, acm.InstanceElement) error  { return nil }
func (Base) Prepare(context.Context, acm.CompositionElement, acm.InstanceElement) error { return nil }
func (Base) RollbackMigration(context.Context, acm.CompositionElement, acm.InstanceElement, int) error {
	return nil
}

// Intermediary is the API handed to element handlers: it lets application
// code report element state back to the cache and runtime, and read its
// own cached view. It is safe for concurrent use.
type Intermediary struct {
	cache     *Cache
	publisher *Publisher
	logger    Logger
}

// NewIntermediary wires an intermediary over the cache and publisher.
func NewIntermediary(cache *Cache, publisher *Publisher, logger Logger) *Intermediary {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Intermediary{cache: cache, publisher: publisher, logger: logger}
}

// UpdateElementState records a lifecycle outcome for an element and
// reports it to the runtime as an instance ack correlated with the
// command that started the operation.
func (i *Intermediary) UpdateElementState(instanceID, elementID uuid.UUID,
	deployState acm.DeployState, lockState acm.LockState, success bool, message string) error {

	if err := i.cache.UpdateElement(instanceID, elementID, deployState, lockState, message); err != nil {
		return err
	}

	messageID, tracked := i.cache.ExecutionMessage(elementID)
	if !tracked {
		// State change outside any command, e.g. an element failing on its
		// own. Report it unsolicited; the runtime matches on instance id.
		messageID = uuid.New()
	} else {
		i.cache.ClearExecution(elementID)
	}

	instance, ok := i.cache.Instance(instanceID)
	var compositionID, revision uuid.UUID
	ack := messages.Ack{
		Success: success,
		Message: message,
		Elements: map[uuid.UUID]messages.ElementAck{
			elementID: {
				Success:     success,
				Message:     message,
				DeployState: deployState,
				LockState:   lockState,
			},
		},
	}
	if ok {
		compositionID = instance.CompositionID
		revision = instance.RevisionID
		ack.DeployState = instance.DeployState
		ack.LockState = instance.LockState
	} else {
		// The element deletion removed the instance; report the terminal
		// states directly.
		ack.DeployState = deployState
		ack.LockState = lockState
	}

	return i.publisher.InstanceAck(compositionID, instanceID, messageID, revision, ack)
}

// UpdateCompositionState overrides the instance-level states directly and
// reports them to the runtime. Most hosts never need this: element-level
// updates lift to the instance automatically once every element settles.
// It exists for handlers that manage an instance as a single unit.
func (i *Intermediary) UpdateCompositionState(instanceID uuid.UUID,
	deployState acm.DeployState, lockState acm.LockState, message string) error {

	if err := i.cache.SetInstanceStates(instanceID, deployState, lockState, acm.SubStateNone); err != nil {
		return err
	}
	instance, ok := i.cache.Instance(instanceID)
	if !ok {
		return ErrInstanceNotFound
	}
	ack := messages.Ack{
		Success:     true,
		Message:     message,
		DeployState: deployState,
		LockState:   lockState,
	}
	return i.publisher.InstanceAck(instance.CompositionID, instanceID, uuid.New(), instance.RevisionID, ack)
}

// UpdateCompositionDefinitionState reports a composition's prime outcome
// to the runtime outside the normal prime/deprime handshake. Hosts that
// acquire type-level resources asynchronously use it to flip a
// composition to PRIMED once the resources are ready, or back to
// COMMISSIONED when they are lost.
func (i *Intermediary) UpdateCompositionDefinitionState(compositionID uuid.UUID, primed bool, message string) error {
	ack := messages.ParticipantAck{Success: primed, Message: message, State: "PRIMED"}
	if !primed {
		ack.State = "COMMISSIONED"
	}
	return i.publisher.PrimeAck(compositionID, ack)
}

// SendElementInfo reports participant-owned runtime state (use state,
// operational state, output properties) without a lifecycle transition.
func (i *Intermediary) SendElementInfo(instanceID, elementID uuid.UUID,
	useState, operationalState string, outProperties map[string]any) error {

	if err := i.cache.SetElementInfo(instanceID, elementID, useState, operationalState, outProperties); err != nil {
		return err
	}

	instance, ok := i.cache.Instance(instanceID)
	if !ok {
		return ErrInstanceNotFound
	}
	// Re-looked up after SetElementInfo released the lock; a concurrent
	// delete can have removed the element in between.
	element, ok := instance.Elements[elementID]
	if !ok {
		return ErrElementNotFound
	}

	ack := messages.Ack{
		Success:     true,
		DeployState: instance.DeployState,
		LockState:   instance.LockState,
		Elements: map[uuid.UUID]messages.ElementAck{
			elementID: {
				Success:          true,
				UseState:         useState,
				OperationalState: operationalState,
				OutProperties:    outProperties,
				DeployState:      element.DeployState,
				LockState:        element.LockState,
			},
		},
	}
	return i.publisher.InstanceAck(instance.CompositionID, instanceID, uuid.New(), instance.RevisionID, ack)
}

// Instances returns deep copies of every cached instance.
func (i *Intermediary) Instances() []*acm.AutomationComposition {
	return i.cache.Instances()
}

// Instance returns a deep copy of one cached instance.
func (i *Intermediary) Instance(instanceID uuid.UUID) (*acm.AutomationComposition, bool) {
	return i.cache.Instance(instanceID)
}

// ElementDefinitions returns the cached definition set for a composition.
func (i *Intermediary) ElementDefinitions(compositionID uuid.UUID) (*acm.CompositionDefinition, bool) {
	return i.cache.Definition(compositionID)
}

// CommonProperties resolves an element's declared common properties.
// Returns an empty map when unknown.
func (i *Intermediary) CommonProperties(instanceID, elementID uuid.UUID) map[string]any {
	return i.cache.CommonPropertiesByElement(instanceID, elementID)
}

package participant

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
	"github.com/stratoline/acm-core/internal/messages"
)

// Handler processes runtime-to-participant messages: it keeps the cache
// consistent, decides which lifecycle callback each command maps to and
// submits the callbacks to the executor. One handler per process.
type Handler struct {
	cache        *Cache
	publisher    *Publisher
	executor     *Executor
	intermediary *Intermediary
	element      ElementHandler
	logger       Logger

	started time.Time
}

// NewHandler wires a handler over its collaborators.
func NewHandler(cache *Cache, publisher *Publisher, executor *Executor,
	intermediary *Intermediary, element ElementHandler, logger Logger) *Handler {

	if logger == nil {
		logger = noopLogger{}
	}
	return &Handler{
		cache:        cache,
		publisher:    publisher,
		executor:     executor,
		intermediary: intermediary,
		element:      element,
		logger:       logger,
		started:      time.Now(),
	}
}

// Register publishes the registration announcement.
func (h *Handler) Register() error {
	return h.publisher.Register(h.cache.Supported())
}

// Deregister publishes the orderly-shutdown announcement.
func (h *Handler) Deregister() error {
	return h.publisher.Deregister()
}

// HandleRegisterAck records a successful registration handshake.
func (h *Handler) HandleRegisterAck(env messages.Envelope) {
	ack, err := messages.Payload[messages.ParticipantAck](env)
	if err != nil {
		h.logger.Warn("dropping malformed register ack", "error", err)
		return
	}
	h.cache.SetRegistered(ack.Success)
	if !ack.Success {
		h.logger.Error("registration rejected", "message", ack.Message)
		return
	}
	h.logger.Info("registered with runtime")
}

// HandleDeregisterAck records deregistration.
func (h *Handler) HandleDeregisterAck(env messages.Envelope) {
	h.cache.SetRegistered(false)
	h.logger.Info("deregistered from runtime")
}

// HandleStatusReq replies with an immediate heartbeat.
func (h *Handler) HandleStatusReq(env messages.Envelope) {
	if err := h.PublishStatus(); err != nil {
		h.logger.Error("status request reply failed", "error", err)
	}
}

// HandlePrime caches a composition's definitions, runs the application's
// Prime callback and acks. Held messages that were waiting for these
// definitions are replayed afterwards.
func (h *Handler) HandlePrime(env messages.Envelope) {
	prime, err := messages.Payload[messages.Prime](env)
	if err != nil {
		h.logger.Warn("dropping malformed prime", "error", err)
		return
	}

	compositionID := env.CompositionID
	var revision uuid.UUID
	if env.CompositionRevision != nil {
		revision = *env.CompositionRevision
	}
	h.cache.AddDefinitions(compositionID, prime.Elements, revision)

	definition, _ := h.cache.Definition(compositionID)
	submitErr := h.executor.Submit("prime",
		func(ctx context.Context) error {
			return h.element.Prime(ctx, *definition)
		},
		func(err error) {
			ack := messages.ParticipantAck{Success: err == nil, State: "PRIMED"}
			if err != nil {
				ack.Message = err.Error()
				ack.State = "COMMISSIONED"
				h.cache.RemoveDefinitions(compositionID)
			}
			if pubErr := h.publisher.PrimeAck(compositionID, ack); pubErr != nil {
				h.logger.Error("prime ack failed", "error", pubErr)
			}
			if err == nil {
				h.replayHeld(compositionID)
			}
		})
	if submitErr != nil {
		h.logger.Error("prime not submitted", "error", submitErr)
	}
}

// HandleDeprime removes a composition's definitions, runs Deprime and acks.
func (h *Handler) HandleDeprime(env messages.Envelope) {
	compositionID := env.CompositionID
	h.cache.RemoveDefinitions(compositionID)

	submitErr := h.executor.Submit("deprime",
		func(ctx context.Context) error {
			return h.element.Deprime(ctx, compositionID)
		},
		func(err error) {
			ack := messages.ParticipantAck{Success: err == nil, State: "COMMISSIONED"}
			if err != nil {
				ack.Message = err.Error()
			}
			if pubErr := h.publisher.PrimeAck(compositionID, ack); pubErr != nil {
				h.logger.Error("deprime ack failed", "error", pubErr)
			}
		})
	if submitErr != nil {
		h.logger.Error("deprime not submitted", "error", submitErr)
	}
}

// HandleDeploy creates or updates an instance and runs the per-element
// deploy-side callbacks for the commanded start phase.
//
// A deploy whose composition definitions have not arrived yet is queued
// on hold and replayed after the prime lands. A deploy referencing a stale
// definition revision is held the same way, since a re-prime is in flight.
func (h *Handler) HandleDeploy(env messages.Envelope) {
	deploy, err := messages.Payload[messages.Deploy](env)
	if err != nil {
		h.logger.Warn("dropping malformed deploy", "error", err)
		return
	}

	var mine *messages.ParticipantDeploy
	for i := range deploy.Participants {
		if deploy.Participants[i].ParticipantID == h.cache.Identity().ParticipantID {
			mine = &deploy.Participants[i]
			break
		}
	}
	if mine == nil {
		return
	}

	if _, ok := h.cache.Definition(env.CompositionID); !ok ||
		!h.cache.DefinitionCurrent(env.CompositionID, env.CompositionRevision) {
		if !h.cache.Hold(env) {
			h.logger.Error("on-hold queue full, deploy dropped",
				"composition_id", env.CompositionID.String(), "instance_id", env.InstanceID.String())
			return
		}
		h.logger.Info("deploy held until definitions arrive",
			"composition_id", env.CompositionID.String(), "instance_id", env.InstanceID.String())
		return
	}

	// A deploy carrying a target composition is only a migration stage when
	// no sub state says otherwise: prechecks inspect the target without
	// staging anything, and rollbacks walk an already-staged migration
	// backwards.
	rollback := deploy.SubState == acm.SubStateRollbacking
	precheck := deploy.SubState == acm.SubStateMigrationPrechecking
	migrating := deploy.CompositionTargetID != (uuid.UUID{}) && !rollback && !precheck

	_, existed := h.cache.Instance(env.InstanceID)
	if deploy.FirstStartPhase && deploy.Stage == 0 {
		deployState := acm.DeployStateDeploying
		if existed {
			deployState = acm.DeployStateUpdating
		}
		var revision uuid.UUID
		if env.InstanceRevision != nil {
			revision = *env.InstanceRevision
		}
		h.cache.InitializeInstance(env.CompositionID, env.InstanceID, mine.Elements,
			deployState, deploy.SubState, revision)
	}
	if migrating {
		if err := h.cache.StageMigration(env.InstanceID, deploy.CompositionTargetID); err != nil {
			h.logger.Warn("migration for unknown instance", "instance_id", env.InstanceID.String())
			return
		}
	}

	instance, ok := h.cache.Instance(env.InstanceID)
	if !ok {
		h.logger.Warn("deploy for unknown instance", "instance_id", env.InstanceID.String())
		return
	}

	for _, el := range mine.Elements {
		element, ok := instance.Elements[el.ID]
		if !ok {
			continue
		}
		common := h.cache.CommonProperties(env.CompositionID, el.DefinitionID)
		if migrating || rollback {
			// Migrations and their rollbacks sequence by stage, not start
			// phase. Stages are declared in the target composition's
			// definitions; fall back to the source's when the target is not
			// cached.
			stageProps := common
			if target := h.cache.CommonProperties(deploy.CompositionTargetID, el.DefinitionID); len(target) > 0 {
				stageProps = target
			}
			if !stageDeclared(acm.Stages(stageProps), deploy.Stage) {
				continue
			}
		} else if acm.StartPhase(common) != deploy.StartPhase {
			continue
		}
		h.submitDeployElement(env, deploy, instance, element)
	}
}

func stageDeclared(stages []int, stage int) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}

// submitDeployElement picks the callback a deploy-side command maps to and
// queues it. The instance's deploy state and sub state decide between
// plain deploy, update, staged migrate and the precheck-style callbacks.
func (h *Handler) submitDeployElement(env messages.Envelope, deploy messages.Deploy,
	instance *acm.AutomationComposition, element *acm.Element) {

	instanceID := instance.InstanceID
	elementID := element.ID
	compElement := h.cache.CompositionElement(instance.CompositionID, element)
	instElement := acm.InstanceElement{
		InstanceID:    instanceID,
		ElementID:     elementID,
		InProperties:  element.Properties,
		OutProperties: element.OutProperties,
		State:         acm.ElementStatePresent,
	}

	var (
		name          string
		run           func(ctx context.Context) error
		successDeploy = acm.DeployStateDeployed
		successLock   = acm.LockStateLocked
		failDeploy    = acm.DeployStateUndeployed
		failLock      = acm.LockStateNone
	)

	switch {
	case deploy.SubState == acm.SubStatePreparing:
		name = "prepare"
		successDeploy, successLock = acm.DeployStateUndeployed, acm.LockStateNone
		run = func(ctx context.Context) error {
			return h.element.Prepare(ctx, compElement, instElement)
		}
	case deploy.SubState == acm.SubStateReviewing:
		name = "review"
		successDeploy, successLock = element.DeployState, element.LockState
		failDeploy, failLock = element.DeployState, element.LockState
		run = func(ctx context.Context) error {
			return h.element.Review(ctx, compElement, instElement)
		}
	case deploy.SubState == acm.SubStateMigrationPrechecking:
		name = "migrate precheck"
		successDeploy, successLock = acm.DeployStateDeployed, element.LockState
		failDeploy, failLock = acm.DeployStateDeployed, element.LockState
		target := h.targetElement(instance, deploy.CompositionTargetID, element)
		run = func(ctx context.Context) error {
			return h.element.MigratePrecheck(ctx, compElement, target, instElement)
		}
	case deploy.SubState == acm.SubStateRollbacking:
		name = "rollback"
		stage := deploy.Stage
		successDeploy, successLock = acm.DeployStateDeployed, element.LockState
		failDeploy, failLock = acm.DeployStateMigrating, element.LockState
		run = func(ctx context.Context) error {
			return h.element.RollbackMigration(ctx, compElement, instElement, stage)
		}
		h.cache.TrackExecution(elementID, env.MessageID)
		submitErr := h.executor.Submit(name, run, func(err error) {
			if err != nil {
				h.report(instanceID, elementID, failDeploy, failLock, false, err.Error())
				return
			}
			h.report(instanceID, elementID, successDeploy, successLock, true, "rollback completed")
			// Once every element has settled back into DEPLOYED the staged
			// target is abandoned and the instance stays on its source
			// composition.
			if fresh, ok := h.cache.Instance(instanceID); ok &&
				fresh.DeployState == acm.DeployStateDeployed {
				h.cache.CancelMigration(instanceID)
			}
		})
		if submitErr != nil {
			h.cache.ClearExecution(elementID)
			h.report(instanceID, elementID, failDeploy, failLock, false, submitErr.Error())
		}
		return
	case instance.CompositionTargetID != (uuid.UUID{}):
		name = "migrate"
		stage := deploy.Stage
		failDeploy, failLock = acm.DeployStateDeployed, element.LockState
		target := h.targetElement(instance, deploy.CompositionTargetID, element)
		targetID := instance.CompositionTargetID
		run = func(ctx context.Context) error {
			return h.element.Migrate(ctx, compElement, target, instElement, stage)
		}
		h.cache.TrackExecution(elementID, env.MessageID)
		submitErr := h.executor.Submit(name, run, func(err error) {
			if err != nil {
				h.report(instanceID, elementID, failDeploy, failLock, false, err.Error())
				return
			}
			h.report(instanceID, elementID, successDeploy, successLock, true, "migrate completed")
			// Once every element has settled into DEPLOYED the migration
			// is done and the instance repoints at the target composition.
			if fresh, ok := h.cache.Instance(instanceID); ok &&
				fresh.DeployState == acm.DeployStateDeployed {
				h.cache.CompleteMigration(instanceID, targetID)
			}
		})
		if submitErr != nil {
			h.cache.ClearExecution(elementID)
			h.report(instanceID, elementID, failDeploy, failLock, false, submitErr.Error())
		}
		return
	case instance.DeployState == acm.DeployStateUpdating:
		name = "update"
		successLock = element.LockState
		failDeploy, failLock = acm.DeployStateDeployed, element.LockState
		run = func(ctx context.Context) error {
			return h.element.Update(ctx, compElement, instElement)
		}
	default:
		name = "deploy"
		run = func(ctx context.Context) error {
			return h.element.Deploy(ctx, compElement, instElement)
		}
	}

	h.cache.TrackExecution(elementID, env.MessageID)
	submitErr := h.executor.Submit(name, run, func(err error) {
		if err != nil {
			h.report(instanceID, elementID, failDeploy, failLock, false, err.Error())
			return
		}
		h.report(instanceID, elementID, successDeploy, successLock, true, name+" completed")
	})
	if submitErr != nil {
		h.cache.ClearExecution(elementID)
		h.report(instanceID, elementID, failDeploy, failLock, false, submitErr.Error())
	}
}

// HandleStateChange runs lock, unlock, undeploy or delete callbacks for
// the commanded start phase.
//
// Idempotency under at-least-once delivery: an undeploy for an instance
// that is no longer cached acks success immediately instead of failing.
func (h *Handler) HandleStateChange(env messages.Envelope) {
	change, err := messages.Payload[messages.StateChange](env)
	if err != nil {
		h.logger.Warn("dropping malformed state change", "error", err)
		return
	}

	instance, ok := h.cache.Instance(env.InstanceID)
	if !ok {
		if change.OrderedState == acm.OrderedUninitialised {
			ack := messages.Ack{
				Success:     true,
				Message:     "already undeployed",
				DeployState: acm.DeployStateDeleted,
				LockState:   acm.LockStateNone,
			}
			if pubErr := h.publisher.InstanceAck(env.CompositionID, env.InstanceID, env.MessageID, uuid.UUID{}, ack); pubErr != nil {
				h.logger.Error("ack failed", "error", pubErr)
			}
			return
		}
		h.logger.Warn("state change for unknown instance", "instance_id", env.InstanceID.String())
		return
	}

	if !h.cache.InstanceCurrent(env.InstanceID, env.InstanceRevision) {
		h.logger.Warn("dropping stale state change",
			"instance_id", env.InstanceID.String(), "ordered_state", string(change.OrderedState))
		return
	}

	for _, element := range instance.Elements {
		common := h.cache.CommonProperties(instance.CompositionID, element.DefinitionID)
		if acm.StartPhase(common) != change.StartPhase {
			continue
		}
		h.submitStateChangeElement(env, change, instance, element)
	}
}

func (h *Handler) submitStateChangeElement(env messages.Envelope, change messages.StateChange,
	instance *acm.AutomationComposition, element *acm.Element) {

	instanceID := instance.InstanceID
	elementID := element.ID
	compElement := h.cache.CompositionElement(instance.CompositionID, element)
	instElement := acm.InstanceElement{
		InstanceID:    instanceID,
		ElementID:     elementID,
		InProperties:  element.Properties,
		OutProperties: element.OutProperties,
		State:         acm.ElementStatePresent,
	}

	var (
		name          string
		run           func(ctx context.Context) error
		markDeploy    acm.DeployState
		markLock      acm.LockState
		successDeploy acm.DeployState
		successLock   acm.LockState
		failDeploy    = element.DeployState
		failLock      = element.LockState
	)

	switch change.OrderedState {
	case acm.OrderedRunning:
		if element.DeployState != acm.DeployStateDeployed {
			h.report(instanceID, elementID, element.DeployState, element.LockState,
				false, ErrNotDeployed.Error())
			return
		}
		name = "unlock"
		markDeploy, markLock = acm.DeployStateDeployed, acm.LockStateUnlocking
		successDeploy, successLock = acm.DeployStateDeployed, acm.LockStateUnlocked
		run = func(ctx context.Context) error {
			return h.element.Unlock(ctx, compElement, instElement)
		}

	case acm.OrderedPassive:
		if element.DeployState != acm.DeployStateDeployed {
			h.report(instanceID, elementID, element.DeployState, element.LockState,
				false, ErrNotDeployed.Error())
			return
		}
		name = "lock"
		markDeploy, markLock = acm.DeployStateDeployed, acm.LockStateLocking
		successDeploy, successLock = acm.DeployStateDeployed, acm.LockStateLocked
		run = func(ctx context.Context) error {
			return h.element.Lock(ctx, compElement, instElement)
		}

	case acm.OrderedUninitialised:
		if element.DeployState == acm.DeployStateUndeployed {
			// Second pass: remove all traces of the element.
			name = "delete"
			markDeploy, markLock = acm.DeployStateDeleting, acm.LockStateNone
			successDeploy, successLock = acm.DeployStateDeleted, acm.LockStateNone
			run = func(ctx context.Context) error {
				return h.element.Delete(ctx, compElement, instElement)
			}
		} else {
			name = "undeploy"
			markDeploy, markLock = acm.DeployStateUndeploying, acm.LockStateNone
			successDeploy, successLock = acm.DeployStateUndeployed, acm.LockStateNone
			run = func(ctx context.Context) error {
				return h.element.Undeploy(ctx, compElement, instElement)
			}
		}

	default:
		h.logger.Warn("unknown ordered state", "ordered_state", string(change.OrderedState))
		return
	}

	if err := h.cache.UpdateElement(instanceID, elementID, markDeploy, markLock, ""); err != nil {
		h.logger.Warn("element vanished before state change", "element_id", elementID.String())
		return
	}
	h.cache.TrackExecution(elementID, env.MessageID)
	submitErr := h.executor.Submit(name, run, func(err error) {
		if err != nil {
			h.report(instanceID, elementID, failDeploy, failLock, false, err.Error())
			return
		}
		h.report(instanceID, elementID, successDeploy, successLock, true, name+" completed")
	})
	if submitErr != nil {
		h.cache.ClearExecution(elementID)
		h.report(instanceID, elementID, failDeploy, failLock, false, submitErr.Error())
	}
}

// HandleRestart rebuilds the cache from a runtime replay after this
// participant re-registered.
func (h *Handler) HandleRestart(env messages.Envelope) {
	restart, err := messages.Payload[messages.Restart](env)
	if err != nil {
		h.logger.Warn("dropping malformed restart", "error", err)
		return
	}

	h.cache.AddDefinitions(env.CompositionID, restart.Elements, restart.Revision)
	for _, instance := range restart.Instances {
		h.cache.InitializeFromRestart(env.CompositionID, instance)
	}
	h.logger.Info("cache rebuilt from restart",
		"composition_id", env.CompositionID.String(), "instances", len(restart.Instances))
}

// PublishStatus builds and publishes a heartbeat from the current cache.
func (h *Handler) PublishStatus() error {
	instances := h.cache.Instances()
	snapshots := make([]messages.InstanceSnapshot, 0, len(instances))
	for _, instance := range instances {
		snapshot := messages.InstanceSnapshot{
			InstanceID:    instance.InstanceID,
			CompositionID: instance.CompositionID,
			DeployState:   instance.DeployState,
			LockState:     instance.LockState,
		}
		for _, element := range instance.Elements {
			snapshot.Elements = append(snapshot.Elements, messages.ElementInfo{
				ID:               element.ID,
				DeployState:      element.DeployState,
				LockState:        element.LockState,
				OperationalState: element.OperationalState,
				UseState:         element.UseState,
				OutProperties:    element.OutProperties,
				Message:          element.Message,
			})
		}
		snapshots = append(snapshots, snapshot)
	}

	return h.publisher.Status(messages.Status{
		Supported: h.cache.Supported(),
		Instances: snapshots,
		Stats: messages.Stats{
			InstanceCount:   len(instances),
			DefinitionCount: h.cache.DefinitionCount(),
			UptimeSeconds:   int64(time.Since(h.started).Seconds()),
		},
	})
}

// report sends an element outcome through the intermediary, logging
// instead of propagating when the instance has already vanished.
func (h *Handler) report(instanceID, elementID uuid.UUID,
	deployState acm.DeployState, lockState acm.LockState, success bool, message string) {

	err := h.intermediary.UpdateElementState(instanceID, elementID, deployState, lockState, success, message)
	if err != nil {
		h.logger.Warn("element state report failed",
			"instance_id", instanceID.String(), "element_id", elementID.String(), "error", err)
	}
}

// replayHeld re-dispatches messages that were waiting for a composition's
// definitions, preserving their arrival order.
func (h *Handler) replayHeld(compositionID uuid.UUID) {
	for _, env := range h.cache.TakeHeld(compositionID) {
		h.logger.Info("replaying held message",
			"kind", string(env.Kind), "instance_id", env.InstanceID.String())
		switch env.Kind {
		case messages.KindDeploy:
			h.HandleDeploy(env)
		case messages.KindStateChange:
			h.HandleStateChange(env)
		default:
			h.logger.Warn("held message of unexpected kind dropped", "kind", string(env.Kind))
		}
	}
}

// targetElement resolves an element's definition snapshot in the
// migration target composition. The command's target takes precedence so
// prechecks work without staging; otherwise the instance's staged target
// applies. With neither set the source composition serves as target,
// falling back to a NOT_PRESENT snapshot when its definitions are not
// cached.
func (h *Handler) targetElement(instance *acm.AutomationComposition, commandTargetID uuid.UUID,
	element *acm.Element) acm.CompositionElement {

	targetID := commandTargetID
	if targetID == (uuid.UUID{}) {
		targetID = instance.CompositionTargetID
	}
	if targetID == (uuid.UUID{}) {
		targetID = instance.CompositionID
	}
	return h.cache.CompositionElement(targetID, element).WithState(acm.ElementStateNew)
}

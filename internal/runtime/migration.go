package runtime

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
	"github.com/stratoline/acm-core/internal/messages"
)

// Migration and sub-state operations sit beside the supervision state
// machine: they run while the instance is in a stable supervision state
// and use the instance's deploy state plus sub state as their lock.
//
// A migration walks the declared stages of the target composition in
// ascending order, one staged deploy command per stage, advancing when
// every element of the current stage reports DEPLOYED. A failed stage
// flips the migration into rollback, which walks the same stages back
// down; a failed rollback stops and waits for an operator.

// Migrate starts a staged migration of a deployed instance onto another
// commissioned composition. The target is persisted before the first
// stage command publishes, so a crash in between leaves a migrating
// instance the scanner will re-drive.
func (s *Supervisor) Migrate(ctx context.Context, instanceID, targetCompositionID uuid.UUID) error {
	unlock := s.lockInstance(instanceID)
	defer unlock()

	instance, err := s.store.Instance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instanceInFlight(instance) {
		return fmt.Errorf("instance %s: %w", instanceID, ErrAlreadyTransitioning)
	}
	if instance.DeployState != acm.DeployStateDeployed {
		return fmt.Errorf("instance %s is %s, only deployed instances can migrate: %w",
			instanceID, instance.DeployState, ErrCannotTransition)
	}
	targetDef, err := s.store.Definition(ctx, targetCompositionID)
	if err != nil {
		return err
	}

	instance.CompositionTargetID = targetCompositionID
	instance.DeployState = acm.DeployStateMigrating
	instance.Result = acm.ResultNoError
	instance.Message = ""
	for _, element := range instance.Elements {
		element.DeployState = acm.DeployStateMigrating
	}
	if err := s.store.SaveInstance(ctx, instance); err != nil {
		return err
	}

	order := stageOrder(targetDef, instance)
	s.mu.Lock()
	s.stages[instanceID] = order[0]
	s.mu.Unlock()
	s.counter.clear(instanceID)

	if err := s.publishStage(ctx, instance, order[0], ""); err != nil {
		return err
	}
	s.telemetry.WriteTransition(instanceID.String(),
		string(acm.DeployStateDeployed), string(acm.DeployStateMigrating), "supervisor")
	s.logger.Info("migration started",
		"instance_id", instanceID.String(),
		"target_composition_id", targetCompositionID.String(),
		"stages", len(order))
	return nil
}

// Prepare runs pre-deploy preparation on an undeployed instance.
func (s *Supervisor) Prepare(ctx context.Context, instanceID uuid.UUID) error {
	return s.startSubState(ctx, instanceID, acm.SubStatePreparing, uuid.UUID{})
}

// Review re-validates a deployed instance against its definitions.
func (s *Supervisor) Review(ctx context.Context, instanceID uuid.UUID) error {
	return s.startSubState(ctx, instanceID, acm.SubStateReviewing, uuid.UUID{})
}

// MigratePrecheck validates a migration onto the target composition
// without staging anything: the target travels only on the command, never
// onto the stored instance.
func (s *Supervisor) MigratePrecheck(ctx context.Context, instanceID, targetCompositionID uuid.UUID) error {
	if _, err := s.store.Definition(ctx, targetCompositionID); err != nil {
		return err
	}
	return s.startSubState(ctx, instanceID, acm.SubStateMigrationPrechecking, targetCompositionID)
}

func (s *Supervisor) startSubState(ctx context.Context, instanceID uuid.UUID,
	sub acm.SubState, targetCompositionID uuid.UUID) error {

	unlock := s.lockInstance(instanceID)
	defer unlock()

	instance, err := s.store.Instance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instanceInFlight(instance) {
		return fmt.Errorf("instance %s: %w", instanceID, ErrAlreadyTransitioning)
	}
	switch sub {
	case acm.SubStatePreparing:
		if instance.DeployState != acm.DeployStateUndeployed {
			return fmt.Errorf("instance %s is %s, prepare needs UNDEPLOYED: %w",
				instanceID, instance.DeployState, ErrCannotTransition)
		}
	default:
		if instance.DeployState != acm.DeployStateDeployed {
			return fmt.Errorf("instance %s is %s, %s needs DEPLOYED: %w",
				instanceID, instance.DeployState, sub, ErrCannotTransition)
		}
	}

	instance.SubState = sub
	instance.Result = acm.ResultNoError
	instance.Message = ""
	if err := s.store.SaveInstance(ctx, instance); err != nil {
		return err
	}

	s.counter.clear(instanceID)
	if targetCompositionID != (uuid.UUID{}) {
		s.mu.Lock()
		s.prechecks[instanceID] = targetCompositionID
		s.mu.Unlock()
	}

	if err := s.publishSubState(ctx, instance, sub, targetCompositionID); err != nil {
		return err
	}
	s.logger.Info("sub-state operation started",
		"instance_id", instanceID.String(), "sub_state", string(sub))
	return nil
}

// handleMigrationAck folds a stage ack and advances the migration: next
// stage up while migrating, next stage down while rolling back.
func (s *Supervisor) handleMigrationAck(ctx context.Context, instance *acm.AutomationComposition,
	ack messages.Ack) error {

	id := instance.InstanceID
	foldAck(instance, ack)

	targetDef, err := s.store.Definition(ctx, instance.CompositionTargetID)
	if err != nil {
		return err
	}
	order := stageOrder(targetDef, instance)

	s.mu.Lock()
	current, tracked := s.stages[id]
	s.mu.Unlock()
	if !tracked {
		// Recovered after a restart; resume from the sequence boundary.
		current = order[0]
		if instance.SubState == acm.SubStateRollbacking {
			current = order[len(order)-1]
		}
		s.mu.Lock()
		s.stages[id] = current
		s.mu.Unlock()
	}

	if !ack.Success {
		if instance.SubState == acm.SubStateRollbacking {
			// The rollback itself failed. No further automatic recovery.
			instance.Result = acm.ResultFailed
			instance.Message = ack.Message
			if err := s.store.SaveInstance(ctx, instance); err != nil {
				return err
			}
			s.counter.markFault(id)
			s.logger.Error("migration rollback failed",
				"instance_id", id.String(), "stage", current, "message", ack.Message)
			return nil
		}
		return s.beginRollback(ctx, instance, targetDef, current, ack.Message)
	}

	s.counter.touch(id, nowFunc())

	if instance.SubState == acm.SubStateRollbacking {
		if !stageSettled(targetDef, instance, current) {
			return s.store.SaveInstance(ctx, instance)
		}
		prev, ok := prevStage(order, current)
		if !ok {
			return s.finalizeRollback(ctx, instance)
		}
		markStageElements(targetDef, instance, prev, acm.DeployStateMigrating)
		if err := s.store.SaveInstance(ctx, instance); err != nil {
			return err
		}
		s.mu.Lock()
		s.stages[id] = prev
		s.mu.Unlock()
		s.logger.Debug("rolling back migration stage", "instance_id", id.String(), "stage", prev)
		return s.publishStage(ctx, instance, prev, acm.SubStateRollbacking)
	}

	if migrationSettled(instance) {
		return s.completeMigration(ctx, instance)
	}
	if stageSettled(targetDef, instance, current) {
		if next, ok := nextPhase(order, current); ok {
			if err := s.store.SaveInstance(ctx, instance); err != nil {
				return err
			}
			s.mu.Lock()
			s.stages[id] = next
			s.mu.Unlock()
			s.logger.Debug("advancing migration stage", "instance_id", id.String(), "stage", next)
			return s.publishStage(ctx, instance, next, "")
		}
	}
	return s.store.SaveInstance(ctx, instance)
}

// beginRollback flips a failed migration into a stage-by-stage walk back
// onto the source composition, starting with the stage that failed.
func (s *Supervisor) beginRollback(ctx context.Context, instance *acm.AutomationComposition,
	targetDef *acm.CompositionDefinition, stage int, message string) error {

	instance.SubState = acm.SubStateRollbacking
	instance.Result = acm.ResultFailed
	instance.Message = message
	markStageElements(targetDef, instance, stage, acm.DeployStateMigrating)
	if err := s.store.SaveInstance(ctx, instance); err != nil {
		return err
	}
	s.counter.touch(instance.InstanceID, nowFunc())
	s.logger.Warn("migration stage failed, rolling back",
		"instance_id", instance.InstanceID.String(), "stage", stage, "message", message)
	return s.publishStage(ctx, instance, stage, acm.SubStateRollbacking)
}

// completeMigration repoints a fully migrated instance at its target
// composition.
func (s *Supervisor) completeMigration(ctx context.Context, instance *acm.AutomationComposition) error {
	from := instance.CompositionID
	instance.CompositionID = instance.CompositionTargetID
	instance.CompositionTargetID = uuid.UUID{}
	instance.SubState = acm.SubStateNone
	instance.DeployState = acm.DeployStateDeployed
	instance.Result = acm.ResultNoError
	instance.Message = ""

	if err := s.store.SaveInstance(ctx, instance); err != nil {
		return err
	}
	s.clearTracking(instance.InstanceID)

	s.telemetry.WriteTransition(instance.InstanceID.String(),
		string(acm.DeployStateMigrating), string(acm.DeployStateDeployed), "supervisor")
	s.logger.Info("migration complete",
		"instance_id", instance.InstanceID.String(),
		"from_composition_id", from.String(),
		"to_composition_id", instance.CompositionID.String())
	return nil
}

// finalizeRollback settles a rolled-back instance on its source
// composition. The FAILED result is kept so the aborted migration stays
// visible to operators.
func (s *Supervisor) finalizeRollback(ctx context.Context, instance *acm.AutomationComposition) error {
	instance.CompositionTargetID = uuid.UUID{}
	instance.SubState = acm.SubStateNone
	instance.DeployState = acm.DeployStateDeployed
	for _, element := range instance.Elements {
		if element.DeployState == acm.DeployStateMigrating {
			element.DeployState = acm.DeployStateDeployed
		}
	}

	if err := s.store.SaveInstance(ctx, instance); err != nil {
		return err
	}
	s.clearTracking(instance.InstanceID)

	s.telemetry.WriteTransition(instance.InstanceID.String(),
		string(acm.DeployStateMigrating), string(acm.DeployStateDeployed), "rollback")
	s.logger.Warn("migration rolled back",
		"instance_id", instance.InstanceID.String(),
		"composition_id", instance.CompositionID.String())
	return nil
}

// handleSubStateAck folds an ack for a prepare, review or precheck and
// clears the sub state once the operation settles. Review and precheck
// are single-shot: the first successful ack settles them.
func (s *Supervisor) handleSubStateAck(ctx context.Context, instance *acm.AutomationComposition,
	ack messages.Ack) error {

	id := instance.InstanceID
	sub := instance.SubState
	foldAck(instance, ack)

	if !ack.Success {
		instance.SubState = acm.SubStateNone
		instance.Result = acm.ResultFailed
		instance.Message = ack.Message
		if err := s.store.SaveInstance(ctx, instance); err != nil {
			return err
		}
		s.clearTracking(id)
		s.logger.Warn("sub-state operation failed",
			"instance_id", id.String(), "sub_state", string(sub), "message", ack.Message)
		return nil
	}

	s.counter.touch(id, nowFunc())

	if sub == acm.SubStatePreparing && !prepareSettled(instance) {
		return s.store.SaveInstance(ctx, instance)
	}

	instance.SubState = acm.SubStateNone
	instance.Result = acm.ResultNoError
	instance.Message = ""
	if err := s.store.SaveInstance(ctx, instance); err != nil {
		return err
	}
	s.clearTracking(id)
	s.logger.Info("sub-state operation complete",
		"instance_id", id.String(), "sub_state", string(sub))
	return nil
}

// redriveMigration re-publishes the current migration or rollback stage.
func (s *Supervisor) redriveMigration(ctx context.Context, instance *acm.AutomationComposition) error {
	id := instance.InstanceID

	s.mu.Lock()
	stage, ok := s.stages[id]
	s.mu.Unlock()
	if !ok {
		targetDef, err := s.store.Definition(ctx, instance.CompositionTargetID)
		if err != nil {
			return err
		}
		order := stageOrder(targetDef, instance)
		stage = order[0]
		if instance.SubState == acm.SubStateRollbacking {
			stage = order[len(order)-1]
		}
		s.mu.Lock()
		s.stages[id] = stage
		s.mu.Unlock()
	}

	var sub acm.SubState
	if instance.SubState == acm.SubStateRollbacking {
		sub = acm.SubStateRollbacking
	}
	return s.publishStage(ctx, instance, stage, sub)
}

// publishStage sends the deploy command for one migration or rollback
// stage.
func (s *Supervisor) publishStage(ctx context.Context, instance *acm.AutomationComposition,
	stage int, sub acm.SubState) error {

	def, err := s.store.Definition(ctx, instance.CompositionID)
	if err != nil {
		return err
	}
	deploy := buildDeploy(instance, 0, false)
	deploy.Stage = stage
	deploy.CompositionTargetID = instance.CompositionTargetID
	deploy.SubState = sub

	messageID, err := s.publisher.Deploy(instance, def.RevisionID, deploy)
	if err != nil {
		return err
	}
	s.logger.Debug("migration stage published",
		"instance_id", instance.InstanceID.String(), "stage", stage,
		"message_id", messageID.String())
	return nil
}

// publishSubState sends prepare, review or precheck commands, one per
// declared start phase so the participant-side phase filter reaches every
// element. Ordering between phases does not matter for these operations.
func (s *Supervisor) publishSubState(ctx context.Context, instance *acm.AutomationComposition,
	sub acm.SubState, targetCompositionID uuid.UUID) error {

	def, err := s.store.Definition(ctx, instance.CompositionID)
	if err != nil {
		return err
	}
	phases, err := s.phaseOrder(ctx, instance, acm.StateUninitialised2Passive)
	if err != nil {
		return err
	}

	for i, phase := range phases {
		// Prepare runs against an instance the participant has never seen;
		// only its first command initialises one.
		deploy := buildDeploy(instance, phase, i == 0 && sub == acm.SubStatePreparing)
		deploy.SubState = sub
		deploy.CompositionTargetID = targetCompositionID

		messageID, err := s.publisher.Deploy(instance, def.RevisionID, deploy)
		if err != nil {
			return err
		}
		s.logger.Debug("sub-state command published",
			"instance_id", instance.InstanceID.String(), "sub_state", string(sub),
			"phase", phase, "message_id", messageID.String())
	}
	return nil
}

// clearTracking drops all per-instance bookkeeping once an operation
// settles.
func (s *Supervisor) clearTracking(instanceID uuid.UUID) {
	s.counter.clear(instanceID)
	s.mu.Lock()
	delete(s.stages, instanceID)
	delete(s.prechecks, instanceID)
	s.mu.Unlock()
}

// instanceInFlight reports whether any operation is outstanding against
// an instance: a supervision transition, a migration or rollback, or a
// sub-state operation.
func instanceInFlight(instance *acm.AutomationComposition) bool {
	if instance.State.Transitional() {
		return true
	}
	if instance.CompositionTargetID != (uuid.UUID{}) {
		return true
	}
	switch instance.SubState {
	case acm.SubStatePreparing, acm.SubStateReviewing,
		acm.SubStateMigrationPrechecking, acm.SubStateRollbacking:
		return true
	}
	return false
}

// stageOrder returns the distinct migration stages declared by the target
// definitions of an instance's elements, ascending. Elements declaring no
// stages run in stage 0.
func stageOrder(targetDef *acm.CompositionDefinition, instance *acm.AutomationComposition) []int {
	seen := map[int]struct{}{}
	for _, element := range instance.Elements {
		for _, stage := range elementStages(targetDef, element) {
			seen[stage] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return []int{0}
	}
	stages := make([]int, 0, len(seen))
	for stage := range seen {
		stages = append(stages, stage)
	}
	sort.Ints(stages)
	return stages
}

// elementStages resolves the stages an element runs in through the target
// definition.
func elementStages(def *acm.CompositionDefinition, element *acm.Element) []int {
	if defElement, ok := def.Elements[element.DefinitionID]; ok {
		return acm.Stages(defElement.CommonProperties)
	}
	return []int{0}
}

func declaresStage(stages []int, stage int) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}

// markStageElements puts every element declaring the stage into the given
// deploy state.
func markStageElements(def *acm.CompositionDefinition, instance *acm.AutomationComposition,
	stage int, state acm.DeployState) {

	for _, element := range instance.Elements {
		if declaresStage(elementStages(def, element), stage) {
			element.DeployState = state
		}
	}
}

// stageSettled reports whether every element declaring the stage has
// reached DEPLOYED.
func stageSettled(def *acm.CompositionDefinition, instance *acm.AutomationComposition, stage int) bool {
	for _, element := range instance.Elements {
		if !declaresStage(elementStages(def, element), stage) {
			continue
		}
		if element.DeployState != acm.DeployStateDeployed {
			return false
		}
	}
	return true
}

// migrationSettled reports whether every element has landed on the target.
func migrationSettled(instance *acm.AutomationComposition) bool {
	for _, element := range instance.Elements {
		if element.DeployState != acm.DeployStateDeployed {
			return false
		}
	}
	return true
}

// prepareSettled reports whether every element has finished preparation.
func prepareSettled(instance *acm.AutomationComposition) bool {
	for _, element := range instance.Elements {
		if element.DeployState != acm.DeployStateUndeployed {
			return false
		}
	}
	return true
}

// prevStage returns the stage before current in ascending order.
func prevStage(stages []int, current int) (int, bool) {
	for i, stage := range stages {
		if stage == current && i > 0 {
			return stages[i-1], true
		}
	}
	return 0, false
}

package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
	"github.com/stratoline/acm-core/internal/messages"
)

// Telemetry is the optional metrics sink. *influxdb.Client satisfies it;
// a nil-safe noop is used when telemetry is disabled.
type Telemetry interface {
	WriteTransition(instanceID, fromState, toState, source string)
	WriteScan(instancesScanned, redriven, timedOut int, durationMS float64)
}

type noopTelemetry struct{}

func (noopTelemetry) WriteTransition(string, string, string, string) {}
func (noopTelemetry) WriteScan(int, int, int, float64)               {}

// Supervisor drives instances through the supervision state machine:
// UNINITIALISED <-> PASSIVE <-> RUNNING, with transitional A2B states
// while participant commands are outstanding.
//
// A transitional state acts as a lock: requests against an instance
// already in transition are rejected, never queued. State is persisted
// before the command publishes, so a crash between the two leaves a
// transitional instance the scanner will re-drive rather than a command
// the store knows nothing about.
type Supervisor struct {
	store     *Store
	publisher *Publisher
	telemetry Telemetry
	logger    Logger

	// counter tracks retry budget and wait windows per instance; shared
	// with the scanner.
	counter *handleCounter[uuid.UUID]

	mu     sync.Mutex
	locks  map[uuid.UUID]*sync.Mutex
	phases map[uuid.UUID]int

	// stages tracks the current migration stage per instance, the
	// migration-side counterpart of phases.
	stages map[uuid.UUID]int

	// prechecks remembers the target composition of an in-flight migration
	// precheck, which deliberately never lands on the stored instance.
	prechecks map[uuid.UUID]uuid.UUID
}

// NewSupervisor wires a supervisor over its collaborators. maxRetries and
// maxWait set the re-drive budget shared with the scanner; telemetry may
// be nil.
func NewSupervisor(store *Store, publisher *Publisher, maxRetries int, maxWait time.Duration,
	telemetry Telemetry, logger Logger) *Supervisor {

	if telemetry == nil {
		telemetry = noopTelemetry{}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Supervisor{
		store:     store,
		publisher: publisher,
		telemetry: telemetry,
		logger:    logger,
		counter:   newHandleCounter[uuid.UUID](maxRetries, maxWait),
		locks:     make(map[uuid.UUID]*sync.Mutex),
		phases:    make(map[uuid.UUID]int),
		stages:    make(map[uuid.UUID]int),
		prechecks: make(map[uuid.UUID]uuid.UUID),
	}
}

// lockInstance serialises operations per instance id. Different instances
// proceed concurrently.
func (s *Supervisor) lockInstance(instanceID uuid.UUID) func() {
	s.mu.Lock()
	lock, ok := s.locks[instanceID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[instanceID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Commission stores a composition definition and primes participants.
func (s *Supervisor) Commission(ctx context.Context, def *acm.CompositionDefinition) error {
	if err := s.store.SaveDefinition(ctx, def); err != nil {
		return err
	}
	return s.publisher.Prime(def)
}

// Decommission removes a composition definition and deprimes
// participants. Refused while instances still reference the composition.
func (s *Supervisor) Decommission(ctx context.Context, compositionID uuid.UUID) error {
	instances, err := s.store.InstancesByComposition(ctx, compositionID)
	if err != nil {
		return err
	}
	if len(instances) > 0 {
		return fmt.Errorf("composition %s has %d instances: %w",
			compositionID, len(instances), ErrCannotTransition)
	}
	if err := s.store.DeleteDefinition(ctx, compositionID); err != nil {
		return err
	}
	return s.publisher.Deprime(compositionID)
}

// CreateInstance stores a new instance in UNINITIALISED with every element
// UNDEPLOYED. The composition must be commissioned first.
func (s *Supervisor) CreateInstance(ctx context.Context, instance *acm.AutomationComposition) error {
	if _, err := s.store.Definition(ctx, instance.CompositionID); err != nil {
		return err
	}
	instance.State = acm.StateUninitialised
	instance.OrderedState = acm.OrderedUninitialised
	instance.DeployState = acm.DeployStateUndeployed
	instance.LockState = acm.LockStateNone
	instance.Result = acm.ResultNoError
	for _, element := range instance.Elements {
		element.DeployState = acm.DeployStateUndeployed
		element.LockState = acm.LockStateNone
	}
	return s.store.SaveInstance(ctx, instance)
}

// RemoveInstance deletes an UNINITIALISED instance from the store.
func (s *Supervisor) RemoveInstance(ctx context.Context, instanceID uuid.UUID) error {
	unlock := s.lockInstance(instanceID)
	defer unlock()

	instance, err := s.store.Instance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.State != acm.StateUninitialised {
		return &TransitionError{
			InstanceID: instanceID,
			From:       instance.State,
			Requested:  acm.OrderedUninitialised,
			Err:        fmt.Errorf("%w: only UNINITIALISED instances can be removed", ErrCannotTransition),
		}
	}
	s.counter.clear(instanceID)
	return s.store.DeleteInstance(ctx, instanceID)
}

// RequestTransition validates and starts a supervision transition towards
// the ordered state. On success the instance is persisted in the
// transitional state and the first phase command is on the bus.
func (s *Supervisor) RequestTransition(ctx context.Context, instanceID uuid.UUID, ordered acm.OrderedState) error {
	unlock := s.lockInstance(instanceID)
	defer unlock()

	instance, err := s.store.Instance(ctx, instanceID)
	if err != nil {
		return err
	}

	reject := func(reason error) error {
		return &TransitionError{
			InstanceID: instanceID,
			From:       instance.State,
			Requested:  ordered,
			Err:        reason,
		}
	}

	if instance.State.Transitional() {
		return reject(ErrAlreadyTransitioning)
	}
	if instance.State == ordered.AsState() {
		return reject(ErrAlreadyInState)
	}
	target := ordered.Target(instance.State)
	if target == instance.State {
		return reject(ErrCannotTransition)
	}

	from := instance.State
	instance.State = target
	instance.OrderedState = ordered
	instance.Result = acm.ResultNoError
	markElements(instance, target)

	// Persist before publish. A crash after the save leaves a transitional
	// instance for the scanner to re-drive.
	if err := s.store.SaveInstance(ctx, instance); err != nil {
		return err
	}

	phases, err := s.phaseOrder(ctx, instance, target)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.phases[instanceID] = phases[0]
	s.mu.Unlock()
	s.counter.clear(instanceID)

	if err := s.publishPhase(ctx, instance, phases[0], true); err != nil {
		return err
	}

	s.telemetry.WriteTransition(instanceID.String(), string(from), string(target), "supervisor")
	s.logger.Info("transition started",
		"instance_id", instanceID.String(), "from", string(from), "to", string(target))
	return nil
}

// Redrive re-publishes the current command for an instance with an
// operation in flight: the current phase of a supervision transition, the
// current stage of a migration or rollback, or a sub-state command.
// Called by the scanner when an ack is overdue.
func (s *Supervisor) Redrive(ctx context.Context, instanceID uuid.UUID) error {
	unlock := s.lockInstance(instanceID)
	defer unlock()

	instance, err := s.store.Instance(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.CompositionTargetID != (uuid.UUID{}) {
		return s.redriveMigration(ctx, instance)
	}
	switch instance.SubState {
	case acm.SubStatePreparing, acm.SubStateReviewing, acm.SubStateMigrationPrechecking:
		s.mu.Lock()
		target := s.prechecks[instanceID]
		s.mu.Unlock()
		return s.publishSubState(ctx, instance, instance.SubState, target)
	}

	if !instance.State.Transitional() {
		return nil
	}

	phases, err := s.phaseOrder(ctx, instance, instance.State)
	if err != nil {
		return err
	}

	s.mu.Lock()
	phase, ok := s.phases[instanceID]
	if !ok {
		// Recovered after a restart: start the transition's phase sequence
		// over from the beginning. Participants merge rather than replace
		// on re-initialisation, so no reported state is lost.
		phase = phases[0]
		s.phases[instanceID] = phase
	}
	s.mu.Unlock()

	first := phase == phases[0] && instance.State == acm.StateUninitialised2Passive
	return s.publishPhase(ctx, instance, phase, first)
}

// MarkTimeout flags an instance whose in-flight operation exhausted its
// retry budget. The transitional deploy state is kept so operators can
// see what was in flight; only the result records the timeout.
func (s *Supervisor) MarkTimeout(ctx context.Context, instanceID uuid.UUID) error {
	unlock := s.lockInstance(instanceID)
	defer unlock()

	instance, err := s.store.Instance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !instanceInFlight(instance) {
		return nil
	}
	instance.Result = acm.ResultTimeout
	if err := s.store.SaveInstance(ctx, instance); err != nil {
		return err
	}
	s.counter.markFault(instanceID)
	s.logger.Error("transition timed out",
		"instance_id", instanceID.String(), "state", string(instance.State))
	return nil
}

// HandleAck applies a participant's reported element states and advances
// or completes the in-flight operation. Duplicate or late acks for an
// instance with nothing in flight are ignored, as are acks carrying a
// revision that no longer matches the stored instance.
func (s *Supervisor) HandleAck(ctx context.Context, env messages.Envelope) error {
	ack, err := messages.Payload[messages.Ack](env)
	if err != nil {
		return err
	}

	unlock := s.lockInstance(env.InstanceID)
	defer unlock()

	instance, err := s.store.Instance(ctx, env.InstanceID)
	if err != nil {
		return err
	}
	if env.InstanceRevision != nil && *env.InstanceRevision != instance.RevisionID {
		s.logger.Debug("ignoring ack for superseded revision",
			"instance_id", env.InstanceID.String(),
			"ack_revision", env.InstanceRevision.String(),
			"revision", instance.RevisionID.String())
		return nil
	}

	if instance.CompositionTargetID != (uuid.UUID{}) {
		return s.handleMigrationAck(ctx, instance, ack)
	}
	switch instance.SubState {
	case acm.SubStatePreparing, acm.SubStateReviewing, acm.SubStateMigrationPrechecking:
		return s.handleSubStateAck(ctx, instance, ack)
	}

	if !instance.State.Transitional() {
		s.logger.Debug("ignoring ack outside transition",
			"instance_id", env.InstanceID.String(), "state", string(instance.State))
		return nil
	}

	foldAck(instance, ack)

	if !ack.Success {
		instance.Result = acm.ResultFailed
		instance.Message = ack.Message
		if err := s.store.SaveInstance(ctx, instance); err != nil {
			return err
		}
		s.counter.markFault(env.InstanceID)
		s.logger.Warn("transition reported failure",
			"instance_id", env.InstanceID.String(), "message", ack.Message)
		return nil
	}

	s.counter.touch(env.InstanceID, nowFunc())

	if s.transitionComplete(instance) {
		return s.completeTransition(ctx, instance)
	}

	advanced, err := s.maybeAdvancePhase(ctx, instance)
	if err != nil {
		return err
	}
	if !advanced {
		// Mid-phase progress: persist the element states and keep waiting.
		return s.store.SaveInstance(ctx, instance)
	}
	return nil
}

// completeTransition settles a transitional instance into its target
// stable state.
func (s *Supervisor) completeTransition(ctx context.Context, instance *acm.AutomationComposition) error {
	from := instance.State
	instance.State = instance.OrderedState.AsState()
	instance.Result = acm.ResultNoError
	instance.Message = ""
	settleInstance(instance)

	if err := s.store.SaveInstance(ctx, instance); err != nil {
		return err
	}
	s.counter.clear(instance.InstanceID)

	s.mu.Lock()
	delete(s.phases, instance.InstanceID)
	s.mu.Unlock()

	s.telemetry.WriteTransition(instance.InstanceID.String(),
		string(from), string(instance.State), "supervisor")
	s.logger.Info("transition complete",
		"instance_id", instance.InstanceID.String(),
		"from", string(from), "to", string(instance.State))
	return nil
}

// maybeAdvancePhase publishes the next phase command when every element of
// the current phase has settled. Returns true if a command went out.
func (s *Supervisor) maybeAdvancePhase(ctx context.Context, instance *acm.AutomationComposition) (bool, error) {
	def, err := s.store.Definition(ctx, instance.CompositionID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	current, ok := s.phases[instance.InstanceID]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	for _, element := range instance.Elements {
		if elementPhase(def, element) != current {
			continue
		}
		if !elementSettled(instance, element) {
			return false, nil
		}
	}

	phases, err := s.phaseOrder(ctx, instance, instance.State)
	if err != nil {
		return false, err
	}
	next, ok := nextPhase(phases, current)
	if !ok {
		return false, nil
	}

	if err := s.store.SaveInstance(ctx, instance); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.phases[instance.InstanceID] = next
	s.mu.Unlock()

	s.logger.Debug("advancing phase",
		"instance_id", instance.InstanceID.String(), "phase", next)
	return true, s.publishPhase(ctx, instance, next, false)
}

// publishPhase sends the command for one start phase of the current
// transition.
func (s *Supervisor) publishPhase(ctx context.Context, instance *acm.AutomationComposition, phase int, first bool) error {
	switch instance.State {
	case acm.StateUninitialised2Passive:
		def, err := s.store.Definition(ctx, instance.CompositionID)
		if err != nil {
			return err
		}
		deploy := buildDeploy(instance, phase, first)
		messageID, err := s.publisher.Deploy(instance, def.RevisionID, deploy)
		if err != nil {
			return err
		}
		s.logger.Debug("deploy published",
			"instance_id", instance.InstanceID.String(),
			"phase", phase, "message_id", messageID.String())
		return nil

	case acm.StatePassive2Running, acm.StateRunning2Passive, acm.StatePassive2Uninitialised:
		messageID, err := s.publisher.StateChange(instance, messages.StateChange{
			OrderedState:    instance.OrderedState,
			StartPhase:      phase,
			FirstStartPhase: first,
		})
		if err != nil {
			return err
		}
		s.logger.Debug("state change published",
			"instance_id", instance.InstanceID.String(),
			"phase", phase, "message_id", messageID.String())
		return nil

	default:
		return nil
	}
}

// phaseOrder returns the distinct start phases of an instance's elements
// in execution order: ascending for deploy-direction transitions,
// descending for teardown-direction ones. Instances with no declared
// phases run a single phase 0.
func (s *Supervisor) phaseOrder(ctx context.Context, instance *acm.AutomationComposition,
	target acm.CompositionState) ([]int, error) {

	def, err := s.store.Definition(ctx, instance.CompositionID)
	if err != nil {
		return nil, err
	}

	seen := map[int]struct{}{}
	for _, element := range instance.Elements {
		seen[elementPhase(def, element)] = struct{}{}
	}
	if len(seen) == 0 {
		return []int{0}, nil
	}

	phases := make([]int, 0, len(seen))
	for phase := range seen {
		phases = append(phases, phase)
	}

	// Deploy and unlock walk phases upward; lock and undeploy walk them
	// downward so dependents quiesce before their dependencies.
	ascending := target == acm.StateUninitialised2Passive || target == acm.StatePassive2Running
	sort.Slice(phases, func(i, j int) bool {
		if ascending {
			return phases[i] < phases[j]
		}
		return phases[i] > phases[j]
	})
	return phases, nil
}

// elementPhase resolves an element's start phase through the definition.
func elementPhase(def *acm.CompositionDefinition, element *acm.Element) int {
	if defElement, ok := def.Elements[element.DefinitionID]; ok {
		return acm.StartPhase(defElement.CommonProperties)
	}
	return 0
}

// foldAck folds a participant's reported element states into the stored
// instance. Empty fields mean "unchanged", never "cleared".
func foldAck(instance *acm.AutomationComposition, ack messages.Ack) {
	for elementID, elAck := range ack.Elements {
		element, ok := instance.Elements[elementID]
		if !ok {
			continue
		}
		if elAck.DeployState != "" {
			element.DeployState = elAck.DeployState
		}
		if elAck.LockState != "" {
			element.LockState = elAck.LockState
		}
		if elAck.UseState != "" {
			element.UseState = elAck.UseState
		}
		if elAck.OperationalState != "" {
			element.OperationalState = elAck.OperationalState
		}
		if elAck.OutProperties != nil {
			element.OutProperties = elAck.OutProperties
		}
		element.Message = elAck.Message
	}
}

// markElements puts every element into the transitional state matching the
// instance-level transition.
func markElements(instance *acm.AutomationComposition, target acm.CompositionState) {
	for _, element := range instance.Elements {
		switch target {
		case acm.StateUninitialised2Passive:
			element.DeployState = acm.DeployStateDeploying
		case acm.StatePassive2Running:
			element.LockState = acm.LockStateUnlocking
		case acm.StateRunning2Passive:
			element.LockState = acm.LockStateLocking
		case acm.StatePassive2Uninitialised:
			element.DeployState = acm.DeployStateUndeploying
		}
	}
}

// elementSettled reports whether an element has reached the stable state
// the current transition targets.
func elementSettled(instance *acm.AutomationComposition, element *acm.Element) bool {
	switch instance.State {
	case acm.StateUninitialised2Passive:
		return element.DeployState == acm.DeployStateDeployed
	case acm.StatePassive2Running:
		return element.LockState == acm.LockStateUnlocked
	case acm.StateRunning2Passive:
		return element.LockState == acm.LockStateLocked
	case acm.StatePassive2Uninitialised:
		return element.DeployState == acm.DeployStateUndeployed
	default:
		return true
	}
}

// transitionComplete reports whether every element has settled.
func (s *Supervisor) transitionComplete(instance *acm.AutomationComposition) bool {
	for _, element := range instance.Elements {
		if !elementSettled(instance, element) {
			return false
		}
	}
	return true
}

// settleInstance lifts the settled element states to the instance level.
func settleInstance(instance *acm.AutomationComposition) {
	switch instance.State {
	case acm.StatePassive:
		instance.DeployState = acm.DeployStateDeployed
		instance.LockState = acm.LockStateLocked
	case acm.StateRunning:
		instance.DeployState = acm.DeployStateDeployed
		instance.LockState = acm.LockStateUnlocked
	case acm.StateUninitialised:
		instance.DeployState = acm.DeployStateUndeployed
		instance.LockState = acm.LockStateNone
	}
}

// buildDeploy slices the instance per participant for a deploy command.
func buildDeploy(instance *acm.AutomationComposition, phase int, first bool) messages.Deploy {
	byParticipant := map[uuid.UUID][]acm.ElementDeploy{}
	for _, element := range instance.Elements {
		byParticipant[element.ParticipantID] = append(byParticipant[element.ParticipantID],
			acm.ElementDeploy{
				ID:           element.ID,
				DefinitionID: element.DefinitionID,
				Properties:   element.Properties,
			})
	}

	deploy := messages.Deploy{
		StartPhase:      phase,
		FirstStartPhase: first,
	}
	for participantID, elements := range byParticipant {
		deploy.Participants = append(deploy.Participants, messages.ParticipantDeploy{
			ParticipantID: participantID,
			Elements:      elements,
		})
	}
	return deploy
}

// nextPhase returns the phase after current in execution order.
func nextPhase(phases []int, current int) (int, bool) {
	for i, phase := range phases {
		if phase == current && i+1 < len(phases) {
			return phases[i+1], true
		}
	}
	return 0, false
}

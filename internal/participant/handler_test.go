package participant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
	"github.com/stratoline/acm-core/internal/messages"
)

// fakeBus records published envelopes for assertions.
type fakeBus struct {
	mu        sync.Mutex
	envelopes []messages.Envelope
}

func (b *fakeBus) PublishDefault(topic string, payload []byte) error {
	env, err := messages.Decode(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.envelopes = append(b.envelopes, env)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) byKind(kind messages.Kind) []messages.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []messages.Envelope
	for _, env := range b.envelopes {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

// waitByKind polls until at least n envelopes of the kind arrive or the
// deadline expires.
func (b *fakeBus) waitByKind(t *testing.T, kind messages.Kind, n int) []messages.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		envs := b.byKind(kind)
		if len(envs) >= n {
			return envs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s envelopes, have %d", n, kind, len(b.byKind(kind)))
	return nil
}

// fakeElement records lifecycle calls and injects errors per callback.
type fakeElement struct {
	Base
	mu    sync.Mutex
	calls []string
	errOn map[string]error
}

func (f *fakeElement) record(name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	err := f.errOn[name]
	f.mu.Unlock()
	return err
}

func (f *fakeElement) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (f *fakeElement) Deploy(context.Context, acm.CompositionElement, acm.InstanceElement) error {
	return f.record("deploy")
}
func (f *fakeElement) Undeploy(context.Context, acm.CompositionElement, acm.InstanceElement) error {
	return f.record("undeploy")
}
func (f *fakeElement) Lock(context.Context, acm.CompositionElement, acm.InstanceElement) error {
	return f.record("lock")
}
func (f *fakeElement) Unlock(context.Context, acm.CompositionElement, acm.InstanceElement) error {
	return f.record("unlock")
}
func (f *fakeElement) Delete(context.Context, acm.CompositionElement, acm.InstanceElement) error {
	return f.record("delete")
}
func (f *fakeElement) Update(context.Context, acm.CompositionElement, acm.InstanceElement) error {
	return f.record("update")
}
func (f *fakeElement) Prime(context.Context, acm.CompositionDefinition) error {
	return f.record("prime")
}
func (f *fakeElement) Deprime(context.Context, uuid.UUID) error {
	return f.record("deprime")
}
func (f *fakeElement) Migrate(context.Context, acm.CompositionElement, acm.CompositionElement, acm.InstanceElement, int) error {
	return f.record("migrate")
}
func (f *fakeElement) MigratePrecheck(context.Context, acm.CompositionElement, acm.CompositionElement, acm.InstanceElement) error {
	return f.record("precheck")
}
func (f *fakeElement) Review(context.Context, acm.CompositionElement, acm.InstanceElement) error {
	return f.record("review")
}
func (f *fakeElement) Prepare(context.Context, acm.CompositionElement, acm.InstanceElement) error {
	return f.record("prepare")
}
func (f *fakeElement) RollbackMigration(context.Context, acm.CompositionElement, acm.InstanceElement, int) error {
	return f.record("rollback")
}

type harness struct {
	cache    *Cache
	bus      *fakeBus
	element  *fakeElement
	handler  *Handler
	listener *Listener
	executor *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cache := testCache()
	bus := &fakeBus{}
	element := &fakeElement{errOn: map[string]error{}}
	publisher := NewPublisher(bus, cache.Identity(), nil)
	executor := NewExecutor(2, nil)
	intermediary := NewIntermediary(cache, publisher, nil)
	handler := NewHandler(cache, publisher, executor, intermediary, element, nil)
	listener := NewListener(cache, handler, nil)

	executor.Start(context.Background())
	t.Cleanup(executor.Stop)

	return &harness{
		cache:    cache,
		bus:      bus,
		element:  element,
		handler:  handler,
		listener: listener,
		executor: executor,
	}
}

// prime commissions a composition with a single element definition and
// waits for the ack.
func (h *harness) prime(t *testing.T, compositionID uuid.UUID, defID acm.DefinitionID, common map[string]any) {
	t.Helper()
	env, _ := messages.New(messages.KindPrime, messages.Prime{
		Elements: []acm.ElementDefinition{{DefinitionID: defID, CommonProperties: common}},
	})
	env.CompositionID = compositionID
	rev := uuid.New()
	env.CompositionRevision = &rev
	h.handler.HandlePrime(env)
	h.bus.waitByKind(t, messages.KindPrimeAck, 1)
}

// deploy sends a single-element first-phase deploy and returns the
// element id.
func (h *harness) deploy(t *testing.T, compositionID, instanceID uuid.UUID, defID acm.DefinitionID) uuid.UUID {
	t.Helper()
	elementID := uuid.New()
	env, _ := messages.New(messages.KindDeploy, messages.Deploy{
		Participants: []messages.ParticipantDeploy{{
			ParticipantID: h.cache.Identity().ParticipantID,
			Elements: []acm.ElementDeploy{{
				ID:           elementID,
				DefinitionID: defID,
				Properties:   map[string]any{"input": 1},
			}},
		}},
		FirstStartPhase: true,
	})
	env.CompositionID = compositionID
	env.InstanceID = instanceID
	h.handler.HandleDeploy(env)
	return elementID
}

func TestHandlerRegisterAck(t *testing.T) {
	h := newHarness(t)

	env, _ := messages.New(messages.KindParticipantRegisterAck, messages.ParticipantAck{Success: true})
	h.handler.HandleRegisterAck(env)
	if !h.cache.Registered() {
		t.Error("successful ack should mark the participant registered")
	}

	env, _ = messages.New(messages.KindParticipantRegisterAck, messages.ParticipantAck{Success: false, Message: "no"})
	h.handler.HandleRegisterAck(env)
	if h.cache.Registered() {
		t.Error("rejected ack should clear the registered flag")
	}
}

func TestHandlerPrimeAcksAndCaches(t *testing.T) {
	h := newHarness(t)
	compositionID := uuid.New()
	defID := acm.DefinitionID{Name: "element", Version: "1.0.0"}

	h.prime(t, compositionID, defID, nil)

	acks := h.bus.byKind(messages.KindPrimeAck)
	ack, err := messages.Payload[messages.ParticipantAck](acks[0])
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Success || ack.State != "PRIMED" {
		t.Errorf("ack = %+v, want success PRIMED", ack)
	}
	if !h.element.called("prime") {
		t.Error("Prime callback should run")
	}
	if _, ok := h.cache.Definition(compositionID); !ok {
		t.Error("definitions should be cached")
	}
}

func TestHandlerPrimeFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.element.errOn["prime"] = errors.New("boom")
	compositionID := uuid.New()

	h.prime(t, compositionID, acm.DefinitionID{Name: "e", Version: "1"}, nil)

	acks := h.bus.byKind(messages.KindPrimeAck)
	ack, _ := messages.Payload[messages.ParticipantAck](acks[0])
	if ack.Success {
		t.Error("ack should report failure")
	}
	if _, ok := h.cache.Definition(compositionID); ok {
		t.Error("failed prime should not leave definitions cached")
	}
}

func TestHandlerDeployHappyPath(t *testing.T) {
	h := newHarness(t)
	compositionID := uuid.New()
	instanceID := uuid.New()
	defID := acm.DefinitionID{Name: "element", Version: "1.0.0"}

	h.prime(t, compositionID, defID, nil)
	elementID := h.deploy(t, compositionID, instanceID, defID)

	acks := h.bus.waitByKind(t, messages.KindAck, 1)
	ack, _ := messages.Payload[messages.Ack](acks[0])
	if !ack.Success {
		t.Fatalf("deploy ack should succeed: %+v", ack)
	}
	elAck, ok := ack.Elements[elementID]
	if !ok {
		t.Fatal("ack should carry the element outcome")
	}
	if elAck.DeployState != acm.DeployStateDeployed {
		t.Errorf("element DeployState = %s, want DEPLOYED", elAck.DeployState)
	}
	if ack.DeployState != acm.DeployStateDeployed {
		t.Errorf("instance DeployState = %s, want DEPLOYED", ack.DeployState)
	}
	if !h.element.called("deploy") {
		t.Error("Deploy callback should run")
	}

	instance, ok := h.cache.Instance(instanceID)
	if !ok || instance.DeployState != acm.DeployStateDeployed {
		t.Error("cached instance should settle in DEPLOYED")
	}
}

func TestHandlerDeployFailureReportsUndeployed(t *testing.T) {
	h := newHarness(t)
	h.element.errOn["deploy"] = errors.New("device unreachable")
	compositionID := uuid.New()
	instanceID := uuid.New()
	defID := acm.DefinitionID{Name: "element", Version: "1.0.0"}

	h.prime(t, compositionID, defID, nil)
	elementID := h.deploy(t, compositionID, instanceID, defID)

	acks := h.bus.waitByKind(t, messages.KindAck, 1)
	ack, _ := messages.Payload[messages.Ack](acks[0])
	if ack.Success {
		t.Error("failed deploy should ack failure")
	}
	if got := ack.Elements[elementID].DeployState; got != acm.DeployStateUndeployed {
		t.Errorf("failed element DeployState = %s, want UNDEPLOYED", got)
	}
}

func TestHandlerDeployHeldUntilPrime(t *testing.T) {
	h := newHarness(t)
	compositionID := uuid.New()
	instanceID := uuid.New()
	defID := acm.DefinitionID{Name: "element", Version: "1.0.0"}

	// Deploy before the prime: must be held, not executed.
	h.deploy(t, compositionID, instanceID, defID)
	if h.element.called("deploy") {
		t.Fatal("deploy must not run before definitions arrive")
	}
	if h.cache.HeldCount() != 1 {
		t.Fatalf("HeldCount = %d, want 1", h.cache.HeldCount())
	}

	// The prime replays the held deploy.
	h.prime(t, compositionID, defID, nil)
	h.bus.waitByKind(t, messages.KindAck, 1)
	if !h.element.called("deploy") {
		t.Error("held deploy should replay after prime")
	}
	if h.cache.HeldCount() != 0 {
		t.Error("held queue should drain after replay")
	}
}

func TestHandlerDeployIgnoresOtherParticipants(t *testing.T) {
	h := newHarness(t)
	compositionID := uuid.New()

	env, _ := messages.New(messages.KindDeploy, messages.Deploy{
		Participants: []messages.ParticipantDeploy{{
			ParticipantID: uuid.New(), // someone else's slice
			Elements:      []acm.ElementDeploy{{ID: uuid.New()}},
		}},
		FirstStartPhase: true,
	})
	env.CompositionID = compositionID
	env.InstanceID = uuid.New()
	h.handler.HandleDeploy(env)

	if h.cache.InstanceCount() != 0 {
		t.Error("deploy without our slice should be ignored entirely")
	}
}

func TestHandlerStateChangeLockUnlock(t *testing.T) {
	h := newHarness(t)
	compositionID := uuid.New()
	instanceID := uuid.New()
	defID := acm.DefinitionID{Name: "element", Version: "1.0.0"}

	h.prime(t, compositionID, defID, nil)
	elementID := h.deploy(t, compositionID, instanceID, defID)
	h.bus.waitByKind(t, messages.KindAck, 1)

	unlock, _ := messages.New(messages.KindStateChange, messages.StateChange{
		OrderedState: acm.OrderedRunning, FirstStartPhase: true,
	})
	unlock.CompositionID = compositionID
	unlock.InstanceID = instanceID
	h.handler.HandleStateChange(unlock)

	acks := h.bus.waitByKind(t, messages.KindAck, 2)
	ack, _ := messages.Payload[messages.Ack](acks[1])
	if !ack.Success {
		t.Fatalf("unlock should succeed: %+v", ack)
	}
	if got := ack.Elements[elementID].LockState; got != acm.LockStateUnlocked {
		t.Errorf("LockState = %s, want UNLOCKED", got)
	}
	if !h.element.called("unlock") {
		t.Error("Unlock callback should run")
	}

	lock, _ := messages.New(messages.KindStateChange, messages.StateChange{
		OrderedState: acm.OrderedPassive, FirstStartPhase: true,
	})
	lock.CompositionID = compositionID
	lock.InstanceID = instanceID
	h.handler.HandleStateChange(lock)

	acks = h.bus.waitByKind(t, messages.KindAck, 3)
	ack, _ = messages.Payload[messages.Ack](acks[2])
	if got := ack.Elements[elementID].LockState; got != acm.LockStateLocked {
		t.Errorf("LockState = %s, want LOCKED", got)
	}
}

func TestHandlerStateChangeUndeploy(t *testing.T) {
	h := newHarness(t)
	compositionID := uuid.New()
	instanceID := uuid.New()
	defID := acm.DefinitionID{Name: "element", Version: "1.0.0"}

	h.prime(t, compositionID, defID, nil)
	elementID := h.deploy(t, compositionID, instanceID, defID)
	h.bus.waitByKind(t, messages.KindAck, 1)

	undeploy, _ := messages.New(messages.KindStateChange, messages.StateChange{
		OrderedState: acm.OrderedUninitialised, FirstStartPhase: true,
	})
	undeploy.CompositionID = compositionID
	undeploy.InstanceID = instanceID
	h.handler.HandleStateChange(undeploy)

	acks := h.bus.waitByKind(t, messages.KindAck, 2)
	ack, _ := messages.Payload[messages.Ack](acks[1])
	if got := ack.Elements[elementID].DeployState; got != acm.DeployStateUndeployed {
		t.Errorf("DeployState = %s, want UNDEPLOYED", got)
	}
	if !h.element.called("undeploy") {
		t.Error("Undeploy callback should run")
	}
}

func TestHandlerStateChangeUnknownInstanceUndeployIdempotent(t *testing.T) {
	h := newHarness(t)

	env, _ := messages.New(messages.KindStateChange, messages.StateChange{
		OrderedState: acm.OrderedUninitialised,
	})
	env.InstanceID = uuid.New()
	h.handler.HandleStateChange(env)

	acks := h.bus.waitByKind(t, messages.KindAck, 1)
	ack, _ := messages.Payload[messages.Ack](acks[0])
	if !ack.Success {
		t.Error("undeploy of an unknown instance should ack success")
	}
	if h.element.called("undeploy") {
		t.Error("no callback should run for an unknown instance")
	}
}

func TestHandlerStateChangeNotDeployedRejected(t *testing.T) {
	h := newHarness(t)
	compositionID := uuid.New()
	instanceID := uuid.New()
	defID := acm.DefinitionID{Name: "element", Version: "1.0.0"}
	h.element.errOn["deploy"] = errors.New("refused")

	h.prime(t, compositionID, defID, nil)
	h.deploy(t, compositionID, instanceID, defID)
	h.bus.waitByKind(t, messages.KindAck, 1) // failed deploy, element UNDEPLOYED

	unlock, _ := messages.New(messages.KindStateChange, messages.StateChange{
		OrderedState: acm.OrderedRunning, FirstStartPhase: true,
	})
	unlock.CompositionID = compositionID
	unlock.InstanceID = instanceID
	h.handler.HandleStateChange(unlock)

	acks := h.bus.waitByKind(t, messages.KindAck, 2)
	ack, _ := messages.Payload[messages.Ack](acks[1])
	if ack.Success {
		t.Error("unlocking an undeployed element must be rejected")
	}
	if h.element.called("unlock") {
		t.Error("Unlock callback must not run on an undeployed element")
	}
}

func TestHandlerStateChangeStaleRevisionDropped(t *testing.T) {
	h := newHarness(t)
	compositionID := uuid.New()
	instanceID := uuid.New()
	defID := acm.DefinitionID{Name: "element", Version: "1.0.0"}

	h.prime(t, compositionID, defID, nil)
	h.deploy(t, compositionID, instanceID, defID)
	h.bus.waitByKind(t, messages.KindAck, 1)

	stale := uuid.New()
	env, _ := messages.New(messages.KindStateChange, messages.StateChange{
		OrderedState: acm.OrderedRunning, FirstStartPhase: true,
	})
	env.CompositionID = compositionID
	env.InstanceID = instanceID
	env.InstanceRevision = &stale
	h.handler.HandleStateChange(env)

	time.Sleep(50 * time.Millisecond)
	if h.element.called("unlock") {
		t.Error("stale state change must be dropped")
	}
}

func TestHandlerStartPhaseFiltering(t *testing.T) {
	h := newHarness(t)
	compositionID := uuid.New()
	instanceID := uuid.New()
	phase0 := acm.DefinitionID{Name: "phase0", Version: "1"}
	phase1 := acm.DefinitionID{Name: "phase1", Version: "1"}

	env, _ := messages.New(messages.KindPrime, messages.Prime{
		Elements: []acm.ElementDefinition{
			{DefinitionID: phase0, CommonProperties: map[string]any{"startPhase": 0}},
			{DefinitionID: phase1, CommonProperties: map[string]any{"startPhase": 1}},
		},
	})
	env.CompositionID = compositionID
	h.handler.HandlePrime(env)
	h.bus.waitByKind(t, messages.KindPrimeAck, 1)

	el0 := uuid.New()
	el1 := uuid.New()
	deploy, _ := messages.New(messages.KindDeploy, messages.Deploy{
		Participants: []messages.ParticipantDeploy{{
			ParticipantID: h.cache.Identity().ParticipantID,
			Elements: []acm.ElementDeploy{
				{ID: el0, DefinitionID: phase0},
				{ID: el1, DefinitionID: phase1},
			},
		}},
		StartPhase:      0,
		FirstStartPhase: true,
	})
	deploy.CompositionID = compositionID
	deploy.InstanceID = instanceID
	h.handler.HandleDeploy(deploy)

	acks := h.bus.waitByKind(t, messages.KindAck, 1)
	ack, _ := messages.Payload[messages.Ack](acks[0])
	if _, ok := ack.Elements[el0]; !ok {
		t.Error("phase 0 element should run in phase 0")
	}
	if _, ok := ack.Elements[el1]; ok {
		t.Error("phase 1 element must not run in phase 0")
	}

	// The instance stays in flight until the phase 1 element runs.
	instance, _ := h.cache.Instance(instanceID)
	if instance.DeployState != acm.DeployStateDeploying {
		t.Errorf("instance DeployState = %s, want DEPLOYING until all phases complete", instance.DeployState)
	}
}

func TestHandlerStatusReqRepliesWithHeartbeat(t *testing.T) {
	h := newHarness(t)

	env, _ := messages.New(messages.KindParticipantStatusReq, nil)
	h.handler.HandleStatusReq(env)

	statuses := h.bus.byKind(messages.KindParticipantStatus)
	if len(statuses) != 1 {
		t.Fatalf("got %d status messages, want 1", len(statuses))
	}
	status, _ := messages.Payload[messages.Status](statuses[0])
	if len(status.Supported) != 1 {
		t.Errorf("status should carry supported element types")
	}
}

func TestHandlerRestartRebuildsCache(t *testing.T) {
	h := newHarness(t)
	compositionID := uuid.New()
	instanceID := uuid.New()
	elementID := uuid.New()
	defID := acm.DefinitionID{Name: "element", Version: "1.0.0"}

	env, _ := messages.New(messages.KindParticipantRestart, messages.Restart{
		Elements: []acm.ElementDefinition{{DefinitionID: defID}},
		Revision: uuid.New(),
		Instances: []messages.RestartInstance{{
			InstanceID:  instanceID,
			DeployState: acm.DeployStateDeployed,
			LockState:   acm.LockStateLocked,
			Elements: []messages.RestartElement{{
				ID:            elementID,
				DefinitionID:  defID,
				ParticipantID: h.cache.Identity().ParticipantID,
				DeployState:   acm.DeployStateDeployed,
				LockState:     acm.LockStateLocked,
			}},
		}},
	})
	env.CompositionID = compositionID
	h.handler.HandleRestart(env)

	if _, ok := h.cache.Definition(compositionID); !ok {
		t.Error("restart should cache definitions")
	}
	instance, ok := h.cache.Instance(instanceID)
	if !ok {
		t.Fatal("restart should rebuild the instance")
	}
	if _, ok := instance.Elements[elementID]; !ok {
		t.Error("owned element should survive the restart rebuild")
	}
}

func TestListenerDispatch(t *testing.T) {
	h := newHarness(t)

	// Applies-to-me filtering: a directed register ack for someone else.
	other := uuid.New()
	env, _ := messages.New(messages.KindParticipantRegisterAck, messages.ParticipantAck{Success: true})
	env.ParticipantID = &other
	data, _ := env.Encode()
	if err := h.listener.OnMessage("acm/participant", data); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	if h.cache.Registered() {
		t.Error("message for another participant must be filtered out")
	}

	// Broadcast applies.
	env, _ = messages.New(messages.KindParticipantRegisterAck, messages.ParticipantAck{Success: true})
	data, _ = env.Encode()
	if err := h.listener.OnMessage("acm/participant", data); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	if !h.cache.Registered() {
		t.Error("broadcast ack should be handled")
	}

	// Garbage and unknown kinds are non-fatal.
	if err := h.listener.OnMessage("acm/participant", []byte("{not json")); err != nil {
		t.Errorf("undecodable message should be dropped, got %v", err)
	}
	unknown, _ := messages.New(messages.Kind("SOMETHING_NEW"), nil)
	data, _ = unknown.Encode()
	if err := h.listener.OnMessage("acm/participant", data); err != nil {
		t.Errorf("unknown kind should be dropped, got %v", err)
	}
}

func TestExecutorRecoversPanic(t *testing.T) {
	executor := NewExecutor(1, nil)
	executor.Start(context.Background())
	defer executor.Stop()

	done := make(chan error, 1)
	err := executor.Submit("explode",
		func(ctx context.Context) error { panic("kaboom") },
		func(err error) { done <- err },
	)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("panic should surface as an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job never completed")
	}
}

func TestExecutorRejectsAfterStop(t *testing.T) {
	executor := NewExecutor(1, nil)
	executor.Start(context.Background())
	executor.Stop()

	err := executor.Submit("late", func(ctx context.Context) error { return nil }, func(error) {})
	if !errors.Is(err, ErrExecutorStopped) {
		t.Errorf("got %v, want ErrExecutorStopped", err)
	}
}

func TestExecutorStopDuringConcurrentSubmits(t *testing.T) {
	// Submitters racing Stop must get ErrExecutorStopped, never a send on
	// the closed queue.
	for i := 0; i < 200; i++ {
		executor := NewExecutor(2, nil)
		executor.Start(context.Background())

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					err := executor.Submit("noop",
						func(ctx context.Context) error { return nil },
						func(error) {})
					if errors.Is(err, ErrExecutorStopped) {
						return
					}
				}
			}()
		}
		executor.Stop()
		wg.Wait()
	}
}

package participant

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
	"github.com/stratoline/acm-core/internal/messages"
)

func TestUpdateCompositionStateOverridesInstance(t *testing.T) {
	h := newHarness(t)
	compositionID := uuid.New()
	instanceID := uuid.New()
	defID := acm.DefinitionID{Name: "element", Version: "1.0.0"}

	h.prime(t, compositionID, defID, nil)
	h.deploy(t, compositionID, instanceID, defID)
	h.bus.waitByKind(t, messages.KindAck, 1)

	intermediary := NewIntermediary(h.cache, NewPublisher(h.bus, h.cache.Identity(), nil), nil)
	before := len(h.bus.byKind(messages.KindAck))

	err := intermediary.UpdateCompositionState(instanceID,
		acm.DeployStateDeployed, acm.LockStateUnlocked, "host override")
	if err != nil {
		t.Fatalf("UpdateCompositionState: %v", err)
	}

	instance, ok := h.cache.Instance(instanceID)
	if !ok {
		t.Fatal("instance vanished")
	}
	if instance.DeployState != acm.DeployStateDeployed || instance.LockState != acm.LockStateUnlocked {
		t.Errorf("instance states = %s/%s, want DEPLOYED/UNLOCKED",
			instance.DeployState, instance.LockState)
	}

	acks := h.bus.waitByKind(t, messages.KindAck, before+1)
	ack, err := messages.Payload[messages.Ack](acks[len(acks)-1])
	if err != nil {
		t.Fatalf("decoding ack: %v", err)
	}
	if !ack.Success || ack.LockState != acm.LockStateUnlocked {
		t.Errorf("ack = %+v, want success with UNLOCKED", ack)
	}
}

func TestUpdateCompositionStateUnknownInstance(t *testing.T) {
	h := newHarness(t)
	intermediary := NewIntermediary(h.cache, NewPublisher(h.bus, h.cache.Identity(), nil), nil)

	err := intermediary.UpdateCompositionState(uuid.New(),
		acm.DeployStateDeployed, acm.LockStateLocked, "")
	if err == nil {
		t.Fatal("expected an error for an unknown instance")
	}
}

func TestUpdateCompositionDefinitionState(t *testing.T) {
	h := newHarness(t)
	compositionID := uuid.New()
	intermediary := NewIntermediary(h.cache, NewPublisher(h.bus, h.cache.Identity(), nil), nil)

	if err := intermediary.UpdateCompositionDefinitionState(compositionID, true, "resources ready"); err != nil {
		t.Fatalf("UpdateCompositionDefinitionState: %v", err)
	}
	acks := h.bus.byKind(messages.KindPrimeAck)
	if len(acks) != 1 {
		t.Fatalf("got %d prime acks, want 1", len(acks))
	}
	if acks[0].CompositionID != compositionID {
		t.Errorf("ack CompositionID = %s, want %s", acks[0].CompositionID, compositionID)
	}
	ack, err := messages.Payload[messages.ParticipantAck](acks[0])
	if err != nil {
		t.Fatalf("decoding ack: %v", err)
	}
	if !ack.Success || ack.State != "PRIMED" {
		t.Errorf("ack = %+v, want success PRIMED", ack)
	}

	if err := intermediary.UpdateCompositionDefinitionState(compositionID, false, "resources lost"); err != nil {
		t.Fatalf("UpdateCompositionDefinitionState: %v", err)
	}
	acks = h.bus.byKind(messages.KindPrimeAck)
	ack, _ = messages.Payload[messages.ParticipantAck](acks[1])
	if ack.Success || ack.State != "COMMISSIONED" {
		t.Errorf("ack = %+v, want failure COMMISSIONED", ack)
	}
}

func TestSendElementInfoUnknownElement(t *testing.T) {
	h := newHarness(t)
	compositionID := uuid.New()
	instanceID := uuid.New()
	defID := acm.DefinitionID{Name: "element", Version: "1.0.0"}

	h.prime(t, compositionID, defID, nil)
	h.deploy(t, compositionID, instanceID, defID)
	h.bus.waitByKind(t, messages.KindAck, 1)

	intermediary := NewIntermediary(h.cache, NewPublisher(h.bus, h.cache.Identity(), nil), nil)
	err := intermediary.SendElementInfo(instanceID, uuid.New(), "IN_USE", "ENABLED", nil)
	if !errors.Is(err, ErrElementNotFound) {
		t.Errorf("got %v, want ErrElementNotFound", err)
	}
}

// fakeStats records heartbeat telemetry writes.
type fakeStats struct {
	mu     sync.Mutex
	writes int
}

func (f *fakeStats) WriteHeartbeat(string, int, int, int64) {
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
}

func TestHeartbeatReportsTelemetry(t *testing.T) {
	h := newHarness(t)
	stats := &fakeStats{}

	hb := NewHeartbeat(h.handler, time.Hour, nil)
	hb.SetTelemetry(stats)
	hb.started = time.Now()

	hb.beat()

	if len(h.bus.byKind(messages.KindParticipantStatus)) != 1 {
		t.Error("beat should publish one status")
	}
	stats.mu.Lock()
	defer stats.mu.Unlock()
	if stats.writes != 1 {
		t.Errorf("telemetry writes = %d, want 1", stats.writes)
	}
}

package runtime

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
	"github.com/stratoline/acm-core/internal/messages"
)

func sendToRuntime(t *testing.T, h *runtimeHarness, env messages.Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encoding envelope: %v", err)
	}
	if err := h.handler.OnMessage("acm/runtime", data); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
}

func TestHandlerRegisterStoresAndAcks(t *testing.T) {
	h := newRuntimeHarness(t)
	identity := acm.NewParticipantIdentity(uuid.New())

	env, _ := messages.New(messages.KindParticipantRegister, messages.Register{
		Supported: []acm.SupportedElementType{{TypeName: "org.test.Element", TypeVersion: "1.0.0"}},
	})
	env.ParticipantID = &identity.ParticipantID
	env.ReplicaID = &identity.ReplicaID
	sendToRuntime(t, h, env)

	stored, err := h.store.Participant(context.Background(), identity.ParticipantID)
	if err != nil {
		t.Fatalf("Participant: %v", err)
	}
	if stored.Health != acm.HealthOK || len(stored.Supported) != 1 {
		t.Errorf("stored participant = %+v, want healthy with supported types", stored)
	}

	acks := h.bus.byKind(messages.KindParticipantRegisterAck)
	if len(acks) != 1 {
		t.Fatalf("got %d register acks, want 1", len(acks))
	}
	if acks[0].ParticipantID == nil || *acks[0].ParticipantID != identity.ParticipantID {
		t.Error("register ack should be directed at the registering participant")
	}
	if acks[0].ReplicaID == nil || *acks[0].ReplicaID != identity.ReplicaID {
		t.Error("register ack should be directed at the registering replica")
	}
}

func TestHandlerRegisterReplaysOwnedState(t *testing.T) {
	h := newRuntimeHarness(t)
	participantID := uuid.New()
	elementID := uuid.New()
	instance := h.seedInstance(t, participantID, map[uuid.UUID]int{elementID: 0})

	identity := acm.NewParticipantIdentity(participantID)
	env, _ := messages.New(messages.KindParticipantRegister, messages.Register{})
	env.ParticipantID = &identity.ParticipantID
	env.ReplicaID = &identity.ReplicaID
	sendToRuntime(t, h, env)

	restarts := h.bus.byKind(messages.KindParticipantRestart)
	if len(restarts) != 1 {
		t.Fatalf("got %d restart replays, want 1", len(restarts))
	}
	restart, _ := messages.Payload[messages.Restart](restarts[0])
	if len(restart.Instances) != 1 || restart.Instances[0].InstanceID != instance.InstanceID {
		t.Error("restart should replay the participant's instances")
	}
	if len(restart.Elements) != 1 {
		t.Error("restart should carry the composition's definitions")
	}

	// An unrelated participant gets no replay.
	h.bus.reset()
	other := acm.NewParticipantIdentity(uuid.New())
	env, _ = messages.New(messages.KindParticipantRegister, messages.Register{})
	env.ParticipantID = &other.ParticipantID
	env.ReplicaID = &other.ReplicaID
	sendToRuntime(t, h, env)
	if len(h.bus.byKind(messages.KindParticipantRestart)) != 0 {
		t.Error("participants owning no elements get no restart replay")
	}
}

func TestHandlerDeregisterRemovesParticipant(t *testing.T) {
	h := newRuntimeHarness(t)
	ctx := context.Background()
	identity := acm.NewParticipantIdentity(uuid.New())

	if err := h.store.SaveParticipant(ctx, &acm.Participant{
		ParticipantID: identity.ParticipantID,
		Health:        acm.HealthOK,
	}); err != nil {
		t.Fatalf("SaveParticipant: %v", err)
	}

	env, _ := messages.New(messages.KindParticipantDeregister, nil)
	env.ParticipantID = &identity.ParticipantID
	env.ReplicaID = &identity.ReplicaID
	sendToRuntime(t, h, env)

	if _, err := h.store.Participant(ctx, identity.ParticipantID); err == nil {
		t.Error("deregistered participant should be removed")
	}
	if len(h.bus.byKind(messages.KindParticipantDeregisterAck)) != 1 {
		t.Error("deregistration should be acked")
	}
}

func TestHandlerStatusUpdatesElementInfo(t *testing.T) {
	h := newRuntimeHarness(t)
	ctx := context.Background()
	participantID := uuid.New()
	elementID := uuid.New()
	instance := h.seedInstance(t, participantID, map[uuid.UUID]int{elementID: 0})

	identity := acm.NewParticipantIdentity(participantID)
	env, _ := messages.New(messages.KindParticipantStatus, messages.Status{
		Instances: []messages.InstanceSnapshot{{
			InstanceID:    instance.InstanceID,
			CompositionID: instance.CompositionID,
			Elements: []messages.ElementInfo{{
				ID:               elementID,
				OperationalState: "ENABLED",
				UseState:         "IN_USE",
				OutProperties:    map[string]any{"measured": float64(7)},
			}},
		}},
	})
	env.ParticipantID = &identity.ParticipantID
	env.ReplicaID = &identity.ReplicaID
	sendToRuntime(t, h, env)

	stored, _ := h.store.Instance(ctx, instance.InstanceID)
	element := stored.Elements[elementID]
	if element.OperationalState != "ENABLED" || element.UseState != "IN_USE" {
		t.Errorf("element states = %q/%q, want ENABLED/IN_USE",
			element.OperationalState, element.UseState)
	}
	if element.OutProperties["measured"] != float64(7) {
		t.Errorf("OutProperties = %v, want measured=7", element.OutProperties)
	}

	p, _ := h.store.Participant(ctx, identity.ParticipantID)
	if p == nil || p.Health != acm.HealthOK {
		t.Error("heartbeat should refresh the participant record")
	}
}

func TestHandlerDropsBadMessages(t *testing.T) {
	h := newRuntimeHarness(t)

	if err := h.handler.OnMessage("acm/runtime", []byte("{garbage")); err != nil {
		t.Errorf("undecodable message should be dropped, got %v", err)
	}

	// No participant id: anonymous messages are refused.
	env, _ := messages.New(messages.KindParticipantStatus, messages.Status{})
	data, _ := env.Encode()
	if err := h.handler.OnMessage("acm/runtime", data); err != nil {
		t.Errorf("anonymous message should be dropped, got %v", err)
	}

	unknownID := uuid.New()
	unknown, _ := messages.New(messages.Kind("SOMETHING_NEW"), nil)
	unknown.ParticipantID = &unknownID
	data, _ = unknown.Encode()
	if err := h.handler.OnMessage("acm/runtime", data); err != nil {
		t.Errorf("unknown kind should be dropped, got %v", err)
	}
}

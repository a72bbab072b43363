package runtime

import (
	"context"
	"time"

	"github.com/stratoline/acm-core/internal/acm"
	"github.com/stratoline/acm-core/internal/messages"
)

// Handler processes participant-to-runtime messages: registrations,
// heartbeats and acks. It is the runtime-side counterpart of the
// participant's listener.
type Handler struct {
	store      *Store
	publisher  *Publisher
	supervisor *Supervisor
	logger     Logger
}

// NewHandler wires a runtime message handler.
func NewHandler(store *Store, publisher *Publisher, supervisor *Supervisor, logger Logger) *Handler {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Handler{
		store:      store,
		publisher:  publisher,
		supervisor: supervisor,
		logger:     logger,
	}
}

// OnMessage is the MQTT callback for the runtime topic. Always returns
// nil; bad messages are logged and dropped.
func (h *Handler) OnMessage(topic string, payload []byte) error {
	env, err := messages.Decode(payload)
	if err != nil {
		h.logger.Warn("dropping undecodable message", "topic", topic, "error", err)
		return nil
	}
	if env.ParticipantID == nil {
		h.logger.Warn("dropping anonymous message", "kind", string(env.Kind))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch env.Kind {
	case messages.KindParticipantRegister:
		h.handleRegister(ctx, env)
	case messages.KindParticipantDeregister:
		h.handleDeregister(ctx, env)
	case messages.KindParticipantStatus:
		h.handleStatus(ctx, env)
	case messages.KindPrimeAck:
		h.handlePrimeAck(env)
	case messages.KindAck:
		if err := h.supervisor.HandleAck(ctx, env); err != nil {
			h.logger.Error("ack handling failed",
				"instance_id", env.InstanceID.String(), "error", err)
		}
	default:
		h.logger.Warn("dropping message of unknown kind", "kind", string(env.Kind))
	}
	return nil
}

// handleRegister records the participant, acks the registration and
// replays commissioned state to the new replica. Registration is
// idempotent; a re-register after a crash gets the same treatment.
func (h *Handler) handleRegister(ctx context.Context, env messages.Envelope) {
	register, err := messages.Payload[messages.Register](env)
	if err != nil {
		h.logger.Warn("dropping malformed register", "error", err)
		return
	}

	identity := identityFromEnvelope(env)
	participant := &acm.Participant{
		ParticipantID: identity.ParticipantID,
		ReplicaID:     identity.ReplicaID,
		Supported:     register.Supported,
		Health:        acm.HealthOK,
		LastSeen:      nowFunc(),
	}
	if err := h.store.SaveParticipant(ctx, participant); err != nil {
		h.logger.Error("participant save failed", "error", err)
		if ackErr := h.publisher.RegisterAck(identity, false, err.Error()); ackErr != nil {
			h.logger.Error("register ack failed", "error", ackErr)
		}
		return
	}

	if err := h.publisher.RegisterAck(identity, true, ""); err != nil {
		h.logger.Error("register ack failed", "error", err)
	}
	h.logger.Info("participant registered",
		"participant_id", identity.ParticipantID.String(),
		"replica_id", identity.ReplicaID.String())

	h.replayState(ctx, identity)
}

// replayState sends restart snapshots for every composition that has
// elements owned by the registering participant, so a crashed replica
// rebuilds its cache without re-running lifecycle operations.
func (h *Handler) replayState(ctx context.Context, identity acm.ParticipantIdentity) {
	instances, err := h.store.Instances(ctx)
	if err != nil {
		h.logger.Error("restart replay scan failed", "error", err)
		return
	}

	byComposition := map[string][]messages.RestartInstance{}
	compositionIDs := map[string]*acm.AutomationComposition{}
	for _, instance := range instances {
		var elements []messages.RestartElement
		owned := false
		for _, element := range instance.Elements {
			if element.ParticipantID == identity.ParticipantID {
				owned = true
			}
			elements = append(elements, messages.RestartElement{
				ID:               element.ID,
				DefinitionID:     element.DefinitionID,
				ParticipantID:    element.ParticipantID,
				DeployState:      element.DeployState,
				LockState:        element.LockState,
				OperationalState: element.OperationalState,
				UseState:         element.UseState,
				Properties:       element.Properties,
				OutProperties:    element.OutProperties,
			})
		}
		if !owned {
			continue
		}
		key := instance.CompositionID.String()
		byComposition[key] = append(byComposition[key], messages.RestartInstance{
			InstanceID:          instance.InstanceID,
			CompositionTargetID: instance.CompositionTargetID,
			DeployState:         instance.DeployState,
			LockState:           instance.LockState,
			Result:              instance.Result,
			Revision:            instance.RevisionID,
			Elements:            elements,
		})
		compositionIDs[key] = instance
	}

	for key, restartInstances := range byComposition {
		compositionID := compositionIDs[key].CompositionID
		def, err := h.store.Definition(ctx, compositionID)
		if err != nil {
			h.logger.Warn("restart replay missing definition",
				"composition_id", compositionID.String(), "error", err)
			continue
		}
		elements := make([]acm.ElementDefinition, 0, len(def.Elements))
		for _, el := range def.Elements {
			elements = append(elements, el)
		}
		err = h.publisher.Restart(identity, compositionID, messages.Restart{
			Elements:  elements,
			Revision:  def.RevisionID,
			Instances: restartInstances,
		})
		if err != nil {
			h.logger.Error("restart replay failed",
				"composition_id", compositionID.String(), "error", err)
			continue
		}
		h.logger.Info("restart replayed",
			"composition_id", compositionID.String(),
			"participant_id", identity.ParticipantID.String(),
			"instances", len(restartInstances))
	}
}

// handleDeregister removes the participant record and acks.
func (h *Handler) handleDeregister(ctx context.Context, env messages.Envelope) {
	identity := identityFromEnvelope(env)
	if err := h.store.DeleteParticipant(ctx, identity.ParticipantID); err != nil {
		h.logger.Error("participant delete failed", "error", err)
		if ackErr := h.publisher.DeregisterAck(identity, false, err.Error()); ackErr != nil {
			h.logger.Error("deregister ack failed", "error", ackErr)
		}
		return
	}
	if err := h.publisher.DeregisterAck(identity, true, ""); err != nil {
		h.logger.Error("deregister ack failed", "error", err)
	}
	h.logger.Info("participant deregistered",
		"participant_id", identity.ParticipantID.String())
}

// handleStatus refreshes the participant's liveness record from a
// heartbeat. Heartbeats also carry instance snapshots, but the ack path
// remains authoritative for lifecycle state; the heartbeat only updates
// participant-owned element info the acks may have missed.
func (h *Handler) handleStatus(ctx context.Context, env messages.Envelope) {
	status, err := messages.Payload[messages.Status](env)
	if err != nil {
		h.logger.Warn("dropping malformed status", "error", err)
		return
	}

	identity := identityFromEnvelope(env)
	participant := &acm.Participant{
		ParticipantID: identity.ParticipantID,
		ReplicaID:     identity.ReplicaID,
		Supported:     status.Supported,
		Health:        acm.HealthOK,
		LastSeen:      nowFunc(),
	}
	if err := h.store.SaveParticipant(ctx, participant); err != nil {
		h.logger.Error("participant heartbeat save failed", "error", err)
		return
	}

	for _, snapshot := range status.Instances {
		h.applySnapshot(ctx, identity, snapshot)
	}
}

// applySnapshot folds participant-reported element info from a heartbeat
// into the stored instance.
func (h *Handler) applySnapshot(ctx context.Context, identity acm.ParticipantIdentity,
	snapshot messages.InstanceSnapshot) {

	instance, err := h.store.Instance(ctx, snapshot.InstanceID)
	if err != nil {
		return
	}

	changed := false
	for _, info := range snapshot.Elements {
		element, ok := instance.Elements[info.ID]
		if !ok || element.ParticipantID != identity.ParticipantID {
			continue
		}
		if info.UseState != "" && info.UseState != element.UseState {
			element.UseState = info.UseState
			changed = true
		}
		if info.OperationalState != "" && info.OperationalState != element.OperationalState {
			element.OperationalState = info.OperationalState
			changed = true
		}
		if info.OutProperties != nil {
			element.OutProperties = info.OutProperties
			changed = true
		}
	}
	if !changed {
		return
	}
	if err := h.store.SaveInstance(ctx, instance); err != nil {
		h.logger.Error("heartbeat instance update failed",
			"instance_id", snapshot.InstanceID.String(), "error", err)
	}
}

// handlePrimeAck logs prime/deprime outcomes. The definitions themselves
// were persisted at commission time; a failed prime is surfaced for the
// operator rather than rolled back automatically.
func (h *Handler) handlePrimeAck(env messages.Envelope) {
	ack, err := messages.Payload[messages.ParticipantAck](env)
	if err != nil {
		h.logger.Warn("dropping malformed prime ack", "error", err)
		return
	}
	if !ack.Success {
		h.logger.Error("participant rejected prime",
			"composition_id", env.CompositionID.String(),
			"participant_id", env.ParticipantID.String(),
			"message", ack.Message)
		return
	}
	h.logger.Debug("prime acknowledged",
		"composition_id", env.CompositionID.String(),
		"participant_id", env.ParticipantID.String(),
		"state", ack.State)
}

func identityFromEnvelope(env messages.Envelope) acm.ParticipantIdentity {
	identity := acm.ParticipantIdentity{ParticipantID: *env.ParticipantID}
	if env.ReplicaID != nil {
		identity.ReplicaID = *env.ReplicaID
	}
	return identity
}

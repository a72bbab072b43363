package runtime

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
	"github.com/stratoline/acm-core/internal/infrastructure/mqtt"
	"github.com/stratoline/acm-core/internal/messages"
)

// Bus is the transport surface the publisher needs. *mqtt.Client satisfies
// it; tests substitute a recorder.
type Bus interface {
	PublishDefault(topic string, payload []byte) error
}

// Logger defines the logging interface used across the runtime package.
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

// Publisher builds and publishes runtime-to-participant envelopes.
type Publisher struct {
	bus    Bus
	logger Logger
}

// NewPublisher creates a runtime-side publisher.
func NewPublisher(bus Bus, logger Logger) *Publisher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Publisher{bus: bus, logger: logger}
}

// Prime broadcasts a composition's definitions to all participants.
func (p *Publisher) Prime(def *acm.CompositionDefinition) error {
	elements := make([]acm.ElementDefinition, 0, len(def.Elements))
	for _, el := range def.Elements {
		elements = append(elements, el)
	}
	env, err := messages.New(messages.KindPrime, messages.Prime{Elements: elements})
	if err != nil {
		return err
	}
	env.CompositionID = def.CompositionID
	revision := def.RevisionID
	env.CompositionRevision = &revision
	return p.send(env)
}

// Deprime broadcasts removal of a composition's definitions.
func (p *Publisher) Deprime(compositionID uuid.UUID) error {
	env, err := messages.New(messages.KindDeprime, nil)
	if err != nil {
		return err
	}
	env.CompositionID = compositionID
	return p.send(env)
}

// Deploy broadcasts a deploy command for one start phase or migration
// stage. Participants pick their own slice out of the payload. The
// returned message id correlates acks with this command.
func (p *Publisher) Deploy(instance *acm.AutomationComposition, revision uuid.UUID, deploy messages.Deploy) (uuid.UUID, error) {
	env, err := messages.New(messages.KindDeploy, deploy)
	if err != nil {
		return uuid.UUID{}, err
	}
	env.CompositionID = instance.CompositionID
	compositionRevision := revision
	env.CompositionRevision = &compositionRevision
	env.InstanceID = instance.InstanceID
	instanceRevision := instance.RevisionID
	env.InstanceRevision = &instanceRevision
	return env.MessageID, p.send(env)
}

// StateChange broadcasts a state-change command for one start phase.
func (p *Publisher) StateChange(instance *acm.AutomationComposition, change messages.StateChange) (uuid.UUID, error) {
	env, err := messages.New(messages.KindStateChange, change)
	if err != nil {
		return uuid.UUID{}, err
	}
	env.CompositionID = instance.CompositionID
	env.InstanceID = instance.InstanceID
	instanceRevision := instance.RevisionID
	env.InstanceRevision = &instanceRevision
	return env.MessageID, p.send(env)
}

// RegisterAck acknowledges a participant registration, directed at the
// registering replica.
func (p *Publisher) RegisterAck(identity acm.ParticipantIdentity, success bool, message string) error {
	return p.participantAck(messages.KindParticipantRegisterAck, identity, success, message)
}

// DeregisterAck acknowledges a participant deregistration.
func (p *Publisher) DeregisterAck(identity acm.ParticipantIdentity, success bool, message string) error {
	return p.participantAck(messages.KindParticipantDeregisterAck, identity, success, message)
}

// StatusReq demands an immediate heartbeat from one participant.
func (p *Publisher) StatusReq(participantID uuid.UUID) error {
	env, err := messages.New(messages.KindParticipantStatusReq, nil)
	if err != nil {
		return err
	}
	env.ParticipantID = &participantID
	return p.send(env)
}

// Restart replays a composition's definitions and instances to one
// re-registered participant.
func (p *Publisher) Restart(identity acm.ParticipantIdentity, compositionID uuid.UUID, restart messages.Restart) error {
	env, err := messages.New(messages.KindParticipantRestart, restart)
	if err != nil {
		return err
	}
	env.CompositionID = compositionID
	env.ParticipantID = &identity.ParticipantID
	env.ReplicaID = &identity.ReplicaID
	return p.send(env)
}

func (p *Publisher) participantAck(kind messages.Kind, identity acm.ParticipantIdentity, success bool, message string) error {
	env, err := messages.New(kind, messages.ParticipantAck{Success: success, Message: message})
	if err != nil {
		return err
	}
	env.ParticipantID = &identity.ParticipantID
	env.ReplicaID = &identity.ReplicaID
	return p.send(env)
}

func (p *Publisher) send(env messages.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := p.bus.PublishDefault(mqtt.TopicParticipant, data); err != nil {
		return fmt.Errorf("publish %s: %w", env.Kind, err)
	}
	p.logger.Debug("published", "kind", string(env.Kind), "message_id", env.MessageID.String())
	return nil
}

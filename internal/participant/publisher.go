package participant

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

// Publisher builds and publishes participant-to-runtime envelopes. Every
// outbound message carries the participant identity so the runtime can
// attribute it without inspecting payloads.
type Publisher struct {
	bus      Bus
	identity acm.ParticipantIdentity
	logger   Logger
}

// NewPublisher creates a publisher for the given identity.
func NewPublisher(bus Bus, identity acm.ParticipantIdentity, logger Logger) *Publisher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Publisher{bus: bus, identity: identity, logger: logger}
}

// Register announces this participant to the runtime.
func (p *Publisher) Register(supported []acm.SupportedElementType) error {
	env, err := messages.New(messages.KindParticipantRegister, messages.Register{
		Supported: supported,
	})
	if err != nil {
		return err
	}
	return p.send(env)
}

// Deregister announces an orderly shutdown.
func (p *Publisher) Deregister() error {
	env, err := messages.New(messages.KindParticipantDeregister, nil)
	if err != nil {
		return err
	}
	return p.send(env)
}

// Status publishes a heartbeat.
func (p *Publisher) Status(status messages.Status) error {
	env, err := messages.New(messages.KindParticipantStatus, status)
	if err != nil {
		return err
	}
	return p.send(env)
}

// PrimeAck acknowledges a prime or deprime for a composition.
func (p *Publisher) PrimeAck(compositionID uuid.UUID, ack messages.ParticipantAck) error {
	env, err := messages.New(messages.KindPrimeAck, ack)
	if err != nil {
		return err
	}
	env.CompositionID = compositionID
	return p.send(env)
}

// InstanceAck reports the outcome of a deploy or state-change command for
// an instance. messageID correlates the ack with the command that caused
// it; revision is the instance revision this ack describes, so the runtime
// can discard acks that outlived a re-deploy. A zero revision leaves the
// envelope field unset, which the runtime treats as always-current.
func (p *Publisher) InstanceAck(compositionID, instanceID, messageID, revision uuid.UUID, ack messages.Ack) error {
	env, err := messages.New(messages.KindAck, ack)
	if err != nil {
		return err
	}
	env.MessageID = messageID
	env.CompositionID = compositionID
	env.InstanceID = instanceID
	if revision != (uuid.UUID{}) {
		instanceRevision := revision
		env.InstanceRevision = &instanceRevision
	}
	return p.send(env)
}

func (p *Publisher) send(env messages.Envelope) error {
	env.ParticipantID = &p.identity.ParticipantID
	env.ReplicaID = &p.identity.ReplicaID

	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := p.bus.PublishDefault(mqtt.TopicRuntime, data); err != nil {
		return fmt.Errorf("publish %s: %w", env.Kind, err)
	}
	p.logger.Debug("published", "kind", string(env.Kind), "message_id", env.MessageID.String())
	return nil
}

package messages

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
)

// Kind tags the payload type carried by an envelope. Unknown kinds must be
// logged and dropped by receivers, never treated as fatal: new kinds are
// added over time and old processes keep running.
type Kind string

const (
	KindParticipantRegister      Kind = "PARTICIPANT_REGISTER"
	KindParticipantRegisterAck   Kind = "PARTICIPANT_REGISTER_ACK"
	KindParticipantDeregister    Kind = "PARTICIPANT_DEREGISTER"
	KindParticipantDeregisterAck Kind = "PARTICIPANT_DEREGISTER_ACK"
	KindParticipantStatus        Kind = "PARTICIPANT_STATUS"
	KindParticipantStatusReq     Kind = "PARTICIPANT_STATUS_REQ"
	KindParticipantRestart       Kind = "PARTICIPANT_RESTART"
	KindPrime                    Kind = "PARTICIPANT_PRIME"
	KindPrimeAck                 Kind = "PARTICIPANT_PRIME_ACK"
	KindDeprime                  Kind = "PARTICIPANT_DEPRIME"
	KindDeploy                   Kind = "AUTOMATION_COMPOSITION_DEPLOY"
	KindStateChange              Kind = "AUTOMATION_COMPOSITION_STATE_CHANGE"
	KindAck                      Kind = "AUTOMATION_COMPOSITION_ACK"
)

// Envelope is the wire-level wrapper for every bus message.
//
// ParticipantID nil means broadcast. CompositionRevision and
// InstanceRevision are nil when the sender predates revisioning; receivers
// treat nil as always-fresh.
type Envelope struct {
	MessageID uuid.UUID `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`

	ParticipantID *uuid.UUID `json:"participant_id,omitempty"`
	ReplicaID     *uuid.UUID `json:"replica_id,omitempty"`

	CompositionID       uuid.UUID  `json:"composition_id,omitempty"`
	CompositionRevision *uuid.UUID `json:"composition_revision,omitempty"`
	InstanceID          uuid.UUID  `json:"instance_id,omitempty"`
	InstanceRevision    *uuid.UUID `json:"instance_revision,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope of the given kind with a fresh message id and the
// payload JSON encoded. Correlation fields are set by the caller afterwards.
func New(kind Kind, payload any) (Envelope, error) {
	env := Envelope{
		MessageID: uuid.New(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %w", ErrEncode, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Encode serialises the envelope for publishing.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return data, nil
}

// Decode parses an envelope from raw bus bytes. A failure here is a
// protocol error: the caller logs and drops the message.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrDecode)
	}
	return env, nil
}

// Payload decodes the envelope's payload into the given type.
func Payload[T any](e Envelope) (T, error) {
	var out T
	if len(e.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %w", ErrDecode, e.Kind, err)
	}
	return out, nil
}

// AppliesTo reports whether the envelope is addressed to the given
// participant identity. Broadcasts apply to everyone; a directed message
// must match the participant id, and the replica id too when set.
//
// This is a pure function of envelope fields against local identity -
// messages failing it are self-filtered and dropped without error, since
// every participant sees every broadcast topic message.
func (e Envelope) AppliesTo(id acm.ParticipantIdentity) bool {
	if e.ParticipantID == nil {
		return true
	}
	if *e.ParticipantID != id.ParticipantID {
		return false
	}
	if e.ReplicaID != nil && *e.ReplicaID != id.ReplicaID {
		return false
	}
	return true
}

package participant

import (
	"github.com/stratoline/acm-core/internal/messages"
)

// Listener turns raw bus bytes into handler calls. It decodes the
// envelope, applies the applicability filter against the local identity
// and dispatches by message kind. Malformed, unknown-kind and not-for-me
// messages are logged and dropped; nothing on the bus is ever fatal.
type Listener struct {
	cache    *Cache
	handler  *Handler
	logger   Logger
	dispatch map[messages.Kind]func(messages.Envelope)
}

// NewListener wires a listener over the cache and handler.
func NewListener(cache *Cache, handler *Handler, logger Logger) *Listener {
	if logger == nil {
		logger = noopLogger{}
	}
	l := &Listener{cache: cache, handler: handler, logger: logger}
	l.dispatch = map[messages.Kind]func(messages.Envelope){
		messages.KindParticipantRegisterAck:   handler.HandleRegisterAck,
		messages.KindParticipantDeregisterAck: handler.HandleDeregisterAck,
		messages.KindParticipantStatusReq:     handler.HandleStatusReq,
		messages.KindParticipantRestart:       handler.HandleRestart,
		messages.KindPrime:                    handler.HandlePrime,
		messages.KindDeprime:                  handler.HandleDeprime,
		messages.KindDeploy:                   handler.HandleDeploy,
		messages.KindStateChange:              handler.HandleStateChange,
	}
	return l
}

// OnMessage is the MQTT message callback for the participant topic. It
// always returns nil: bus messages that cannot be handled are dropped,
// never retried by the transport.
func (l *Listener) OnMessage(topic string, payload []byte) error {
	env, err := messages.Decode(payload)
	if err != nil {
		l.logger.Warn("dropping undecodable message", "topic", topic, "error", err)
		return nil
	}

	if !env.AppliesTo(l.cache.Identity()) {
		l.logger.Debug("message not addressed to this participant",
			"kind", string(env.Kind), "message_id", env.MessageID.String())
		return nil
	}

	handle, ok := l.dispatch[env.Kind]
	if !ok {
		l.logger.Warn("dropping message of unknown kind", "kind", string(env.Kind))
		return nil
	}

	l.logger.Debug("handling message",
		"kind", string(env.Kind), "message_id", env.MessageID.String())
	handle(env)
	return nil
}

package mqtt

// Topic layout for the ACM message bus.
//
// The bus has two logical directions. Everything from the runtime to
// participants (commands, prime/deprime, restarts, status requests) goes to
// the participant topic, which every participant subscribes to and
// self-filters. Everything from participants to the runtime (registration,
// acks, heartbeats) goes to the runtime topic.
const (
	// TopicParticipant carries runtime-to-participant messages.
	TopicParticipant = "acm/participant"

	// TopicRuntime carries participant-to-runtime messages.
	TopicRuntime = "acm/runtime"

	// TopicSystemStatus carries process online/offline announcements,
	// including the broker-published last will on unexpected disconnect.
	TopicSystemStatus = "acm/system/status"
)

// Topics provides builders for ACM bus topics. Using these helpers keeps
// topic naming consistent across publishers and subscribers.
type Topics struct{}

// Participant returns the runtime-to-participant command topic.
func (Topics) Participant() string { return TopicParticipant }

// Runtime returns the participant-to-runtime reply topic.
func (Topics) Runtime() string { return TopicRuntime }

// SystemStatus returns the process status topic.
func (Topics) SystemStatus() string { return TopicSystemStatus }

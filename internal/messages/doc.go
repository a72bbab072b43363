// Package messages defines the bus message envelope and typed payloads
// exchanged between the runtime control plane and participants.
//
// Every message travels as a JSON Envelope carrying correlation fields
// (message id, participant id, composition id, instance id, revisions) and
// a kind tag that selects the payload type. Decoding is a two-step process:
// the envelope first, then the payload once a dispatcher has routed on the
// kind. Both steps return errors as values - a malformed message is a
// normal branch for the dispatcher, never a panic or a dropped connection.
//
// Addressing: an envelope with a nil participant id is a broadcast that
// every participant must evaluate; a concrete participant id directs the
// message at one logical participant, and an additional replica id narrows
// it to one running copy.
package messages

// Package mqtt provides the message bus client for acm-core.
//
// The bus connects the runtime control plane to its participant fleet:
//
//	acm-runtime ↔ MQTT broker ↔ participants
//
// This package manages:
//   - Broker connection with auto-reconnect and subscription restoration
//   - Publishing with QoS guarantees (QoS 1 for at-least-once commands)
//   - Last Will and Testament on the status topic for offline detection
//   - Panic-recovering handler wrapping so one bad message never stops
//     the consumption loop
//
// It carries opaque payloads only. Envelope encoding and applicability
// filtering live in the messages package; this layer does not inspect
// message content.
//
// # Delivery semantics
//
// Commands are published fire-and-forget at QoS 1: duplicates are possible
// and the system is designed for them (transitional-state checks and
// revision comparison make re-delivery idempotent). Nothing here blocks
// waiting for a consumer-side acknowledgement; the runtime's scanner
// re-drives lost commands on a timeout.
package mqtt

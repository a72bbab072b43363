// Package runtime implements the control-plane side of acm-core: the
// supervision state machine, the reconciliation scanner and the durable
// store behind both.
//
// # Structure
//
//	operator request -> Supervisor (validate, persist, publish command)
//	bus ack          -> Handler    (apply element states) -> Supervisor
//	ticker           -> Scanner    (re-drive stuck transitions, liveness)
//
// The Supervisor owns the state machine UNINITIALISED <-> PASSIVE <->
// RUNNING. Transitional A2B states double as locks; while one is set no
// new transition is accepted for that instance. All state is persisted in
// SQLite before commands publish, so a crashed runtime resumes from the
// store and the scanner re-drives whatever was in flight.
//
// The Scanner holds a single-row lease in the database so that in a
// clustered deployment exactly one replica reconciles at a time.
package runtime

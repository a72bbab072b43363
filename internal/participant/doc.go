// Package participant implements the participant-side intermediary: the
// in-memory cache of compositions and instances, the bus listener with
// applicability filtering, the worker pool that drives element lifecycle
// callbacks, and the heartbeat.
//
// # Structure
//
//	bus message -> Listener (decode, applies-to-me, dispatch by kind)
//	            -> Handler  (cache lookups, staleness checks, on-hold queue)
//	            -> Executor (worker pool, one lifecycle callback per job)
//	            -> ElementHandler (host-provided element logic)
//	            -> Intermediary (state reports back to cache + runtime)
//
// The Cache is the only state shared between the bus goroutines, the
// heartbeat ticker and the executor workers. Each of its maps is guarded
// independently; there is no cross-map transaction, so readers must
// tolerate transient skew such as an instance existing before its
// composition definition arrives. Lookups return empty-value sentinels
// (empty maps, NOT_PRESENT snapshots) instead of failing for exactly that
// reason.
//
// Hosting applications implement ElementHandler (usually embedding Base to
// pick up no-op defaults) and interact with the system through the
// Intermediary.
package participant

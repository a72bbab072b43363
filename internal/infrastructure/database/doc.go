// Package database provides the SQLite connection layer for the runtime's
// durable store.
//
// It manages:
//   - Opening the database with WAL mode and busy-timeout pragmas
//   - Schema migrations from SQL files embedded in the binary
//   - Health checks and connection lifecycle
//
// Only the runtime binary uses this package; participants hold all state
// in memory and rebuild it from runtime restarts and re-primes.
package database

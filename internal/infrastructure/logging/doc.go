// Package logging provides the structured logger shared by both acm-core
// binaries. It is a thin wrapper over log/slog: JSON or text output, level
// filtering from configuration, and service identity fields on every
// record.
//
// Domain packages do not import this package directly; they declare a
// minimal Logger interface of their own and accept any implementation,
// which keeps them testable with a no-op logger.
package logging

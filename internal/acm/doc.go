// Package acm defines the domain model shared by the runtime control plane
// and participant processes.
//
// It contains:
//   - Identity types (participants, replicas, element definitions)
//   - Composition definitions and their element definitions
//   - Automation composition instances and per-element runtime state
//   - State enumerations for deployment, locking, supervision and results
//   - Read-only DTO snapshots handed to element lifecycle callbacks
//
// The model is transport- and storage-neutral: the same structs are JSON
// encoded onto the message bus and into the runtime's durable store. All
// types here are plain data; behaviour lives in the participant and runtime
// packages.
//
// # Revisions
//
// Compositions and instances carry an opaque revision UUID that changes
// whenever their authoritative content changes. Consumers compare revisions
// by equality only - there is no ordering between revisions. A nil revision
// from a sender means the sender predates revisioning and is always treated
// as fresh.
package acm

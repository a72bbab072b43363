// Package influxdb provides the optional telemetry sink for acm-core.
//
// The runtime records supervision transitions and scan outcomes; the
// participant records heartbeat statistics. Writes are batched and
// non-blocking so telemetry can never delay supervision, and the whole
// integration is optional: when disabled in configuration both binaries
// run identically, just without metrics.
package influxdb

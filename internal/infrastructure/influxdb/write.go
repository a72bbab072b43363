package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteTransition records a supervision state transition for one instance.
// Non-blocking; points are batched and sent asynchronously.
//
//	client.WriteTransition(instanceID, "PASSIVE", "PASSIVE2RUNNING", "supervisor")
func (c *Client) WriteTransition(instanceID, fromState, toState, source string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"acm_transition",
		map[string]string{
			"instance_id": instanceID,
			"source":      source,
		},
		map[string]interface{}{
			"from": fromState,
			"to":   toState,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteScan records the outcome of one reconciliation scan.
func (c *Client) WriteScan(instancesScanned, redriven, timedOut int, durationMS float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"acm_scan",
		nil,
		map[string]interface{}{
			"instances":   instancesScanned,
			"redriven":    redriven,
			"timed_out":   timedOut,
			"duration_ms": durationMS,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteHeartbeat records heartbeat statistics for a participant.
func (c *Client) WriteHeartbeat(participantID string, instanceCount, definitionCount int, uptimeSeconds int64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"acm_heartbeat",
		map[string]string{
			"participant_id": participantID,
		},
		map[string]interface{}{
			"instances":      instanceCount,
			"definitions":    definitionCount,
			"uptime_seconds": uptimeSeconds,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

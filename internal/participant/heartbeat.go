package participant

import (
	"context"
	"time"
)

// Telemetry receives heartbeat statistics. Optional; nil disables it.
type Telemetry interface {
	WriteHeartbeat(participantID string, instanceCount, definitionCount int, uptimeSeconds int64)
}

// Heartbeat periodically publishes the participant's status so the runtime
// can track liveness and converge on participant-reported state even when
// individual acks are lost.
type Heartbeat struct {
	handler   *Handler
	interval  time.Duration
	telemetry Telemetry
	logger    Logger
	started   time.Time

	stop chan struct{}
	done chan struct{}
}

// NewHeartbeat creates a heartbeat publishing at the given interval.
func NewHeartbeat(handler *Handler, interval time.Duration, logger Logger) *Heartbeat {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Heartbeat{
		handler:  handler,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the ticker goroutine. An immediate first beat goes out so
// the runtime sees the participant as soon as it connects.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.started = time.Now()
	go func() {
		defer close(hb.done)

		hb.beat()

		ticker := time.NewTicker(hb.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				hb.beat()
			case <-hb.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the ticker and waits for the goroutine to exit.
func (hb *Heartbeat) Stop() {
	close(hb.stop)
	<-hb.done
}

// SetTelemetry attaches a statistics sink. Call before Start.
func (hb *Heartbeat) SetTelemetry(telemetry Telemetry) {
	hb.telemetry = telemetry
}

func (hb *Heartbeat) beat() {
	if err := hb.handler.PublishStatus(); err != nil {
		hb.logger.Warn("heartbeat publish failed", "error", err)
	}
	if hb.telemetry != nil {
		cache := hb.handler.cache
		hb.telemetry.WriteHeartbeat(cache.Identity().ParticipantID.String(),
			cache.InstanceCount(), cache.DefinitionCount(),
			int64(time.Since(hb.started).Seconds()))
	}
}

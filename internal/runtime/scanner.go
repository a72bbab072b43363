package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
)

// nowFunc is swapped in tests to control time.
var nowFunc = time.Now

// Scanner is the reconciliation loop: every interval it walks all stored
// instances and nudges stuck transitions forward. Re-drives consume the
// retry budget; once the budget is gone the instance is marked TIMEOUT
// and left for an operator. Participant liveness is derived from
// heartbeat arrival times in the same pass.
//
// In a clustered runtime only the replica holding the scan lease scans;
// the others keep trying to take it over every cycle.
type Scanner struct {
	store      *Store
	supervisor *Supervisor
	publisher  *Publisher
	counter    *handleCounter[uuid.UUID]
	telemetry  Telemetry
	logger     Logger

	holder             string
	interval           time.Duration
	participantMaxWait time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewScanner wires a scanner. The retry counter is shared with the
// supervisor so completions clear what the scanner tracks. holder
// identifies this replica in the scan lease; telemetry may be nil.
func NewScanner(store *Store, supervisor *Supervisor, publisher *Publisher,
	telemetry Telemetry, logger Logger,
	holder string, interval, participantMaxWait time.Duration) *Scanner {

	if telemetry == nil {
		telemetry = noopTelemetry{}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Scanner{
		store:              store,
		supervisor:         supervisor,
		publisher:          publisher,
		counter:            supervisor.counter,
		telemetry:          telemetry,
		logger:             logger,
		holder:             holder,
		interval:           interval,
		participantMaxWait: participantMaxWait,
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
	}
}

// Start launches the scan loop.
func (s *Scanner) Start(ctx context.Context) {
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runScan(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop, releases the lease and waits for the goroutine.
func (s *Scanner) Stop() {
	close(s.stop)
	<-s.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.ReleaseScanLease(ctx, s.holder); err != nil {
		s.logger.Warn("scan lease release failed", "error", err)
	}
}

// runScan performs one reconciliation pass if this replica holds or can
// take the scan lease.
func (s *Scanner) runScan(ctx context.Context) {
	// Lease TTL of two intervals: a crashed holder is taken over after
	// missing one full cycle.
	acquired, err := s.store.AcquireScanLease(ctx, s.holder, 2*s.interval)
	if err != nil {
		s.logger.Error("scan lease check failed", "error", err)
		return
	}
	if !acquired {
		s.logger.Debug("scan lease held elsewhere, skipping cycle")
		return
	}

	started := nowFunc()
	redriven, timedOut := s.scanInstances(ctx)
	s.scanParticipants(ctx)

	instances, _ := s.store.Instances(ctx)
	s.telemetry.WriteScan(len(instances), redriven, timedOut,
		float64(nowFunc().Sub(started).Milliseconds()))
}

// scanInstances re-drives or times out transitional instances.
func (s *Scanner) scanInstances(ctx context.Context) (redriven, timedOut int) {
	instances, err := s.store.Instances(ctx)
	if err != nil {
		s.logger.Error("instance scan failed", "error", err)
		return 0, 0
	}

	now := nowFunc()
	for _, instance := range instances {
		if !instanceInFlight(instance) {
			continue
		}
		id := instance.InstanceID

		if s.counter.isFault(id) {
			s.logger.Warn("instance awaiting operator attention",
				"instance_id", id.String(), "state", string(instance.State),
				"result", string(instance.Result))
			continue
		}

		if !s.counter.overdue(id, now) {
			continue
		}

		if !s.counter.increment(id) {
			if err := s.supervisor.MarkTimeout(ctx, id); err != nil {
				s.logger.Error("timeout marking failed",
					"instance_id", id.String(), "error", err)
			}
			timedOut++
			continue
		}

		s.logger.Info("re-driving stuck transition",
			"instance_id", id.String(), "state", string(instance.State),
			"attempt", s.counter.count(id))
		s.counter.touch(id, now)
		if err := s.supervisor.Redrive(ctx, id); err != nil {
			s.logger.Error("re-drive failed", "instance_id", id.String(), "error", err)
			continue
		}
		redriven++
	}
	return redriven, timedOut
}

// scanParticipants downgrades participants whose heartbeats stopped.
func (s *Scanner) scanParticipants(ctx context.Context) {
	participants, err := s.store.Participants(ctx)
	if err != nil {
		s.logger.Error("participant scan failed", "error", err)
		return
	}

	now := nowFunc()
	for _, p := range participants {
		silentFor := now.Sub(p.LastSeen)

		var health acm.ParticipantHealth
		switch {
		case silentFor > 2*s.participantMaxWait:
			health = acm.HealthOffline
		case silentFor > s.participantMaxWait:
			health = acm.HealthNotHealthy
		default:
			health = acm.HealthOK
		}
		if health == p.Health {
			continue
		}

		p.Health = health
		if err := s.store.SaveParticipant(ctx, p); err != nil {
			s.logger.Error("participant health update failed",
				"participant_id", p.ParticipantID.String(), "error", err)
			continue
		}
		s.logger.Warn("participant health changed",
			"participant_id", p.ParticipantID.String(), "health", string(health),
			"silent_for", silentFor.String())

		if health == acm.HealthNotHealthy {
			// One explicit poke before declaring it offline.
			if err := s.publisher.StatusReq(p.ParticipantID); err != nil {
				s.logger.Warn("status request failed",
					"participant_id", p.ParticipantID.String(), "error", err)
			}
		}
	}
}

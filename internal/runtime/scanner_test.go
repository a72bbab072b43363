package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
	"github.com/stratoline/acm-core/internal/messages"
)

func newTestScanner(h *runtimeHarness, maxWait time.Duration) *Scanner {
	return NewScanner(h.store, h.supervisor, NewPublisher(h.bus, nil),
		nil, nil, "replica-a", 10*time.Second, maxWait)
}

// withClock pins nowFunc to a controllable clock for the test's duration.
func withClock(t *testing.T) func(time.Duration) {
	t.Helper()
	now := time.Now()
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = time.Now })
	return func(d time.Duration) { now = now.Add(d) }
}

func TestScannerRedrivesOverdueTransition(t *testing.T) {
	h := newRuntimeHarness(t)
	advance := withClock(t)
	ctx := context.Background()
	elementID := uuid.New()
	instance := h.seedInstance(t, uuid.New(), map[uuid.UUID]int{elementID: 0})
	scanner := newTestScanner(h, time.Minute)

	if err := h.supervisor.RequestTransition(ctx, instance.InstanceID, acm.OrderedPassive); err != nil {
		t.Fatalf("RequestTransition: %v", err)
	}
	h.bus.reset()

	// First scan starts the wait window; nothing is overdue yet.
	redriven, timedOut := scanner.scanInstances(ctx)
	if redriven != 0 || timedOut != 0 {
		t.Fatalf("fresh transition: redriven=%d timedOut=%d, want 0 0", redriven, timedOut)
	}

	// Past the window the command is re-published.
	advance(2 * time.Minute)
	redriven, _ = scanner.scanInstances(ctx)
	if redriven != 1 {
		t.Fatalf("redriven = %d, want 1", redriven)
	}
	deploys := h.bus.byKind(messages.KindDeploy)
	if len(deploys) != 1 {
		t.Fatalf("got %d deploys, want the re-driven command", len(deploys))
	}
	deploy, _ := messages.Payload[messages.Deploy](deploys[0])
	if deploy.StartPhase != 0 {
		t.Errorf("re-driven StartPhase = %d, want the stuck phase 0", deploy.StartPhase)
	}
}

func TestScannerTimesOutAfterRetryBudget(t *testing.T) {
	h := newRuntimeHarness(t)
	advance := withClock(t)
	ctx := context.Background()
	elementID := uuid.New()
	instance := h.seedInstance(t, uuid.New(), map[uuid.UUID]int{elementID: 0})
	scanner := newTestScanner(h, time.Minute)

	// Tight retry budget for the test.
	h.counter.maxRetries = 1

	if err := h.supervisor.RequestTransition(ctx, instance.InstanceID, acm.OrderedPassive); err != nil {
		t.Fatalf("RequestTransition: %v", err)
	}

	scanner.scanInstances(ctx) // starts the window

	advance(2 * time.Minute)
	redriven, timedOut := scanner.scanInstances(ctx)
	if redriven != 1 || timedOut != 0 {
		t.Fatalf("first overdue scan: redriven=%d timedOut=%d, want 1 0", redriven, timedOut)
	}

	advance(2 * time.Minute)
	redriven, timedOut = scanner.scanInstances(ctx)
	if redriven != 0 || timedOut != 1 {
		t.Fatalf("budget exhausted: redriven=%d timedOut=%d, want 0 1", redriven, timedOut)
	}

	stored, _ := h.store.Instance(ctx, instance.InstanceID)
	if stored.Result != acm.ResultTimeout {
		t.Errorf("Result = %s, want TIMEOUT", stored.Result)
	}
	if stored.State != acm.StateUninitialised2Passive {
		t.Error("timeout keeps the transitional state visible to operators")
	}

	// Faulted instances are not re-driven again.
	advance(2 * time.Minute)
	redriven, timedOut = scanner.scanInstances(ctx)
	if redriven != 0 || timedOut != 0 {
		t.Errorf("faulted instance: redriven=%d timedOut=%d, want 0 0", redriven, timedOut)
	}
}

func TestScannerLateAckAfterRedriveStillCompletes(t *testing.T) {
	h := newRuntimeHarness(t)
	advance := withClock(t)
	ctx := context.Background()
	elementID := uuid.New()
	instance := h.seedInstance(t, uuid.New(), map[uuid.UUID]int{elementID: 0})
	scanner := newTestScanner(h, time.Minute)

	if err := h.supervisor.RequestTransition(ctx, instance.InstanceID, acm.OrderedPassive); err != nil {
		t.Fatalf("RequestTransition: %v", err)
	}
	scanner.scanInstances(ctx)
	advance(2 * time.Minute)
	scanner.scanInstances(ctx)

	// The late ack still lands and completes the transition.
	h.ackElements(t, instance, []uuid.UUID{elementID}, acm.DeployStateDeployed, acm.LockStateLocked)
	stored, _ := h.store.Instance(ctx, instance.InstanceID)
	if stored.State != acm.StatePassive {
		t.Errorf("State = %s, want PASSIVE", stored.State)
	}
}

func TestScannerParticipantLiveness(t *testing.T) {
	h := newRuntimeHarness(t)
	advance := withClock(t)
	ctx := context.Background()
	scanner := newTestScanner(h, time.Minute)
	scanner.participantMaxWait = time.Minute

	participantID := uuid.New()
	if err := h.store.SaveParticipant(ctx, &acm.Participant{
		ParticipantID: participantID,
		Health:        acm.HealthOK,
		LastSeen:      nowFunc(),
	}); err != nil {
		t.Fatalf("SaveParticipant: %v", err)
	}

	// Within the window: healthy, no poke.
	scanner.scanParticipants(ctx)
	p, _ := h.store.Participant(ctx, participantID)
	if p.Health != acm.HealthOK {
		t.Errorf("Health = %s, want OK", p.Health)
	}

	// One missed window: NOT_HEALTHY plus a status request.
	advance(90 * time.Second)
	scanner.scanParticipants(ctx)
	p, _ = h.store.Participant(ctx, participantID)
	if p.Health != acm.HealthNotHealthy {
		t.Errorf("Health = %s, want NOT_HEALTHY", p.Health)
	}
	if len(h.bus.byKind(messages.KindParticipantStatusReq)) != 1 {
		t.Error("unhealthy participant should get a status request")
	}

	// Two windows: OFF_LINE.
	advance(90 * time.Second)
	scanner.scanParticipants(ctx)
	p, _ = h.store.Participant(ctx, participantID)
	if p.Health != acm.HealthOffline {
		t.Errorf("Health = %s, want OFF_LINE", p.Health)
	}
}

func TestScanLeaseMutualExclusion(t *testing.T) {
	h := newRuntimeHarness(t)
	ctx := context.Background()

	acquired, err := h.store.AcquireScanLease(ctx, "replica-a", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("replica-a acquire = %v %v, want true nil", acquired, err)
	}

	// Another replica cannot take a live lease.
	acquired, err = h.store.AcquireScanLease(ctx, "replica-b", time.Minute)
	if err != nil || acquired {
		t.Fatalf("replica-b acquire = %v %v, want false nil", acquired, err)
	}

	// The holder renews freely.
	acquired, err = h.store.AcquireScanLease(ctx, "replica-a", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("replica-a renew = %v %v, want true nil", acquired, err)
	}

	// After release anyone can take it.
	if err := h.store.ReleaseScanLease(ctx, "replica-a"); err != nil {
		t.Fatalf("ReleaseScanLease: %v", err)
	}
	acquired, err = h.store.AcquireScanLease(ctx, "replica-b", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("replica-b after release = %v %v, want true nil", acquired, err)
	}

	// An expired lease is taken over.
	acquired, err = h.store.AcquireScanLease(ctx, "replica-b", -time.Minute)
	if err != nil || !acquired {
		t.Fatalf("replica-b expired renew = %v %v, want true nil", acquired, err)
	}
	acquired, err = h.store.AcquireScanLease(ctx, "replica-a", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("replica-a takeover = %v %v, want true nil", acquired, err)
	}
}

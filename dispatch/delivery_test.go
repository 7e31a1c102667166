package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opsconductor/pulse/sender"
	"github.com/opsconductor/pulse/store"
	"github.com/opsconductor/pulse/streaming"
)

// scriptedSender fails the first failFor sends, then succeeds.
type scriptedSender struct {
	mu      sync.Mutex
	failFor int
	calls   int
}

func (s *scriptedSender) Kind() string { return store.KindWebhook }

func (s *scriptedSender) Send(_ context.Context, _ sender.Payload, _ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFor {
		return errors.New("upstream returned 503")
	}
	return nil
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type deliveryFixture struct {
	store  *store.MemoryStore
	worker *DeliveryWorker
	snd    *scriptedSender
	clock  time.Time
}

func newDeliveryFixture(t *testing.T, failFor, maxAttempts int) *deliveryFixture {
	t.Helper()
	f := &deliveryFixture{store: store.NewMemoryStore(), snd: &scriptedSender{failFor: failFor}, clock: t0}
	f.store.SetClock(func() time.Time { return f.clock })
	f.worker = NewDeliveryWorker(f.store, sender.NewRegistry(f.snd), streaming.NewLogPublisher(), "node-test",
		maxAttempts, time.Second, 5*time.Minute, 2, 50*time.Millisecond, time.Second)
	f.worker.now = func() time.Time { return f.clock }

	f.store.PutIntegration(&store.Integration{
		TenantID: "t1", IntegrationID: "i1", Kind: store.KindWebhook,
		Config: map[string]string{"url": "https://example.com/hook"}, Enabled: true,
	})
	f.store.PutRoute(&store.Route{
		TenantID: "t1", RouteID: "r1", IntegrationID: "i1", Enabled: true,
	})
	return f
}

func (f *deliveryFixture) createJob(t *testing.T, jobID string) {
	t.Helper()
	payload := sender.EncodePayload(sender.Payload{
		CorrelationID: "corr-1", TenantID: "t1", AlertID: "a1",
		DeviceID: "d1", AlertType: store.AlertThreshold, Severity: "warning",
		Message: "m", Timestamp: f.clock,
	})
	err := f.store.CreateJob(context.Background(), &store.DeliveryJob{
		JobID: jobID, TenantID: "t1", AlertID: "a1", RouteID: "r1",
		Attempt: 0, NextAttemptAt: f.clock, State: store.JobPending,
		Payload: payload, CreatedAt: f.clock,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
}

// runDue executes every currently due job once, the way one poll would.
func (f *deliveryFixture) runDue(t *testing.T) int {
	t.Helper()
	jobs, err := f.store.DueJobs(context.Background(), f.clock, 10)
	if err != nil {
		t.Fatalf("DueJobs: %v", err)
	}
	for _, j := range jobs {
		f.worker.Execute(context.Background(), j)
	}
	return len(jobs)
}

func (f *deliveryFixture) job(t *testing.T, jobID string) *store.DeliveryJob {
	t.Helper()
	for _, j := range f.store.Jobs() {
		if j.JobID == jobID {
			return j
		}
	}
	t.Fatalf("job %s not found", jobID)
	return nil
}

func TestDeliveryFirstAttemptSucceeds(t *testing.T) {
	f := newDeliveryFixture(t, 0, 5)
	f.createJob(t, "j1")

	f.runDue(t)
	if got := f.job(t, "j1").State; got != store.JobSucceeded {
		t.Fatalf("state = %s, want SUCCEEDED", got)
	}
	if f.snd.callCount() != 1 {
		t.Fatalf("send called %d times, want 1", f.snd.callCount())
	}
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	// Three failures, success on attempt 4, inside a 5-attempt budget.
	f := newDeliveryFixture(t, 3, 5)
	f.createJob(t, "j1")

	for i := 0; i < 3; i++ {
		if n := f.runDue(t); n != 1 {
			t.Fatalf("pass %d: expected 1 due job, got %d", i, n)
		}
		j := f.job(t, "j1")
		if j.State != store.JobPending {
			t.Fatalf("pass %d: state = %s, want PENDING", i, j.State)
		}
		if j.Attempt != i+1 {
			t.Fatalf("pass %d: attempt = %d, want %d", i, j.Attempt, i+1)
		}
		if !j.NextAttemptAt.After(f.clock) {
			t.Fatalf("pass %d: next attempt not pushed into the future", i)
		}
		// Nothing is due until the backoff elapses.
		if n := f.runDue(t); n != 0 {
			t.Fatalf("pass %d: job due before its backoff elapsed", i)
		}
		f.clock = f.clock.Add(10 * time.Minute)
	}

	f.runDue(t)
	j := f.job(t, "j1")
	if j.State != store.JobSucceeded {
		t.Fatalf("state = %s, want SUCCEEDED", j.State)
	}
	if f.snd.callCount() != 4 {
		t.Fatalf("send called %d times, want 4", f.snd.callCount())
	}
}

func TestDeliveryDeadLetter(t *testing.T) {
	f := newDeliveryFixture(t, 100, 3)
	f.createJob(t, "j1")

	for i := 0; i < 3; i++ {
		f.runDue(t)
		f.clock = f.clock.Add(10 * time.Minute)
	}

	j := f.job(t, "j1")
	if j.State != store.JobDead {
		t.Fatalf("state = %s, want DEAD", j.State)
	}
	if j.Attempt != 3 {
		t.Fatalf("attempt = %d, want 3", j.Attempt)
	}
	if j.LastError == "" {
		t.Error("dead job lost its last_error")
	}
	// A dead job is never due again.
	if n := f.runDue(t); n != 0 {
		t.Fatalf("dead job came back: %d due", n)
	}
}

func TestClaimContention(t *testing.T) {
	f := newDeliveryFixture(t, 0, 5)
	f.createJob(t, "j1")

	jobs, _ := f.store.DueJobs(context.Background(), f.clock, 10)
	// Two replicas race on the same snapshot of due jobs.
	f.worker.Execute(context.Background(), jobs[0])
	f.worker.Execute(context.Background(), jobs[0])

	if f.snd.callCount() != 1 {
		t.Fatalf("send called %d times, want 1 (claim must arbitrate)", f.snd.callCount())
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := time.Second
	max := 5 * time.Minute

	prevFloor := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := Backoff(base, max, attempt)
		floor := base << (attempt - 1)
		if floor > max {
			floor = max
		}
		if d < floor {
			t.Fatalf("attempt %d: backoff %v below floor %v", attempt, d, floor)
		}
		if d > max {
			t.Fatalf("attempt %d: backoff %v above cap %v", attempt, d, max)
		}
		if floor < prevFloor {
			t.Fatalf("attempt %d: floor regressed", attempt)
		}
		prevFloor = floor
	}
}

func TestJanitorReleasesExpiredLease(t *testing.T) {
	f := newDeliveryFixture(t, 0, 5)
	f.createJob(t, "j1")

	claimed, err := f.store.ClaimJob(context.Background(), "j1", "dead-node", f.clock.Add(time.Minute))
	if err != nil || !claimed {
		t.Fatalf("ClaimJob claimed=%v err=%v", claimed, err)
	}

	janitor := NewLeaseJanitor(f.store, time.Second)
	janitor.now = func() time.Time { return f.clock }

	// Lease still valid: nothing released.
	janitor.Sweep(context.Background())
	if got := f.job(t, "j1").State; got != store.JobInFlight {
		t.Fatalf("state = %s, want IN_FLIGHT while lease holds", got)
	}

	f.clock = f.clock.Add(2 * time.Minute)
	janitor.Sweep(context.Background())
	if got := f.job(t, "j1").State; got != store.JobPending {
		t.Fatalf("state = %s, want PENDING after lease expiry", got)
	}

	// Another worker can now pick it up.
	if n := f.runDue(t); n != 1 {
		t.Fatalf("released job not due, got %d", n)
	}
	if got := f.job(t, "j1").State; got != store.JobSucceeded {
		t.Fatalf("state = %s, want SUCCEEDED", got)
	}
}

func TestDisabledIntegrationFailsAttempt(t *testing.T) {
	f := newDeliveryFixture(t, 0, 2)
	f.store.PutIntegration(&store.Integration{
		TenantID: "t1", IntegrationID: "i1", Kind: store.KindWebhook,
		Config: map[string]string{"url": "https://example.com/hook"}, Enabled: false,
	})
	f.createJob(t, "j1")

	f.runDue(t)
	j := f.job(t, "j1")
	if j.State != store.JobPending || j.Attempt != 1 {
		t.Fatalf("expected failed attempt, got state=%s attempt=%d", j.State, j.Attempt)
	}
	if f.snd.callCount() != 0 {
		t.Fatalf("send reached a disabled integration")
	}
}

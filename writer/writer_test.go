package writer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu      sync.Mutex
	writes  map[string][]string // tenant -> bodies
	failFor int                 // fail the first N writes
	fails   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{writes: make(map[string][]string)}
}

func (f *fakeBackend) WriteBatch(_ context.Context, tenantID string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails < f.failFor {
		f.fails++
		return errors.New("write refused")
	}
	f.writes[tenantID] = append(f.writes[tenantID], string(body))
	return nil
}

func (f *fakeBackend) bodies(tenantID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes[tenantID]...)
}

func TestSizeTriggeredFlush(t *testing.T) {
	be := newFakeBackend()
	w := New(be, 3, time.Hour)
	ctx := context.Background()

	w.Add(ctx, "t1", "l1")
	w.Add(ctx, "t1", "l2")
	if got := be.bodies("t1"); len(got) != 0 {
		t.Fatalf("flushed before batch size: %v", got)
	}

	w.Add(ctx, "t1", "l3")
	got := be.bodies("t1")
	if len(got) != 1 {
		t.Fatalf("expected one batch, got %d", len(got))
	}
	if got[0] != "l1\nl2\nl3" {
		t.Errorf("batch body = %q", got[0])
	}
	if w.BufferedLines() != 0 {
		t.Errorf("buffer not drained: %d", w.BufferedLines())
	}
}

func TestPerTenantPartitioning(t *testing.T) {
	be := newFakeBackend()
	w := New(be, 100, time.Hour)
	ctx := context.Background()

	w.Add(ctx, "t1", "a1")
	w.Add(ctx, "t2", "b1")
	w.Add(ctx, "t1", "a2")
	w.FlushAll(ctx)

	if got := be.bodies("t1"); len(got) != 1 || got[0] != "a1\na2" {
		t.Errorf("t1 batch = %v", got)
	}
	if got := be.bodies("t2"); len(got) != 1 || got[0] != "b1" {
		t.Errorf("t2 batch = %v", got)
	}
}

func TestIntervalFlush(t *testing.T) {
	be := newFakeBackend()
	w := New(be, 100, 20*time.Millisecond)
	ctx := context.Background()

	w.Start(ctx)
	defer w.Stop()

	w.Add(ctx, "t1", "line")

	deadline := time.After(time.Second)
	for {
		if len(be.bodies("t1")) > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("interval flush never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	be := newFakeBackend()
	be.failFor = 1 // first attempt fails, retry succeeds
	w := New(be, 100, time.Hour)

	w.Add(context.Background(), "t1", "line")
	w.FlushAll(context.Background())

	if got := be.bodies("t1"); len(got) != 1 {
		t.Fatalf("expected batch to land on retry, got %v", got)
	}
}

func TestBatchDroppedAfterRetriesExhausted(t *testing.T) {
	be := newFakeBackend()
	be.failFor = 2 // both attempts fail
	w := New(be, 100, time.Hour)

	w.Add(context.Background(), "t1", "line")
	w.FlushAll(context.Background())

	if got := be.bodies("t1"); len(got) != 0 {
		t.Fatalf("failed batch should be discarded, got %v", got)
	}
	// Buffer must not retain the dropped batch.
	if w.BufferedLines() != 0 {
		t.Errorf("dropped batch still buffered: %d", w.BufferedLines())
	}
}

func TestStopDrains(t *testing.T) {
	be := newFakeBackend()
	w := New(be, 100, time.Hour)

	w.Start(context.Background())
	w.Add(context.Background(), "t1", "l1")
	w.Add(context.Background(), "t2", "l2")
	w.Stop()

	if len(be.bodies("t1")) != 1 || len(be.bodies("t2")) != 1 {
		t.Errorf("Stop did not drain buffers: %v", be.writes)
	}
}

func TestConcurrentAdd(t *testing.T) {
	be := newFakeBackend()
	w := New(be, 50, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w.Add(ctx, "t1", "line")
			}
		}()
	}
	wg.Wait()
	w.FlushAll(ctx)

	total := 0
	for _, body := range be.bodies("t1") {
		total += len(strings.Split(body, "\n"))
	}
	if total != 800 {
		t.Errorf("lines written = %d, want 800", total)
	}
}

package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opsconductor/pulse/store"
)

// flakyCoordinator wraps MemoryStore's lock table and can be told to
// fail renews.
type flakyCoordinator struct {
	store.Coordinator
	mu        sync.Mutex
	failRenew bool
}

func (f *flakyCoordinator) RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	fail := f.failRenew
	f.mu.Unlock()
	if fail {
		return false, nil
	}
	return f.Coordinator.RenewLock(ctx, key, owner, ttl)
}

func (f *flakyCoordinator) setFailRenew(v bool) {
	f.mu.Lock()
	f.failRenew = v
	f.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSingleLeaderAmongNodes(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	leaders := map[string]bool{}

	mk := func(node string) *LeaderElector {
		e := NewLeaderElector(ms, "evaluator", node, 300*time.Millisecond)
		e.SetCallbacks(func(context.Context) {
			mu.Lock()
			leaders[node] = true
			mu.Unlock()
		}, func() {
			mu.Lock()
			leaders[node] = false
			mu.Unlock()
		})
		return e
	}
	a, b := mk("node-a"), mk("node-b")
	a.Start(ctx)
	b.Start(ctx)

	waitFor(t, 2*time.Second, func() bool { return a.IsLeader() || b.IsLeader() })
	if a.IsLeader() && b.IsLeader() {
		t.Fatal("both nodes claim leadership")
	}
}

func TestStepDownOnLostLease(t *testing.T) {
	ms := store.NewMemoryStore()
	fc := &flakyCoordinator{Coordinator: ms}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lost := make(chan struct{}, 1)
	e := NewLeaderElector(fc, "dispatcher", "node-a", 90*time.Millisecond)
	e.SetCallbacks(func(context.Context) {}, func() {
		select {
		case lost <- struct{}{}:
		default:
		}
	})
	e.Start(ctx)

	waitFor(t, 2*time.Second, e.IsLeader)
	fc.setFailRenew(true)

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("node never stepped down after losing its lease")
	}
	if e.IsLeader() {
		t.Error("IsLeader still true after step-down")
	}
}

func TestLeaderContextCancelledOnStepDown(t *testing.T) {
	ms := store.NewMemoryStore()
	fc := &flakyCoordinator{Coordinator: ms}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var leaderCtx context.Context
	e := NewLeaderElector(fc, "evaluator", "node-a", 90*time.Millisecond)
	e.SetCallbacks(func(c context.Context) {
		mu.Lock()
		leaderCtx = c
		mu.Unlock()
	}, func() {})
	e.Start(ctx)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return leaderCtx != nil
	})
	fc.setFailRenew(true)

	mu.Lock()
	c := leaderCtx
	mu.Unlock()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("leader context not cancelled on step-down")
	}
}

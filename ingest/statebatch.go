package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/opsconductor/pulse/store"
)

// StateBatcher coalesces device_state touches so a chatty device costs
// one row update per flush interval instead of one per message. Touches
// for the same (tenant, device) merge: latest SeenAt wins, metric
// samples overlay.
type StateBatcher struct {
	store      store.Store
	flushEvery time.Duration

	mu      sync.Mutex
	pending map[string]*store.StateTouch

	cancel context.CancelFunc
	done   chan struct{}
}

func NewStateBatcher(st store.Store, flushEvery time.Duration) *StateBatcher {
	return &StateBatcher{
		store:      st,
		flushEvery: flushEvery,
		pending:    make(map[string]*store.StateTouch),
	}
}

// Touch queues one last-seen update.
func (b *StateBatcher) Touch(t store.StateTouch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := t.TenantID + "\x00" + t.DeviceID
	cur, ok := b.pending[k]
	if !ok {
		cp := t
		if cp.Metrics == nil {
			cp.Metrics = make(map[string]float64)
		}
		b.pending[k] = &cp
		return
	}
	if t.SeenAt.After(cur.SeenAt) {
		cur.SeenAt = t.SeenAt
		cur.SiteID = t.SiteID
	}
	for name, v := range t.Metrics {
		cur.Metrics[name] = v
	}
}

// Start launches the periodic flush loop.
func (b *StateBatcher) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Flush(context.Background())
			}
		}
	}()
}

// Stop cancels the loop and drains any pending touches.
func (b *StateBatcher) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.Flush(context.Background())
}

// Flush writes out every pending touch in one batch.
func (b *StateBatcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	touches := make([]store.StateTouch, 0, len(b.pending))
	for _, t := range b.pending {
		touches = append(touches, *t)
	}
	b.pending = make(map[string]*store.StateTouch)
	b.mu.Unlock()

	if err := b.store.TouchDeviceStates(ctx, touches); err != nil {
		log.Printf("[INGEST] device_state flush of %d touches failed: %v", len(touches), err)
	}
}

// PendingCount reports the number of coalesced touches waiting to flush.
func (b *StateBatcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

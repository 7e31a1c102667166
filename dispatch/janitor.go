package main

import (
	"context"
	"log"
	"time"

	"github.com/opsconductor/pulse/observability"
	"github.com/opsconductor/pulse/store"
)

// LeaseJanitor reverts IN_FLIGHT jobs whose lease expired back to
// PENDING. A delivery replica that crashes mid-send loses its lease and
// the job becomes claimable again instead of hanging forever.
type LeaseJanitor struct {
	store    store.Store
	interval time.Duration

	now func() time.Time
}

func NewLeaseJanitor(st store.Store, interval time.Duration) *LeaseJanitor {
	return &LeaseJanitor{store: st, interval: interval, now: time.Now}
}

func (j *LeaseJanitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	log.Printf("[JANITOR] lease sweep every %v", j.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one pass.
func (j *LeaseJanitor) Sweep(ctx context.Context) {
	released, err := j.store.ReleaseExpiredLeases(ctx, j.now())
	if err != nil {
		log.Printf("[JANITOR] release expired leases: %v", err)
		return
	}
	if released > 0 {
		observability.LeasesReleased.Add(float64(released))
		log.Printf("[JANITOR] released %d expired leases", released)
	}
}

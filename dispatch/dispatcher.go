package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsconductor/pulse/observability"
	"github.com/opsconductor/pulse/sender"
	"github.com/opsconductor/pulse/store"
	"github.com/opsconductor/pulse/streaming"
)

// dispatchBatchSize bounds one polling pass.
const dispatchBatchSize = 200

// Dispatcher fans newly opened alerts out to matching routes as delivery
// jobs. An alert is marked dispatched exactly once; re-running a poll
// over the same alert creates no duplicate jobs.
type Dispatcher struct {
	store     store.Store
	throttle  store.Throttle
	publisher streaming.Publisher
	pollEvery time.Duration

	now func() time.Time
}

func NewDispatcher(st store.Store, th store.Throttle, pub streaming.Publisher, pollEvery time.Duration) *Dispatcher {
	return &Dispatcher{
		store:     st,
		throttle:  th,
		publisher: pub,
		pollEvery: pollEvery,
		now:       time.Now,
	}
}

// Run polls until ctx is done. Called with the leader context.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()
	log.Printf("[DISPATCH] loop started (poll=%v)", d.pollEvery)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[DISPATCH] loop stopped")
			return
		case <-ticker.C:
			if err := d.Poll(ctx); err != nil {
				log.Printf("[DISPATCH] poll failed: %v", err)
			}
		}
	}
}

// Poll processes one batch of undispatched alerts.
func (d *Dispatcher) Poll(ctx context.Context) error {
	alerts, err := d.store.ListUndispatchedAlerts(ctx, dispatchBatchSize)
	if err != nil {
		return fmt.Errorf("list undispatched alerts: %w", err)
	}

	for _, a := range alerts {
		if err := d.dispatch(ctx, a); err != nil {
			log.Printf("[DISPATCH] alert %s: %v", a.AlertID, err)
			continue
		}
		if err := d.store.MarkAlertDispatched(ctx, a.TenantID, a.AlertID); err != nil {
			// Not marked means the next poll retries this alert. Job IDs
			// are deterministic per (alert, route), so the retry cannot
			// create duplicates.
			log.Printf("[DISPATCH] mark dispatched %s: %v", a.AlertID, err)
		}
	}
	return nil
}

// dispatch matches one alert against its tenant's routes and creates one
// delivery job per match that clears the throttle.
func (d *Dispatcher) dispatch(ctx context.Context, a *store.Alert) error {
	routes, err := d.store.ListRoutes(ctx, a.TenantID)
	if err != nil {
		return fmt.Errorf("list routes: %w", err)
	}

	for _, r := range routes {
		if !routeMatches(r, a) {
			continue
		}
		if r.ThrottleSeconds > 0 {
			allowed, err := d.throttle.Allow(ctx, r.RouteID, a.Fingerprint, time.Duration(r.ThrottleSeconds)*time.Second)
			if err != nil {
				return fmt.Errorf("throttle check route %s: %w", r.RouteID, err)
			}
			if !allowed {
				observability.RouteThrottled.WithLabelValues(a.TenantID).Inc()
				continue
			}
		}

		payload := sender.Payload{
			CorrelationID: uuid.NewString(),
			TenantID:      a.TenantID,
			AlertID:       a.AlertID,
			DeviceID:      a.DeviceID,
			AlertType:     a.Type,
			Severity:      a.Severity,
			Message:       a.Details,
			Timestamp:     a.OpenedAt,
		}
		job := &store.DeliveryJob{
			JobID:         jobID(a.AlertID, r.RouteID),
			TenantID:      a.TenantID,
			AlertID:       a.AlertID,
			RouteID:       r.RouteID,
			Attempt:       0,
			NextAttemptAt: d.now(),
			State:         store.JobPending,
			Payload:       sender.EncodePayload(payload),
			CreatedAt:     d.now(),
		}
		if err := d.store.CreateJob(ctx, job); err != nil {
			return fmt.Errorf("create job for route %s: %w", r.RouteID, err)
		}
		observability.JobsCreated.WithLabelValues(a.TenantID).Inc()
		log.Printf("[DISPATCH] job %s created: alert=%s route=%s correlation=%s", job.JobID, a.AlertID, r.RouteID, payload.CorrelationID)
	}

	if err := d.publisher.Publish(ctx, "alert.opened", a.TenantID, a); err != nil {
		log.Printf("[DISPATCH] publish alert.opened: %v", err)
	}
	return nil
}

// jobID derives the deterministic job key for one (alert, route) pair.
func jobID(alertID, routeID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(alertID+"\x00"+routeID)).String()
}

// routeMatches applies a route's predicate to an alert: enabled, severity
// floor, alert-type list and device selector must all pass.
func routeMatches(r *store.Route, a *store.Alert) bool {
	if !r.Enabled {
		return false
	}
	if !store.SeverityAtLeast(a.Severity, r.MinSeverity) {
		return false
	}
	if len(r.Types) > 0 {
		found := false
		for _, t := range r.Types {
			if t == a.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	switch {
	case r.Selector == "" || r.Selector == "*":
		return true
	case strings.HasPrefix(r.Selector, "device:"):
		return a.DeviceID == strings.TrimPrefix(r.Selector, "device:")
	default:
		return false
	}
}

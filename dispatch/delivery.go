package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/opsconductor/pulse/observability"
	"github.com/opsconductor/pulse/sender"
	"github.com/opsconductor/pulse/store"
	"github.com/opsconductor/pulse/streaming"
)

// deliveryBatchSize bounds one due-jobs poll.
const deliveryBatchSize = 100

// leaseDuration is how long a claimed job stays IN_FLIGHT before the
// janitor may hand it back. Must exceed the per-request timeout.
const leaseDuration = time.Minute

// DeliveryWorker claims due jobs and executes their outbound sends.
// Claims go through the PENDING -> IN_FLIGHT compare-and-set, so any
// number of workers can poll the same table without double-sending.
type DeliveryWorker struct {
	store       store.Store
	registry    *sender.Registry
	publisher   streaming.Publisher
	nodeID      string
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	concurrency int
	pollEvery   time.Duration
	sendTimeout time.Duration

	wg  sync.WaitGroup
	now func() time.Time
}

func NewDeliveryWorker(st store.Store, reg *sender.Registry, pub streaming.Publisher, nodeID string,
	maxAttempts int, baseBackoff, maxBackoff time.Duration, concurrency int, pollEvery, sendTimeout time.Duration) *DeliveryWorker {
	return &DeliveryWorker{
		store:       st,
		registry:    reg,
		publisher:   pub,
		nodeID:      nodeID,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		concurrency: concurrency,
		pollEvery:   pollEvery,
		sendTimeout: sendTimeout,
		now:         time.Now,
	}
}

// Run polls for due jobs until ctx is done, then drains in-flight sends.
func (w *DeliveryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()
	sem := make(chan struct{}, w.concurrency)
	log.Printf("[DELIVERY] worker started (concurrency=%d max_attempts=%d)", w.concurrency, w.maxAttempts)

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			log.Printf("[DELIVERY] worker drained")
			return
		case <-ticker.C:
			jobs, err := w.store.DueJobs(ctx, w.now(), deliveryBatchSize)
			if err != nil {
				log.Printf("[DELIVERY] due jobs poll: %v", err)
				continue
			}
			for _, job := range jobs {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					w.wg.Wait()
					return
				}
				w.wg.Add(1)
				go func(j *store.DeliveryJob) {
					defer w.wg.Done()
					defer func() { <-sem }()
					w.Execute(ctx, j)
				}(job)
			}
		}
	}
}

// Execute claims one job and runs a single delivery attempt.
func (w *DeliveryWorker) Execute(ctx context.Context, job *store.DeliveryJob) {
	claimed, err := w.store.ClaimJob(ctx, job.JobID, w.nodeID, w.now().Add(leaseDuration))
	if err != nil {
		log.Printf("[DELIVERY] claim %s: %v", job.JobID, err)
		return
	}
	if !claimed {
		// Another worker won the compare-and-set.
		return
	}

	attempt := job.Attempt + 1
	kind, sendErr := w.attempt(ctx, job)

	if sendErr == nil {
		if err := w.store.CompleteJob(ctx, job.JobID); err != nil {
			log.Printf("[DELIVERY] complete %s: %v", job.JobID, err)
		}
		observability.DeliveryAttempts.WithLabelValues(kind, "success").Inc()
		log.Printf("[DELIVERY] job %s succeeded on attempt %d", job.JobID, attempt)
		return
	}

	dead := attempt >= w.maxAttempts
	next := w.now().Add(Backoff(w.baseBackoff, w.maxBackoff, attempt))
	if err := w.store.FailJob(ctx, job.JobID, attempt, next, sendErr.Error(), dead); err != nil {
		log.Printf("[DELIVERY] fail %s: %v", job.JobID, err)
		return
	}

	if dead {
		observability.DeliveryAttempts.WithLabelValues(kind, "dead").Inc()
		log.Printf("[DELIVERY] job %s moved to DEAD after %d attempts: %v", job.JobID, attempt, sendErr)
		if err := w.publisher.Publish(ctx, "job.dead", job.TenantID, map[string]string{
			"job_id":   job.JobID,
			"alert_id": job.AlertID,
			"route_id": job.RouteID,
			"error":    sendErr.Error(),
		}); err != nil {
			log.Printf("[DELIVERY] publish job.dead: %v", err)
		}
		return
	}
	observability.DeliveryAttempts.WithLabelValues(kind, "error").Inc()
	log.Printf("[DELIVERY] job %s attempt %d failed, retry at %s: %v", job.JobID, attempt, next.Format(time.RFC3339), sendErr)
}

// attempt resolves the job's route and integration and performs the
// send. It returns the integration kind for metrics labeling.
func (w *DeliveryWorker) attempt(ctx context.Context, job *store.DeliveryJob) (string, error) {
	payload, err := sender.DecodePayload(job.Payload)
	if err != nil {
		return "unknown", fmt.Errorf("decode payload: %w", err)
	}

	route, err := w.findRoute(ctx, job.TenantID, job.RouteID)
	if err != nil {
		return "unknown", err
	}
	integ, err := w.store.GetIntegration(ctx, job.TenantID, route.IntegrationID)
	if err != nil {
		return "unknown", fmt.Errorf("get integration %s: %w", route.IntegrationID, err)
	}
	if integ == nil || !integ.Enabled {
		return "unknown", fmt.Errorf("integration %s disabled or missing", route.IntegrationID)
	}

	snd, err := w.registry.For(integ.Kind)
	if err != nil {
		return integ.Kind, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()

	start := w.now()
	if err := snd.Send(sendCtx, payload, integ.Config); err != nil {
		return integ.Kind, err
	}
	observability.DeliveryLatency.WithLabelValues(integ.Kind).Observe(time.Since(start).Seconds())
	return integ.Kind, nil
}

func (w *DeliveryWorker) findRoute(ctx context.Context, tenantID, routeID string) (*store.Route, error) {
	routes, err := w.store.ListRoutes(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	for _, r := range routes {
		if r.RouteID == routeID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("route %s not found", routeID)
}

// Backoff computes the delay before the next attempt: base doubled per
// completed attempt with up to 10% jitter, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	if d+jitter > max {
		return max
	}
	return d + jitter
}

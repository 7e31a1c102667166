package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/opsconductor/pulse/auth"
	"github.com/opsconductor/pulse/authcache"
	"github.com/opsconductor/pulse/observability"
	"github.com/opsconductor/pulse/ratelimit"
	"github.com/opsconductor/pulse/store"
	"github.com/opsconductor/pulse/writer"
)

// Pool runs the ingestion workers. Each worker dequeues messages, runs
// the validation chain, and on success writes a line-protocol point and
// records a device-state touch. Rejected messages go to quarantine and
// never reach the writer or device_state.
type Pool struct {
	store   store.Store
	cache   *authcache.Cache
	writer  *writer.Writer
	limiter ratelimit.Limiter
	states  *StateBatcher
	queue   *Queue

	tokenSalt string
	workers   int

	wg  sync.WaitGroup
	now func() time.Time
}

func NewPool(st store.Store, cache *authcache.Cache, w *writer.Writer, lim ratelimit.Limiter, states *StateBatcher, q *Queue, tokenSalt string, workers int) *Pool {
	return &Pool{
		store:     st,
		cache:     cache,
		writer:    w,
		limiter:   lim,
		states:    states,
		queue:     q,
		tokenSalt: tokenSalt,
		workers:   workers,
		now:       time.Now,
	}
}

// Start launches the worker goroutines. They exit when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
	log.Printf("[INGEST] started %d workers", p.workers)
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	for {
		m, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		p.Process(ctx, m)
	}
}

// Validate runs the read-only authentication steps: cache or registry
// lookup, status, site and provisioning-token checks. It returns the
// resolved registry entry and an empty reason on success, or the
// quarantine reason on rejection. It does not consume rate-limit tokens
// and does not write anything; the HTTP ingress calls it inline to pick
// a synchronous status code.
func (p *Pool) Validate(ctx context.Context, m *Message) (authcache.Entry, string, error) {
	entry, hit := p.cache.Get(m.TenantID, m.DeviceID)
	if !hit {
		d, err := p.store.GetDevice(ctx, m.TenantID, m.DeviceID)
		if err != nil {
			return authcache.Entry{}, "", err
		}
		if d == nil {
			// Missing rows are never cached: a device provisioned a
			// moment later must be visible on its next message.
			return authcache.Entry{}, store.ReasonUnregistered, nil
		}
		entry = authcache.Entry{SiteID: d.SiteID, Status: d.Status, TokenHash: d.TokenHash}
		p.cache.Put(m.TenantID, m.DeviceID, entry)
	}

	if entry.Status != store.DeviceActive {
		return entry, store.ReasonRevoked, nil
	}
	if m.SiteID != entry.SiteID {
		return entry, store.ReasonSiteMismatch, nil
	}
	if !auth.VerifyProvisionToken(p.tokenSalt, m.Token, entry.TokenHash) {
		return entry, store.ReasonInvalidToken, nil
	}
	return entry, "", nil
}

// Process runs the full chain for one message. Messages the HTTP ingress
// already validated skip straight to the rate-limited write phase.
func (p *Pool) Process(ctx context.Context, m *Message) {
	if !m.prevalidated {
		_, reason, err := p.Validate(ctx, m)
		if err != nil {
			log.Printf("[INGEST] registry lookup failed for %s/%s: %v", m.TenantID, m.DeviceID, err)
			return
		}
		if reason != "" {
			p.Quarantine(ctx, m, reason)
			return
		}
		if !p.limiter.Allow(m.TenantID + "/" + m.DeviceID) {
			p.Quarantine(ctx, m, store.ReasonRateLimited)
			return
		}
	}
	p.accept(ctx, m)
}

// accept writes the point and records the device-state touch.
func (p *Pool) accept(ctx context.Context, m *Message) {
	var line string
	switch m.Type {
	case TypeHeartbeat:
		line = writer.HeartbeatLine(m.DeviceID, m.SiteID, m.Seq, m.Received)
	default:
		line = writer.TelemetryLine(m.DeviceID, m.SiteID, m.Seq, m.Metrics, m.Received)
	}
	p.writer.Add(ctx, m.TenantID, line)

	p.states.Touch(store.StateTouch{
		TenantID: m.TenantID,
		DeviceID: m.DeviceID,
		SiteID:   m.SiteID,
		SeenAt:   m.Received,
		Metrics:  numericSamples(m.Metrics),
	})
	observability.MessagesAccepted.WithLabelValues(m.TenantID, m.Type).Inc()
}

// Quarantine records a rejected message. The quarantine log is
// append-only and never feeds back into device_state or alerting.
func (p *Pool) Quarantine(ctx context.Context, m *Message, reason string) {
	ev := &store.QuarantineEvent{
		TenantID:   m.TenantID,
		DeviceID:   m.DeviceID,
		Reason:     reason,
		Snippet:    m.Snippet(),
		ObservedAt: p.now(),
	}
	if err := p.store.InsertQuarantine(ctx, ev); err != nil {
		log.Printf("[INGEST] quarantine insert failed for %s/%s: %v", m.TenantID, m.DeviceID, err)
	}
	observability.MessagesQuarantined.WithLabelValues(m.TenantID, reason).Inc()
}

// numericSamples projects a metric set onto the float values the
// evaluator reads. Booleans carry no threshold semantics and are left out.
func numericSamples(fields map[string]writer.Field) map[string]float64 {
	out := make(map[string]float64, len(fields))
	for k, f := range fields {
		switch f.Kind {
		case writer.FieldInt:
			out[k] = float64(f.Int)
		case writer.FieldFloat:
			out[k] = f.Float
		}
	}
	return out
}

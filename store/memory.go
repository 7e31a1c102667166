package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store, Throttle and Coordinator for tests
// and single-node development. It enforces the same invariants as the
// Postgres backend, in particular the one-OPEN-alert-per-(tenant,
// fingerprint) rule.
type MemoryStore struct {
	mu sync.Mutex

	devices    map[string]*Device      // tenant|device
	states     map[string]*DeviceState // tenant|device
	quarantine []*QuarantineEvent
	rules      map[string]*AlertRule   // tenant|rule
	alerts     map[string]*Alert       // alert_id
	integr     map[string]*Integration // tenant|integration
	routes     map[string]*Route       // tenant|route
	jobs       map[string]*DeliveryJob // job_id
	dispatched map[string]bool         // alert_id
	audit      []string

	throttle map[string]time.Time // route|fingerprint -> window start
	locks    map[string]memLock

	now func() time.Time
}

type memLock struct {
	owner string
	until time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:    make(map[string]*Device),
		states:     make(map[string]*DeviceState),
		rules:      make(map[string]*AlertRule),
		alerts:     make(map[string]*Alert),
		integr:     make(map[string]*Integration),
		routes:     make(map[string]*Route),
		jobs:       make(map[string]*DeliveryJob),
		dispatched: make(map[string]bool),
		throttle:   make(map[string]time.Time),
		locks:      make(map[string]memLock),
		now:        time.Now,
	}
}

// SetClock overrides the store's clock. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func key2(a, b string) string { return a + "|" + b }

// --- Device registry ---

func (s *MemoryStore) GetDevice(_ context.Context, tenantID, deviceID string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[key2(tenantID, deviceID)]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) UpsertDevice(_ context.Context, tenantID string, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.TenantID = tenantID
	cp := *d
	s.devices[key2(tenantID, d.DeviceID)] = &cp
	return nil
}

func (s *MemoryStore) RevokeDevice(_ context.Context, tenantID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[key2(tenantID, deviceID)]
	if !ok {
		return fmt.Errorf("device %s/%s not found", tenantID, deviceID)
	}
	d.Status = DeviceRevoked
	return nil
}

// --- Device state ---

func (s *MemoryStore) TouchDeviceStates(_ context.Context, touches []StateTouch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range touches {
		k := key2(t.TenantID, t.DeviceID)
		st, ok := s.states[k]
		if !ok {
			st = &DeviceState{
				TenantID:    t.TenantID,
				DeviceID:    t.DeviceID,
				Liveness:    LivenessOnline,
				LastMetrics: make(map[string]float64),
			}
			s.states[k] = st
		}
		if t.SeenAt.After(st.LastSeenAt) {
			st.LastSeenAt = t.SeenAt
			st.SiteID = t.SiteID
		}
		if len(t.Metrics) > 0 && !t.SeenAt.Before(st.SampledAt) {
			if st.LastMetrics == nil {
				st.LastMetrics = make(map[string]float64)
			}
			for m, v := range t.Metrics {
				st.LastMetrics[m] = v
			}
			st.SampledAt = t.SeenAt
		}
	}
	return nil
}

func (s *MemoryStore) ListDeviceStates(_ context.Context) ([]*DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*DeviceState, 0, len(s.states))
	for _, st := range s.states {
		cp := *st
		cp.LastMetrics = copyMetrics(st.LastMetrics)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out, nil
}

func (s *MemoryStore) UpdateLiveness(_ context.Context, tenantID, deviceID, liveness string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key2(tenantID, deviceID)]
	if !ok {
		return fmt.Errorf("device_state %s/%s not found", tenantID, deviceID)
	}
	st.Liveness = liveness
	return nil
}

// --- Quarantine ---

func (s *MemoryStore) InsertQuarantine(_ context.Context, ev *QuarantineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.quarantine = append(s.quarantine, &cp)
	return nil
}

// QuarantineEvents returns a copy of the quarantine log. Tests only.
func (s *MemoryStore) QuarantineEvents() []*QuarantineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*QuarantineEvent(nil), s.quarantine...)
}

// --- Rules ---

func (s *MemoryStore) PutRule(r *AlertRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rules[key2(r.TenantID, r.RuleID)] = &cp
}

func (s *MemoryStore) ListEnabledRules(_ context.Context) ([]*AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AlertRule
	for _, r := range s.rules {
		if r.Enabled {
			cp := *r
			out = append(out, &cp)
		}
	}
	// Stable evaluation order: tenant, then rule ID ascending.
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out, nil
}

// ListRules returns every rule, enabled or not. Tests only.
func (s *MemoryStore) ListRules() []*AlertRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AlertRule
	for _, r := range s.rules {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// --- Alerts ---

func (s *MemoryStore) OpenAlert(_ context.Context, a *Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.alerts {
		if existing.TenantID == a.TenantID && existing.Fingerprint == a.Fingerprint && existing.Status == AlertOpen {
			existing.LastSeenAt = a.LastSeenAt
			existing.Details = a.Details
			return false, nil
		}
	}
	cp := *a
	cp.Status = AlertOpen
	s.alerts[a.AlertID] = &cp
	return true, nil
}

func (s *MemoryStore) CloseAlertByFingerprint(_ context.Context, tenantID, fp string, closedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.TenantID == tenantID && a.Fingerprint == fp && a.Status == AlertOpen {
			a.Status = AlertClosed
			t := closedAt
			a.ClosedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListOpenAlerts(_ context.Context) ([]*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Alert
	for _, a := range s.alerts {
		if a.Status == AlertOpen {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *MemoryStore) ListUndispatchedAlerts(_ context.Context, limit int) ([]*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Alert
	for _, a := range s.alerts {
		if a.Status == AlertOpen && !s.dispatched[a.AlertID] {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkAlertDispatched(_ context.Context, tenantID, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok || a.TenantID != tenantID {
		return fmt.Errorf("alert %s not found for tenant %s", alertID, tenantID)
	}
	s.dispatched[alertID] = true
	return nil
}

// Alerts returns a copy of every alert row. Tests only.
func (s *MemoryStore) Alerts() []*Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Alert
	for _, a := range s.alerts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// --- Integrations and routes ---

func (s *MemoryStore) PutIntegration(i *Integration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *i
	s.integr[key2(i.TenantID, i.IntegrationID)] = &cp
}

func (s *MemoryStore) GetIntegration(_ context.Context, tenantID, integrationID string) (*Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.integr[key2(tenantID, integrationID)]
	if !ok {
		return nil, nil
	}
	cp := *i
	return &cp, nil
}

func (s *MemoryStore) PutRoute(r *Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.routes[key2(r.TenantID, r.RouteID)] = &cp
}

func (s *MemoryStore) ListRoutes(_ context.Context, tenantID string) ([]*Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Route
	for _, r := range s.routes {
		if r.TenantID == tenantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out, nil
}

// --- Delivery jobs ---

func (s *MemoryStore) CreateJob(_ context.Context, job *DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		// Job IDs are deterministic per (alert, route); a re-dispatch of
		// the same alert is a no-op, not an error.
		return nil
	}
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.jobs[job.JobID] = &cp
	return nil
}

func (s *MemoryStore) DueJobs(_ context.Context, now time.Time, limit int) ([]*DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DeliveryJob
	for _, j := range s.jobs {
		if j.State == JobPending && !j.NextAttemptAt.After(now) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimJob(_ context.Context, jobID, owner string, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.State != JobPending {
		return false, nil
	}
	j.State = JobInFlight
	j.LeaseOwner = owner
	j.LeaseUntil = leaseUntil
	return true, nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	j.State = JobSucceeded
	j.LastError = ""
	return nil
}

func (s *MemoryStore) FailJob(_ context.Context, jobID string, attempt int, nextAttemptAt time.Time, lastErr string, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	j.Attempt = attempt
	j.LastError = lastErr
	if dead {
		j.State = JobDead
	} else {
		j.State = JobPending
		j.NextAttemptAt = nextAttemptAt
	}
	j.LeaseOwner = ""
	j.LeaseUntil = time.Time{}
	return nil
}

func (s *MemoryStore) ReleaseExpiredLeases(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for _, j := range s.jobs {
		if j.State == JobInFlight && j.LeaseUntil.Before(now) {
			j.State = JobPending
			j.LeaseOwner = ""
			released++
		}
	}
	return released, nil
}

// Jobs returns a copy of every delivery job. Tests only.
func (s *MemoryStore) Jobs() []*DeliveryJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DeliveryJob
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// --- Audit ---

func (s *MemoryStore) InsertAudit(_ context.Context, actor, action, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, fmt.Sprintf("%s %s %s", actor, action, detail))
	return nil
}

// --- Throttle ---

func (s *MemoryStore) Allow(_ context.Context, routeID, fingerprint string, minInterval time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key2(routeID, fingerprint)
	if last, ok := s.throttle[k]; ok && s.now().Sub(last) < minInterval {
		return false, nil
	}
	s.throttle[k] = s.now()
	return true, nil
}

// --- Coordinator ---

func (s *MemoryStore) AcquireLock(_ context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if ok && l.until.After(s.now()) && l.owner != ownerID {
		return false, nil
	}
	s.locks[key] = memLock{owner: ownerID, until: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLock(_ context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok || l.owner != ownerID || !l.until.After(s.now()) {
		return false, nil
	}
	s.locks[key] = memLock{owner: ownerID, until: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, key, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok && l.owner == ownerID {
		delete(s.locks, key)
	}
	return nil
}

func copyMetrics(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsconductor/pulse/observability"
	"github.com/opsconductor/pulse/store"
	"github.com/opsconductor/pulse/streaming"
)

// Evaluator derives device liveness from last_seen_at and applies
// threshold rules to the latest samples. It keeps no state of its own:
// every tick reads device_state and the open-alert table, so a restarted
// replica picks up exactly where the last one stopped.
type Evaluator struct {
	store        store.Store
	publisher    streaming.Publisher
	staleAfter   time.Duration
	offlineAfter time.Duration
	tick         time.Duration

	now func() time.Time
}

func NewEvaluator(st store.Store, pub streaming.Publisher, staleAfter, offlineAfter, tick time.Duration) *Evaluator {
	return &Evaluator{
		store:        st,
		publisher:    pub,
		staleAfter:   staleAfter,
		offlineAfter: offlineAfter,
		tick:         tick,
		now:          time.Now,
	}
}

// Run executes ticks until ctx is done. Called with the leader context,
// so losing the election stops the loop.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	log.Printf("[EVALUATOR] loop started (stale=%v offline=%v tick=%v)", e.staleAfter, e.offlineAfter, e.tick)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[EVALUATOR] loop stopped")
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				log.Printf("[EVALUATOR] tick failed: %v", err)
			}
		}
	}
}

// Tick runs one full evaluation pass: liveness first, then threshold
// rules, then cleanup of alerts whose rule has been disabled.
func (e *Evaluator) Tick(ctx context.Context) error {
	start := e.now()
	defer func() {
		observability.EvaluatorTickDuration.Observe(time.Since(start).Seconds())
	}()

	states, err := e.store.ListDeviceStates(ctx)
	if err != nil {
		return fmt.Errorf("list device states: %w", err)
	}

	for _, st := range states {
		e.evalLiveness(ctx, st)
	}

	rules, err := e.store.ListEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	// Deterministic order across replicas and restarts.
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].TenantID != rules[j].TenantID {
			return rules[i].TenantID < rules[j].TenantID
		}
		return rules[i].RuleID < rules[j].RuleID
	})

	for _, rule := range rules {
		for _, st := range states {
			if st.TenantID != rule.TenantID || !selectorMatches(rule.Selector, st) {
				continue
			}
			e.evalRule(ctx, rule, st)
		}
	}

	return e.closeOrphanedRuleAlerts(ctx, rules)
}

// evalLiveness computes the target liveness from message age and applies
// the transition. OFFLINE keeps a NO_HEARTBEAT alert open; a return to
// ONLINE closes it. STALE is advisory and touches no alerts.
func (e *Evaluator) evalLiveness(ctx context.Context, st *store.DeviceState) {
	age := e.now().Sub(st.LastSeenAt)
	target := store.LivenessOnline
	switch {
	case age >= e.offlineAfter:
		target = store.LivenessOffline
	case age >= e.staleAfter:
		target = store.LivenessStale
	}

	if target != st.Liveness {
		if err := e.store.UpdateLiveness(ctx, st.TenantID, st.DeviceID, target); err != nil {
			log.Printf("[EVALUATOR] liveness update %s/%s: %v", st.TenantID, st.DeviceID, err)
			return
		}
		observability.LivenessTransitions.WithLabelValues(st.TenantID, target).Inc()
	}

	fp := store.HeartbeatFingerprint(st.TenantID, st.DeviceID)
	switch target {
	case store.LivenessOffline:
		e.openAlert(ctx, &store.Alert{
			TenantID:    st.TenantID,
			AlertID:     uuid.NewString(),
			DeviceID:    st.DeviceID,
			Type:        store.AlertNoHeartbeat,
			Severity:    "critical",
			Fingerprint: fp,
			Details:     fmt.Sprintf("no message from device for %s (last seen %s)", age.Round(time.Second), st.LastSeenAt.UTC().Format(time.RFC3339)),
			OpenedAt:    e.now(),
			LastSeenAt:  e.now(),
		})
	case store.LivenessOnline:
		e.closeAlert(ctx, st.TenantID, st.DeviceID, store.AlertNoHeartbeat, fp)
	}
}

// evalRule applies one threshold rule to one device's latest sample. A
// missing metric or NaN never matches; a clear condition closes any open
// alert for the same fingerprint.
func (e *Evaluator) evalRule(ctx context.Context, rule *store.AlertRule, st *store.DeviceState) {
	value, sampled := st.LastMetrics[rule.MetricName]
	firing := sampled && !math.IsNaN(value) && compare(value, rule.Comparator, rule.Threshold)

	fp := store.RuleFingerprint(rule.TenantID, st.DeviceID, rule.RuleID)
	if firing {
		e.openAlert(ctx, &store.Alert{
			TenantID:    rule.TenantID,
			AlertID:     uuid.NewString(),
			DeviceID:    st.DeviceID,
			Type:        store.AlertThreshold,
			RuleID:      rule.RuleID,
			Severity:    rule.Severity,
			Fingerprint: fp,
			Details:     fmt.Sprintf("%s = %g %s %g", rule.MetricName, value, strings.ToLower(rule.Comparator), rule.Threshold),
			OpenedAt:    e.now(),
			LastSeenAt:  e.now(),
		})
	} else {
		e.closeAlert(ctx, rule.TenantID, st.DeviceID, store.AlertThreshold, fp)
	}
}

// closeOrphanedRuleAlerts closes OPEN threshold alerts whose rule is no
// longer enabled. Without this a disabled rule would pin its alert open
// forever.
func (e *Evaluator) closeOrphanedRuleAlerts(ctx context.Context, enabled []*store.AlertRule) error {
	active := make(map[string]bool, len(enabled))
	for _, r := range enabled {
		active[r.TenantID+"\x00"+r.RuleID] = true
	}

	open, err := e.store.ListOpenAlerts(ctx)
	if err != nil {
		return fmt.Errorf("list open alerts: %w", err)
	}
	for _, a := range open {
		if a.Type != store.AlertThreshold || active[a.TenantID+"\x00"+a.RuleID] {
			continue
		}
		e.closeAlert(ctx, a.TenantID, a.DeviceID, a.Type, a.Fingerprint)
	}
	return nil
}

func (e *Evaluator) openAlert(ctx context.Context, a *store.Alert) {
	created, err := e.store.OpenAlert(ctx, a)
	if err != nil {
		log.Printf("[EVALUATOR] open alert %s/%s: %v", a.TenantID, a.Fingerprint, err)
		return
	}
	if !created {
		return
	}
	observability.AlertsOpened.WithLabelValues(a.TenantID, a.Type).Inc()
	log.Printf("[EVALUATOR] alert opened tenant=%s device=%s type=%s severity=%s", a.TenantID, a.DeviceID, a.Type, a.Severity)
	if err := e.publisher.Publish(ctx, "alert.opened", a.TenantID, a); err != nil {
		log.Printf("[EVALUATOR] publish alert.opened: %v", err)
	}
}

func (e *Evaluator) closeAlert(ctx context.Context, tenantID, deviceID, alertType, fp string) {
	closed, err := e.store.CloseAlertByFingerprint(ctx, tenantID, fp, e.now())
	if err != nil {
		log.Printf("[EVALUATOR] close alert %s/%s: %v", tenantID, fp, err)
		return
	}
	if !closed {
		return
	}
	observability.AlertsClosed.WithLabelValues(tenantID, alertType).Inc()
	log.Printf("[EVALUATOR] alert closed tenant=%s device=%s type=%s", tenantID, deviceID, alertType)
	if err := e.publisher.Publish(ctx, "alert.closed", tenantID, map[string]string{
		"tenant_id":   tenantID,
		"device_id":   deviceID,
		"type":        alertType,
		"fingerprint": fp,
	}); err != nil {
		log.Printf("[EVALUATOR] publish alert.closed: %v", err)
	}
}

// selectorMatches applies a rule's device selector to a device.
func selectorMatches(selector string, st *store.DeviceState) bool {
	switch {
	case selector == "" || selector == "*":
		return true
	case strings.HasPrefix(selector, "site:"):
		return st.SiteID == strings.TrimPrefix(selector, "site:")
	case strings.HasPrefix(selector, "device:"):
		return st.DeviceID == strings.TrimPrefix(selector, "device:")
	default:
		return false
	}
}

func compare(value float64, comparator string, threshold float64) bool {
	switch comparator {
	case "GT":
		return value > threshold
	case "GTE":
		return value >= threshold
	case "LT":
		return value < threshold
	case "LTE":
		return value <= threshold
	default:
		return false
	}
}

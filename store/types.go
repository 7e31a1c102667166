package store

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Device status values.
const (
	DeviceActive  = "ACTIVE"
	DeviceRevoked = "REVOKED"
)

// Liveness values derived from last_seen_at.
const (
	LivenessOnline  = "ONLINE"
	LivenessStale   = "STALE"
	LivenessOffline = "OFFLINE"
)

// Quarantine reasons.
const (
	ReasonUnregistered = "UNREGISTERED_DEVICE"
	ReasonInvalidToken = "INVALID_TOKEN"
	ReasonRateLimited  = "RATE_LIMITED"
	ReasonSiteMismatch = "SITE_MISMATCH"
	ReasonRevoked      = "DEVICE_REVOKED"
	ReasonMalformed    = "MALFORMED"
)

// Alert types and statuses.
const (
	AlertNoHeartbeat = "NO_HEARTBEAT"
	AlertThreshold   = "THRESHOLD"

	AlertOpen     = "OPEN"
	AlertAcked    = "ACKED"
	AlertClosed   = "CLOSED"
	AlertSilenced = "SILENCED"
)

// Delivery job states.
const (
	JobPending   = "PENDING"
	JobInFlight  = "IN_FLIGHT"
	JobSucceeded = "SUCCEEDED"
	JobDead      = "DEAD"
)

// Integration kinds.
const (
	KindWebhook = "webhook"
	KindSNMP    = "snmp"
	KindEmail   = "email"
	KindMQTT    = "mqtt"
)

// Device is a row in the device registry. Canonical identity is
// (TenantID, DeviceID); no lookup may key on DeviceID alone.
type Device struct {
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	DeviceID       string    `json:"device_id" db:"device_id"`
	SiteID         string    `json:"site_id" db:"site_id"`
	Status         string    `json:"status" db:"status"`
	TokenHash      string    `json:"-" db:"provision_token_hash"`
	SubscriptionID string    `json:"subscription_id,omitempty" db:"subscription_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// DeviceState tracks liveness per (tenant, device). LastMetrics holds the
// most recent numeric sample per metric name so the evaluator can apply
// threshold rules with one table scan per tick.
type DeviceState struct {
	TenantID    string             `json:"tenant_id" db:"tenant_id"`
	DeviceID    string             `json:"device_id" db:"device_id"`
	SiteID      string             `json:"site_id" db:"last_known_site_id"`
	LastSeenAt  time.Time          `json:"last_seen_at" db:"last_seen_at"`
	Liveness    string             `json:"liveness" db:"liveness"`
	LastMetrics map[string]float64 `json:"last_metrics" db:"last_metrics"`
	SampledAt   time.Time          `json:"sampled_at" db:"sampled_at"`
}

// QuarantineEvent is an append-only record of a rejected message. It must
// never feed back into device_state or alerting.
type QuarantineEvent struct {
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	DeviceID   string    `json:"device_id" db:"device_id"`
	Reason     string    `json:"reason" db:"reason"`
	Snippet    string    `json:"snippet" db:"snippet"`
	ObservedAt time.Time `json:"observed_at" db:"observed_at"`
}

// AlertRule is a customer-defined threshold rule.
type AlertRule struct {
	TenantID   string  `json:"tenant_id" db:"tenant_id"`
	RuleID     string  `json:"rule_id" db:"rule_id"`
	MetricName string  `json:"metric_name" db:"metric_name"`
	Comparator string  `json:"comparator" db:"comparator"` // GT, GTE, LT, LTE
	Threshold  float64 `json:"threshold" db:"threshold"`
	Selector   string  `json:"device_selector" db:"device_selector"` // "*", "site:<id>" or "device:<id>"
	Severity   string  `json:"severity" db:"severity"`
	Enabled    bool    `json:"enabled" db:"enabled"`
}

// Alert is a raised condition. At most one OPEN row may exist per
// (tenant_id, fingerprint); the store enforces this.
type Alert struct {
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	AlertID     string     `json:"alert_id" db:"alert_id"`
	DeviceID    string     `json:"device_id" db:"device_id"`
	Type        string     `json:"type" db:"type"`
	RuleID      string     `json:"rule_id,omitempty" db:"rule_id"`
	Severity    string     `json:"severity" db:"severity"`
	Status      string     `json:"status" db:"status"`
	Fingerprint string     `json:"fingerprint" db:"fingerprint"`
	Details     string     `json:"details" db:"details"`
	OpenedAt    time.Time  `json:"opened_at" db:"opened_at"`
	LastSeenAt  time.Time  `json:"last_seen_at" db:"last_seen_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Integration holds the kind-specific delivery target config as an opaque
// JSON blob interpreted by the matching sender.
type Integration struct {
	TenantID      string            `json:"tenant_id" db:"tenant_id"`
	IntegrationID string            `json:"integration_id" db:"integration_id"`
	Kind          string            `json:"kind" db:"kind"`
	Config        map[string]string `json:"config" db:"config"`
	Enabled       bool              `json:"enabled" db:"enabled"`
}

// Route matches alerts to an integration. MinSeverity is a floor over the
// severity order; empty Types means all alert types.
type Route struct {
	TenantID        string   `json:"tenant_id" db:"tenant_id"`
	RouteID         string   `json:"route_id" db:"route_id"`
	IntegrationID   string   `json:"integration_id" db:"integration_id"`
	MinSeverity     string   `json:"min_severity" db:"min_severity"`
	Types           []string `json:"alert_types" db:"alert_types"`
	Selector        string   `json:"device_selector" db:"device_selector"`
	ThrottleSeconds int      `json:"throttle_seconds" db:"throttle_seconds"`
	Enabled         bool     `json:"enabled" db:"enabled"`
}

// DeliveryJob is one materialized delivery of one alert over one route.
type DeliveryJob struct {
	JobID         string    `json:"job_id" db:"job_id"`
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	AlertID       string    `json:"alert_id" db:"alert_id"`
	RouteID       string    `json:"route_id" db:"route_id"`
	Attempt       int       `json:"attempt" db:"attempt"`
	NextAttemptAt time.Time `json:"next_attempt_at" db:"next_attempt_at"`
	State         string    `json:"state" db:"state"`
	LastError     string    `json:"last_error" db:"last_error"`
	Payload       []byte    `json:"payload" db:"payload"`
	LeaseOwner    string    `json:"lease_owner" db:"lease_owner"`
	LeaseUntil    time.Time `json:"lease_until" db:"lease_until"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Severity ordering used by route matching. Unknown severities sort lowest.
var severityRank = map[string]int{
	"info":     0,
	"warning":  1,
	"critical": 2,
}

// SeverityAtLeast reports whether severity s meets the floor min.
// An empty floor matches everything.
func SeverityAtLeast(s, min string) bool {
	if min == "" {
		return true
	}
	return severityRank[s] >= severityRank[min]
}

// HeartbeatFingerprint is the dedup key for NO_HEARTBEAT alerts.
func HeartbeatFingerprint(tenantID, deviceID string) string {
	return fingerprint(tenantID, deviceID, AlertNoHeartbeat)
}

// RuleFingerprint is the dedup key for THRESHOLD alerts.
func RuleFingerprint(tenantID, deviceID, ruleID string) string {
	return fingerprint(tenantID, deviceID, ruleID)
}

func fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

package store

import (
	"context"
	"time"
)

// Store defines the relational backend used by the pipeline. Every
// device-scoped method takes the tenant ID explicitly; implementations must
// never resolve a device by device_id alone.
//
// PostgresStore is the durable implementation; MemoryStore backs tests and
// single-node development.
type Store interface {
	// Device registry
	GetDevice(ctx context.Context, tenantID, deviceID string) (*Device, error)
	UpsertDevice(ctx context.Context, tenantID string, d *Device) error
	RevokeDevice(ctx context.Context, tenantID, deviceID string) error

	// Device state
	// TouchDeviceStates applies a batch of last-seen updates. Rows are
	// created on first touch; metrics merge into the latest-sample map.
	TouchDeviceStates(ctx context.Context, touches []StateTouch) error
	ListDeviceStates(ctx context.Context) ([]*DeviceState, error)
	UpdateLiveness(ctx context.Context, tenantID, deviceID, liveness string) error

	// Quarantine (append-only)
	InsertQuarantine(ctx context.Context, ev *QuarantineEvent) error

	// Alert rules
	ListEnabledRules(ctx context.Context) ([]*AlertRule, error)

	// Alerts
	// OpenAlert creates an OPEN alert unless one already exists for
	// (tenant_id, fingerprint); in that case it refreshes last_seen_at and
	// details on the existing row and reports created=false.
	OpenAlert(ctx context.Context, a *Alert) (created bool, err error)
	// CloseAlertByFingerprint closes the OPEN alert with the given
	// fingerprint, if any. Reports whether a row transitioned.
	CloseAlertByFingerprint(ctx context.Context, tenantID, fp string, closedAt time.Time) (bool, error)
	ListOpenAlerts(ctx context.Context) ([]*Alert, error)
	// ListUndispatchedAlerts returns OPEN alerts the dispatcher has not
	// fanned out yet.
	ListUndispatchedAlerts(ctx context.Context, limit int) ([]*Alert, error)
	MarkAlertDispatched(ctx context.Context, tenantID, alertID string) error

	// Integrations and routes
	GetIntegration(ctx context.Context, tenantID, integrationID string) (*Integration, error)
	ListRoutes(ctx context.Context, tenantID string) ([]*Route, error)

	// Delivery jobs
	// CreateJob inserts a PENDING job. Inserting an existing job_id is a
	// no-op, which makes dispatch retries idempotent.
	CreateJob(ctx context.Context, job *DeliveryJob) error
	// DueJobs returns PENDING jobs with next_attempt_at <= now.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error)
	// ClaimJob is the PENDING -> IN_FLIGHT compare-and-set. Only the
	// winner receives claimed=true; the lease expires at leaseUntil.
	ClaimJob(ctx context.Context, jobID, owner string, leaseUntil time.Time) (claimed bool, err error)
	CompleteJob(ctx context.Context, jobID string) error
	// FailJob records a failed attempt. With dead=true the job moves to
	// DEAD; otherwise it returns to PENDING scheduled at nextAttemptAt.
	FailJob(ctx context.Context, jobID string, attempt int, nextAttemptAt time.Time, lastErr string, dead bool) error
	// ReleaseExpiredLeases reverts IN_FLIGHT jobs whose lease has lapsed
	// back to PENDING and returns how many were released.
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// Audit trail for operator (filter-bypassing) access.
	InsertAudit(ctx context.Context, actor, action, detail string) error
}

// StateTouch is one pending device_state update from the ingest path.
type StateTouch struct {
	TenantID string
	DeviceID string
	SiteID   string
	SeenAt   time.Time
	Metrics  map[string]float64
}

// Throttle suppresses repeat deliveries for a (route, fingerprint) pair
// inside a minimum interval. RedisThrottle is shared across dispatcher
// replicas; MemoryStore provides a local variant for tests.
type Throttle interface {
	// Allow reports whether the pair is outside its throttle window and,
	// when it is, atomically starts a new window.
	Allow(ctx context.Context, routeID, fingerprint string, minInterval time.Duration) (bool, error)
}

// Coordinator provides the distributed lease used for leader election of
// the evaluator and dispatcher loops.
type Coordinator interface {
	AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, ownerID string) error
}

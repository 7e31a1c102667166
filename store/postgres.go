package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsconductor/pulse/observability"
)

// ErrNoTenant is returned when a tenant-scoped operation is attempted
// without a tenant ID. The query never reaches the database.
var ErrNoTenant = errors.New("store: tenant context required")

// PostgresStore implements Store on PostgreSQL via pgx. Tenant scoping is
// enforced twice: every query filters on tenant_id explicitly, and the
// transaction-local pulse.tenant_id setting drives the row-level-security
// policies as a backstop. A connection without either setting sees zero
// rows.
type PostgresStore struct {
	pool *pgxpool.Pool
	node string // audit actor for operator-role access
}

func NewPostgresStore(ctx context.Context, connString, nodeID string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, node: nodeID}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for schema bootstrap.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// withTenant runs fn inside a transaction scoped to one tenant. The
// setting is transaction-local, so it cannot leak to a pooled connection's
// next user.
func (s *PostgresStore) withTenant(ctx context.Context, tenantID string, fn func(tx pgx.Tx) error) error {
	if tenantID == "" {
		observability.ContractViolations.WithLabelValues("missing_tenant").Inc()
		return ErrNoTenant
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT set_config('pulse.tenant_id', $1, true)`, tenantID); err != nil {
			return err
		}
		return fn(tx)
	})
}

// withOperator runs fn with the filter-bypassing operator role. The audit
// row is written before fn's queries execute, inside the same transaction.
func (s *PostgresStore) withOperator(ctx context.Context, action, detail string, fn func(tx pgx.Tx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT set_config('pulse.role', 'operator', true)`); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO audit_log (actor, action, detail) VALUES ($1, $2, $3)`,
			s.node, action, detail); err != nil {
			return err
		}
		return fn(tx)
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Device registry ---

func (s *PostgresStore) GetDevice(ctx context.Context, tenantID, deviceID string) (*Device, error) {
	var d Device
	err := s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT tenant_id, device_id, site_id, status, provision_token_hash,
			       COALESCE(subscription_id, ''), created_at, updated_at
			FROM devices WHERE tenant_id = $1 AND device_id = $2`,
			tenantID, deviceID)
		return row.Scan(&d.TenantID, &d.DeviceID, &d.SiteID, &d.Status,
			&d.TokenHash, &d.SubscriptionID, &d.CreatedAt, &d.UpdatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) UpsertDevice(ctx context.Context, tenantID string, d *Device) error {
	d.TenantID = tenantID
	return s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO devices (tenant_id, device_id, site_id, status, provision_token_hash, subscription_id)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
			ON CONFLICT (tenant_id, device_id) DO UPDATE SET
				site_id = EXCLUDED.site_id,
				status = EXCLUDED.status,
				provision_token_hash = EXCLUDED.provision_token_hash,
				subscription_id = EXCLUDED.subscription_id,
				updated_at = NOW()`,
			tenantID, d.DeviceID, d.SiteID, d.Status, d.TokenHash, d.SubscriptionID)
		return err
	})
}

func (s *PostgresStore) RevokeDevice(ctx context.Context, tenantID, deviceID string) error {
	return s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE devices SET status = 'REVOKED', updated_at = NOW()
			WHERE tenant_id = $1 AND device_id = $2`,
			tenantID, deviceID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("device %s/%s not found", tenantID, deviceID)
		}
		return nil
	})
}

// --- Device state ---

func (s *PostgresStore) TouchDeviceStates(ctx context.Context, touches []StateTouch) error {
	if len(touches) == 0 {
		return nil
	}
	return s.withOperator(ctx, "touch_device_states", fmt.Sprintf("batch=%d", len(touches)), func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, t := range touches {
			if t.TenantID == "" {
				observability.ContractViolations.WithLabelValues("missing_tenant").Inc()
				return ErrNoTenant
			}
			batch.Queue(`
				INSERT INTO device_state (tenant_id, device_id, last_known_site_id, last_seen_at, liveness, last_metrics, sampled_at)
				VALUES ($1, $2, $3, $4, 'ONLINE', $5, $4)
				ON CONFLICT (tenant_id, device_id) DO UPDATE SET
					last_known_site_id = EXCLUDED.last_known_site_id,
					last_seen_at = GREATEST(device_state.last_seen_at, EXCLUDED.last_seen_at),
					last_metrics = device_state.last_metrics || EXCLUDED.last_metrics,
					sampled_at = GREATEST(device_state.sampled_at, EXCLUDED.sampled_at)`,
				t.TenantID, t.DeviceID, t.SiteID, t.SeenAt, t.Metrics)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) ListDeviceStates(ctx context.Context) ([]*DeviceState, error) {
	var out []*DeviceState
	err := s.withOperator(ctx, "list_device_states", "", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT tenant_id, device_id, last_known_site_id, last_seen_at, liveness,
			       last_metrics, COALESCE(sampled_at, 'epoch'::timestamptz)
			FROM device_state ORDER BY tenant_id, device_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var st DeviceState
			if err := rows.Scan(&st.TenantID, &st.DeviceID, &st.SiteID, &st.LastSeenAt,
				&st.Liveness, &st.LastMetrics, &st.SampledAt); err != nil {
				return err
			}
			out = append(out, &st)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) UpdateLiveness(ctx context.Context, tenantID, deviceID, liveness string) error {
	return s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE device_state SET liveness = $3
			WHERE tenant_id = $1 AND device_id = $2`,
			tenantID, deviceID, liveness)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("device_state %s/%s not found", tenantID, deviceID)
		}
		return nil
	})
}

// --- Quarantine ---

func (s *PostgresStore) InsertQuarantine(ctx context.Context, ev *QuarantineEvent) error {
	return s.withTenant(ctx, ev.TenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO quarantine_events (tenant_id, device_id, reason, snippet, observed_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5)`,
			ev.TenantID, ev.DeviceID, ev.Reason, ev.Snippet, ev.ObservedAt)
		return err
	})
}

// --- Rules ---

func (s *PostgresStore) ListEnabledRules(ctx context.Context) ([]*AlertRule, error) {
	var out []*AlertRule
	err := s.withOperator(ctx, "list_enabled_rules", "", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT tenant_id, rule_id, metric_name, comparator, threshold, device_selector, severity, enabled
			FROM alert_rules WHERE enabled ORDER BY tenant_id, rule_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r AlertRule
			if err := rows.Scan(&r.TenantID, &r.RuleID, &r.MetricName, &r.Comparator,
				&r.Threshold, &r.Selector, &r.Severity, &r.Enabled); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return rows.Err()
	})
	return out, err
}

// --- Alerts ---

func (s *PostgresStore) OpenAlert(ctx context.Context, a *Alert) (bool, error) {
	var created bool
	err := s.withTenant(ctx, a.TenantID, func(tx pgx.Tx) error {
		// xmax = 0 distinguishes a fresh insert from the conflict-update
		// path on the partial unique index.
		row := tx.QueryRow(ctx, `
			INSERT INTO alerts (alert_id, tenant_id, device_id, type, rule_id, severity, status, fingerprint, details, opened_at, last_seen_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, 'OPEN', $7, $8, $9, $9)
			ON CONFLICT (tenant_id, fingerprint) WHERE status = 'OPEN' DO UPDATE SET
				last_seen_at = EXCLUDED.last_seen_at,
				details = EXCLUDED.details
			RETURNING (xmax = 0)`,
			a.AlertID, a.TenantID, a.DeviceID, a.Type, a.RuleID, a.Severity,
			a.Fingerprint, a.Details, a.OpenedAt)
		return row.Scan(&created)
	})
	return created, err
}

func (s *PostgresStore) CloseAlertByFingerprint(ctx context.Context, tenantID, fp string, closedAt time.Time) (bool, error) {
	var closed bool
	err := s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE alerts SET status = 'CLOSED', closed_at = $3
			WHERE tenant_id = $1 AND fingerprint = $2 AND status = 'OPEN'`,
			tenantID, fp, closedAt)
		if err != nil {
			return err
		}
		closed = tag.RowsAffected() > 0
		return nil
	})
	return closed, err
}

func (s *PostgresStore) ListOpenAlerts(ctx context.Context) ([]*Alert, error) {
	return s.listAlerts(ctx, `status = 'OPEN'`, 0, "list_open_alerts")
}

func (s *PostgresStore) ListUndispatchedAlerts(ctx context.Context, limit int) ([]*Alert, error) {
	return s.listAlerts(ctx, `status = 'OPEN' AND dispatched_at IS NULL`, limit, "list_undispatched_alerts")
}

func (s *PostgresStore) listAlerts(ctx context.Context, where string, limit int, action string) ([]*Alert, error) {
	q := `
		SELECT alert_id, tenant_id, device_id, type, COALESCE(rule_id, ''), severity, status,
		       fingerprint, details, opened_at, last_seen_at, closed_at
		FROM alerts WHERE ` + where + ` ORDER BY opened_at`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	var out []*Alert
	err := s.withOperator(ctx, action, "", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a Alert
			if err := rows.Scan(&a.AlertID, &a.TenantID, &a.DeviceID, &a.Type, &a.RuleID,
				&a.Severity, &a.Status, &a.Fingerprint, &a.Details,
				&a.OpenedAt, &a.LastSeenAt, &a.ClosedAt); err != nil {
				return err
			}
			out = append(out, &a)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) MarkAlertDispatched(ctx context.Context, tenantID, alertID string) error {
	return s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE alerts SET dispatched_at = NOW()
			WHERE tenant_id = $1 AND alert_id = $2`,
			tenantID, alertID)
		return err
	})
}

// --- Integrations and routes ---

func (s *PostgresStore) GetIntegration(ctx context.Context, tenantID, integrationID string) (*Integration, error) {
	var i Integration
	err := s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT tenant_id, integration_id, kind, config, enabled
			FROM integrations WHERE tenant_id = $1 AND integration_id = $2`,
			tenantID, integrationID)
		return row.Scan(&i.TenantID, &i.IntegrationID, &i.Kind, &i.Config, &i.Enabled)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *PostgresStore) ListRoutes(ctx context.Context, tenantID string) ([]*Route, error) {
	var out []*Route
	err := s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT tenant_id, route_id, integration_id, min_severity, alert_types,
			       device_selector, throttle_seconds, enabled
			FROM routes WHERE tenant_id = $1 ORDER BY route_id`,
			tenantID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r Route
			if err := rows.Scan(&r.TenantID, &r.RouteID, &r.IntegrationID, &r.MinSeverity,
				&r.Types, &r.Selector, &r.ThrottleSeconds, &r.Enabled); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return rows.Err()
	})
	return out, err
}

// --- Delivery jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *DeliveryJob) error {
	return s.withTenant(ctx, job.TenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO delivery_jobs (job_id, tenant_id, alert_id, route_id, attempt, next_attempt_at, state, payload)
			VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7)
			ON CONFLICT (job_id) DO NOTHING`,
			job.JobID, job.TenantID, job.AlertID, job.RouteID, job.Attempt, job.NextAttemptAt, job.Payload)
		return err
	})
}

func (s *PostgresStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error) {
	var out []*DeliveryJob
	err := s.withOperator(ctx, "list_due_jobs", "", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT job_id, tenant_id, alert_id, route_id, attempt, next_attempt_at, state,
			       last_error, payload, lease_owner, COALESCE(lease_until, 'epoch'::timestamptz), created_at
			FROM delivery_jobs
			WHERE state = 'PENDING' AND next_attempt_at <= $1
			ORDER BY next_attempt_at LIMIT $2`,
			now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var j DeliveryJob
			if err := rows.Scan(&j.JobID, &j.TenantID, &j.AlertID, &j.RouteID, &j.Attempt,
				&j.NextAttemptAt, &j.State, &j.LastError, &j.Payload,
				&j.LeaseOwner, &j.LeaseUntil, &j.CreatedAt); err != nil {
				return err
			}
			out = append(out, &j)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) ClaimJob(ctx context.Context, jobID, owner string, leaseUntil time.Time) (bool, error) {
	var claimed bool
	err := s.withOperator(ctx, "claim_job", jobID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE delivery_jobs
			SET state = 'IN_FLIGHT', lease_owner = $2, lease_until = $3
			WHERE job_id = $1 AND state = 'PENDING'`,
			jobID, owner, leaseUntil)
		if err != nil {
			return err
		}
		claimed = tag.RowsAffected() > 0
		return nil
	})
	return claimed, err
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string) error {
	return s.withOperator(ctx, "complete_job", jobID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE delivery_jobs SET state = 'SUCCEEDED', last_error = '', lease_owner = ''
			WHERE job_id = $1 AND state = 'IN_FLIGHT'`,
			jobID)
		return err
	})
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, attempt int, nextAttemptAt time.Time, lastErr string, dead bool) error {
	state := JobPending
	if dead {
		state = JobDead
	}
	return s.withOperator(ctx, "fail_job", jobID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE delivery_jobs
			SET state = $2, attempt = $3, next_attempt_at = $4, last_error = $5,
			    lease_owner = '', lease_until = NULL
			WHERE job_id = $1`,
			jobID, state, attempt, nextAttemptAt, lastErr)
		return err
	})
}

func (s *PostgresStore) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	var released int
	err := s.withOperator(ctx, "release_expired_leases", "", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE delivery_jobs
			SET state = 'PENDING', lease_owner = '', lease_until = NULL
			WHERE state = 'IN_FLIGHT' AND lease_until < $1`,
			now)
		if err != nil {
			return err
		}
		released = int(tag.RowsAffected())
		return nil
	})
	return released, err
}

// --- Audit ---

func (s *PostgresStore) InsertAudit(ctx context.Context, actor, action, detail string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (actor, action, detail) VALUES ($1, $2, $3)`,
		actor, action, detail)
	return err
}

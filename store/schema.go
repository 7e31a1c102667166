package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates every table the pipeline touches. The partial unique
// index on alerts is the enforcement point for the open-alert dedup
// invariant; OpenAlert relies on ON CONFLICT against it.
//
// Row-level security: policies admit rows whose tenant_id matches the
// transaction-local setting pulse.tenant_id, or any row when pulse.role is
// 'operator'. With neither setting present every policy evaluates false,
// so a query without tenant context returns zero rows.
const schema = `
CREATE TABLE IF NOT EXISTS devices (
	tenant_id            TEXT NOT NULL,
	device_id            TEXT NOT NULL,
	site_id              TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'ACTIVE',
	provision_token_hash TEXT NOT NULL,
	subscription_id      TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, device_id)
);

CREATE TABLE IF NOT EXISTS device_state (
	tenant_id          TEXT NOT NULL,
	device_id          TEXT NOT NULL,
	last_known_site_id TEXT NOT NULL DEFAULT '',
	last_seen_at       TIMESTAMPTZ NOT NULL,
	liveness           TEXT NOT NULL DEFAULT 'ONLINE',
	last_metrics       JSONB NOT NULL DEFAULT '{}',
	sampled_at         TIMESTAMPTZ,
	PRIMARY KEY (tenant_id, device_id)
);

CREATE TABLE IF NOT EXISTS quarantine_events (
	id          BIGSERIAL PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	device_id   TEXT,
	reason      TEXT NOT NULL,
	snippet     TEXT NOT NULL DEFAULT '',
	observed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS alert_rules (
	tenant_id       TEXT NOT NULL,
	rule_id         TEXT NOT NULL,
	metric_name     TEXT NOT NULL,
	comparator      TEXT NOT NULL,
	threshold       DOUBLE PRECISION NOT NULL,
	device_selector TEXT NOT NULL DEFAULT '*',
	severity        TEXT NOT NULL DEFAULT 'warning',
	enabled         BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (tenant_id, rule_id)
);

CREATE TABLE IF NOT EXISTS alerts (
	alert_id     TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	device_id    TEXT NOT NULL,
	type         TEXT NOT NULL,
	rule_id      TEXT,
	severity     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'OPEN',
	fingerprint  TEXT NOT NULL,
	details      TEXT NOT NULL DEFAULT '',
	opened_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	closed_at    TIMESTAMPTZ,
	dispatched_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS alerts_open_fingerprint
	ON alerts (tenant_id, fingerprint) WHERE status = 'OPEN';

CREATE TABLE IF NOT EXISTS integrations (
	tenant_id      TEXT NOT NULL,
	integration_id TEXT NOT NULL,
	kind           TEXT NOT NULL,
	config         JSONB NOT NULL DEFAULT '{}',
	enabled        BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (tenant_id, integration_id)
);

CREATE TABLE IF NOT EXISTS routes (
	tenant_id        TEXT NOT NULL,
	route_id         TEXT NOT NULL,
	integration_id   TEXT NOT NULL,
	min_severity     TEXT NOT NULL DEFAULT '',
	alert_types      TEXT[] NOT NULL DEFAULT '{}',
	device_selector  TEXT NOT NULL DEFAULT '*',
	throttle_seconds INT NOT NULL DEFAULT 0,
	enabled          BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (tenant_id, route_id)
);

CREATE TABLE IF NOT EXISTS delivery_jobs (
	job_id          TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	alert_id        TEXT NOT NULL,
	route_id        TEXT NOT NULL,
	attempt         INT NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	state           TEXT NOT NULL DEFAULT 'PENDING',
	last_error      TEXT NOT NULL DEFAULT '',
	payload         BYTEA NOT NULL,
	lease_owner     TEXT NOT NULL DEFAULT '',
	lease_until     TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS delivery_jobs_due
	ON delivery_jobs (next_attempt_at) WHERE state = 'PENDING';

CREATE TABLE IF NOT EXISTS audit_log (
	id       BIGSERIAL PRIMARY KEY,
	actor    TEXT NOT NULL,
	action   TEXT NOT NULL,
	detail   TEXT NOT NULL DEFAULT '',
	at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// rlsPolicies enables row-level security on every tenant-scoped table.
// Applied separately from schema so it can be skipped on databases where
// the migration role does not own the tables.
const rlsPolicies = `
DO $$
DECLARE t TEXT;
BEGIN
	FOREACH t IN ARRAY ARRAY['devices','device_state','quarantine_events','alert_rules','alerts','integrations','routes','delivery_jobs']
	LOOP
		EXECUTE format('ALTER TABLE %I ENABLE ROW LEVEL SECURITY', t);
		EXECUTE format('ALTER TABLE %I FORCE ROW LEVEL SECURITY', t);
		EXECUTE format('DROP POLICY IF EXISTS tenant_isolation ON %I', t);
		EXECUTE format($p$
			CREATE POLICY tenant_isolation ON %I
			USING (
				tenant_id = current_setting('pulse.tenant_id', true)
				OR current_setting('pulse.role', true) = 'operator'
			)
			WITH CHECK (
				tenant_id = current_setting('pulse.tenant_id', true)
				OR current_setting('pulse.role', true) = 'operator'
			)
		$p$, t);
	END LOOP;
END $$;
`

// InitSchema creates tables, the dedup index and the RLS policies.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return err
	}
	_, err := pool.Exec(ctx, rlsPolicies)
	return err
}

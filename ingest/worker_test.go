package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsconductor/pulse/auth"
	"github.com/opsconductor/pulse/authcache"
	"github.com/opsconductor/pulse/ratelimit"
	"github.com/opsconductor/pulse/store"
	"github.com/opsconductor/pulse/writer"
)

const testSalt = "test-salt"

// captureBackend records every batch handed to the writer.
type captureBackend struct {
	mu      sync.Mutex
	batches map[string][]string
}

func newCaptureBackend() *captureBackend {
	return &captureBackend{batches: make(map[string][]string)}
}

func (b *captureBackend) WriteBatch(_ context.Context, tenantID string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches[tenantID] = append(b.batches[tenantID], string(body))
	return nil
}

func (b *captureBackend) lines(tenantID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, batch := range b.batches[tenantID] {
		out = append(out, strings.Split(batch, "\n")...)
	}
	return out
}

type poolFixture struct {
	store   *store.MemoryStore
	cache   *authcache.Cache
	backend *captureBackend
	states  *StateBatcher
	pool    *Pool
	queue   *Queue
}

func newPoolFixture(t *testing.T, ratePerSec float64, burst int) *poolFixture {
	t.Helper()
	ms := store.NewMemoryStore()
	backend := newCaptureBackend()
	w := writer.New(backend, 1, time.Hour) // batchSize 1: every Add flushes inline
	states := NewStateBatcher(ms, time.Hour)
	queue := NewQueue(100)
	cache := authcache.New(time.Minute, 100)
	pool := NewPool(ms, cache, w, ratelimit.New(ratePerSec, burst), states, queue, testSalt, 1)
	return &poolFixture{store: ms, cache: cache, backend: backend, states: states, pool: pool, queue: queue}
}

func (f *poolFixture) registerDevice(t *testing.T, tenantID, deviceID, siteID, token string) {
	t.Helper()
	err := f.store.UpsertDevice(context.Background(), tenantID, &store.Device{
		DeviceID:  deviceID,
		SiteID:    siteID,
		Status:    store.DeviceActive,
		TokenHash: auth.HashProvisionToken(testSalt, token),
	})
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
}

func telemetryMsg(t *testing.T, tenantID, deviceID, payload string) *Message {
	t.Helper()
	m, err := ParseMessage(tenantID, deviceID, TypeTelemetry, []byte(payload), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	return m
}

func TestProcessHappyPath(t *testing.T) {
	f := newPoolFixture(t, 100, 100)
	f.registerDevice(t, "t1", "d1", "s1", "tok")

	m := telemetryMsg(t, "t1", "d1", `{"site_id":"s1","seq":5,"metrics":{"temp_c":24.2,"battery_pct":87.5,"rssi_dbm":-95,"snr_db":8.5,"uplink_ok":true},"provision_token":"tok"}`)
	f.pool.Process(context.Background(), m)

	lines := f.backend.lines("t1")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line written, got %d", len(lines))
	}
	want := "telemetry,device_id=d1,site_id=s1 seq=5i,battery_pct=87.5,rssi_dbm=-95i,snr_db=8.5,temp_c=24.2,uplink_ok=true 1700000000000000000"
	if lines[0] != want {
		t.Fatalf("line mismatch:\n got %s\nwant %s", lines[0], want)
	}
	if evs := f.store.QuarantineEvents(); len(evs) != 0 {
		t.Fatalf("unexpected quarantine events: %+v", evs)
	}

	f.states.Flush(context.Background())
	states, err := f.store.ListDeviceStates(context.Background())
	if err != nil {
		t.Fatalf("ListDeviceStates: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 device state, got %d", len(states))
	}
	st := states[0]
	if st.Liveness != store.LivenessOnline {
		t.Errorf("liveness = %s, want ONLINE", st.Liveness)
	}
	if st.LastMetrics["temp_c"] != 24.2 {
		t.Errorf("last_metrics temp_c = %v, want 24.2", st.LastMetrics["temp_c"])
	}
	if _, ok := st.LastMetrics["uplink_ok"]; ok {
		t.Errorf("boolean metric leaked into last_metrics")
	}
}

func TestProcessHeartbeat(t *testing.T) {
	f := newPoolFixture(t, 100, 100)
	f.registerDevice(t, "t1", "d1", "s1", "tok")

	m, err := ParseMessage("t1", "d1", TypeHeartbeat, []byte(`{"site_id":"s1","seq":9,"provision_token":"tok"}`), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	f.pool.Process(context.Background(), m)

	lines := f.backend.lines("t1")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	want := "heartbeat,device_id=d1,site_id=s1 seq=9i 1700000000000000000"
	if lines[0] != want {
		t.Fatalf("line mismatch:\n got %s\nwant %s", lines[0], want)
	}
}

func TestFlexibleMetricsSchema(t *testing.T) {
	f := newPoolFixture(t, 100, 100)
	f.registerDevice(t, "t1", "d1", "s1", "tok")

	// Strings and nulls drop; previously unseen metric names are accepted.
	m := telemetryMsg(t, "t1", "d1", `{"site_id":"s1","metrics":{"fw_version":"1.2.3","custom_reading":42,"gap":null},"provision_token":"tok"}`)
	f.pool.Process(context.Background(), m)

	lines := f.backend.lines("t1")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "custom_reading=42i") {
		t.Errorf("new metric missing from line: %s", lines[0])
	}
	if strings.Contains(lines[0], "fw_version") || strings.Contains(lines[0], "gap") {
		t.Errorf("non-numeric metric leaked into line: %s", lines[0])
	}
}

func TestUnregisteredDeviceQuarantined(t *testing.T) {
	f := newPoolFixture(t, 100, 100)

	m := telemetryMsg(t, "t1", "ghost", `{"site_id":"s1","metrics":{"temp_c":1},"provision_token":"tok"}`)
	f.pool.Process(context.Background(), m)

	evs := f.store.QuarantineEvents()
	if len(evs) != 1 || evs[0].Reason != store.ReasonUnregistered {
		t.Fatalf("expected one UNREGISTERED_DEVICE event, got %+v", evs)
	}
	if lines := f.backend.lines("t1"); len(lines) != 0 {
		t.Errorf("rejected message reached the writer: %v", lines)
	}
	f.states.Flush(context.Background())
	states, _ := f.store.ListDeviceStates(context.Background())
	if len(states) != 0 {
		t.Errorf("rejected message touched device_state")
	}
}

func TestMissRowNeverCached(t *testing.T) {
	f := newPoolFixture(t, 100, 100)
	ctx := context.Background()

	m := telemetryMsg(t, "t1", "d1", `{"site_id":"s1","provision_token":"tok"}`)
	if _, reason, _ := f.pool.Validate(ctx, m); reason != store.ReasonUnregistered {
		t.Fatalf("reason = %q, want UNREGISTERED_DEVICE", reason)
	}

	// Provision the device after the first miss; the next message must see it.
	f.registerDevice(t, "t1", "d1", "s1", "tok")
	if _, reason, _ := f.pool.Validate(ctx, m); reason != "" {
		t.Fatalf("device invisible after provisioning, reason = %q", reason)
	}
}

func TestRevokedAndSiteMismatchAndBadToken(t *testing.T) {
	f := newPoolFixture(t, 100, 100)
	ctx := context.Background()
	f.registerDevice(t, "t1", "d1", "s1", "tok")

	cases := []struct {
		name    string
		payload string
		prep    func()
		want    string
	}{
		{"bad token", `{"site_id":"s1","provision_token":"wrong"}`, nil, store.ReasonInvalidToken},
		{"site mismatch", `{"site_id":"s2","provision_token":"tok"}`, nil, store.ReasonSiteMismatch},
		{"revoked", `{"site_id":"s1","provision_token":"tok"}`, func() {
			f.store.RevokeDevice(ctx, "t1", "d1")
			f.cache.Invalidate("t1", "d1")
		}, store.ReasonRevoked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.prep != nil {
				tc.prep()
			}
			m := telemetryMsg(t, "t1", "d1", tc.payload)
			_, reason, err := f.pool.Validate(ctx, m)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if reason != tc.want {
				t.Fatalf("reason = %q, want %q", reason, tc.want)
			}
		})
	}
}

func TestRateLimitQuarantines(t *testing.T) {
	f := newPoolFixture(t, 1, 1)
	f.registerDevice(t, "t1", "d1", "s1", "tok")

	payload := `{"site_id":"s1","metrics":{"temp_c":1},"provision_token":"tok"}`
	f.pool.Process(context.Background(), telemetryMsg(t, "t1", "d1", payload))
	f.pool.Process(context.Background(), telemetryMsg(t, "t1", "d1", payload))

	if lines := f.backend.lines("t1"); len(lines) != 1 {
		t.Fatalf("expected exactly 1 accepted line, got %d", len(lines))
	}
	evs := f.store.QuarantineEvents()
	if len(evs) != 1 || evs[0].Reason != store.ReasonRateLimited {
		t.Fatalf("expected one RATE_LIMITED event, got %+v", evs)
	}
}

func TestRejectionIsolation(t *testing.T) {
	f := newPoolFixture(t, 100, 100)
	f.registerDevice(t, "t1", "good", "s1", "tok")

	// A failing device must not disturb its neighbor's pipeline.
	f.pool.Process(context.Background(), telemetryMsg(t, "t1", "ghost", `{"site_id":"s1","provision_token":"x"}`))
	f.pool.Process(context.Background(), telemetryMsg(t, "t1", "good", `{"site_id":"s1","metrics":{"temp_c":20},"provision_token":"tok"}`))

	if lines := f.backend.lines("t1"); len(lines) != 1 {
		t.Fatalf("expected the good device's line, got %d lines", len(lines))
	}
	if evs := f.store.QuarantineEvents(); len(evs) != 1 {
		t.Fatalf("expected 1 quarantine event, got %d", len(evs))
	}
}

func TestParseMessageErrors(t *testing.T) {
	if _, err := ParseMessage("t1", "d1", TypeTelemetry, []byte(`not json`), time.Now()); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := ParseMessage("t1", "d1", TypeTelemetry, []byte(`{"seq":1}`), time.Now()); err == nil {
		t.Error("expected error for missing site_id")
	}
	if _, err := ParseMessage("t1", "d1", "command", []byte(`{"site_id":"s1"}`), time.Now()); err == nil {
		t.Error("expected error for unknown message type")
	}
	m, err := ParseMessage("t1", "d1", TypeTelemetry, []byte(`{"site_id":"s1"}`), time.Now())
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if m.Seq != 0 {
		t.Errorf("seq defaulted to %d, want 0", m.Seq)
	}
}

func TestSnippetBounded(t *testing.T) {
	raw := strings.Repeat("x", 1024)
	m := &Message{Raw: []byte(raw)}
	if got := len(m.Snippet()); got != snippetLimit {
		t.Errorf("snippet length = %d, want %d", got, snippetLimit)
	}
}

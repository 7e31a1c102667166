package writer

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func parseJSONMetrics(t *testing.T, raw string) map[string]Field {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		t.Fatalf("bad test json: %v", err)
	}
	return ParseMetrics(m)
}

func TestTelemetryLineTypedFields(t *testing.T) {
	fields := parseJSONMetrics(t, `{
		"battery_pct": 87.5,
		"temp_c": 24.2,
		"rssi_dbm": -95,
		"snr_db": 8.5,
		"uplink_ok": true
	}`)

	ts := time.Unix(0, 1700000000000000000)
	line := TelemetryLine("d1", "s1", 5, fields, ts)

	want := "telemetry,device_id=d1,site_id=s1 seq=5i,battery_pct=87.5,rssi_dbm=-95i,snr_db=8.5,temp_c=24.2,uplink_ok=true 1700000000000000000"
	if line != want {
		t.Errorf("line mismatch\n got: %s\nwant: %s", line, want)
	}
}

func TestStringsAndNullsDropped(t *testing.T) {
	fields := parseJSONMetrics(t, `{
		"pressure_psi": 42.7,
		"flow_rate": 120,
		"valve_open": true,
		"location": "A",
		"spare": null
	}`)

	if _, ok := fields["location"]; ok {
		t.Error("string metric survived parsing")
	}
	if _, ok := fields["spare"]; ok {
		t.Error("null metric survived parsing")
	}

	line := TelemetryLine("d1", "s1", 0, fields, time.Unix(0, 42))
	want := "telemetry,device_id=d1,site_id=s1 seq=0i,flow_rate=120i,pressure_psi=42.7,valve_open=true 42"
	if line != want {
		t.Errorf("line mismatch\n got: %s\nwant: %s", line, want)
	}
}

func TestBooleanBeforeInteger(t *testing.T) {
	// A boolean must never format as 0i/1i even though the source
	// payload's language may treat bool as an integer.
	fields := map[string]Field{"ok": BoolField(false), "n": IntField(1)}
	line := TelemetryLine("d", "s", 0, fields, time.Unix(0, 1))
	if !strings.Contains(line, "ok=false") {
		t.Errorf("boolean formatted wrong: %s", line)
	}
	if !strings.Contains(line, "n=1i") {
		t.Errorf("integer formatted wrong: %s", line)
	}
}

func TestHeartbeatLine(t *testing.T) {
	line := HeartbeatLine("d1", "s1", 9, time.Unix(0, 77))
	if line != "heartbeat,device_id=d1,site_id=s1 seq=9i 77" {
		t.Errorf("unexpected heartbeat line: %s", line)
	}
}

func TestFieldKeyEscaping(t *testing.T) {
	fields := map[string]Field{
		`a b`:  IntField(1),
		`c,d`:  IntField(2),
		`e=f`:  IntField(3),
		`g\h`:  IntField(4),
		"plain": IntField(5),
	}
	line := TelemetryLine("d1", "s1", 0, fields, time.Unix(0, 1))

	d, err := DecodeLine(line)
	if err != nil {
		t.Fatalf("decode failed: %v (line %q)", err, line)
	}
	for k, f := range fields {
		got, ok := d.Fields[k]
		if !ok {
			t.Errorf("field %q lost in round trip (line %q)", k, line)
			continue
		}
		if got.Int != f.Int {
			t.Errorf("field %q value mismatch: %d != %d", k, got.Int, f.Int)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	fields := parseJSONMetrics(t, `{
		"battery_pct": 87.5,
		"rssi_dbm": -95,
		"uplink_ok": true,
		"count": 0
	}`)
	ts := time.Unix(0, 1700000000000000123)

	line := TelemetryLine("dev-7", "site-3", 12, fields, ts)
	d, err := DecodeLine(line)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if d.Measurement != "telemetry" {
		t.Errorf("measurement = %s", d.Measurement)
	}
	if d.Tags["device_id"] != "dev-7" || d.Tags["site_id"] != "site-3" {
		t.Errorf("tags = %v", d.Tags)
	}
	if d.Seq != 12 {
		t.Errorf("seq = %d", d.Seq)
	}
	if d.Timestamp != ts.UnixNano() {
		t.Errorf("ts = %d", d.Timestamp)
	}
	if len(d.Fields) != len(fields) {
		t.Fatalf("field count %d != %d", len(d.Fields), len(fields))
	}
	for k, f := range fields {
		got := d.Fields[k]
		if got != f {
			t.Errorf("field %s: %+v != %+v", k, got, f)
		}
	}
}

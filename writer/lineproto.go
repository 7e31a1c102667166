package writer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FieldKind tags a parsed metric value. Booleans are checked before
// integers on purpose: some device firmwares emit booleans where the
// source language treats bool as an integer subtype, and those must format
// as true/false, never 1i/0i.
type FieldKind int

const (
	FieldBool FieldKind = iota
	FieldInt
	FieldFloat
)

// Field is one typed metric value. Values are parsed from JSON exactly
// once; everything downstream dispatches on Kind.
type Field struct {
	Kind  FieldKind
	Bool  bool
	Int   int64
	Float float64
}

// BoolField, IntField and FloatField are test/readability constructors.
func BoolField(v bool) Field     { return Field{Kind: FieldBool, Bool: v} }
func IntField(v int64) Field     { return Field{Kind: FieldInt, Int: v} }
func FloatField(v float64) Field { return Field{Kind: FieldFloat, Float: v} }

// ParseMetrics converts a decoded JSON metrics object into typed fields.
// Strings and nulls are dropped. Numbers must arrive as json.Number
// (decode with UseNumber) so integer-valued samples keep integer typing.
func ParseMetrics(raw map[string]any) map[string]Field {
	out := make(map[string]Field, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case bool:
			out[k] = BoolField(val)
		case json.Number:
			if i, err := val.Int64(); err == nil {
				out[k] = IntField(i)
				continue
			}
			if f, err := val.Float64(); err == nil {
				out[k] = FloatField(f)
			}
		case float64:
			// Caller decoded without UseNumber; keep integral values as ints.
			if val == float64(int64(val)) {
				out[k] = IntField(int64(val))
			} else {
				out[k] = FloatField(val)
			}
		}
		// string, nil, nested objects: skipped
	}
	return out
}

// HeartbeatLine encodes a heartbeat sample.
// heartbeat,device_id=...,site_id=... seq={seq}i {ns}
func HeartbeatLine(deviceID, siteID string, seq int64, ts time.Time) string {
	var b strings.Builder
	b.WriteString("heartbeat,device_id=")
	b.WriteString(escapeTag(deviceID))
	b.WriteString(",site_id=")
	b.WriteString(escapeTag(siteID))
	b.WriteString(" seq=")
	b.WriteString(strconv.FormatInt(seq, 10))
	b.WriteString("i ")
	b.WriteString(strconv.FormatInt(ts.UnixNano(), 10))
	return b.String()
}

// TelemetryLine encodes a telemetry sample with its open metric set.
// Field keys are written in sorted order so output is deterministic.
func TelemetryLine(deviceID, siteID string, seq int64, fields map[string]Field, ts time.Time) string {
	var b strings.Builder
	b.WriteString("telemetry,device_id=")
	b.WriteString(escapeTag(deviceID))
	b.WriteString(",site_id=")
	b.WriteString(escapeTag(siteID))
	b.WriteString(" seq=")
	b.WriteString(strconv.FormatInt(seq, 10))
	b.WriteString("i")

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(escapeFieldKey(k))
		b.WriteByte('=')
		writeFieldValue(&b, fields[k])
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(ts.UnixNano(), 10))
	return b.String()
}

func writeFieldValue(b *strings.Builder, f Field) {
	switch f.Kind {
	case FieldBool:
		if f.Bool {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case FieldInt:
		b.WriteString(strconv.FormatInt(f.Int, 10))
		b.WriteByte('i')
	case FieldFloat:
		b.WriteString(strconv.FormatFloat(f.Float, 'f', -1, 64))
	}
}

var tagEscaper = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
var fieldKeyEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`, "=", `\=`, " ", `\ `)

func escapeTag(s string) string      { return tagEscaper.Replace(s) }
func escapeFieldKey(s string) string { return fieldKeyEscaper.Replace(s) }

// DecodedLine is the result of DecodeLine.
type DecodedLine struct {
	Measurement string
	Tags        map[string]string
	Seq         int64
	Fields      map[string]Field
	Timestamp   int64
}

// DecodeLine parses one line produced by HeartbeatLine/TelemetryLine.
// It exists for verification (round-trip tests, quarantine inspection
// tooling); the hot path only encodes.
func DecodeLine(line string) (*DecodedLine, error) {
	head, rest, err := splitUnescaped(line, ' ')
	if err != nil {
		return nil, fmt.Errorf("lineproto: missing field section in %q", line)
	}
	fieldPart, tsPart, err := splitUnescaped(rest, ' ')
	if err != nil {
		return nil, fmt.Errorf("lineproto: missing timestamp in %q", line)
	}

	d := &DecodedLine{Tags: map[string]string{}, Fields: map[string]Field{}}

	tagTokens := splitAllUnescaped(head, ',')
	d.Measurement = tagTokens[0]
	for _, tok := range tagTokens[1:] {
		k, v, err := splitUnescaped(tok, '=')
		if err != nil {
			return nil, fmt.Errorf("lineproto: bad tag %q", tok)
		}
		d.Tags[unescape(k)] = unescape(v)
	}

	for _, tok := range splitAllUnescaped(fieldPart, ',') {
		k, v, err := splitUnescaped(tok, '=')
		if err != nil {
			return nil, fmt.Errorf("lineproto: bad field %q", tok)
		}
		key := unescape(k)
		f, err := parseFieldValue(v)
		if err != nil {
			return nil, err
		}
		if key == "seq" && f.Kind == FieldInt {
			d.Seq = f.Int
			continue
		}
		d.Fields[key] = f
	}

	d.Timestamp, err = strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lineproto: bad timestamp %q", tsPart)
	}
	return d, nil
}

func parseFieldValue(v string) (Field, error) {
	switch v {
	case "true":
		return BoolField(true), nil
	case "false":
		return BoolField(false), nil
	}
	if strings.HasSuffix(v, "i") {
		i, err := strconv.ParseInt(strings.TrimSuffix(v, "i"), 10, 64)
		if err != nil {
			return Field{}, fmt.Errorf("lineproto: bad integer field %q", v)
		}
		return IntField(i), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return Field{}, fmt.Errorf("lineproto: bad float field %q", v)
	}
	return FloatField(f), nil
}

// splitUnescaped splits s at the first sep not preceded by a backslash.
func splitUnescaped(s string, sep byte) (string, string, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep && (i == 0 || s[i-1] != '\\') {
			return s[:i], s[i+1:], nil
		}
	}
	return s, "", fmt.Errorf("separator %q not found", string(sep))
}

func splitAllUnescaped(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep && (i == 0 || s[i-1] != '\\') {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

var unescaper = strings.NewReplacer(`\,`, ",", `\=`, "=", `\ `, " ", `\\`, `\`)

func unescape(s string) string { return unescaper.Replace(s) }

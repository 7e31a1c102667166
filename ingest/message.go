package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opsconductor/pulse/writer"
)

// Message types accepted on ingress.
const (
	TypeTelemetry = "telemetry"
	TypeHeartbeat = "heartbeat"
)

// snippetLimit bounds the raw payload excerpt stored on quarantine rows.
const snippetLimit = 256

// Message is one parsed device message flowing through the queue.
// TenantID and DeviceID come from routing (topic or URL path), never from
// the payload body.
type Message struct {
	TenantID string
	DeviceID string
	Type     string
	SiteID   string
	Seq      int64
	Metrics  map[string]writer.Field
	Token    string
	Raw      []byte
	Received time.Time

	// prevalidated marks messages the HTTP ingress already pushed through
	// the validation chain; workers skip straight to the write phase.
	prevalidated bool
	siteID       string // entry site, set when prevalidated
}

// ingressBody is the JSON wire shape shared by MQTT and HTTP ingress.
type ingressBody struct {
	SiteID         string         `json:"site_id"`
	Seq            int64          `json:"seq"`
	Metrics        map[string]any `json:"metrics"`
	ProvisionToken string         `json:"provision_token,omitempty"`
}

// ParseMessage decodes a raw payload into a Message. tenantID, deviceID
// and msgType come from the routing layer. A decode failure returns an
// error; the caller quarantines as MALFORMED.
func ParseMessage(tenantID, deviceID, msgType string, raw []byte, received time.Time) (*Message, error) {
	if tenantID == "" || deviceID == "" {
		return nil, fmt.Errorf("ingress: message without canonical identity")
	}
	if msgType != TypeTelemetry && msgType != TypeHeartbeat {
		return nil, fmt.Errorf("ingress: unknown message type %q", msgType)
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var body ingressBody
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("ingress: bad payload: %w", err)
	}
	if body.SiteID == "" {
		return nil, fmt.Errorf("ingress: missing site_id")
	}

	return &Message{
		TenantID: tenantID,
		DeviceID: deviceID,
		Type:     msgType,
		SiteID:   body.SiteID,
		Seq:      body.Seq,
		Metrics:  writer.ParseMetrics(body.Metrics),
		Token:    body.ProvisionToken,
		Raw:      raw,
		Received: received,
	}, nil
}

// Snippet returns the bounded raw payload excerpt for quarantine rows.
func (m *Message) Snippet() string {
	return snippet(m.Raw)
}

func snippet(raw []byte) string {
	if len(raw) > snippetLimit {
		return string(raw[:snippetLimit])
	}
	return string(raw)
}

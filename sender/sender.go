// Package sender executes outbound alert deliveries. Each integration
// kind implements Sender; every implementation routes its destination
// through the shared address guard before any connection is opened.
package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the materialized delivery body. The dispatcher renders it
// once per job; retries resend the identical payload.
type Payload struct {
	CorrelationID string    `json:"correlation_id"`
	TenantID      string    `json:"tenant_id"`
	AlertID       string    `json:"alert_id"`
	DeviceID      string    `json:"device_id"`
	AlertType     string    `json:"alert_type"`
	Severity      string    `json:"severity"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sender delivers one payload using a kind-specific config map.
type Sender interface {
	Send(ctx context.Context, p Payload, cfg map[string]string) error
	Kind() string
}

// Registry maps integration kinds to senders.
type Registry struct {
	senders map[string]Sender
}

func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[string]Sender)}
	for _, s := range senders {
		r.senders[s.Kind()] = s
	}
	return r
}

// For returns the sender for an integration kind.
func (r *Registry) For(kind string) (Sender, error) {
	s, ok := r.senders[kind]
	if !ok {
		return nil, fmt.Errorf("sender: unknown integration kind %q", kind)
	}
	return s, nil
}

// EncodePayload serializes a payload for storage on a delivery job.
func EncodePayload(p Payload) []byte {
	b, _ := json.Marshal(p)
	return b
}

// DecodePayload restores a stored payload.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	err := json.Unmarshal(raw, &p)
	return p, err
}

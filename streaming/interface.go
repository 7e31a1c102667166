package streaming

import (
	"context"
	"time"
)

// Event is one alert lifecycle notification pushed to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"` // alert.opened, alert.closed, job.dead
	TenantID  string    `json:"tenant_id"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher fans alert lifecycle events out to interested parties.
type Publisher interface {
	Publish(ctx context.Context, topic, tenantID string, payload interface{}) error
	Close() error
}

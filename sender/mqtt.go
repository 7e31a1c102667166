package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSender publishes alerts to a customer-owned broker. Config keys:
// broker (tcp://host:port), topic (template), optional qos, retain,
// username, password. The topic template substitutes {tenant_id},
// {device_id}, {alert_type} and {severity}.
type MQTTSender struct {
	guard *Guard
}

func NewMQTTSender(guard *Guard) *MQTTSender {
	return &MQTTSender{guard: guard}
}

func (s *MQTTSender) Kind() string { return "mqtt" }

func (s *MQTTSender) Send(ctx context.Context, p Payload, cfg map[string]string) error {
	broker := cfg["broker"]
	if broker == "" {
		return fmt.Errorf("mqtt: missing broker in integration config")
	}
	u, err := url.Parse(broker)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("mqtt: bad broker url %q", broker)
	}
	if err := s.guard.CheckHost(u.Hostname()); err != nil {
		return err
	}

	topic := renderTopic(cfg["topic"], p)
	if topic == "" {
		return fmt.Errorf("mqtt: missing topic in integration config")
	}

	qos := byte(1)
	if qs := cfg["qos"]; qs != "" {
		n, err := strconv.Atoi(qs)
		if err != nil || n < 0 || n > 2 {
			return fmt.Errorf("mqtt: bad qos %q", qs)
		}
		qos = byte(n)
	}
	retain := cfg["retain"] == "true"

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("pulse-delivery-" + p.CorrelationID).
		SetUsername(cfg["username"]).
		SetPassword(cfg["password"]).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(false)

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); !waitToken(ctx, tok) {
		return fmt.Errorf("mqtt: connect to %s: %w", broker, tokenErr(tok, ctx))
	}
	defer client.Disconnect(250)

	// Correlation ID travels inside the payload; MQTT has no headers at 3.1.1.
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("mqtt: marshal payload: %w", err)
	}

	tok := client.Publish(topic, qos, retain, body)
	if !waitToken(ctx, tok) {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, tokenErr(tok, ctx))
	}
	return nil
}

func renderTopic(tmpl string, p Payload) string {
	r := strings.NewReplacer(
		"{tenant_id}", p.TenantID,
		"{device_id}", p.DeviceID,
		"{alert_type}", p.AlertType,
		"{severity}", p.Severity,
	)
	return r.Replace(tmpl)
}

// waitToken waits for the token or the context, whichever first.
func waitToken(ctx context.Context, tok mqtt.Token) bool {
	done := make(chan struct{})
	go func() {
		tok.Wait()
		close(done)
	}()
	select {
	case <-done:
		return tok.Error() == nil
	case <-ctx.Done():
		return false
	}
}

func tokenErr(tok mqtt.Token, ctx context.Context) error {
	if err := tok.Error(); err != nil {
		return err
	}
	return ctx.Err()
}

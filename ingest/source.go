package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/opsconductor/pulse/observability"
	"github.com/opsconductor/pulse/store"
)

// ingressTopicFilter matches tenant/{tenant_id}/device/{device_id}/{type}.
const ingressTopicFilter = "tenant/+/device/+/+"

// MQTTSource subscribes to the broker ingress topics and feeds the shared
// queue. Unlike HTTP, MQTT cannot answer 429, so enqueueing blocks: the
// broker-side buffer absorbs the burst while the queue drains.
type MQTTSource struct {
	broker   string
	clientID string
	queue    *Queue
	pool     *Pool
	client   mqtt.Client
}

func NewMQTTSource(broker, clientID string, q *Queue, p *Pool) *MQTTSource {
	return &MQTTSource{broker: broker, clientID: clientID, queue: q, pool: p}
}

// Start connects and subscribes. The subscription handler runs until
// Stop is called.
func (s *MQTTSource) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.broker).
		SetClientID(s.clientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(ingressTopicFilter, 1, func(_ mqtt.Client, msg mqtt.Message) {
				s.handle(ctx, msg)
			})
			if token.Wait() && token.Error() != nil {
				log.Printf("[MQTT] subscribe failed: %v", token.Error())
				return
			}
			log.Printf("[MQTT] subscribed to %s", ingressTopicFilter)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("[MQTT] connection lost: %v", err)
		})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return fmt.Errorf("mqtt: connect to %s timed out", s.broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", s.broker, err)
	}
	log.Printf("[MQTT] connected to %s", s.broker)
	return nil
}

func (s *MQTTSource) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func (s *MQTTSource) handle(ctx context.Context, msg mqtt.Message) {
	tenantID, deviceID, msgType, err := parseIngressTopic(msg.Topic())
	if err != nil {
		log.Printf("[MQTT] dropping message on %q: %v", msg.Topic(), err)
		return
	}

	m, perr := ParseMessage(tenantID, deviceID, msgType, msg.Payload(), time.Now())
	if perr != nil {
		// Malformed payloads still carry routing identity, so they can be
		// quarantined directly instead of occupying queue slots.
		m = &Message{TenantID: tenantID, DeviceID: deviceID, Type: msgType, Raw: msg.Payload(), Received: time.Now()}
		s.pool.Quarantine(ctx, m, store.ReasonMalformed)
		return
	}

	if err := s.queue.Enqueue(ctx, m); err != nil {
		observability.IngestBackpressure.WithLabelValues("mqtt").Inc()
	}
}

// parseIngressTopic extracts (tenant, device, type) from an ingress topic.
func parseIngressTopic(topic string) (string, string, string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "tenant" || parts[2] != "device" {
		return "", "", "", fmt.Errorf("unexpected topic shape")
	}
	if parts[4] != TypeTelemetry && parts[4] != TypeHeartbeat {
		return "", "", "", fmt.Errorf("unknown message type %q", parts[4])
	}
	if parts[1] == "" || parts[3] == "" {
		return "", "", "", fmt.Errorf("empty tenant or device segment")
	}
	return parts[1], parts[3], parts[4], nil
}

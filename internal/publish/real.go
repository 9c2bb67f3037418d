package publish

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"appliancebridge/internal/sensor"
)

// RealPublisher publishes to an actual MQTT broker. It implements
// sensor.Emitter.
type RealPublisher struct {
	client paho.Client
	prefix string
}

// NewRealPublisher creates a publisher connected to the given broker.
func NewRealPublisher(broker, prefix string) (*RealPublisher, error) {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("appliance-bridge-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return &RealPublisher{client: client, prefix: prefix}, nil
}

// Emit publishes one reading to its retained topic. Retained messages let a
// freshly started display layer pick up the last known value immediately.
func (p *RealPublisher) Emit(ctx context.Context, r sensor.Reading) error {
	payload, err := FormatPayload(r)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	topic := ReadingTopic(p.prefix, r.SAID, r.Sensor)
	token := p.client.Publish(topic, 0, true, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return nil
}

// PublishAvailability announces an appliance going online or offline.
func (p *RealPublisher) PublishAvailability(said string, online bool) error {
	payload := "offline"
	if online {
		payload = "online"
	}

	token := p.client.Publish(AvailabilityTopic(p.prefix, said), 1, true, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish availability timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish availability: %w", err)
	}

	return nil
}

// IsConnected reports whether the MQTT connection is active.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}

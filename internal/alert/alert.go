// Package alert publishes abnormal-event notifications over MQTT. With no
// broker configured it degrades to a no-op so the pipeline runs standalone.
package alert

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/argus-data/watchtower/internal/monitoring"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	qosAtLeastOnce = 1
)

// Message is the JSON payload published per alert.
type Message struct {
	EventID     int64    `json:"event_id"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
	Timestamp   string   `json:"timestamp"`
}

// Publisher sends alert messages to a single topic.
type Publisher struct {
	client mqtt.Client
	topic  string
}

// NewPublisher connects to broker and returns a Publisher. An empty broker
// URL yields a disabled publisher whose Publish is a no-op.
func NewPublisher(broker, clientID, topic string) (*Publisher, error) {
	if broker == "" {
		monitoring.Logf("alert: no broker configured, alerts disabled")
		return &Publisher{topic: topic}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("alert: connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("alert: connect to %s: %w", broker, err)
	}

	monitoring.Logf("alert: connected to %s, topic %s", broker, topic)
	return &Publisher{client: client, topic: topic}, nil
}

// Publish sends one alert. Failures are logged, not returned: alerting never
// blocks or fails the perception path.
func (p *Publisher) Publish(msg Message) {
	if p.client == nil {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		monitoring.Logf("alert: marshal: %v", err)
		return
	}

	token := p.client.Publish(p.topic, qosAtLeastOnce, false, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			monitoring.Logf("alert: publish timed out for event %d", msg.EventID)
			return
		}
		if err := token.Error(); err != nil {
			monitoring.Logf("alert: publish event %d: %v", msg.EventID, err)
		}
	}()
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Disconnect(250)
	}
}

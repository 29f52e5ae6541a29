// Package notify publishes the device's link state to an MQTT broker so a
// fleet backend can see which devices are online and which are waiting in
// setup.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/strct-org/strct-provision/internal/errs"
)

const (
	OpConnect errs.Op = "notify.Connect"
	OpPublish errs.Op = "notify.Publish"
)

const (
	qos            = 1
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// LinkState is the retained payload on the state topic.
type LinkState struct {
	Device string    `json:"device"`
	State  string    `json:"state"`
	SSID   string    `json:"ssid,omitempty"`
	IP     string    `json:"ip,omitempty"`
	At     time.Time `json:"at"`
}

type Publisher struct {
	Topic    string
	DeviceID string

	opts *mqtt.ClientOptions

	mu     sync.Mutex
	client mqtt.Client
}

// New returns a publisher for broker, or nil when broker is empty. The
// client is not connected until Connect.
func New(broker, topic, deviceID string) *Publisher {
	if broker == "" {
		return nil
	}
	return &Publisher{
		Topic:    topic,
		DeviceID: deviceID,
		opts:     ClientOptions(broker, topic, deviceID),
	}
}

// StatusTopic carries "online" while the client is connected and the
// broker-published will "offline" after it vanishes.
func StatusTopic(topic string) string {
	return topic + "/status"
}

func HealthTopic(topic string) string {
	return topic + "/health"
}

func ClientOptions(broker, topic, deviceID string) *mqtt.ClientOptions {
	status := StatusTopic(topic)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(deviceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetWill(status, "offline", qos, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Printf("[MQTT] Connected to %s", broker)
		c.Publish(status, qos, true, "online")
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.Printf("[MQTT] Connection lost: %v", err)
	})
	return opts
}

// Connect dials the broker once; later calls reuse the client, which
// reconnects on its own.
func (p *Publisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return nil
	}
	client := mqtt.NewClient(p.opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// Connect keeps retrying in the background.
		log.Println("[MQTT] Broker not reachable yet, retrying in background")
	} else if err := token.Error(); err != nil {
		return errs.E(OpConnect, errs.KindNetwork, err)
	}
	p.client = client
	return nil
}

func (p *Publisher) PublishState(s LinkState) error {
	if s.Device == "" {
		s.Device = p.DeviceID
	}
	if s.At.IsZero() {
		s.At = time.Now().UTC()
	}
	return p.publish(p.Topic, true, s)
}

// PublishHealth sends one health report. Reports are not retained.
func (p *Publisher) PublishHealth(report any) error {
	return p.publish(HealthTopic(p.Topic), false, report)
}

func (p *Publisher) publish(topic string, retained bool, payload any) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return errs.E(OpPublish, errs.KindNetwork, "not connected")
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return errs.E(OpPublish, errs.KindInvalid, err)
	}

	token := client.Publish(topic, qos, retained, b)
	if !token.WaitTimeout(publishTimeout) {
		return errs.E(OpPublish, errs.KindNetwork, fmt.Sprintf("publish to %s timed out", topic))
	}
	if err := token.Error(); err != nil {
		return errs.E(OpPublish, errs.KindNetwork, err)
	}
	return nil
}

func (p *Publisher) Close() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		client.Publish(StatusTopic(p.Topic), qos, true, "offline").WaitTimeout(time.Second)
		client.Disconnect(250)
	}
}

package sink

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"emcfan/internal/emc2305"
)

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// MQTT publishes readings to <prefix>/<name>/rpm and accepts duty requests
// on <prefix>/<output_id>/duty/set.
type MQTT struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
}

type rpmPayload struct {
	Channel int     `json:"channel"`
	Name    string  `json:"name"`
	RPM     float64 `json:"rpm"`
	Raw     uint16  `json:"raw"`
	Stalled bool    `json:"stalled"`
	TS      string  `json:"ts"`
}

func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("sink: mqtt broker is required")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "emcfan"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("sink: mqtt connect to %s timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("sink: mqtt connect to %s: %w", cfg.Broker, err)
	}
	return &MQTT{client: client, prefix: strings.TrimRight(cfg.TopicPrefix, "/"), qos: cfg.QoS, timeout: 5 * time.Second}, nil
}

func (m *MQTT) rpmTopic(name string) string {
	return m.prefix + "/" + topicSegment(name) + "/rpm"
}

func (m *MQTT) PublishRPM(r emc2305.Reading) {
	b, err := json.Marshal(rpmPayload{
		Channel: r.Channel,
		Name:    r.Name,
		RPM:     r.RPM,
		Raw:     r.Raw,
		Stalled: r.Stalled,
		TS:      r.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("sink: mqtt marshal fan%d: %v", r.Channel, err)
		return
	}
	tok := m.client.Publish(m.rpmTopic(r.Name), m.qos, false, b)
	if !tok.WaitTimeout(m.timeout) {
		log.Printf("sink: mqtt publish fan%d timed out", r.Channel)
		return
	}
	if err := tok.Error(); err != nil {
		log.Printf("sink: mqtt publish fan%d: %v", r.Channel, err)
	}
}

// ServeDuty subscribes to duty requests and forwards them to ds.
func (m *MQTT) ServeDuty(ds DutySetter) error {
	topic := m.prefix + "/+/duty/set"
	tok := m.client.Subscribe(topic, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
		m.handleDuty(ds, msg)
	})
	if !tok.WaitTimeout(m.timeout) {
		return fmt.Errorf("sink: mqtt subscribe %s timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("sink: mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) handleDuty(ds DutySetter, msg mqtt.Message) {
	id, ok := outputFromTopic(m.prefix, msg.Topic())
	if !ok {
		return
	}
	duty, err := parseDuty(msg.Payload())
	if err != nil {
		log.Printf("sink: mqtt duty for %q: %v", id, err)
		return
	}
	if err := ds.SetDuty(id, duty); err != nil {
		log.Printf("sink: mqtt duty for %q: %v", id, err)
	}
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}

func outputFromTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/duty/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// parseDuty accepts a bare fraction ("0.5") or {"duty":0.5}.
func parseDuty(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	if strings.HasPrefix(s, "{") {
		var body struct {
			Duty *float64 `json:"duty"`
		}
		if err := json.Unmarshal([]byte(s), &body); err != nil {
			return 0, fmt.Errorf("bad duty payload: %w", err)
		}
		if body.Duty == nil {
			return 0, fmt.Errorf("bad duty payload: missing duty")
		}
		return *body.Duty, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad duty payload %q", s)
	}
	return v, nil
}

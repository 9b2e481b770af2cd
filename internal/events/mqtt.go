// Package events publishes attempt results and lock-left-open warnings to an
// MQTT broker so home automation and monitoring can react to them.
package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/blelock/internal/ble"
	"github.com/chaz8081/blelock/internal/unlock"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	maxQoS            = 2
)

var (
	ErrConnectionFailed = errors.New("events: connection failed")
	ErrPublishFailed    = errors.New("events: publish failed")
	ErrInvalidQoS       = errors.New("events: invalid QoS level (must be 0, 1, or 2)")
)

// Config maps to the mqtt section of config.yaml.
type Config struct {
	// Broker is a URL such as tcp://127.0.0.1:1883 or ssl://broker:8883.
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Topics builds topic names under a prefix.
type Topics struct{ Prefix string }

// Attempt is where results for mac are published.
func (t Topics) Attempt(mac ble.MAC) string {
	return fmt.Sprintf("%s/locks/%s/attempt", t.Prefix, mac.Compact())
}

// Warning is where lock-left-open warnings for mac are published.
func (t Topics) Warning(mac ble.MAC) string {
	return fmt.Sprintf("%s/locks/%s/warning", t.Prefix, mac.Compact())
}

// Status is the retained online/offline topic.
func (t Topics) Status() string {
	return t.Prefix + "/status"
}

// publishClient is the part of pahomqtt.Client the publisher uses.
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Publisher sends results to the broker. It implements unlock.Sink.
type Publisher struct {
	client   publishClient
	topics   Topics
	qos      byte
	clientID string
	log      *slog.Logger
}

var _ unlock.Sink = (*Publisher)(nil)

// Connect dials the broker and returns a publisher. Reconnection after the
// first connect is left to paho.
func Connect(cfg Config, log *slog.Logger) (*Publisher, error) {
	if cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	cfg = withDefaults(cfg)
	topics := Topics{Prefix: cfg.TopicPrefix}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if strings.HasPrefix(cfg.Broker, "ssl://") || strings.HasPrefix(cfg.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(topics.Status(), statusPayload(cfg.ClientID, "offline"), 1, true)

	if log == nil {
		log = slog.Default()
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn("[MQTT] Connection lost", "error", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	p := newPublisher(client, cfg, log)
	if err := p.publish(context.Background(), topics.Status(), true, []byte(statusPayload(cfg.ClientID, "online"))); err != nil {
		log.Warn("[MQTT] Online status not published", "error", err)
	}
	log.Info("[MQTT] Connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	return p, nil
}

func withDefaults(cfg Config) Config {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "blelock"
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "blelock"
	}
	return cfg
}

func newPublisher(client publishClient, cfg Config, log *slog.Logger) *Publisher {
	cfg = withDefaults(cfg)
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		client:   client,
		topics:   Topics{Prefix: cfg.TopicPrefix},
		qos:      cfg.QoS,
		clientID: cfg.ClientID,
		log:      log,
	}
}

// AttemptMessage is the JSON body published for every attempt.
type AttemptMessage struct {
	AttemptID   string    `json:"attempt_id"`
	Lock        string    `json:"lock"`
	Action      string    `json:"action"`
	Outcome     string    `json:"outcome"`
	Kind        string    `json:"kind,omitempty"`
	DenyReason  string    `json:"deny_reason,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OpenSeconds int       `json:"open_seconds,omitempty"`
	Attempts    int       `json:"attempts"`
	ElapsedMS   int64     `json:"elapsed_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// WarningMessage is the JSON body published when a lock stays open.
type WarningMessage struct {
	AttemptID     string    `json:"attempt_id"`
	Lock          string    `json:"lock"`
	WindowSeconds int       `json:"window_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// AttemptFinished publishes res to {prefix}/locks/{mac}/attempt.
func (p *Publisher) AttemptFinished(ctx context.Context, res unlock.Result) error {
	payload, err := json.Marshal(AttemptMessage{
		AttemptID:   res.AttemptID.String(),
		Lock:        res.Lock.String(),
		Action:      res.Action.String(),
		Outcome:     res.Outcome.String(),
		Kind:        string(res.Kind),
		DenyReason:  string(res.DenyReason),
		Reason:      res.Reason,
		OpenSeconds: int(res.OpenDuration / time.Second),
		Attempts:    res.Attempts,
		ElapsedMS:   res.Elapsed.Milliseconds(),
		Timestamp:   res.StartedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("events: encode attempt: %w", err)
	}
	return p.publish(ctx, p.topics.Attempt(res.Lock), false, payload)
}

// LockLeftOpen publishes w to {prefix}/locks/{mac}/warning.
func (p *Publisher) LockLeftOpen(ctx context.Context, w unlock.Warning) error {
	payload, err := json.Marshal(WarningMessage{
		AttemptID:     w.AttemptID.String(),
		Lock:          w.Lock.String(),
		WindowSeconds: int(w.Window / time.Second),
		Timestamp:     w.At.UTC(),
	})
	if err != nil {
		return fmt.Errorf("events: encode warning: %w", err)
	}
	return p.publish(ctx, p.topics.Warning(w.Lock), false, payload)
}

// publish waits for the broker acknowledgment up to publishTimeout or ctx.
func (p *Publisher) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, p.qos, retained, payload)
	wait := publishTimeout
	if d, ok := ctx.Deadline(); ok && time.Until(d) < wait {
		wait = time.Until(d)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, topic, wait)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	p.log.Debug("[MQTT] Published", "topic", topic, "bytes", len(payload))
	return nil
}

// Close publishes the offline status and disconnects.
func (p *Publisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.publish(ctx, p.topics.Status(), true, []byte(statusPayload(p.clientID, "offline"))); err != nil {
		p.log.Debug("[MQTT] Offline status not published", "error", err)
	}
	p.client.Disconnect(disconnectQuiesce)
}

func statusPayload(clientID, status string) string {
	b, _ := json.Marshal(map[string]string{
		"status":    status,
		"client_id": clientID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	return string(b)
}

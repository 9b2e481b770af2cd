package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/chaz8081/blelock/internal/ble"
	"github.com/chaz8081/blelock/internal/handshake"
	"github.com/chaz8081/blelock/internal/unlock"
)

// mockToken is a completed (or never-completing) paho token.
type mockToken struct {
	err  error
	hang bool
	done chan struct{}
	once sync.Once
}

func (t *mockToken) doneCh() chan struct{} {
	t.once.Do(func() {
		t.done = make(chan struct{})
		if !t.hang {
			close(t.done)
		}
	})
	return t.done
}

func (t *mockToken) Wait() bool { <-t.doneCh(); return true }

func (t *mockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.doneCh():
		return true
	case <-time.After(d):
		return false
	}
}

func (t *mockToken) Done() <-chan struct{} { return t.doneCh() }
func (t *mockToken) Error() error          { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type mockClient struct {
	mu           sync.Mutex
	messages     []published
	err          error
	hang         bool
	disconnected bool
}

func (c *mockClient) Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return &mockToken{err: c.err, hang: c.hang}
}

func (c *mockClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func testMAC(t *testing.T) ble.MAC {
	t.Helper()
	mac, err := ble.ParseMAC("D8:71:4D:0C:E9:0F")
	if err != nil {
		t.Fatalf("ParseMAC() error = %v", err)
	}
	return mac
}

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "home/blelock"}
	mac := testMAC(t)
	if got := topics.Attempt(mac); got != "home/blelock/locks/d8714d0ce90f/attempt" {
		t.Errorf("Attempt() = %q", got)
	}
	if got := topics.Warning(mac); got != "home/blelock/locks/d8714d0ce90f/warning" {
		t.Errorf("Warning() = %q", got)
	}
	if got := topics.Status(); got != "home/blelock/status" {
		t.Errorf("Status() = %q", got)
	}
}

func TestAttemptFinishedPublishes(t *testing.T) {
	client := &mockClient{}
	p := newPublisher(client, Config{QoS: 1}, nil)
	res := unlock.Result{
		Outcome:      unlock.Success,
		Action:       handshake.ActionUnlock,
		Lock:         testMAC(t),
		OpenDuration: 5 * time.Second,
		AttemptID:    uuid.New(),
		Attempts:     1,
		StartedAt:    time.Now(),
	}

	if err := p.AttemptFinished(context.Background(), res); err != nil {
		t.Fatalf("AttemptFinished() error = %v", err)
	}
	if len(client.messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.messages))
	}
	msg := client.messages[0]
	if msg.topic != "blelock/locks/d8714d0ce90f/attempt" || msg.qos != 1 || msg.retained {
		t.Errorf("message = %s qos %d retained %v", msg.topic, msg.qos, msg.retained)
	}
	var body AttemptMessage
	if err := json.Unmarshal(msg.payload, &body); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if body.Outcome != "success" || body.OpenSeconds != 5 || body.AttemptID != res.AttemptID.String() {
		t.Errorf("payload = %+v", body)
	}
}

func TestLockLeftOpenPublishes(t *testing.T) {
	client := &mockClient{}
	p := newPublisher(client, Config{TopicPrefix: "site/"}, nil)
	w := unlock.Warning{Lock: testMAC(t), AttemptID: uuid.New(), Window: 5 * time.Second, At: time.Now()}

	if err := p.LockLeftOpen(context.Background(), w); err != nil {
		t.Fatalf("LockLeftOpen() error = %v", err)
	}
	msg := client.messages[0]
	if msg.topic != "site/locks/d8714d0ce90f/warning" {
		t.Errorf("topic = %q", msg.topic)
	}
	var body WarningMessage
	if err := json.Unmarshal(msg.payload, &body); err != nil || body.WindowSeconds != 5 {
		t.Errorf("payload = %s (%v)", msg.payload, err)
	}
}

func TestPublishErrors(t *testing.T) {
	brokerErr := errors.New("not authorized")
	client := &mockClient{err: brokerErr}
	p := newPublisher(client, Config{}, nil)

	err := p.AttemptFinished(context.Background(), unlock.Result{Lock: testMAC(t)})
	if !errors.Is(err, ErrPublishFailed) || !errors.Is(err, brokerErr) {
		t.Errorf("AttemptFinished() error = %v, want ErrPublishFailed wrapping broker error", err)
	}
}

func TestPublishHonorsContextDeadline(t *testing.T) {
	client := &mockClient{hang: true}
	p := newPublisher(client, Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := p.AttemptFinished(ctx, unlock.Result{Lock: testMAC(t)})
	if !errors.Is(err, ErrPublishFailed) {
		t.Errorf("AttemptFinished() error = %v, want ErrPublishFailed", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("publish waited %v, want the context deadline", elapsed)
	}
}

func TestClosePublishesOffline(t *testing.T) {
	client := &mockClient{}
	p := newPublisher(client, Config{ClientID: "door-1"}, nil)
	p.Close()

	if !client.disconnected {
		t.Error("Close() did not disconnect")
	}
	if len(client.messages) != 1 || client.messages[0].topic != "blelock/status" || !client.messages[0].retained {
		t.Fatalf("Close() published %+v, want retained status", client.messages)
	}
	var body map[string]string
	_ = json.Unmarshal(client.messages[0].payload, &body)
	if body["status"] != "offline" || body["client_id"] != "door-1" {
		t.Errorf("status payload = %v", body)
	}
}

func TestConnectRejectsQoS(t *testing.T) {
	if _, err := Connect(Config{Broker: "tcp://127.0.0.1:1", QoS: 3}, nil); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Connect(qos 3) error = %v, want ErrInvalidQoS", err)
	}
}

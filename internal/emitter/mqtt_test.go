package emitter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/haidar-ali/card-scanner/internal/config"
	"github.com/haidar-ali/card-scanner/internal/events"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type publishedMsg struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu        sync.Mutex
	published []publishedMsg
}

func (c *fakeClient) IsConnected() bool       { return true }
func (c *fakeClient) IsConnectionOpen() bool  { return true }
func (c *fakeClient) Connect() mqtt.Token     { return &fakeToken{} }
func (c *fakeClient) Disconnect(quiesce uint) {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMsg{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token { return &fakeToken{} }

func (c *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func emitterConfig() *config.Config {
	return &config.Config{
		InstanceID: "test-scanner",
		MQTT: config.MQTTConfig{
			Broker: "localhost:1883",
			Topics: config.MQTTTopics{
				Events: "cardscan/events/test-scanner",
				Health: "cardscan/health/test-scanner",
			},
			QoS: map[string]byte{
				"card-committed":  1,
				"card-identified": 0,
			},
		},
	}
}

func connectedEmitter(client *fakeClient) *MQTTEmitter {
	e := NewMQTTEmitter(emitterConfig())
	e.Client = client
	e.connected = true
	return e
}

// TestPublishEvent verifies the per-type topic, qos selection and the JSON
// envelope.
func TestPublishEvent(t *testing.T) {
	client := &fakeClient{}
	e := connectedEmitter(client)

	ev := events.Event{
		Type:      events.CardCommitted,
		Data:      map[string]string{"set_code": "EMN"},
		Timestamp: time.Now(),
	}
	if err := e.PublishEvent(ev); err != nil {
		t.Fatalf("PublishEvent failed: %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.published) != 1 {
		t.Fatalf("Expected 1 publish, got %d", len(client.published))
	}
	msg := client.published[0]
	if msg.topic != "cardscan/events/test-scanner/card-committed" {
		t.Errorf("Unexpected topic: %s", msg.topic)
	}
	if msg.qos != 1 {
		t.Errorf("Expected qos 1 for card-committed, got %d", msg.qos)
	}

	var envelope struct {
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp string          `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.payload, &envelope); err != nil {
		t.Fatalf("Invalid envelope JSON: %v", err)
	}
	if envelope.Type != "card-committed" || envelope.Timestamp == "" {
		t.Errorf("Unexpected envelope: %+v", envelope)
	}
}

// TestPublishEventNotConnected verifies a disconnected emitter fails fast
// and counts the error.
func TestPublishEventNotConnected(t *testing.T) {
	e := NewMQTTEmitter(emitterConfig())

	if err := e.PublishEvent(events.Event{Type: events.CardIdentified}); err == nil {
		t.Fatal("Expected error while disconnected")
	}
	if stats := e.Stats(); stats.Errors != 1 {
		t.Errorf("Expected 1 recorded error, got %d", stats.Errors)
	}
}

// TestAttachBusMirrorsEvents verifies bus events flow out over MQTT on all
// four streams.
func TestAttachBusMirrorsEvents(t *testing.T) {
	client := &fakeClient{}
	e := connectedEmitter(client)

	bus := events.New()
	defer bus.Close()
	if err := e.AttachBus(bus); err != nil {
		t.Fatalf("AttachBus failed: %v", err)
	}

	for _, et := range []events.Type{
		events.StabilityChanged,
		events.HypothesesUpdated,
		events.CardIdentified,
		events.CardCommitted,
	} {
		bus.Publish(events.Event{Type: et, Timestamp: time.Now()})
	}

	client.mu.Lock()
	got := len(client.published)
	client.mu.Unlock()
	if got != 4 {
		t.Errorf("Expected 4 mirrored events, got %d", got)
	}

	stats := e.Stats()
	if stats.Published["cardscan/events/test-scanner/stability-changed"] != 1 {
		t.Errorf("Per-topic counters not updated: %+v", stats.Published)
	}
}

// TestQoSDefault verifies event types without explicit qos fall back to 0.
func TestQoSDefault(t *testing.T) {
	e := NewMQTTEmitter(emitterConfig())
	if q := e.getQoS("stability-changed"); q != 0 {
		t.Errorf("Expected default qos 0, got %d", q)
	}
	if q := e.getQoS("card-committed"); q != 1 {
		t.Errorf("Expected configured qos 1, got %d", q)
	}
}

// TestPublishHealth verifies the raw health publish path.
func TestPublishHealth(t *testing.T) {
	client := &fakeClient{}
	e := connectedEmitter(client)

	if err := e.PublishHealth([]byte(`{"status":"healthy"}`)); err != nil {
		t.Fatalf("PublishHealth failed: %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.published) != 1 || client.published[0].topic != "cardscan/health/test-scanner" {
		t.Errorf("Unexpected health publish: %+v", client.published)
	}
}

// TestRunHealthLoop verifies the periodic loop serializes the snapshot to
// the health topic and stops on cancellation.
func TestRunHealthLoop(t *testing.T) {
	client := &fakeClient{}
	e := connectedEmitter(client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.RunHealthLoop(ctx, 10*time.Millisecond, func() interface{} {
			return map[string]string{"status": "healthy"}
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		client.mu.Lock()
		n := len(client.published)
		client.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Health loop never published")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Health loop did not stop on cancellation")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	msg := client.published[0]
	if msg.topic != "cardscan/health/test-scanner" {
		t.Errorf("Expected health topic, got %q", msg.topic)
	}
	var decoded map[string]string
	if err := json.Unmarshal(msg.payload, &decoded); err != nil {
		t.Fatalf("Health payload is not JSON: %v", err)
	}
	if decoded["status"] != "healthy" {
		t.Errorf("Expected status in payload, got %v", decoded)
	}
}

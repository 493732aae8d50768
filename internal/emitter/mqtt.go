// Package emitter republishes pipeline events to an MQTT broker so
// out-of-process consumers (inventory services, dashboards) can follow the
// scanner without linking against it.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/haidar-ali/card-scanner/internal/config"
	"github.com/haidar-ali/card-scanner/internal/events"
)

// MQTTEmitter publishes scanner events to an MQTT broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for the control plane

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to the MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// PublishEvent publishes one pipeline event to its per-type topic.
func (e *MQTTEmitter) PublishEvent(ev events.Event) error {
	if !e.isConnected() {
		e.recordError()
		return fmt.Errorf("mqtt not connected")
	}

	// Topic: cardscan/events/{instance_id}/{type}
	topic := fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Events, ev.Type)
	qos := e.getQoS(string(ev.Type))

	payload, err := json.Marshal(map[string]interface{}{
		"type":      ev.Type,
		"data":      ev.Data,
		"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		e.recordError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.recordError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.recordError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("event published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)
	return nil
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	if !e.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	topic := e.cfg.MQTT.Topics.Health
	token := e.Client.Publish(topic, e.cfg.MQTT.QoS["health"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return err
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// RunHealthLoop publishes the snapshot returned by source to the health
// topic every interval until ctx is cancelled. Blocking; run it in its own
// goroutine.
func (e *MQTTEmitter) RunHealthLoop(ctx context.Context, interval time.Duration, source func() interface{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(source())
			if err != nil {
				slog.Warn("failed to encode health snapshot", "error", err)
				continue
			}
			if err := e.PublishHealth(payload); err != nil {
				e.recordError()
				slog.Warn("failed to publish health", "error", err)
			}
		}
	}
}

// AttachBus subscribes the emitter to the in-process event bus so every
// pipeline event is mirrored to MQTT. Publish failures are logged, never
// propagated back into the producing loop.
func (e *MQTTEmitter) AttachBus(bus *events.Bus) error {
	forward := func(ev events.Event) {
		if err := e.PublishEvent(ev); err != nil {
			slog.Warn("failed to mirror event to mqtt",
				"event_type", string(ev.Type),
				"error", err,
			)
		}
	}

	for _, t := range []events.Type{
		events.StabilityChanged,
		events.HypothesesUpdated,
		events.CardIdentified,
		events.CardCommitted,
	} {
		if err := bus.Subscribe("mqtt-emitter", t, forward); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64)
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) recordError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func (e *MQTTEmitter) getQoS(eventType string) byte {
	if qos, ok := e.cfg.MQTT.QoS[eventType]; ok {
		return qos
	}
	return 0
}

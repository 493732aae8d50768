// Package control implements the MQTT control plane: remote commands for
// status, pause/resume, manual commit, configuration updates and shutdown.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/haidar-ali/card-scanner/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string        `json:"command"`
	Patch   *config.Patch `json:"config,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string      `json:"command_ack"`
	Status     string      `json:"status"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  string      `json:"timestamp"`
}

// Callbacks contains the pipeline operations exposed over the control plane.
type Callbacks struct {
	OnGetStatus    func() interface{}
	OnPause        func() error
	OnResume       func() error
	OnManualCommit func() (interface{}, error)
	OnUpdateConfig func(config.Patch) error
	OnShutdown     func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	commands  chan Command
	callbacks Callbacks
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks Callbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start subscribes to the control topic and begins processing commands.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	slog.Info("control plane handler started")
	return nil
}

// Stop unsubscribes and stops command processing.
func (h *Handler) Stop() error {
	topic := h.cfg.MQTT.Topics.Control

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(topic)
		token.Wait()
	}

	close(h.commands)

	slog.Info("control plane handler stopped")
	return nil
}

func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Warn("invalid control message", "error", err)
		return
	}

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control command queue full, dropping", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

func (h *Handler) handleCommand(cmd Command) {
	slog.Info("control command received", "command", cmd.Command)

	var data interface{}
	var err error

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus != nil {
			data = h.callbacks.OnGetStatus()
		}
	case "pause":
		if h.callbacks.OnPause != nil {
			err = h.callbacks.OnPause()
		}
	case "resume":
		if h.callbacks.OnResume != nil {
			err = h.callbacks.OnResume()
		}
	case "manual_commit":
		if h.callbacks.OnManualCommit != nil {
			data, err = h.callbacks.OnManualCommit()
		}
	case "update_config":
		if cmd.Patch == nil {
			err = fmt.Errorf("update_config requires a config payload")
		} else if h.callbacks.OnUpdateConfig != nil {
			err = h.callbacks.OnUpdateConfig(*cmd.Patch)
		}
	case "shutdown":
		if h.callbacks.OnShutdown != nil {
			err = h.callbacks.OnShutdown()
		}
	default:
		err = fmt.Errorf("unknown command: %s", cmd.Command)
	}

	h.respond(cmd.Command, data, err)
}

func (h *Handler) respond(command string, data interface{}, cmdErr error) {
	resp := Response{
		CommandAck: command,
		Status:     "ok",
		Data:       data,
		Timestamp:  time.Now().Format(time.RFC3339),
	}
	if cmdErr != nil {
		resp.Status = "error"
		resp.Error = cmdErr.Error()
		slog.Warn("control command failed", "command", command, "error", cmdErr)
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Control + "/ack"
	token := h.client.Publish(topic, h.cfg.MQTT.QoS["control"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Warn("control response publish timeout", "command", command)
	}
}

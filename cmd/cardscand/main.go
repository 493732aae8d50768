package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/haidar-ali/card-scanner/internal/config"
	"github.com/haidar-ali/card-scanner/internal/control"
	"github.com/haidar-ali/card-scanner/internal/emitter"
	"github.com/haidar-ali/card-scanner/internal/events"
	"github.com/haidar-ali/card-scanner/internal/ocr"
	"github.com/haidar-ali/card-scanner/internal/pipeline"
	"github.com/haidar-ali/card-scanner/internal/source"
	"github.com/haidar-ali/card-scanner/internal/types"
)

const (
	defaultConfigPath = "config/cardscan.yaml"
	healthCheckPort   = "8080"
)

// nullExtractor stands in when no OCR worker is configured: every reading
// comes back empty and the extractor skips it, so the pipeline runs (frame
// stability, events, control plane) without text recognition.
type nullExtractor struct{}

func (nullExtractor) Recognize(ctx context.Context, region types.Image, variant string) (types.TextReading, error) {
	return types.TextReading{}, nil
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	healthPort := flag.String("health-port", healthCheckPort, "Health check HTTP port")
	flag.Parse()

	// Optional .env for local development; silence is fine in production.
	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting card scanner service",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	bus := events.New()

	// OCR text extractor: external worker process when configured,
	// otherwise a null extractor so the pipeline still runs.
	var text types.TextExtractor = nullExtractor{}
	var worker *ocr.Worker
	if cfg.OCR.WorkerCmd != "" {
		worker, err = ocr.NewWorker(cfg.OCR)
		if err != nil {
			slog.Error("failed to create ocr worker", "error", err)
			os.Exit(1)
		}
		if err := worker.Start(ctx); err != nil {
			slog.Error("failed to start ocr worker", "error", err)
			os.Exit(1)
		}
		text = worker
	} else {
		slog.Warn("no ocr worker configured, text recognition disabled")
	}

	controller := pipeline.New(cfg, bus, text, nil)
	controller.StartHealthServer(*healthPort)

	// MQTT surface (emitter + control plane) only when a broker is set.
	var mqttEmitter *emitter.MQTTEmitter
	var controlHandler *control.Handler
	if cfg.MQTT.Broker != "" {
		mqttEmitter = emitter.NewMQTTEmitter(cfg)
		if err := mqttEmitter.Connect(ctx); err != nil {
			slog.Error("failed to connect to mqtt broker", "error", err)
			os.Exit(1)
		}
		if err := mqttEmitter.AttachBus(bus); err != nil {
			slog.Error("failed to attach emitter to event bus", "error", err)
			os.Exit(1)
		}

		controlHandler = control.NewHandler(cfg, mqttEmitter.Client, control.Callbacks{
			OnGetStatus: func() interface{} {
				return controller.Status()
			},
			OnPause:  controller.Pause,
			OnResume: controller.Resume,
			OnManualCommit: func() (interface{}, error) {
				return controller.ManualCommit()
			},
			OnUpdateConfig: controller.UpdateConfig,
			OnShutdown: func() error {
				slog.Info("shutdown requested via control plane")
				cancel()
				return nil
			},
		})
		if err := controlHandler.Start(ctx); err != nil {
			slog.Error("failed to start control handler", "error", err)
			os.Exit(1)
		}

		healthInterval := time.Duration(cfg.MQTT.HealthIntervalS) * time.Second
		go mqttEmitter.RunHealthLoop(ctx, healthInterval, func() interface{} {
			return controller.HealthCheck()
		})
	} else {
		slog.Info("no mqtt broker configured, running without remote control")
	}

	// Synthetic frame source until a capture integration is wired in.
	src := source.NewSynthetic(1280, 720)
	if err := controller.Start(src, src); err != nil {
		slog.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("service stopped (via control command)")
	}

	shutdownTimeout := time.Duration(cfg.ShutdownTimeoutS) * time.Second
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := controller.Stop(); err != nil {
			slog.Error("pipeline stop failed", "error", err)
		}
		if controlHandler != nil {
			if err := controlHandler.Stop(); err != nil {
				slog.Error("control handler stop failed", "error", err)
			}
		}
		if worker != nil {
			if err := worker.Stop(); err != nil {
				slog.Error("ocr worker stop failed", "error", err)
			}
		}
		if mqttEmitter != nil {
			if err := mqttEmitter.Disconnect(); err != nil {
				slog.Error("mqtt disconnect failed", "error", err)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out", "timeout", shutdownTimeout)
		os.Exit(1)
	}

	slog.Info("card scanner service stopped successfully")
}

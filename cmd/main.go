package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"appliancebridge/internal/api"
	"appliancebridge/internal/appliance"
	"appliancebridge/internal/clock"
	"appliancebridge/internal/config"
	"appliancebridge/internal/history"
	"appliancebridge/internal/publish"
	"appliancebridge/internal/sensor"
	"appliancebridge/internal/store"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type detachable interface {
	Detach()
}

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cloudToken := os.Getenv("CLOUD_TOKEN")
	if cloudToken == "" {
		logger.Fatal("CLOUD_TOKEN environment variable must be set")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.String("path", configPath), zap.Error(err))
	}
	cfg.History.Token = os.Getenv("INFLUX_TOKEN")

	logger.Info("Starting Appliance Bridge",
		zap.String("cloud_url", cfg.Cloud.URL),
		zap.Int("appliances", len(cfg.Appliances)))

	// Open the value store first; projections restore from it on attach.
	valueStore, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatal("Failed to open value store", zap.Error(err))
	}
	defer valueStore.Close()

	emitters := []sensor.Emitter{valueStore}

	var mqtt *publish.RealPublisher
	if cfg.MQTT.Enabled {
		mqtt, err = publish.NewRealPublisher(cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
		if err != nil {
			logger.Fatal("Failed to connect to MQTT broker",
				zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		}
		defer mqtt.Close()
		emitters = append(emitters, mqtt)
		logger.Info("Connected to MQTT broker", zap.String("broker", cfg.MQTT.Broker))
	}

	recorder, err := history.Connect(cfg.History, logger)
	switch {
	case err == nil:
		defer recorder.Close()
		emitters = append(emitters, recorder)
		logger.Info("Recording sensor history", zap.String("url", cfg.History.URL))
	case errors.Is(err, history.ErrDisabled):
		logger.Info("History recording disabled")
	default:
		logger.Fatal("Failed to connect to InfluxDB", zap.Error(err))
	}

	fanout := sensor.NewFanout(logger, emitters...)
	clk := clock.NewRealClock()

	// Register appliances and build their projections before connecting so
	// the initial snapshot flows through every sensor.
	client := appliance.NewClient(cfg.Cloud.URL, cloudToken, logger)

	var projections []detachable
	var reporters []sensor.StatusReporter
	ctx := context.Background()

	for _, ac := range cfg.Appliances {
		src := client.Register(ac.SAID, ac.Name)

		if mqtt != nil {
			avail := sensor.NewAvailabilityProjection(src, mqtt, logger)
			avail.Attach()
			projections = append(projections, avail)
		}

		switch ac.Kind {
		case config.KindWasherDryer:
			for _, desc := range sensor.WasherDryerSensors {
				proj := sensor.NewProjection(src, desc, fanout, clk, logger)
				proj.Attach()
				projections = append(projections, proj)
				reporters = append(reporters, proj)
			}
			completion := sensor.NewCompletionProjection(src, fanout, valueStore, clk, cfg.PollInterval, logger)
			completion.Attach(ctx)
			projections = append(projections, completion)
			reporters = append(reporters, completion)
		case config.KindAircon:
			for _, desc := range sensor.AirconSensors {
				proj := sensor.NewProjection(src, desc, fanout, clk, logger)
				proj.Attach()
				projections = append(projections, proj)
				reporters = append(reporters, proj)
			}
		}
	}

	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to appliance cloud", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to appliance cloud", zap.Int("sensors", len(reporters)))

	server := api.NewServer(reporters, logger, cfg.API.Port)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Bridge running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")

	for _, p := range projections {
		p.Detach()
	}
	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
}

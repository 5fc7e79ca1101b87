package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stha-sanket/RPA-App/internal/api"
	"github.com/stha-sanket/RPA-App/internal/client"
	"github.com/stha-sanket/RPA-App/internal/events"
	"github.com/stha-sanket/RPA-App/internal/logging"
	"github.com/stha-sanket/RPA-App/internal/results"
	"github.com/stha-sanket/RPA-App/internal/runs"
	"github.com/stha-sanket/RPA-App/internal/scheduler"
	"github.com/stha-sanket/RPA-App/internal/shutdown"
	"github.com/stha-sanket/RPA-App/internal/stats"
	"github.com/stha-sanket/RPA-App/internal/systemd"
	"github.com/stha-sanket/RPA-App/internal/version"
)

// How often the systemd status line is refreshed.
const statusInterval = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run scheduled scripts",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

// doServe runs the long-lived runner.
//
// Lifecycle:
//  1. Open the run history store
//  2. Connect to NATS and MQTT if configured (events are optional)
//  3. Create the run manager and route remote stop requests to it
//  4. Start the report uploader when a server URL is configured
//  5. Sync and start the scheduler when schedules are configured
//  6. Start the HTTP API
//  7. Notify systemd, start the watchdog, wait for SIGTERM/SIGINT
//  8. Shut components down in reverse order
func doServe(cmd *cobra.Command, _ []string) error {
	logger := logging.SetupLogger(cfg.LogLevel)

	logger.Info("runner starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("config_path", flagConfigPath),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.Bool("upload_enabled", cfg.UploadEnabled()),
		slog.Bool("nats_enabled", cfg.NATSEnabled()),
		slog.Int("schedules", len(cfg.Schedules)),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	coordinator := shutdown.NewCoordinator(logger)
	notifier := systemd.New(logger)

	store, err := results.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	coordinator.Register("store", shutdown.Closer(store.Close))
	logger.Info("run history opened", slog.String("path", cfg.DatabasePath()))

	var (
		eventClient *events.Client
		mqttClient  *events.MQTTClient
		sinks       events.Fanout
	)
	if cfg.NATSEnabled() {
		eventClient = events.NewClient(events.Config{
			Servers:       cfg.NATSServers,
			NKeySeed:      cfg.NATSNKeySeed,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			Host:          hostname(),
		}, logger)

		if err := eventClient.Connect(ctx); err != nil {
			logger.Warn("NATS connection failed, NATS events disabled",
				slog.String("error", err.Error()),
			)
			eventClient = nil
		} else {
			sinks = append(sinks, events.NewPublisher(eventClient, logger))
			coordinator.Register("nats", eventClient)
		}
	}
	if cfg.MQTTEnabled() {
		mqttClient = events.NewMQTTClient(events.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Host:        hostname(),
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
		}, logger)

		if err := mqttClient.Connect(ctx); err != nil {
			logger.Warn("MQTT connection failed, MQTT events disabled",
				slog.String("error", err.Error()),
			)
			mqttClient = nil
		} else {
			sinks = append(sinks, mqttClient)
			coordinator.Register("mqtt", mqttClient)
		}
	}

	var publisher runs.Notifier
	if len(sinks) > 0 {
		publisher = sinks
	}
	manager := newManager(store, publisher, logger)
	if eventClient != nil {
		eventClient.SetHandler(manager)
	}
	if mqttClient != nil {
		mqttClient.SetHandler(manager)
	}
	coordinator.Register("runs", manager)

	if cfg.UploadEnabled() {
		reportClient := client.NewClient(cfg.ServerURL, cfg.APIKey, logger)
		uploader := results.NewUploader(store, reportClient, cfg.UploadInterval(), logger)
		go uploader.Run(ctx)
		coordinator.Register("uploader", uploader)
		logger.Info("report uploader started", slog.String("server_url", cfg.ServerURL))
	}

	if len(cfg.Schedules) > 0 {
		cache, err := scheduler.OpenStateCache(cfg.ScheduleCachePath())
		if err != nil {
			logger.Warn("failed to open schedule state, scheduled runs disabled",
				slog.String("path", cfg.ScheduleCachePath()),
				slog.String("error", err.Error()),
			)
		} else {
			coordinator.Register("schedule-cache", shutdown.Closer(cache.Close))
			if err := cache.Sync(cfg.Schedules, time.Now()); err != nil {
				logger.Warn("failed to sync schedules", slog.String("error", err.Error()))
			}
			sched := scheduler.New(cache, manager, 0, logger)
			go sched.Run(ctx)
			coordinator.Register("scheduler", sched)
		}
	}

	server := api.New(api.Config{
		Addr:            cfg.ListenAddr,
		AllowedOrigins:  cfg.AllowedOrigins(),
		RefreshInterval: cfg.RefreshInterval(),
	}, manager, logger)
	server.SetCollector(stats.NewCollector(cfg.DataDir, logger))
	if err := server.Start(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = coordinator.Shutdown(shutdownCtx)
		return err
	}
	coordinator.Register("api", server)

	notifier.Ready()
	logger.Info("runner ready")

	notifier.StartWatchdog(ctx, func() bool {
		_, err := store.PendingCount()
		return err == nil
	})
	go reportStatus(ctx, notifier, manager)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	notifier.Stopping()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown completed with errors", slog.String("error", err.Error()))
		return err
	}

	logger.Info("runner stopped")
	return nil
}

// reportStatus keeps the systemd status line current.
func reportStatus(ctx context.Context, notifier *systemd.Notifier, manager *runs.Manager) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		notifier.Status(fmt.Sprintf("%d runs active", manager.Running()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

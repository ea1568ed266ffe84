// Package main is the entry point of the roadway device communication
// service. It polls field controllers over their links, logs comm events
// and sample data, and publishes controller status over MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnit-rtmc/iris-sub027/internal/adapter/config"
	"github.com/mnit-rtmc/iris-sub027/internal/adapter/mqtt"
	"github.com/mnit-rtmc/iris-sub027/internal/adapter/timescaledb"
	"github.com/mnit-rtmc/iris-sub027/internal/comm"
	"github.com/mnit-rtmc/iris-sub027/internal/health"
	"github.com/mnit-rtmc/iris-sub027/internal/metrics"
	"github.com/mnit-rtmc/iris-sub027/internal/service"
	"github.com/mnit-rtmc/iris-sub027/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	serviceName    = "commd"
	serviceVersion = "1.0.0"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   serviceName,
		Short: "Roadway device communication service",
		Long:  "Polls detectors, parking sensors and other field controllers over serial, TCP, UDP and HTTP links.",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the communication service",
		RunE:  serve,
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and link table",
		RunE:  validate,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml or ./config/config.yaml)")
	rootCmd.AddCommand(serveCmd, validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func validate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	links, err := config.LoadLinks(cfg.LinksConfigPath)
	if err != nil {
		return err
	}
	protocols := service.DefaultProtocols()
	controllers := 0
	for _, link := range links {
		if _, err := protocols.Driver(link, comm.NopSink{}); err != nil {
			return err
		}
		controllers += len(link.Controllers)
		fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-14s %-40s %d controllers\n",
			link.ID, link.Protocol, link.URI, len(link.Controllers))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %d links, %d controllers\n", len(links), controllers)
	return nil
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.WithService(logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format), serviceName, serviceVersion)
	logger.Info().Str("env", cfg.Environment).Msg("Starting communication service")

	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	}, logger)

	sinks := comm.MultiSink{comm.NewLogSink(logger)}
	publishers := comm.MultiPublisher{}

	// Event store
	var batcher *service.Batcher
	if cfg.Database.Enabled {
		writer, err := timescaledb.NewWriter(ctx, timescaledb.WriterConfig{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			Database:        cfg.Database.Database,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			PoolSize:        cfg.Database.PoolSize,
			MaxIdleTime:     cfg.Database.MaxIdleTime,
			UseCopyProtocol: true,
		}, logger, metricsRegistry)
		if err != nil {
			return err
		}
		defer writer.Close()
		if err := writer.EnsureSchema(ctx); err != nil {
			return err
		}

		batcher = service.NewBatcher(service.BatcherConfig{
			BufferSize:    cfg.Events.BufferSize,
			BatchSize:     cfg.Events.BatchSize,
			FlushInterval: cfg.Events.FlushInterval,
			WriterCount:   cfg.Events.WriterCount,
		}, writer, logger, metricsRegistry)
		batcher.Start()
		sinks = append(sinks, batcher)
		healthChecker.AddCheck("timescaledb", writer, false)
	}

	// MQTT status feed and command intake
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient = mqtt.NewClient(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			CleanSession:   cfg.MQTT.CleanSession,
		}, logger, metricsRegistry)
		if err := mqttClient.Connect(ctx); err != nil {
			// paho keeps retrying in the background
			logger.Warn().Err(err).Msg("MQTT broker not reachable yet")
		}
		defer mqttClient.Disconnect()
		publishers = append(publishers, mqttClient)
		healthChecker.AddCheck("mqtt", mqttClient, false)
	}

	pollingSvc := service.NewPollingService(service.PollingConfig{
		Poller: comm.PollerConfig{
			RetryDelay:         cfg.Polling.RetryDelay,
			MaxRetryDelay:      cfg.Polling.MaxRetryDelay,
			ReopenDelay:        cfg.Polling.ReopenDelay,
			BreakerTimeout:     cfg.Polling.BreakerTimeout,
			MaxPhaseIterations: cfg.Polling.MaxPhaseIterations,
			MaxPending:         cfg.Polling.MaxPending,
		},
		ShutdownTimeout: cfg.Polling.ShutdownTimeout,
	}, service.DefaultProtocols(), sinks, publishers, logger, metricsRegistry)

	links, err := config.LoadLinks(cfg.LinksConfigPath)
	if err != nil {
		return err
	}
	logger.Info().Int("count", len(links)).Msg("Loaded link configurations")

	for _, link := range links {
		if err := pollingSvc.RegisterLink(link); err != nil {
			logger.Error().Err(err).Str("link_id", link.ID).Msg("Failed to register link")
		}
	}

	if err := pollingSvc.Start(ctx); err != nil {
		return err
	}
	healthChecker.AddCheck("links", pollingSvc, true)

	var commandHandler *service.CommandHandler
	if mqttClient != nil {
		commandHandler = service.NewCommandHandler(mqttClient, pollingSvc, service.DefaultCommandConfig(), logger, metricsRegistry)
		if err := commandHandler.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start command handler")
		}
	}

	httpServer := newHTTPServer(cfg, healthChecker, pollingSvc)
	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")
	shutdown(logger, cfg.Polling.ShutdownTimeout, httpServer, commandHandler, pollingSvc, batcher)
	logger.Info().Msg("Communication service shutdown complete")
	return nil
}

func newHTTPServer(cfg *config.Config, checker *health.Checker, svc *service.PollingService) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HealthHandler)
	mux.HandleFunc("/health/live", checker.LiveHandler)
	mux.HandleFunc("/health/ready", checker.ReadyHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", svc.StatusHandler)
	mux.HandleFunc("GET /status/controllers/{id}", svc.ControllerHandler)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
}

// shutdown stops the pollers first, which drain their queues into the
// sinks and command responses, then command intake and the event store.
func shutdown(
	logger zerolog.Logger,
	timeout time.Duration,
	httpServer *http.Server,
	commandHandler *service.CommandHandler,
	pollingSvc *service.PollingService,
	batcher *service.Batcher,
) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := pollingSvc.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Error stopping polling service")
	}
	if commandHandler != nil {
		commandHandler.Stop()
	}
	if batcher != nil {
		if err := batcher.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Error stopping batcher")
		}
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hacoordinator/internal/api"
	"hacoordinator/internal/config"
	"hacoordinator/internal/coordinator"
	"hacoordinator/internal/entries"
	"hacoordinator/internal/mqttbridge"
	"hacoordinator/internal/telemetry"
	"hacoordinator/pkg/integration"

	// Integrations register themselves with the default registry.
	_ "hacoordinator/internal/integrations/hastates"
	_ "hacoordinator/internal/integrations/sun"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	defaultConfigPath   = "config.yaml"
	shutdownTimeout     = 30 * time.Second
	bindingSyncInterval = 30 * time.Second
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the configured entries and serve their coordinators",
		Long: `Load every entry in the config file, keep their coordinators refreshing,
and serve status over HTTP. When mqtt.url is set, coordinator data is
also published to the broker.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, path)
		},
	}

	cmd.Flags().String("config", configPathFromEnv(), "Path to the YAML config file (CONFIG_FILE)")
	return cmd
}

func configPathFromEnv() string {
	if p := os.Getenv("CONFIG_FILE"); p != "" {
		return p
	}
	return defaultConfigPath
}

// newLogger builds a production logger at level
func newLogger(level string) (*zap.Logger, error) {
	atomic, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = atomic
	return cfg.Build()
}

func run(ctx context.Context, configPath string) error {
	bootstrap, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	if err := godotenv.Load(); err != nil {
		bootstrap.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.NewLoader(configPath, bootstrap).Load()
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	logger.Info("Starting coordinator host",
		zap.String("version", Version),
		zap.String("config", configPath),
		zap.Strings("integrations", integration.Names()))

	tel, err := telemetry.New(ctx,
		telemetry.WithEnabled(cfg.MetricsEnabled()),
		telemetry.WithServiceVersion(Version),
		telemetry.WithRuntimeMetrics(cfg.Metrics.Runtime),
		telemetry.WithLogger(logger))
	if err != nil {
		return err
	}

	manager := entries.NewManager(integration.Default(),
		entries.WithLogger(logger),
		entries.WithMetrics(tel.Metrics()))

	// Failed entries are logged and retried by the manager; startup goes on.
	if _, err := manager.SetupAll(ctx, cfg.EntryConfigs()); err != nil {
		logger.Warn("Some entries failed to set up", zap.Error(err))
	}

	var bridge *mqttbridge.Bridge
	if cfg.MQTT.URL != "" {
		client, err := mqttbridge.Connect(mqttbridge.Config{
			URL:      cfg.MQTT.URL,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.Prefix,
			QoS:      cfg.MQTT.QoS,
		}, logger)
		if err != nil {
			logger.Error("MQTT bridge disabled", zap.Error(err))
		} else {
			defer client.Disconnect(250)
			bridge = mqttbridge.New(client, cfg.MQTT.Prefix, cfg.MQTT.QoS, logger)
		}
	}

	var apiOpts []api.ServerOption
	if cfg.MetricsEnabled() {
		apiOpts = append(apiOpts, api.WithMetricsHandler(tel.Handler()))
	}
	server := api.NewServer(manager, logger, cfg.API.Port, apiOpts...)
	if err := server.Start(); err != nil {
		return err
	}

	if bridge != nil {
		b := newBinder(bridge, logger)
		b.sync(manager.Coordinators())
		go b.run(ctx, manager, bindingSyncInterval)
	}

	logger.Info("Coordinator host running")
	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if bridge != nil {
		bridge.Close()
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop entries: %w", err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// coordinatorSource lists the coordinators that should be published
type coordinatorSource interface {
	Coordinators() []coordinator.Managed
}

// binder keeps the bridge bound to the current coordinator instances.
// Entries that load late, reload or unload change the set over time.
type binder struct {
	bridge *mqttbridge.Bridge
	logger *zap.Logger
	bound  map[string]coordinator.Managed
}

func newBinder(bridge *mqttbridge.Bridge, logger *zap.Logger) *binder {
	return &binder{
		bridge: bridge,
		logger: logger,
		bound:  make(map[string]coordinator.Managed),
	}
}

func (b *binder) run(ctx context.Context, src coordinatorSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sync(src.Coordinators())
		}
	}
}

func (b *binder) sync(current []coordinator.Managed) {
	seen := make(map[string]bool, len(current))
	for _, c := range current {
		name := c.Name()
		seen[name] = true
		if prev, ok := b.bound[name]; ok {
			if prev == c {
				continue
			}
			b.bridge.Unbind(name)
			delete(b.bound, name)
		}
		if _, err := b.bridge.Bind(c); err != nil {
			b.logger.Warn("Failed to bind coordinator to MQTT", zap.String("coordinator", name), zap.Error(err))
			continue
		}
		b.bound[name] = c
	}
	for name := range b.bound {
		if !seen[name] {
			b.bridge.Unbind(name)
			delete(b.bound, name)
		}
	}
}

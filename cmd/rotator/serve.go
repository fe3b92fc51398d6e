package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goodtune/rotator/internal/config"
	"github.com/goodtune/rotator/internal/metrics"
	"github.com/goodtune/rotator/internal/storage"
	"github.com/goodtune/rotator/internal/systemd"
	"github.com/goodtune/rotator/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rotator daemon",
	Long: `Run the long-lived rotator process: it reclaims expired quotas on the
configured cron schedule, exports Prometheus metrics and reloads its log level
when the configuration file changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	v, err := config.NewViper(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging, os.Stdout)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting rotator")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage and engine
	a, err := newApp(cfg, logger, openDaemonStorage)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("target", storageTarget(cfg.Storage)).
		Msg("Storage initialized")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Initialize Reset Scheduler
	resetScheduler, err := usage.NewResetScheduler(a.pool, cfg.Rotation.ReclaimSchedule, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize reset scheduler: %w", err)
	}
	if cfg.Rotation.ReclaimOnStart {
		if _, err := resetScheduler.RunOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("Initial quota reclaim failed")
		}
	}
	if err := resetScheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reset scheduler: %w", err)
	}
	if next := resetScheduler.NextRun(); next != nil {
		logger.Info().Time("next_run", *next).Msg("Reset scheduler initialized")
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled || sdListeners.Metrics != nil {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr(), storeHealth(a.store, cfg.Rotation.Owner), logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	go systemd.RunWatchdog(ctx, logger)
	watchConfig(v, logger)

	logger.Info().
		Str("owner", cfg.Rotation.Owner).
		Strs("providers", cfg.Rotation.Providers).
		Msg("rotator startup complete")

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd of readiness")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info().Msg("SIGHUP received, reloading configuration...")
				reloadConfig(v, logger)
				continue
			}
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd of shutdown")
	}

	resetScheduler.Stop()
	cancel()

	if metricsServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := metricsServer.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("rotator stopped")
	return nil
}

// storeHealth checks that the store answers a read for the owner.
func storeHealth(store storage.Store, owner string) metrics.HealthFunc {
	return func(ctx context.Context) error {
		return store.View(ctx, func(tx storage.Tx) error {
			_, err := tx.Sessions().GetOpen(ctx, owner)
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		})
	}
}

// watchConfig applies log level changes as soon as the config file is
// written. Other settings need a restart.
func watchConfig(v *viper.Viper, logger zerolog.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err != nil {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		logger.Info().Str("file", e.Name).Msg("Configuration file changed")
		applyReload(v, logger)
	})
	v.WatchConfig()
}

func reloadConfig(v *viper.Viper, logger zerolog.Logger) {
	if err := systemd.NotifyReloading(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd of reload")
	}
	defer func() {
		if err := systemd.NotifyReady(); err != nil {
			logger.Warn().Err(err).Msg("Failed to notify systemd of readiness")
		}
	}()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			logger.Error().Err(err).Msg("Failed to re-read configuration, keeping current settings")
			return
		}
	}
	applyReload(v, logger)
}

// applyReload validates the configuration held by v and applies the
// settings that can change at runtime.
func applyReload(v *viper.Viper, logger zerolog.Logger) {
	cfg, err := config.Decode(v)
	if err != nil {
		logger.Error().Err(err).Msg("Reloaded configuration is invalid, keeping current settings")
		return
	}

	level := parseLevel(cfg.Logging.Level)
	if level != zerolog.GlobalLevel() {
		zerolog.SetGlobalLevel(level)
		logger.Info().Str("level", level.String()).Msg("Log level changed")
	}
}

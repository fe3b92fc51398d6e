package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goodtune/rotator/internal/config"
	"github.com/goodtune/rotator/internal/rotation"
	"github.com/goodtune/rotator/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app is the wiring shared by the one-shot commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  storage.Store
	engine *rotation.Engine
	pool   *rotation.Pool
	out    *printer
	cmd    *cobra.Command
}

type storageOpener func(cfg config.StorageConfig) (storage.Store, error)

func newApp(cfg *config.Config, logger zerolog.Logger, open storageOpener) (*app, error) {
	store, err := open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	providers := make([]storage.Provider, len(cfg.Rotation.Providers))
	for i, p := range cfg.Rotation.Providers {
		providers[i] = storage.Provider(p)
	}

	engine := rotation.New(store, rotation.Config{Providers: providers}, logger)
	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		engine: engine,
		pool:   engine.Pool(cfg.Rotation.Owner),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close storage")
	}
}

// withApp adapts fn to a cobra RunE. Engine logs go to stderr so stdout
// carries only command output.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		out, err := newPrinter(outputFormat, cmd.OutOrStdout())
		if err != nil {
			return err
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logCfg := cfg.Logging
		if logCfg.Level == "info" {
			logCfg.Level = "warn"
		}
		logger := setupLogger(logCfg, os.Stderr)

		a, err := newApp(cfg, logger, openStorage)
		if err != nil {
			return err
		}
		defer a.Close()
		a.out = out
		a.cmd = cmd

		return fn(cmd.Context(), a, args)
	}
}

func (a *app) provider(s string) (storage.Provider, error) {
	return a.engine.ParseProvider(s)
}

// exitCode maps engine error kinds to process exit statuses.
func exitCode(err error) int {
	switch {
	case errors.Is(err, rotation.ErrInvalidInput):
		return 2
	case errors.Is(err, rotation.ErrNotFound):
		return 3
	case errors.Is(err, rotation.ErrConflict):
		return 4
	case errors.Is(err, rotation.ErrQuotaExhausted):
		return 5
	default:
		return 1
	}
}

func fprintf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// Package cli implements the dispatchd command tree. Every command loads the
// same environment-driven config.Config; the subcommand decides which parts
// of the app (HTTP API, outbox relay, dispatch worker) run in the process.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-dispatch-backend/internal/app"
	"github.com/tbourn/go-dispatch-backend/internal/config"
	"github.com/tbourn/go-dispatch-backend/internal/observability"
	"github.com/tbourn/go-dispatch-backend/internal/sysutil"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	EnvFile string
	Version string
}

// NewRootCommand creates the dispatchd root command.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:           "dispatchd",
		Short:         "Idempotent dispatch and transactional outbox delivery",
		Long:          "dispatchd serves the idempotent write API, relays outbox events to the configured collector and dispatches automation runs to the provider.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(opts.EnvFile)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file to load before reading the environment (default .env if present)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRelayCommand(opts))
	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewDLQCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))

	return cmd
}

// loadEnv loads a dotenv file without overriding variables already set. A
// missing default .env is not an error; a missing explicit file is.
func loadEnv(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// runtime is what every command needs: config, logger, tracing and the app.
type runtime struct {
	cfg      config.Config
	log      zerolog.Logger
	app      *app.App
	shutdown func(context.Context) error
}

func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.app.Close(); err != nil {
		r.log.Warn().Err(err).Msg("close app")
	}
	if err := r.shutdown(ctx); err != nil {
		r.log.Warn().Err(err).Msg("otel shutdown")
	}
}

// bootstrap loads configuration and wires the app for the given role, which
// is recorded on every span.
func bootstrap(ctx context.Context, opts *RootOptions, role string) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log := sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty, nil).With().Str("role", role).Logger()

	shutdown, err := observability.SetupOTel(ctx, cfg.OTEL, opts.Version, role)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	return &runtime{cfg: cfg, log: log, app: a, shutdown: shutdown}, nil
}

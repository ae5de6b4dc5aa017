package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"smarthome/internal/api"
	"smarthome/internal/app"
	"smarthome/internal/config"
	"smarthome/internal/console"
	"smarthome/internal/metrics"
	"smarthome/internal/store"
)

const defaultConfigPath = "smarthome.yaml"

var (
	// configPath to the YAML configuration file
	configPath string
	// stateFile overrides the snapshot location from the config
	stateFile string
	// apiAddr overrides the API listen address from the config
	apiAddr string
	// debug switches to a development logger at debug level
	debug bool

	rootCmd = &cobra.Command{
		Use:   "smarthome",
		Short: "Home control panel with arrival-time scheduling.",
		Long: `Tracks the light, air conditioner, television, washing machine and camera,
keeps their last state across restarts and switches the air conditioner and
washing machine on relative to the time you expect to arrive home.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the controller with the HTTP control surface until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, false)
		},
	}

	consoleCmd = &cobra.Command{
		Use:   "console",
		Short: "Run the controller with an interactive terminal console.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, true)
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (env SMARTHOME_CONFIG)")
	rootCmd.PersistentFlags().StringVarP(&stateFile, "state-file", "s", "", "path of the saved state (env SMARTHOME_STATE_FILE)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api-addr", "", "HTTP listen address (env SMARTHOME_API_ADDR)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd, consoleCmd)
}

// override returns the flag value when set, else the environment variable,
// else fallback
func override(cmd *cobra.Command, flag, value, env, fallback string) string {
	if cmd.Flags().Changed(flag) {
		return value
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return fallback
}

func newLogger(level zap.AtomicLevel) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = level
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	return cfg.Build()
}

func run(cmd *cobra.Command, interactive bool) (err error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if debug {
		level.SetLevel(zap.DebugLevel)
	}

	logger, err := newLogger(level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	path := override(cmd, "config", configPath, "SMARTHOME_CONFIG", defaultConfigPath)
	cfg, err := config.NewLoader(path, logger).Load()
	if err != nil {
		return err
	}
	if !debug {
		lvl, parseErr := zapcore.ParseLevel(cfg.LogLevel)
		if parseErr == nil {
			level.SetLevel(lvl)
		}
	}

	cfg.StateFile = override(cmd, "state-file", stateFile, "SMARTHOME_STATE_FILE", cfg.StateFile)
	cfg.API.Address = override(cmd, "api-addr", apiAddr, "SMARTHOME_API_ADDR", cfg.API.Address)

	logger.Info("Starting smarthome control panel",
		zap.String("config", path),
		zap.String("state_file", cfg.StateFile),
		zap.Bool("api_enabled", cfg.API.Enabled),
		zap.Bool("console", interactive))

	m := metrics.New()
	rules := cfg.Rules()
	ctrl := app.New(app.Options{
		Store:                store.NewFileStore(cfg.StateFile),
		Metrics:              m,
		Logger:               logger,
		Rules:                &rules,
		CancelOnManualToggle: cfg.Schedule.CancelOnManualToggle,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A damaged snapshot is not fatal; the controller starts from defaults.
	if err := ctrl.Restore(ctx); err != nil {
		logger.Warn("Starting without saved state", zap.Error(err))
	}

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(ctx) }()

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(ctrl, m, logger, cfg.API.Address)
		if err := server.Start(); err != nil {
			stop()
			return multierr.Append(err, <-runErr)
		}
	}

	if interactive {
		if err := console.New(ctrl, os.Stdin, os.Stdout, logger).Run(ctx); err != nil {
			logger.Error("Console failed", zap.Error(err))
		}
		stop()
	} else {
		logger.Info("Application running. Press Ctrl+C to exit.")
	}

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	if server != nil {
		err = multierr.Append(err, server.Stop())
	}
	if ctrlErr := <-runErr; ctrlErr != nil && !errors.Is(ctrlErr, context.Canceled) {
		err = multierr.Append(err, ctrlErr)
	}
	return err
}

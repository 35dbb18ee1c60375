package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lifetracker/internal/config"
	"lifetracker/internal/pomodoro"
	"lifetracker/internal/realtime"
	"lifetracker/internal/storage"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	configPath string
	port       int
	dbPath     string
	staticDir  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:           "lifetracker-server",
		Short:         "LifeTracker pomodoro session server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return serve(cmd, f, cfg)
		},
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", config.DefaultPath(), "config file path")
	root.PersistentFlags().IntVar(&f.port, "port", config.DefaultPort, "HTTP listen port")
	root.PersistentFlags().StringVar(&f.dbPath, "db", "", "SQLite database path")
	root.PersistentFlags().StringVar(&f.staticDir, "static", "", "static frontend directory")

	root.AddCommand(newConfigCmd(&f))
	return root
}

func newConfigCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *f)
			if err != nil {
				return err
			}
			return config.Print(cfg, cmd.OutOrStdout())
		},
	}
}

// loadConfig layers file, environment and explicitly set flags.
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	return applyOverrides(cmd, f, cfg)
}

// applyOverrides layers the environment and explicitly set flags over a
// config read from the file.
func applyOverrides(cmd *cobra.Command, f flags, cfg *config.Config) (*config.Config, error) {
	cfg.ApplyEnv(os.Getenv)

	if cmd.Flags().Changed("port") {
		cfg.Port = f.port
	}
	if cmd.Flags().Changed("db") {
		cfg.DBPath = f.dbPath
	}
	if cmd.Flags().Changed("static") {
		cfg.StaticDir = f.staticDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// reloadHandler returns a config.Watch callback that keeps the file, env,
// flags precedence before handing the result to apply.
func reloadHandler(cmd *cobra.Command, f flags, logger *slog.Logger, apply func(*config.Config)) func(*config.Config) {
	return func(next *config.Config) {
		cfg, err := applyOverrides(cmd, f, next)
		if err != nil {
			logger.Warn("ignoring config reload", "error", err)
			return
		}
		apply(cfg)
	}
}

func serve(cmd *cobra.Command, f flags, cfg *config.Config) error {
	ctx, configPath := cmd.Context(), f.configPath

	level := new(slog.LevelVar)
	lvl, _ := cfg.Level()
	level.Set(lvl)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	logger := slog.Default().With("component", "server")

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	engine := pomodoro.NewEngine(store, store, pomodoro.WithSyncInterval(cfg.SyncInterval))
	rtServer := realtime.New(engine, store, cfg.StaticDir)

	// Hot reload: only the sync interval and log level apply without a restart.
	stopWatch, err := config.Watch(configPath, reloadHandler(cmd, f, logger, func(next *config.Config) {
		engine.SetSyncInterval(next.SyncInterval)
		if l, err := next.Level(); err == nil {
			level.Set(l)
		}
		logger.Info("config reloaded", "sync_interval", next.SyncInterval, "log_level", next.LogLevel)
	}))
	if err != nil {
		logger.Warn("config hot reload disabled", "path", configPath, "error", err)
	} else {
		defer stopWatch()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: rtServer.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("LifeTracker server running", "url", fmt.Sprintf("http://localhost:%d", cfg.Port), "db", cfg.DBPath)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	rtServer.CloseClients()

	// The engine flushes every live session before returning.
	wg.Wait()
	if serveErr != nil {
		return fmt.Errorf("HTTP server error: %w", serveErr)
	}
	return nil
}

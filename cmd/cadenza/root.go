package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadenzadev/cadenza/internal/config"
	"github.com/cadenzadev/cadenza/internal/engine"
	"github.com/cadenzadev/cadenza/internal/remote"
	"github.com/cadenzadev/cadenza/internal/store"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cadenza",
	Short: "Cadenza - local-first practice tracker",
	Long:  "Cadenza keeps your tunes, playlists, and practice history in a local SQLite store and syncs them to a remote server in the background.",
	RunE:  runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides CADENZA_CONFIG_PATH)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(tuneCmd)
	rootCmd.AddCommand(practiceCmd)
}

// loadConfig loads configuration, honoring the --config flag.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

// initLogger configures the process-wide slog default.
func initLogger(cfg *config.Config) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// runDaemon runs the sync engine in the foreground until interrupted.
func runDaemon(cmd *cobra.Command, args []string) error {
	// Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	initLogger(cfg)
	slog.Info("configuration loaded")

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path, "source_id", db.SourceID())

	client := remote.New(cfg.Remote.URL, cfg.Remote.Token,
		time.Duration(cfg.Remote.RequestTimeout))

	eng := engine.New(db, client, engineConfig(cfg))

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "sync-engine", eng.Run)

	// Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// engineConfig maps the loaded config onto the engine's tuning.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		PushInterval: time.Duration(cfg.Sync.PushInterval),
		PullInterval: time.Duration(cfg.Sync.PullInterval),
		PingInterval: time.Duration(cfg.Sync.PingInterval),
		BatchSize:    cfg.Sync.PushBatchSize,
		Concurrency:  cfg.Sync.PushConcurrency,
		PullLimit:    cfg.Sync.PullLimit,
		MaxAttempts:  cfg.Sync.MaxAttempts,
		BackoffBase:  time.Duration(cfg.Sync.BackoffBase),
		BackoffMax:   time.Duration(cfg.Sync.BackoffMax),
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}

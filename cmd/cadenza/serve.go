package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadenzadev/cadenza/internal/server"
	"github.com/cadenzadev/cadenza/internal/snapshot"
	"github.com/cadenzadev/cadenza/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the remote sync server",
	Long:  "Run the HTTP server that devices push to and pull from. One instance serves every device of an account.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	initLogger(cfg)
	slog.Info("configuration loaded")

	st, err := server.OpenStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("server store initialized", "path", cfg.Database.Path)

	handler := server.NewHandler(st, cfg.Auth.APIKey, Version)
	router := server.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	uploader, err := snapshot.NewUploader(cfg.Snapshot)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	coordinator := worker.NewSnapshotCoordinator(st,
		time.Duration(cfg.Worker.SnapshotInterval), uploader)
	startWorker(ctx, &wg, "snapshot-coordinator", coordinator.Run)

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := st.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// Command worker runs the HTTP dispatch service that receives pushed
// ExtractionTasks and runs them to completion (spec.md §4.6).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sat "github.com/frontierdevlab/sat-extractor"
)

func main() {
	debug := os.Getenv("DEBUG") != ""
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := sat.LoadConfig(".")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sat.NewS3Store(ctx, cfg.S3)
	if err != nil {
		slog.Error("failed to initialize object store", "error", err)
		os.Exit(1)
	}

	var monitor sat.Monitor
	if cfg.Database.URL != "" {
		pgMonitor, err := sat.NewPGMonitor(ctx, cfg.Database.URL, cfg.Service.MonitorTable)
		if err != nil {
			slog.Warn("failed to connect monitor database, falling back to stdout", "error", err)
			monitor = sat.StdoutMonitor{}
		} else {
			defer pgMonitor.Close()
			monitor = pgMonitor
		}
	} else {
		monitor = sat.StdoutMonitor{}
	}

	if len(cfg.Constellations) == 0 {
		slog.Error("CONSTELLATIONS must name at least one constellation")
		os.Exit(1)
	}
	patchResolution, ok := sat.MinGSD(cfg.Constellations[0])
	if !ok {
		slog.Error("unknown constellation", "constellation", cfg.Constellations[0])
		os.Exit(1)
	}
	worker := sat.NewWorker(store, monitor, cfg.StorageRoot, patchResolution, patchResolution)

	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", worker.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := ":" + cfg.Service.Port
	server := &http.Server{Addr: addr, Handler: mux}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		slog.Info("starting worker HTTP server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		slog.Error("server failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		slog.Info("received shutdown signal, stopping server", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			server.Close()
		}
	}
}

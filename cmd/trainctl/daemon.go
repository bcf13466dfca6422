package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/trainctl/internal/audit"
	"github.com/fentz26/trainctl/internal/backend"
	"github.com/fentz26/trainctl/internal/bus"
	"github.com/fentz26/trainctl/internal/config"
	"github.com/fentz26/trainctl/internal/controlplane"
	"github.com/fentz26/trainctl/internal/logging"
	"github.com/fentz26/trainctl/internal/objectstore"
	"github.com/fentz26/trainctl/internal/recorder"
	"github.com/fentz26/trainctl/internal/runner"
	"github.com/fentz26/trainctl/internal/store"
	"github.com/fentz26/trainctl/internal/workspace"
	"github.com/spf13/cobra"
)

var listenAddr string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the trainctl daemon",
	Long:  `Starts the daemon which supervises training runs and serves the HTTP API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (default from config)")
}

func buildBackends(cfg *config.Config, logger *slog.Logger) []backend.Backend {
	entrypoint := cfg.EntrypointPath()

	local := backend.NewLocal(entrypoint, logger)
	local.Interpreter = cfg.Trainer.Interpreter

	return []backend.Backend{local, newContainerBackend(cfg, logger)}
}

// newContainerBackend builds the docker backend from the docker config section.
func newContainerBackend(cfg *config.Config, logger *slog.Logger) *backend.Container {
	container := backend.NewContainer(cfg.EntrypointPath(), logger)
	container.Runtime = cfg.Docker.Runtime
	container.Memory = cfg.Docker.Memory
	container.CPUs = cfg.Docker.CPUs
	container.StopTimeout = cfg.Docker.StopTimeout
	container.PullTimeout = cfg.Docker.PullTimeout
	container.NamePrefix = cfg.Docker.NamePrefix
	switch cfg.Docker.GPU {
	case "on":
		container.DetectGPU = func() bool { return true }
	case "off":
		container.DetectGPU = func() bool { return false }
	}
	return container
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	logger.Info("starting trainctl daemon", "workspace", cfg.Workspace)

	ws, err := workspace.Init(cfg.Workspace)
	if err != nil {
		return err
	}

	st, err := store.New(ws.SQLitePath())
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database connection")
		if err := st.Close(); err != nil {
			logger.Error("database close error", "error", err)
		}
	}()

	// Runs are owned by the process that started them.
	if n, err := st.FailInterruptedRuns("interrupted: daemon restarted"); err != nil {
		return err
	} else if n > 0 {
		logger.Warn("marked interrupted runs as failed", "count", n)
	}

	var sink recorder.ArtifactSink
	if cfg.ObjectStore.Enabled {
		mirror, err := objectstore.NewMirror(cfg.ObjectStore)
		if err != nil {
			return fmt.Errorf("objectstore: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = mirror.EnsureBucket(ctx)
		cancel()
		if err != nil {
			logger.Warn("artifact mirror unavailable", "error", err)
		} else {
			sink = mirror
			logger.Info("mirroring artifacts", "endpoint", cfg.ObjectStore.Endpoint, "bucket", cfg.ObjectStore.Bucket)
		}
	}

	b := bus.New(cfg.EventBacklog)
	registry := runner.New(b, logger, buildBackends(cfg, logger)...)
	registry.SetLimits(cfg.Limits)

	recCtx, stopRecorder := context.WithCancel(context.Background())
	recDone := make(chan struct{})
	rec := recorder.New(st, ws, sink, logger)
	go func() {
		rec.Run(recCtx, b)
		close(recDone)
	}()

	service := controlplane.NewService(st, ws, registry, b, audit.NewTrail(st), logger)
	service.Entrypoint = cfg.EntrypointPath()
	server := controlplane.NewServer(service, cfg.Listen, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
		}
		stopRecorder()
		<-recDone
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer waitCancel()
		if werr := rec.WaitUploads(waitCtx); werr != nil {
			logger.Warn("artifact uploads abandoned", "error", werr)
		}
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("cancelling active runs", "count", len(registry.ListActive()))
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Error("run shutdown error", "error", err)
	}

	// Let the recorder persist the final statuses before closing the bus.
	b.Close()
	select {
	case <-recDone:
	case <-shutdownCtx.Done():
		stopRecorder()
		<-recDone
	}
	stopRecorder()

	// The store closes on return; pending mirror uploads must finish first.
	if err := rec.WaitUploads(shutdownCtx); err != nil {
		logger.Warn("artifact uploads abandoned", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

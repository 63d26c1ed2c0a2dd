// Package main is the gateway binary: a cobra root command with a "serve"
// subcommand that boots the HTTP surface, and a hidden "worker" subcommand
// that re-execs into the worker side of the ipc protocol (§4.2, §9) —
// matching worker.ReExecArgs so the pool can spawn this same binary as its
// worker processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/llamagate/gateway/internal/audit"
	"github.com/llamagate/gateway/internal/config"
	"github.com/llamagate/gateway/internal/dispatcher"
	"github.com/llamagate/gateway/internal/httpapi"
	"github.com/llamagate/gateway/internal/logging"
	"github.com/llamagate/gateway/internal/registry"
	"github.com/llamagate/gateway/internal/worker"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Local inference gateway: an OpenAI-compatible HTTP front end over a fixed pool of model-serving worker processes.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway and its worker pool.",
	RunE:  runServe,
}

// workerCmd is intentionally unlisted in --help: it's reached only via
// worker.ReExecArgs, never typed by an operator directly.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the gateway's YAML configuration file")
	workerCmd.Flags().Bool("ipc", false, "run in worker (stdio ipc) mode; set automatically by the pool")
	rootCmd.AddCommand(serveCmd, workerCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(logging.Config{Level: slog.LevelInfo, Writer: os.Stderr})

	// No exporter is wired by default (§ "Non-goals" rules out a tracing
	// backend): this just gives otelgin a real sampler/span-processor
	// pipeline to record against instead of the no-op global tracer,
	// should an exporter be added later via OTEL_* env vars.
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer provider did not shut down cleanly", "error", err)
		}
	}()

	reg, err := registry.New(cfg.RegistryPath, logger)
	if err != nil {
		return fmt.Errorf("loading model registry: %w", err)
	}
	if err := reg.Watch(cfg.RegistryPath); err != nil {
		logger.Warn("model registry hot-reload not started", "error", err)
	}

	auditSink, err := audit.Open(cfg.AuditDBPath, logger)
	if err != nil {
		return fmt.Errorf("opening audit sink: %w", err)
	}
	defer auditSink.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable path: %w", err)
	}

	pool, err := worker.NewPool(ctx, binary, cfg.MaxWorkers, cfg.PrefixCache.DiskDir, logger)
	if err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}
	defer pool.Shutdown()

	disp := dispatcher.New(pool.Workers(), cfg.MaxSemaphores, cfg.DisconnectPollInterval)
	gateway := httpapi.New(cfg, reg, disp, pool.Workers(), auditSink, logger)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: gateway.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Addr, "max_workers", cfg.MaxWorkers, "max_semaphores", cfg.MaxSemaphores)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server did not shut down cleanly", "error", err)
	}
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(logging.Config{Level: slog.LevelInfo, Writer: os.Stderr})

	residency := worker.NewResidency(1, cfg.PrefixCache.DiskDir, cfg.RecycleThreshold, logger)
	server := worker.NewServer(residency, os.Stdin, os.Stdout, cfg.ModelLoadTimeout, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx); err != nil {
		return fmt.Errorf("worker serve: %w", err)
	}
	if err := residency.Close(); err != nil {
		logger.Warn("error closing residency on shutdown", "error", err)
	}
	return nil
}

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/blackmichael/bulletin-relay/internal/config"
	"github.com/blackmichael/bulletin-relay/internal/domain"
	"github.com/blackmichael/bulletin-relay/internal/httpserver"
	"github.com/blackmichael/bulletin-relay/internal/inbound"
	"github.com/blackmichael/bulletin-relay/internal/ledger"
	"github.com/blackmichael/bulletin-relay/internal/metrics"
	"github.com/blackmichael/bulletin-relay/internal/mirror"
)

const (
	programName     = "bulletin-relay"
	shutdownTimeout = 10 * time.Second
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Relay authorized channel messages into a bulletin ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	// The ledger is the source of truth; an unreadable snapshot stops startup.
	store := ledger.NewFileStore(cfg.SnapshotPath)
	bulletins, err := ledger.Open(store, logger.With("component", "ledger"))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	recorder.LedgerSize(bulletins.Len())
	logger.Info("ledger loaded", "path", cfg.SnapshotPath, "bulletins", bulletins.Len())

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	procCfg := domain.ProcessorConfig{
		Authorized:    cfg.AuthorizedSenders,
		Ledger:        bulletins,
		ReadSource:    domain.ReadSource(cfg.ReadSource),
		MirrorTimeout: cfg.MirrorTimeout,
		Recorder:      recorder,
		Logger:        logger.With("component", "processor"),
	}

	// Mirror client also serves as the cursor store when present.
	var cursors domain.CursorRepository
	var remote *mirror.Client
	if cfg.MirrorEnabled() {
		remote, err = mirror.Open(ctx, mirror.Options{
			Driver:      mirror.Driver(cfg.MirrorDriver),
			DSN:         cfg.MirrorDSN,
			Timeout:     cfg.MirrorTimeout,
			OnReconnect: recorder.MirrorReconnected,
			Logger:      logger.With("component", "mirror"),
		})
		if err != nil {
			return fmt.Errorf("open mirror: %w", err)
		}
		defer remote.Close()
		logger.Info("connected to mirror", "driver", cfg.MirrorDriver)

		procCfg.Mirror = remote
		cursors = remote
	}

	processor, err := domain.NewProcessor(procCfg)
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}

	// Background workers must be done before the mirror is closed.
	var workers sync.WaitGroup
	defer func() {
		cancel()
		workers.Wait()
	}()

	if cfg.ChannelURL != "" {
		subscriber := inbound.NewSubscriber(cfg.ChannelURL, processor, cursors, logger.With("component", "inbound"))
		workers.Go(func() {
			if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("channel subscriber exited with error", "error", err)
			}
		})
	}

	if remote != nil && cfg.ReconcileInterval > 0 {
		workers.Go(func() {
			processor.StartReconcileJob(ctx, cfg.ReconcileInterval)
		})
	}

	server := httpserver.NewServer(cfg, processor, registry, logger.With("component", "http"))
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("server started", "port", cfg.Port, "hostname", cfg.Hostname)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-serverErr:
		cancel()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}

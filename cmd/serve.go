package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vimarconnector/internal/api"
	"vimarconnector/internal/discovery"
	"vimarconnector/internal/entries"
	"vimarconnector/internal/flowmanager"
	"vimarconnector/internal/plugins/vimar"
	"vimarconnector/internal/realtime"
	"vimarconnector/pkg/flow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the setup API and network discovery",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	logger.Info("Starting Vimar connector setup service",
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("entries_file", cfg.EntriesFile),
		zap.Bool("discovery", cfg.Discovery.Enabled),
		zap.Bool("validate_connection", cfg.Vimar.ValidateConnection))

	if cfg.Vimar.ValidateConnection {
		auth := vimar.NewReachabilityAuthenticator(cfg.Vimar.ConnectTimeout, cfg.Vimar.DevicePort)
		if err := vimar.Register(flow.Default(), vimar.Options{
			ValidateConnection: true,
			Authenticator:      auth,
		}); err != nil {
			return fmt.Errorf("failed to register vimar flow: %w", err)
		}
	}

	logger.Info("Registered flow handlers", zap.Strings("domains", flow.Domains()))

	store := entries.NewStore(cfg.EntriesFile, logger)
	if err := store.Load(); err != nil {
		return fmt.Errorf("failed to load entries: %w", err)
	}

	hub := realtime.NewHub(logger)
	store.Subscribe(hub.EntryChanged)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	manager := flowmanager.New(flow.Default(), store, logger,
		flowmanager.WithPublisher(hub),
		flowmanager.WithMetrics(flowmanager.NewMetrics(reg)))

	server := api.NewServer(api.Deps{
		Flows:   manager,
		Entries: store,
		Events:  hub,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, logger, cfg.HTTPPort)
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	browserDone := make(chan struct{})
	if cfg.Discovery.Enabled {
		browser := discovery.NewBrowser(discovery.Config{
			Service: cfg.Discovery.Service,
			Domain:  cfg.Discovery.Domain,
		}, discovery.FlowSink(manager, vimar.Domain, logger), logger)

		go func() {
			defer close(browserDone)
			if err := browser.Run(ctx); err != nil {
				logger.Error("Discovery failed", zap.Error(err))
			}
		}()
	} else {
		close(browserDone)
	}

	logger.Info("Setup service running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop HTTP server", zap.Error(err))
	}
	<-browserDone

	logger.Info("Shutdown complete")
	return nil
}

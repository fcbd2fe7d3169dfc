// Command rebased runs the rebase ledger domains of one deployment in a single
// process: each domain with its vault and bridge endpoint, the relay moving
// bridge messages between them, the reconciler auditing burn and mint legs,
// and the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"rebasechain/config"
	"rebasechain/observability/logging"
	telemetry "rebasechain/observability/otel"
)

func main() {
	var (
		cfgPath     string
		allowWrites bool
	)
	flag.StringVar(&cfgPath, "config", "rebased.toml", "path to rebased configuration file (TOML or YAML)")
	flag.BoolVar(&allowWrites, "allow-writes", false, "mount unauthenticated vault and bridge write routes (devnet only)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("rebased: load config: %v", err)
	}
	if allowWrites && cfg.Node.Environment != "devnet" {
		log.Fatalf("rebased: --allow-writes requires Environment = \"devnet\"")
	}

	level, _ := config.ParseLevel(cfg.Node.LogLevel)
	opts := logging.Options{Level: level}
	if cfg.Node.LogFile != "" {
		opts.File = &logging.FileOptions{Path: cfg.Node.LogFile, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30}
	}
	logger := logging.Setup("rebased", cfg.Node.Environment, opts)

	domainIDs := make([]uint64, 0, len(cfg.Domains))
	for _, d := range cfg.Domains {
		domainIDs = append(domainIDs, d.ID)
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "rebased",
		Environment: cfg.Node.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		DomainIDs:   domainIDs,
	})
	if err != nil {
		log.Fatalf("rebased: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	n, err := buildNode(cfg, logger, allowWrites)
	if err != nil {
		log.Fatalf("rebased: %v", err)
	}
	defer n.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		_ = n.relay.Run(ctx, cfg.Node.RelayInterval.Duration)
	}()
	go func() {
		defer workers.Done()
		n.reconciler.Start(ctx, cfg.Node.ReconcileInterval.Duration, cfg.Node.ReconcileOlderThan.Duration)
	}()

	server := &http.Server{
		Addr:              cfg.Node.ListenAddress,
		Handler:           n.api,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("rebased listening", "address", cfg.Node.ListenAddress, "domains", len(n.domains), "writes", allowWrites)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forcing http shutdown", "error", err)
	}
	workers.Wait()
	for _, p := range n.relay.Pending() {
		logger.Warn("undelivered bridge message at shutdown",
			"lane", p.Lane.String(),
			"nonce", p.Nonce,
			"due", p.Due)
	}
}

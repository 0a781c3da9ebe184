// kvp-agent is the guest side of the bridge: it answers host requests
// written to the key-value exchange.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrzor/kvp-bridge/internal/agent"
	"github.com/mrzor/kvp-bridge/internal/config"
	"github.com/mrzor/kvp-bridge/internal/logging"
	"github.com/mrzor/kvp-bridge/internal/otel"
	"github.com/mrzor/kvp-bridge/internal/transport"
	"github.com/rs/zerolog/log"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("kvp-agent failed")
	}
}

func run() error {
	if len(os.Args) > 1 && (os.Args[1] == "-v" || os.Args[1] == "--version") {
		fmt.Printf("kvp-agent %s (commit: %s, built: %s)\n", version, commit, date)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.IsDevelopment(), cfg.LogLevel)

	versionInfo := fmt.Sprintf("%s (%s)", version, commit)
	tracer, cleanupOTEL, err := otel.Setup(cfg, versionInfo, "kvp-agent", logger)
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pair, err := transport.Open(ctx, cfg, transport.Agent)
	if err != nil {
		return err
	}
	defer func() {
		if err := pair.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing transport")
		}
	}()

	svc := agent.NewService(agent.ServiceConfig{
		Outbound:     pair.Outbound,
		Inbound:      pair.Inbound,
		Prefix:       cfg.Prefix,
		MaxChunkSize: cfg.MaxChunkSize,
		Interval:     cfg.PollInterval,
		Retention:    cfg.Retention,
		Tracer:       tracer,
		Logger:       logger,
		Options: []agent.Option{
			agent.WithUserLoggedIn(agent.RunUserDir("/run/user")),
			agent.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		},
	})
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping agent")
		}
	}()

	srv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      agent.NewRouter(logger, svc),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	logger.Info().
		Str("version", version).
		Str("transport", cfg.Transport).
		Str("prefix", cfg.Prefix).
		Str("metrics_addr", cfg.MetricsAddr).
		Msg("kvp-agent started")

	<-ctx.Done()
	logger.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Metrics server forced to shutdown")
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"filerelay/pkg/bus"
	"filerelay/pkg/db"
	"filerelay/pkg/telemetry"
	"filerelay/services/agentstore"
	"filerelay/services/relay"
	"filerelay/services/relay/internal/config"
)

const serviceName = "filerelay"

func newServeCommand() *cobra.Command {
	var (
		migrate   bool
		ephemeral bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept agent links and broker downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(commandContext(cmd), migrate, ephemeral)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply database migrations before serving")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Keep agents in memory instead of PostgreSQL")
	return cmd
}

func serve(ctx context.Context, migrate, ephemeral bool) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := telemetry.NewLogger(serviceName, cfg.LogFormat, cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}

	shutdownTracing, traceMiddleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown tracing")
		}
	}()

	store, closeStore, err := openStore(ctx, cfg, migrate, ephemeral, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	deps := relay.Deps{Store: store, Logger: logger}

	if cfg.NATSURL != "" {
		eventBus, err := bus.New(cfg.NATSURL, nats.Name(serviceName))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
		if err := eventBus.EnsureStream(ctx, relay.EventStream, relay.EventSubjects); err != nil {
			return fmt.Errorf("ensure event stream: %w", err)
		}
		deps.Events = eventBus
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = relay.NewMetrics(reg)
	deps.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	api, err := relay.New(deps, relay.Config{
		BaseURL:            cfg.BaseURL,
		IdleTimeout:        cfg.IdleTimeout,
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})
	if err != nil {
		return err
	}

	routes, err := api.Routes()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           traceMiddleware(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("base_url", cfg.BaseURL).Msg("starting relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	}

	logger.Info().Msg("shutting down relay")
	api.CloseLinks()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, migrate, ephemeral bool, logger zerolog.Logger) (agentstore.Store, func(), error) {
	if ephemeral {
		logger.Warn().Msg("using in-memory agent store; agents are forgotten on restart")
		return agentstore.NewMemory(), func() {}, nil
	}

	pool, err := db.Open(ctx, cfg.DBDSN, cfg.Pool())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	if migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	store, err := agentstore.NewPostgres(pool, cfg.DBAcquireTimeout)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

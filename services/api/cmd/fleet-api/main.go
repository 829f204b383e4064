package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"fleetwatch/pkg/bus"
	"fleetwatch/pkg/config"
	"fleetwatch/pkg/fleet"
	"fleetwatch/pkg/metrics"
	"fleetwatch/pkg/store"
	"fleetwatch/pkg/telemetry"
	"fleetwatch/services/api"
	"fleetwatch/services/inventory"
	"fleetwatch/services/poller"
	"fleetwatch/services/registry"
	"fleetwatch/services/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		bootLog := telemetry.NewLogger("fleet-api", "info", "json", os.Stderr)
		bootLog.Fatal().Err(err).Msg("load config")
	}

	log := telemetry.NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("fleet-api exited")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown tracing")
		}
	}()

	st, err := store.Open(ctx, cfg.Store, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("close store")
		}
	}()
	if m, ok := st.(store.Migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}

	var publisher bus.Publisher = bus.Discard{}
	var ingestor *inventory.Ingestor
	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL, log)
		if err != nil {
			return err
		}
		defer b.Close()
		if err := b.EnsureStream(fleet.StreamName, fleet.SubjectWildcard); err != nil {
			return err
		}
		publisher = b

		ingestor, err = inventory.NewIngestor(st, b, log, metrics.NewInventory(prometheus.DefaultRegisterer))
		if err != nil {
			return err
		}
		if err := ingestor.Start(ctx); err != nil {
			return err
		}
		defer ingestor.Close()
	} else {
		log.Warn().Msg("NATS_URL not set, events are dropped and inventory ingestion is disabled")
	}

	p := poller.New(st, poller.Config{
		Timeout:     cfg.Poll.ProbeTimeout,
		AgentPort:   cfg.Poll.AgentPort,
		MetricsPath: cfg.Poll.MetricsPath,
		Concurrency: cfg.Poll.Concurrency,
		Dedup:       cfg.Poll.Dedup,
	},
		poller.WithLogger(log),
		poller.WithPublisher(publisher),
		poller.WithMetrics(metrics.NewPoller(prometheus.DefaultRegisterer)),
	)

	agg := storage.New(st, storage.Config{
		RetentionWindow: cfg.Storage.RetentionWindow,
		LargeFileMB:     cfg.Storage.LargeFileMB,
		RiskThreshold:   cfg.Storage.RiskThreshold,
	}, storage.WithLogger(log))

	reg := registry.New(st, registry.WithLogger(log), registry.WithPublisher(publisher))

	a, err := api.New(p, reg, agg, st, api.Config{
		ServiceName:        cfg.ServiceName,
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}, log)
	if err != nil {
		return err
	}
	handler, err := a.Routes()
	if err != nil {
		return err
	}

	if cfg.Poll.Interval > 0 {
		go func() {
			if err := p.Run(ctx, cfg.Poll.Interval); err != nil {
				log.Error().Err(err).Msg("poll loop")
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("store", cfg.Store).Msg("starting fleet-api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown server")
	}
	return nil
}

// Package api exposes the fleet over HTTP.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"fleetwatch/pkg/fleet"
	"fleetwatch/services/registry"
	"fleetwatch/services/storage"
)

const (
	defaultActor          = "api"
	defaultRequestTimeout = 60 * time.Second
)

// Poller runs an on-demand poll of every registered server.
type Poller interface {
	PollAll(ctx context.Context) ([]fleet.EnrichedServer, error)
}

// Registry registers and removes servers.
type Registry interface {
	Register(ctx context.Context, actor string, reg registry.Registration) (fleet.Server, error)
	Remove(ctx context.Context, actor string, id uuid.UUID) error
}

// Aggregator serves the storage views.
type Aggregator interface {
	Summary(ctx context.Context) storage.Summary
	Servers(ctx context.Context) storage.ServersReport
	RiskyFiles(ctx context.Context, threshold int) ([]fleet.FileRecord, error)
	Config() storage.Config
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config controls middleware and runtime behaviour of the HTTP layer.
type Config struct {
	ServiceName        string
	AllowedOrigins     []string
	RateLimitPerMinute int
	RequestTimeout     time.Duration
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// API wires the fleet services to HTTP handlers.
type API struct {
	poller     Poller
	registry   Registry
	aggregator Aggregator
	store      Pinger
	config     Config
	log        zerolog.Logger
}

// New initialises the API layer with defaults applied to cfg.
func New(p Poller, reg Registry, agg Aggregator, store Pinger, cfg Config, log zerolog.Logger) (*API, error) {
	if p == nil {
		return nil, errors.New("poller is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if agg == nil {
		return nil, errors.New("aggregator is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "fleet-api"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	return &API{
		poller:     p,
		registry:   reg,
		aggregator: agg,
		store:      store,
		config:     cfg,
		log:        log,
	}, nil
}

// Package poller probes every registered server's agent, reconciles the
// observed reachability against the stored status and appends telemetry.
package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"fleetwatch/pkg/bus"
	"fleetwatch/pkg/fleet"
	"fleetwatch/pkg/metrics"
	"fleetwatch/pkg/telemetry"
)

const (
	DefaultTimeout      = 5 * time.Second
	DefaultAgentPort    = 8000
	DefaultMetricsPath  = "/api/metrics"
	DefaultWriteTimeout = 5 * time.Second
)

// Store is the persistence the poller needs.
type Store interface {
	ListServers(ctx context.Context) ([]fleet.Server, error)
	UpdateServerStatus(ctx context.Context, id uuid.UUID, status fleet.Status) error
	AppendSnapshot(ctx context.Context, snap fleet.Snapshot) (fleet.Snapshot, error)
}

// Config tunes probing and fan-out.
type Config struct {
	Timeout     time.Duration
	AgentPort   int
	MetricsPath string
	// Concurrency caps in-flight probes; zero or less means unbounded.
	Concurrency int
	// Dedup collapses overlapping probes of the same server.
	Dedup        bool
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.AgentPort <= 0 {
		c.AgentPort = DefaultAgentPort
	}
	if c.MetricsPath == "" {
		c.MetricsPath = DefaultMetricsPath
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Option customises a Poller.
type Option func(*Poller)

// WithHTTPClient replaces the client used for probes.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Poller) { p.client = c }
}

// WithPublisher sets where status changes are published.
func WithPublisher(pub bus.Publisher) Option {
	return func(p *Poller) { p.events = pub }
}

// WithLogger sets the poller logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Poller) { p.log = log }
}

// WithMetrics sets the Prometheus collectors updated on every poll.
func WithMetrics(m *metrics.Poller) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// Poller fans one probe out per server and merges the results.
type Poller struct {
	store   Store
	cfg     Config
	client  *http.Client
	events  bus.Publisher
	log     zerolog.Logger
	metrics *metrics.Poller
	now     func() time.Time

	flights singleflight.Group
}

// New builds a Poller over store.
func New(store Store, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		store:  store,
		cfg:    cfg.withDefaults(),
		events: bus.Discard{},
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = &http.Client{Transport: telemetry.Transport(nil)}
	}
	return p
}

// PollAll loads the registered servers and polls them. The only error
// returned is a failure to read the server list.
func (p *Poller) PollAll(ctx context.Context) ([]fleet.EnrichedServer, error) {
	servers, err := p.store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return p.Poll(ctx, servers), nil
}

// Poll probes servers concurrently. The result has one record per input
// server, in input order. Probe and write failures never fail the poll.
func (p *Poller) Poll(ctx context.Context, servers []fleet.Server) []fleet.EnrichedServer {
	start := p.now()
	out := make([]fleet.EnrichedServer, len(servers))

	g, gctx := errgroup.WithContext(ctx)
	if p.cfg.Concurrency > 0 {
		g.SetLimit(p.cfg.Concurrency)
	}
	for i, srv := range servers {
		g.Go(func() error {
			out[i] = p.pollShared(gctx, srv)
			return nil
		})
	}
	_ = g.Wait()

	counts := make(map[string]int, len(fleet.Statuses))
	for _, s := range fleet.Statuses {
		counts[string(s)] = 0
	}
	for _, rec := range out {
		counts[string(rec.Status)]++
	}
	p.metrics.SetFleet(counts)
	p.metrics.ObserveCycle(p.now().Sub(start))

	return out
}

// pollShared joins an in-flight poll of the same server when dedup is on. A
// caller whose ctx ends first gets an unreachable record without waiting.
func (p *Poller) pollShared(ctx context.Context, srv fleet.Server) fleet.EnrichedServer {
	if !p.cfg.Dedup {
		return p.pollOne(ctx, srv)
	}

	// The flight outlives the caller that started it, so joiners never see
	// that caller's cancellation. The request stays bounded by cfg.Timeout.
	shared := context.WithoutCancel(ctx)
	ch := p.flights.DoChan(srv.ID.String(), func() (any, error) {
		return p.pollOne(shared, srv), nil
	})
	select {
	case res := <-ch:
		return res.Val.(fleet.EnrichedServer)
	case <-ctx.Done():
		return unreachable(srv)
	}
}

func (p *Poller) pollOne(ctx context.Context, srv fleet.Server) fleet.EnrichedServer {
	started := p.now()
	res := p.probe(ctx, srv)
	p.metrics.ObserveProbe(string(res.status), p.now().Sub(started))

	if res.err != nil {
		p.log.Debug().Err(res.err).Str("server_id", srv.ID.String()).Msg("probe failed")
	}

	// A caller that gave up must not turn its own cancellation into a
	// persisted unreachable status.
	if ctx.Err() != nil && res.err != nil {
		return unreachable(srv)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.WriteTimeout)
	defer cancel()

	next, changed := fleet.Reconcile(srv, res.status)
	if changed {
		if err := p.store.UpdateServerStatus(writeCtx, srv.ID, next.Status); err != nil {
			p.metrics.WriteFailed("status")
			p.log.Warn().Err(err).
				Str("server_id", srv.ID.String()).
				Str("status", string(next.Status)).
				Msg("persist status")
		} else {
			p.publishChange(writeCtx, srv, next)
		}
	}

	if res.ok {
		snap := fleet.NewSnapshot(srv.ID, res.telemetry, p.now())
		if _, err := p.store.AppendSnapshot(writeCtx, snap); err != nil {
			p.metrics.WriteFailed("snapshot")
			p.log.Warn().Err(err).Str("server_id", srv.ID.String()).Msg("append snapshot")
		}
	}

	return fleet.EnrichedServer{Server: next, Telemetry: res.telemetry}
}

func (p *Poller) publishChange(ctx context.Context, prev, next fleet.Server) {
	evt := fleet.StatusChangedEvent{
		ServerID:  next.ID,
		Name:      next.Name,
		Previous:  prev.Status,
		Current:   next.Status,
		ChangedAt: p.now().UTC(),
	}
	if err := p.events.Publish(ctx, fleet.SubjectStatusChanged, evt); err != nil {
		p.log.Warn().Err(err).Str("server_id", next.ID.String()).Msg("publish status change")
	}
}

func unreachable(srv fleet.Server) fleet.EnrichedServer {
	srv.Status = fleet.StatusUnreachable
	return fleet.EnrichedServer{Server: srv}
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("poll interval must be positive")
	}

	p.log.Info().Dur("interval", interval).Msg("poll loop started")
	defer p.log.Info().Msg("poll loop stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollAll(ctx); err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("poll fleet")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

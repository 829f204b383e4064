// Package storage derives fleet and per-server storage statistics from the
// stored servers, snapshots and file inventories. It does no network I/O.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetwatch/pkg/fleet"
)

const (
	DefaultRetentionWindow = 180 * 24 * time.Hour
	DefaultLargeFileMB     = 500
	DefaultRiskThreshold   = 50
)

// Store is the read side the aggregator depends on.
type Store interface {
	ListServers(ctx context.Context) ([]fleet.Server, error)
	LatestSnapshots(ctx context.Context) ([]fleet.Snapshot, error)
	ListFiles(ctx context.Context) ([]fleet.FileRecord, error)
	ListFilesAboveRisk(ctx context.Context, threshold int) ([]fleet.FileRecord, error)
}

// Config holds the aggregation thresholds. Zero RetentionWindow or
// LargeFileMB select their defaults. RiskThreshold zero is a real threshold;
// a negative value selects DefaultRiskThreshold.
type Config struct {
	RetentionWindow time.Duration
	LargeFileMB     float64
	RiskThreshold   int
}

func (c Config) withDefaults() Config {
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = DefaultRetentionWindow
	}
	if c.LargeFileMB <= 0 {
		c.LargeFileMB = DefaultLargeFileMB
	}
	if c.RiskThreshold < 0 {
		c.RiskThreshold = DefaultRiskThreshold
	}
	return c
}

// Summary is the fleet-wide storage view. Sizes are in GB; UnusedVolumeTB
// is UnusedVolumeGB / 1024.
type Summary struct {
	Servers        int                  `json:"servers"`
	Statuses       map[fleet.Status]int `json:"statuses"`
	TotalStorageGB float64              `json:"total_storage_gb"`
	UsedStorageGB  float64              `json:"used_storage_gb"`
	UsedPercent    float64              `json:"used_percent"`
	UnusedVolumeGB float64              `json:"unused_volume_gb"`
	UnusedVolumeTB float64              `json:"unused_volume_tb"`
	RiskyFiles     int                  `json:"risky_files"`
	GeneratedAt    time.Time            `json:"generated_at"`
	Warnings       []string             `json:"warnings,omitempty"`
}

// ServerStorage is one row of the per-server storage view.
type ServerStorage struct {
	fleet.Identity
	Status         fleet.Status `json:"status"`
	TotalStorageGB float64      `json:"total_storage_gb"`
	UsedStorageGB  float64      `json:"used_storage_gb"`
	LargeFiles     int          `json:"large_files"`
	UnusedFiles    int          `json:"unused_files"`
	DeletableFiles int          `json:"deletable_files"`
	RiskyFiles     int          `json:"risky_files"`
}

// ServersReport wraps the per-server rows with any degradation warnings.
type ServersReport struct {
	Servers  []ServerStorage `json:"servers"`
	Warnings []string        `json:"warnings,omitempty"`
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger used for degraded reads.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Aggregator) { a.log = log }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator computes storage statistics. A failed read only zeroes the
// statistics that depend on it and adds a warning to the result.
type Aggregator struct {
	store Store
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time
}

// New builds an Aggregator over store.
func New(store Store, cfg Config, opts ...Option) *Aggregator {
	a := &Aggregator{
		store: store,
		cfg:   cfg.withDefaults(),
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the effective thresholds.
func (a *Aggregator) Config() Config { return a.cfg }

type warnings []string

func (w *warnings) add(a *Aggregator, what string, err error) {
	a.log.Warn().Err(err).Str("read", what).Msg("storage aggregation degraded")
	*w = append(*w, fmt.Sprintf("%s unavailable: %v", what, err))
}

// Summary computes fleet totals.
func (a *Aggregator) Summary(ctx context.Context) Summary {
	now := a.now()
	var warn warnings
	out := Summary{
		Statuses:    make(map[fleet.Status]int, len(fleet.Statuses)),
		GeneratedAt: now.UTC(),
	}
	for _, s := range fleet.Statuses {
		out.Statuses[s] = 0
	}

	if servers, err := a.store.ListServers(ctx); err != nil {
		warn.add(a, "servers", err)
	} else {
		out.Servers = len(servers)
		for _, s := range servers {
			out.Statuses[s.Status]++
		}
	}

	if latest, err := a.store.LatestSnapshots(ctx); err != nil {
		warn.add(a, "snapshots", err)
	} else {
		out.TotalStorageGB, out.UsedStorageGB = FleetCapacity(latest)
		if out.TotalStorageGB > 0 {
			out.UsedPercent = out.UsedStorageGB / out.TotalStorageGB * 100
		}
	}

	if files, err := a.store.ListFiles(ctx); err != nil {
		warn.add(a, "files", err)
	} else {
		out.UnusedVolumeGB = UnusedVolume(files, now, a.cfg.RetentionWindow)
		out.UnusedVolumeTB = out.UnusedVolumeGB / 1024
		for _, n := range CountRisky(files, a.cfg.RiskThreshold) {
			out.RiskyFiles += n
		}
	}

	out.Warnings = warn
	return out
}

// Servers computes the per-server rows, online servers first.
func (a *Aggregator) Servers(ctx context.Context) ServersReport {
	now := a.now()
	var warn warnings

	servers, err := a.store.ListServers(ctx)
	if err != nil {
		warn.add(a, "servers", err)
		return ServersReport{Servers: []ServerStorage{}, Warnings: warn}
	}

	latest, err := a.store.LatestSnapshots(ctx)
	if err != nil {
		warn.add(a, "snapshots", err)
	}
	byServer := make(map[uuid.UUID]fleet.Snapshot, len(latest))
	for _, s := range latest {
		byServer[s.ServerID] = s
	}

	files, err := a.store.ListFiles(ctx)
	if err != nil {
		warn.add(a, "files", err)
	}
	large := CountLarge(files, a.cfg.LargeFileMB)
	unused := CountUnused(files, now, a.cfg.RetentionWindow)
	risky := CountRisky(files, a.cfg.RiskThreshold)

	rows := make([]ServerStorage, 0, len(servers))
	for _, s := range servers {
		row := ServerStorage{
			Identity:       s.Identity,
			Status:         s.Status,
			LargeFiles:     large[s.ID],
			UnusedFiles:    unused[s.ID],
			DeletableFiles: s.DeletableFiles,
			RiskyFiles:     risky[s.ID],
		}
		if snap, ok := byServer[s.ID]; ok {
			row.TotalStorageGB, row.UsedStorageGB = snapshotCapacity(snap)
		}
		rows = append(rows, row)
	}
	SortOnlineFirst(rows)

	return ServersReport{Servers: rows, Warnings: warn}
}

// RiskyFiles lists files with a risk score above threshold. A threshold
// below zero selects the configured default.
func (a *Aggregator) RiskyFiles(ctx context.Context, threshold int) ([]fleet.FileRecord, error) {
	if threshold < 0 {
		threshold = a.cfg.RiskThreshold
	}
	files, err := a.store.ListFilesAboveRisk(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("list risky files: %w", err)
	}
	return files, nil
}

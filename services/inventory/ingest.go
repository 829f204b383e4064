// Package inventory ingests file inventory batches published by agents and
// upserts them into the file records store.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetwatch/pkg/bus"
	"fleetwatch/pkg/fleet"
	"fleetwatch/pkg/metrics"
)

const (
	durableName = "inventory-files"
	auditActor  = "agent"
	auditAction = "inventory.scan"
)

// Subscriber is the consuming side of the bus.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn bus.Handler) (io.Closer, error)
}

// Store is the persistence the ingestor writes to.
type Store interface {
	GetServer(ctx context.Context, id uuid.UUID) (fleet.Server, error)
	ListFilesByServer(ctx context.Context, id uuid.UUID) ([]fleet.FileRecord, error)
	UpsertFiles(ctx context.Context, files []fleet.FileUpsert) error
	RecordAudit(ctx context.Context, entry fleet.AuditEntry) error
}

// Ingestor moves inventory batches from the bus into the store and records
// an audit entry summarising what changed.
type Ingestor struct {
	store   Store
	bus     Subscriber
	log     zerolog.Logger
	metrics *metrics.Inventory

	subMu sync.Mutex
	sub   io.Closer
}

// NewIngestor constructs an Ingestor for the provided dependencies.
func NewIngestor(store Store, sub Subscriber, log zerolog.Logger, m *metrics.Inventory) (*Ingestor, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if sub == nil {
		return nil, errors.New("bus is required")
	}
	return &Ingestor{store: store, bus: sub, log: log, metrics: m}, nil
}

// Start subscribes to inventory batches and processes them until ctx is cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}

	sub, err := i.bus.Subscribe(ctx, fleet.SubjectInventoryFiles, durableName, i.HandleBatch)
	if err != nil {
		return err
	}

	i.subMu.Lock()
	i.sub = sub
	i.subMu.Unlock()

	i.log.Info().Str("subject", fleet.SubjectInventoryFiles).Msg("inventory ingestor started")
	return nil
}

// Close stops the underlying subscription if it was created.
func (i *Ingestor) Close() error {
	if i == nil {
		return nil
	}

	i.subMu.Lock()
	defer i.subMu.Unlock()

	if i.sub == nil {
		return nil
	}
	err := i.sub.Close()
	i.sub = nil
	return err
}

// HandleBatch decodes, validates and stores one batch. Any error causes the
// message to be redelivered.
func (i *Ingestor) HandleBatch(ctx context.Context, data []byte) error {
	var batch fleet.InventoryBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		i.metrics.Batch("invalid", 0)
		return fmt.Errorf("decode batch: %w", err)
	}
	if err := batch.Validate(); err != nil {
		i.metrics.Batch("invalid", 0)
		return err
	}
	if batch.ScannedAt.IsZero() {
		batch.ScannedAt = time.Now().UTC()
	}

	if _, err := i.store.GetServer(ctx, batch.ServerID); err != nil {
		i.metrics.Batch("unknown_server", 0)
		return fmt.Errorf("batch for server %s: %w", batch.ServerID, err)
	}

	upserts := batch.Upserts()

	previous, err := i.store.ListFilesByServer(ctx, batch.ServerID)
	if err != nil {
		i.log.Warn().Err(err).Str("server_id", batch.ServerID.String()).Msg("load previous inventory")
	}

	if err := i.store.UpsertFiles(ctx, upserts); err != nil {
		i.metrics.Batch("error", 0)
		return fmt.Errorf("upsert files: %w", err)
	}
	i.metrics.Batch("ok", len(upserts))

	changes := computeChanges(previous, upserts)
	err = i.store.RecordAudit(ctx, fleet.AuditEntry{
		Actor:  auditActor,
		Action: auditAction,
		Object: batch.ServerID.String(),
		Details: map[string]any{
			"scanned_at": batch.ScannedAt.UTC().Format(time.RFC3339),
			"files":      len(upserts),
			"changes":    changes,
		},
	})
	if err != nil {
		i.log.Warn().Err(err).Str("server_id", batch.ServerID.String()).Msg("record inventory audit")
	}

	i.log.Debug().
		Str("server_id", batch.ServerID.String()).
		Int("files", len(upserts)).
		Msg("inventory batch stored")
	return nil
}

// computeChanges classifies each incoming record against what was stored
// before the batch.
func computeChanges(previous []fleet.FileRecord, incoming []fleet.FileUpsert) map[string]int {
	byPath := make(map[string]fleet.FileRecord, len(previous))
	for _, f := range previous {
		byPath[f.Path] = f
	}

	changes := map[string]int{"added": 0, "updated": 0, "unchanged": 0}
	for _, u := range incoming {
		old, ok := byPath[u.Record.Path]
		switch {
		case !ok:
			changes["added"]++
		case old.SizeGB != u.Record.SizeGB ||
			old.Type != u.Record.Type ||
			!old.LastModified.Equal(u.Record.LastModified) ||
			(u.WriteRisk && old.RiskScore != u.Record.RiskScore):
			changes["updated"]++
		default:
			changes["unchanged"]++
		}
	}
	return changes
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleetwatch/pkg/db"
	"fleetwatch/pkg/fleet"
)

const upsertBatchSize = 500

// Postgres reads through a pgx pool and writes through GORM.
type Postgres struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

// NewPostgres wraps an existing pool and ORM session.
func NewPostgres(pool *pgxpool.Pool, orm *gorm.DB) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Postgres{pool: pool, orm: orm}, nil
}

// OpenPostgres connects both the pool and the ORM to dsn.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	orm, err := db.OpenORM(dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open orm: %w", err)
	}
	return &Postgres{pool: pool, orm: orm}, nil
}

// Pool exposes the pgx pool, mainly for running migrations.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) ListServers(ctx context.Context) ([]fleet.Server, error) {
	var servers []fleet.Server
	err := db.Select(ctx, p.pool, &servers, `
SELECT id, name, address, hardware_id, status, deletable_files, created_at
FROM servers
ORDER BY created_at, id
`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return servers, nil
}

func (p *Postgres) GetServer(ctx context.Context, id uuid.UUID) (fleet.Server, error) {
	var srv fleet.Server
	err := db.Get(ctx, p.pool, &srv, `
SELECT id, name, address, hardware_id, status, deletable_files, created_at
FROM servers
WHERE id = $1
`, id)
	if err != nil {
		if pgxscan.NotFound(err) {
			return fleet.Server{}, fmt.Errorf("server %s: %w", id, ErrNotFound)
		}
		return fleet.Server{}, fmt.Errorf("get server: %w", err)
	}
	return srv, nil
}

func (p *Postgres) CreateServer(ctx context.Context, srv fleet.Server) (fleet.Server, error) {
	if srv.ID == uuid.Nil {
		srv.ID = uuid.New()
	}
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = time.Now().UTC()
	}

	model := newServerModel(srv)
	if err := p.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return fleet.Server{}, fmt.Errorf("create server: %w", err)
	}
	return model.toFleet(), nil
}

func (p *Postgres) UpdateServerStatus(ctx context.Context, id uuid.UUID, status fleet.Status) error {
	res := p.orm.WithContext(ctx).
		Model(&serverModel{}).
		Where("id = ?", id).
		Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("update status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) DeleteServer(ctx context.Context, id uuid.UUID) error {
	return p.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("server_id = ?", id).Delete(&metricModel{}).Error; err != nil {
			return fmt.Errorf("delete metrics: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&serverModel{})
		if res.Error != nil {
			return fmt.Errorf("delete server: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("server %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (p *Postgres) AppendSnapshot(ctx context.Context, snap fleet.Snapshot) (fleet.Snapshot, error) {
	model := newMetricModel(snap)
	if err := p.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return fleet.Snapshot{}, fmt.Errorf("append snapshot: %w", err)
	}
	return model.toFleet(), nil
}

func (p *Postgres) LatestSnapshots(ctx context.Context) ([]fleet.Snapshot, error) {
	var snaps []fleet.Snapshot
	err := db.Select(ctx, p.pool, &snaps, `
SELECT DISTINCT ON (server_id) id, server_id, cpu, ram, disk, uptime, total_disk, recorded_at
FROM server_metrics
ORDER BY server_id, recorded_at DESC, id DESC
`)
	if err != nil {
		return nil, fmt.Errorf("latest snapshots: %w", err)
	}
	return snaps, nil
}

func (p *Postgres) ListFiles(ctx context.Context) ([]fleet.FileRecord, error) {
	var files []fleet.FileRecord
	err := db.Select(ctx, p.pool, &files, `
SELECT server_id, path, type, size_gb, last_modified, last_accessed, risk_score
FROM files
ORDER BY server_id, path
`)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

func (p *Postgres) ListFilesByServer(ctx context.Context, id uuid.UUID) ([]fleet.FileRecord, error) {
	var files []fleet.FileRecord
	err := db.Select(ctx, p.pool, &files, `
SELECT server_id, path, type, size_gb, last_modified, last_accessed, risk_score
FROM files
WHERE server_id = $1
ORDER BY path
`, id)
	if err != nil {
		return nil, fmt.Errorf("list files for %s: %w", id, err)
	}
	return files, nil
}

func (p *Postgres) ListFilesAboveRisk(ctx context.Context, threshold int) ([]fleet.FileRecord, error) {
	var files []fleet.FileRecord
	err := db.Select(ctx, p.pool, &files, `
SELECT server_id, path, type, size_gb, last_modified, last_accessed, risk_score
FROM files
WHERE risk_score > $1
ORDER BY risk_score DESC, server_id, path
`, threshold)
	if err != nil {
		return nil, fmt.Errorf("list risky files: %w", err)
	}
	return files, nil
}

func (p *Postgres) UpsertFiles(ctx context.Context, files []fleet.FileUpsert) error {
	if len(files) == 0 {
		return nil
	}

	var scored, unscored []fileModel
	for _, f := range fleet.CompactUpserts(files) {
		if f.WriteRisk {
			scored = append(scored, newFileModel(f.Record))
		} else {
			unscored = append(unscored, newFileModel(f.Record))
		}
	}

	base := []string{"type", "size_gb", "last_modified", "last_accessed"}
	return p.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertFiles(tx, unscored, base); err != nil {
			return err
		}
		return upsertFiles(tx, scored, append(base, "risk_score"))
	})
}

func upsertFiles(tx *gorm.DB, models []fileModel, columns []string) error {
	if len(models) == 0 {
		return nil
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server_id"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).CreateInBatches(&models, upsertBatchSize).Error
	if err != nil {
		return fmt.Errorf("upsert files: %w", err)
	}
	return nil
}

func (p *Postgres) RecordAudit(ctx context.Context, entry fleet.AuditEntry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	model := newAuditModel(entry)
	if err := p.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return db.Ping(ctx, p.pool)
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return db.CloseORM(p.orm)
}

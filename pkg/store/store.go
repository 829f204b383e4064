// Package store persists servers, metric snapshots, file inventories and audit
// entries. Postgres is the production backend; Memory serves tests and
// single-node development.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"fleetwatch/pkg/fleet"
)

// ErrNotFound is returned when a referenced server does not exist.
var ErrNotFound = errors.New("not found")

// Store is the full persistence surface used by the fleetwatch services.
type Store interface {
	ListServers(ctx context.Context) ([]fleet.Server, error)
	GetServer(ctx context.Context, id uuid.UUID) (fleet.Server, error)
	CreateServer(ctx context.Context, srv fleet.Server) (fleet.Server, error)
	// UpdateServerStatus writes the status column only.
	UpdateServerStatus(ctx context.Context, id uuid.UUID, status fleet.Status) error
	// DeleteServer removes the server's snapshots and then the server. Either
	// both are removed or neither is.
	DeleteServer(ctx context.Context, id uuid.UUID) error

	AppendSnapshot(ctx context.Context, snap fleet.Snapshot) (fleet.Snapshot, error)
	// LatestSnapshots returns the current snapshot of every server that has one.
	LatestSnapshots(ctx context.Context) ([]fleet.Snapshot, error)

	ListFiles(ctx context.Context) ([]fleet.FileRecord, error)
	// ListFilesByServer returns one server's inventory ordered by path.
	ListFilesByServer(ctx context.Context, id uuid.UUID) ([]fleet.FileRecord, error)
	ListFilesAboveRisk(ctx context.Context, threshold int) ([]fleet.FileRecord, error)
	UpsertFiles(ctx context.Context, files []fleet.FileUpsert) error

	RecordAudit(ctx context.Context, entry fleet.AuditEntry) error

	Ping(ctx context.Context) error
	Close() error
}

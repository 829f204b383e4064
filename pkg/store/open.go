package store

import (
	"context"
	"fmt"

	"fleetwatch/pkg/db"
)

// Migrator is implemented by stores that own a schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Open returns the store selected by kind ("postgres" or "memory").
func Open(ctx context.Context, kind, dsn string) (Store, error) {
	switch kind {
	case "postgres":
		return OpenPostgres(ctx, dsn)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

// Migrate applies the goose migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, p.pool)
}

var _ Migrator = (*Postgres)(nil)

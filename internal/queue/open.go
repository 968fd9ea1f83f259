package queue

import (
	"context"
	"fmt"

	"github.com/KoketsoMabuela92/background-job-runner/internal/db"
)

// Store drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Open connects the store for driver. The PostgreSQL schema is not applied
// here; see EnsureSchema. Closing the returned store releases its connections.
func Open(ctx context.Context, driver, dsn, sqlitePath string) (Store, error) {
	switch driver {
	case DriverPostgres:
		pool, err := db.NewPool(ctx, dsn)
		if err != nil {
			return nil, err
		}
		store := NewPostgresStore(pool)
		store.ownsPool = true
		return store, nil
	case DriverSQLite:
		store, err := OpenSQLite(ctx, sqlitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", sqlitePath, err)
		}
		return store, nil
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

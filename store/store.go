package store

import (
	"context"

	"github.com/neonextechnologies/neoqueue/backend"
	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/failed"
	"github.com/neonextechnologies/neoqueue/lock"
)

// Store is the aggregate persistence interface.
type Store interface {
	backend.Backend
	failed.Store
	batch.Store
	lock.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

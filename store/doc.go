// Package store defines the aggregate persistence interface.
//
// Each subsystem (backend, failed, batch, lock) defines its own store
// interface. The composite [Store] composes them all, so a single driver
// implements the whole persistence contract.
//
// # Available Backends
//
//   - store/memory: in-process store for development and testing
//   - store/redis: Redis backend using go-redis/v9 and Lua scripts
//   - store/postgres: PostgreSQL backend using pgx/v5 and SKIP LOCKED
//   - store/sqlite: SQLite backend using mattn/go-sqlite3
//
// # Usage
//
//	s, err := redis.Open(ctx, "redis://localhost:6379/0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	eng, err := engine.Build(s)
//
// # Migrations
//
// Call Migrate once at startup to create or update the schema:
//
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package store

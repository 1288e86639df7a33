// Package sqlite implements store.Store on SQLite through
// github.com/mattn/go-sqlite3. Suitable for embedded/edge deployments, CLI
// tools, and standalone applications.
//
// SQLite has no SKIP LOCKED, so reservation is a single
// UPDATE ... RETURNING statement: the database write lock makes it atomic.
// Timestamps are stored as Unix milliseconds.
//
//	s, err := sqlite.Open(ctx, "neoqueue.db")
//	if err != nil { ... }
//	defer s.Close()
//	if err := s.Migrate(ctx); err != nil { ... }
//
// Or, with a *sql.DB the caller owns:
//
//	db, _ := sql.Open("sqlite3", sqlite.DSN("neoqueue.db"))
//	store := sqlite.New(db)
package sqlite

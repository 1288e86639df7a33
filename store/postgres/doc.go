// Package postgres implements store.Store using pgx/v5 with raw SQL.
// Reservation uses FOR UPDATE SKIP LOCKED so concurrent workers never claim
// the same row; schema changes ship as embedded SQL migrations.
package postgres

// Package redis implements store.Store on Redis.
//
// Each queue is a pair of Sorted Sets: waiting envelopes scored by their
// AvailableAt and reserved envelopes scored by their lease expiry. Every
// state change (reserve, release, fail, ack) is a single Lua script, so a
// reservation is handed to exactly one worker and an expired lease is
// reclaimed by the next Reserve on that queue. Envelope bodies are stored
// once as an encoded blob; the counters that change after dispatch live in
// sibling hash fields.
//
// Batches are hashes with a Set of settled job IDs, which makes the
// success/failure counters idempotent per job. Locks are plain keys written
// with SET NX PX and released by owner-checked scripts.
//
// Usage:
//
//	s, err := redis.Open(ctx, "redis://localhost:6379/0")
//	if err != nil { ... }
//	defer s.Close()
//
// Or, with a client the caller owns:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client, redis.WithCodec(envelope.GetCodec("msgpack")))
package redis

package redis

// Redis key naming conventions. All keys are prefixed with "neoqueue:" to
// avoid collisions; the scripts build per-queue keys from the prefixes
// below.

const keyPrefix = "neoqueue:"

// ── Job keys ──

// jobKeyPrefix prefixes envelope hashes: neoqueue:job:{id}
const jobKeyPrefix = keyPrefix + "job:"

func jobKey(id string) string { return jobKeyPrefix + id }

// queueKeyPrefix prefixes waiting Sorted Sets: neoqueue:queue:{name}
const queueKeyPrefix = keyPrefix + "queue:"

func queueKey(name string) string { return queueKeyPrefix + name }

// reservedKeyPrefix prefixes lease Sorted Sets: neoqueue:reserved:{name}
const reservedKeyPrefix = keyPrefix + "reserved:"

func reservedKey(name string) string { return reservedKeyPrefix + name }

// seqKey counts enqueues; it orders waiting members that share a score.
const seqKey = keyPrefix + "seq"

// ── Failed job keys ──

// failedKey returns the hash for a failed-job entry: neoqueue:failed:{id}
func failedKey(id string) string { return keyPrefix + "failed:" + id }

// failedIndexKey orders failed-job entries by failure time.
const failedIndexKey = keyPrefix + "failed_idx"

// ── Batch keys ──

// batchKey returns the hash for a batch: neoqueue:batch:{id}
func batchKey(id string) string { return keyPrefix + "batch:" + id }

// batchDoneKey returns the Set of job IDs already counted for a batch.
func batchDoneKey(id string) string { return keyPrefix + "batch_done:" + id }

// batchFailedKey returns the List of failed job IDs for a batch.
func batchFailedKey(id string) string { return keyPrefix + "batch_failed:" + id }

// ── Lock keys ──

// lockKey returns the key for a named lock: neoqueue:lock:{key}
func lockKey(key string) string { return keyPrefix + "lock:" + key }

package redis

import goredis "github.com/redis/go-redis/v9"

// Waiting-set members are "{seq}:{id}" with seq zero-padded, so envelopes
// sharing an available_at score come out in insertion order. The member is
// kept on the job hash; reserved sets hold bare IDs.

// enqueueScript stores a new envelope and makes it visible at its score.
//
//	KEYS[1] job hash, KEYS[2] waiting set, KEYS[3] sequence counter
//	ARGV data, queue, available_at, id, attempts, exceptions, last_error
var enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
local member = string.format('%016d', redis.call('INCR', KEYS[3])) .. ':' .. ARGV[4]
redis.call('HSET', KEYS[1],
  'data', ARGV[1], 'queue', ARGV[2], 'available_at', ARGV[3],
  'attempts', ARGV[5], 'exceptions', ARGV[6], 'last_error', ARGV[7],
  'member', member)
redis.call('ZADD', KEYS[2], ARGV[3], member)
return 1
`)

// reserveScript reclaims expired leases on the queue, then leases the
// oldest visible envelope.
//
//	KEYS[1] waiting set, KEYS[2] reserved set
//	ARGV now, visibility, job key prefix
//
// Returns {id, lease, data, attempts, exceptions, last_error, available_at}
// or nil when nothing is visible.
var reserveScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  local f = redis.call('HMGET', ARGV[3] .. id, 'available_at', 'member')
  if f[1] then
    redis.call('HDEL', ARGV[3] .. id, 'reserved_until')
    redis.call('ZADD', KEYS[1], f[1], f[2])
  end
end
while true do
  local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 1)
  if #members == 0 then return false end
  redis.call('ZREM', KEYS[1], members[1])
  local id = string.match(members[1], '^%d+:(.+)$')
  local key = ARGV[3] .. id
  if redis.call('EXISTS', key) == 1 then
    local lease = now + tonumber(ARGV[2])
    redis.call('ZADD', KEYS[2], lease, id)
    redis.call('HSET', key, 'reserved_until', lease)
    local f = redis.call('HMGET', key, 'data', 'attempts', 'exceptions', 'last_error', 'available_at')
    return {id, lease, f[1], f[2], f[3], f[4], f[5]}
  end
end
`)

// ackScript removes an envelope wherever it sits.
//
//	KEYS[1] job hash
//	ARGV queue prefix, reserved prefix, id
var ackScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'queue', 'member')
local q = f[1]
if not q then return 0 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', ARGV[1] .. q, f[2])
redis.call('ZREM', ARGV[2] .. q, ARGV[3])
return 1
`)

// releaseScript ends a lease and schedules the envelope again.
//
//	KEYS[1] job hash
//	ARGV queue prefix, reserved prefix, id, available_at, has_cause, last_error
var releaseScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'queue', 'member')
local q = f[1]
if not q then return 0 end
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
if ARGV[5] == '1' then
  redis.call('HINCRBY', KEYS[1], 'exceptions', 1)
  redis.call('HSET', KEYS[1], 'last_error', ARGV[6])
end
redis.call('HSET', KEYS[1], 'available_at', ARGV[4])
redis.call('HDEL', KEYS[1], 'reserved_until')
redis.call('ZREM', ARGV[2] .. q, ARGV[3])
redis.call('ZADD', ARGV[1] .. q, ARGV[4], f[2])
return 1
`)

// failScript moves an envelope into the failed-job index. Only the first
// caller sees 1.
//
//	KEYS[1] job hash, KEYS[2] failed hash, KEYS[3] failed index
//	ARGV queue prefix, reserved prefix, job id, failed id, exception, failed_at
var failScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'queue', 'data', 'attempts', 'exceptions', 'available_at', 'member')
if not f[1] then return 0 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', ARGV[1] .. f[1], f[6])
redis.call('ZREM', ARGV[2] .. f[1], ARGV[3])
redis.call('HSET', KEYS[2],
  'id', ARGV[4], 'job_id', ARGV[3], 'queue', f[1], 'data', f[2],
  'attempts', f[3], 'exceptions', f[4], 'available_at', f[5],
  'exception', ARGV[5], 'failed_at', ARGV[6])
redis.call('ZADD', KEYS[3], ARGV[6], ARGV[4])
return 1
`)

// deleteScript removes an envelope unless a live lease holds it.
//
//	KEYS[1] job hash
//	ARGV queue prefix, reserved prefix, id, now
//
// Returns 1 deleted, 0 missing, -1 reserved.
var deleteScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'queue', 'member')
local q = f[1]
if not q then return 0 end
local lease = redis.call('ZSCORE', ARGV[2] .. q, ARGV[3])
if lease and tonumber(lease) > tonumber(ARGV[4]) then return -1 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', ARGV[1] .. q, f[2])
redis.call('ZREM', ARGV[2] .. q, ARGV[3])
return 1
`)

// batchRecordScript settles one job against a batch once.
//
//	KEYS[1] batch hash, KEYS[2] done set, KEYS[3] failed list
//	ARGV job id, outcome
//
// Returns {applied, total, pending, failed, cancelled} or nil when the
// batch is missing.
var batchRecordScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return false end
local applied = 0
if redis.call('SADD', KEYS[2], ARGV[1]) == 1 then
  applied = 1
  redis.call('HINCRBY', KEYS[1], 'pending', -1)
  if ARGV[2] == 'failure' then
    redis.call('HINCRBY', KEYS[1], 'failed', 1)
    redis.call('RPUSH', KEYS[3], ARGV[1])
  end
end
local f = redis.call('HMGET', KEYS[1], 'total', 'pending', 'failed', 'cancelled_at')
local cancelled = 0
if f[4] and f[4] ~= '' then cancelled = 1 end
return {applied, tonumber(f[1]), tonumber(f[2]), tonumber(f[3]), cancelled}
`)

// batchMarkScript sets a batch field once.
//
//	KEYS[1] batch hash
//	ARGV field, value
//
// Returns 1 when set, 0 when already set, -1 when the batch is missing.
var batchMarkScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
`)

// lockAcquireScript takes a lock, or refreshes it for the same owner.
//
//	KEYS[1] lock key
//	ARGV owner, ttl
var lockAcquireScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
if cur then return 0 end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// lockReleaseScript deletes a lock only for its owner.
var lockReleaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// lockExtendScript pushes the expiry of a lock only for its owner.
var lockExtendScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

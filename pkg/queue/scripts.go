package queue

import "github.com/redis/go-redis/v9"

// All state transitions run as server-side scripts so each one is atomic:
// a job is never in two states at once, and no transition survives
// half-applied. Redis TIME is not consulted inside scripts; callers pass
// the wall clock as an argument, which also keeps replicas deterministic.
//
// Priority ordering packs (priority, fifo-sequence) into one sorted-set
// score: priority * 2^40 + seq. Priorities stay in 1..10 and the sequence
// counter would need ~2^40 enqueues to overflow into the priority bits,
// so the score stays well inside the 53-bit integer range a Lua number
// can hold exactly.

// enqueueScript inserts one job unless a live job with the same ID exists.
//
//	KEYS[1] job hash  KEYS[2] waiting  KEYS[3] delayed  KEYS[4] seq
//	ARGV[1] id  ARGV[2] payload  ARGV[3] priority  ARGV[4] available_at ms
//	ARGV[5] now ms  ARGV[6] max attempts  ARGV[7] photo id
//
// Returns {0, state, payload} when deduplicated, {1, state, payload} when
// inserted.
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state and state ~= 'completed' and state ~= 'dead_letter' then
	local data = redis.call('HGET', KEYS[1], 'data') or ''
	return {0, state, data}
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
	'data', ARGV[2],
	'priority', ARGV[3],
	'attempts', '0',
	'max_attempts', ARGV[6],
	'photo_id', ARGV[7])
if tonumber(ARGV[4]) > tonumber(ARGV[5]) then
	redis.call('HSET', KEYS[1], 'state', 'delayed')
	redis.call('ZADD', KEYS[3], tonumber(ARGV[4]), ARGV[1])
	return {1, 'delayed', ARGV[2]}
end
local seq = redis.call('INCR', KEYS[4])
local score = tonumber(ARGV[3]) * 1099511627776 + seq
redis.call('HSET', KEYS[1], 'state', 'waiting')
redis.call('ZADD', KEYS[2], score, ARGV[1])
return {1, 'waiting', ARGV[2]}
`)

// bulkEnqueueScript inserts a batch in one atomic step. Entries whose ID
// already names a live job are skipped, matching single-enqueue dedup.
//
//	KEYS[1] waiting  KEYS[2] delayed  KEYS[3] seq
//	ARGV[1] json array of entries  ARGV[2] now ms  ARGV[3] job key prefix
//
// Returns the number of entries inserted.
var bulkEnqueueScript = redis.NewScript(`
local entries = cjson.decode(ARGV[1])
local now = tonumber(ARGV[2])
local inserted = 0
for _, e in ipairs(entries) do
	local job = ARGV[3] .. e.id
	local state = redis.call('HGET', job, 'state')
	if not state or state == 'completed' or state == 'dead_letter' then
		redis.call('DEL', job)
		redis.call('HSET', job,
			'data', e.data,
			'priority', tostring(e.priority),
			'attempts', '0',
			'max_attempts', tostring(e.max_attempts),
			'photo_id', e.photo_id)
		if e.available_at > now then
			redis.call('HSET', job, 'state', 'delayed')
			redis.call('ZADD', KEYS[2], e.available_at, e.id)
		else
			local seq = redis.call('INCR', KEYS[3])
			redis.call('HSET', job, 'state', 'waiting')
			redis.call('ZADD', KEYS[1], e.priority * 1099511627776 + seq, e.id)
		end
		inserted = inserted + 1
	end
end
return inserted
`)

// claimScript promotes due delayed jobs, then pops the best waiting job
// and leases it. Paused queues promote but never hand out work.
//
//	KEYS[1] waiting  KEYS[2] delayed  KEYS[3] active  KEYS[4] seq
//	KEYS[5] paused
//	ARGV[1] now ms  ARGV[2] lease deadline ms  ARGV[3] job key prefix
//	ARGV[4] promote batch
//
// Returns nil when no job is claimable, else {id, payload, attempts}.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	local job = ARGV[3] .. id
	local pr = tonumber(redis.call('HGET', job, 'priority') or '5')
	local seq = redis.call('INCR', KEYS[4])
	redis.call('HSET', job, 'state', 'waiting')
	redis.call('ZADD', KEYS[1], pr * 1099511627776 + seq, id)
end
if redis.call('EXISTS', KEYS[5]) == 1 then
	return nil
end
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
	return nil
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local job = ARGV[3] .. id
local attempts = redis.call('HINCRBY', job, 'attempts', 1)
redis.call('HSET', job, 'state', 'active', 'claimed_at', ARGV[1])
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), id)
local data = redis.call('HGET', job, 'data')
return {id, data, attempts}
`)

// ackScript completes an active job and applies the retention policy.
//
//	KEYS[1] active  KEYS[2] done counter  KEYS[3] done log
//	ARGV[1] id  ARGV[2] job key prefix  ARGV[3] remove flag  ARGV[4] keep
//
// Returns 0 when the job was not active (lease already reclaimed).
var ackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
local job = ARGV[2] .. ARGV[1]
redis.call('INCR', KEYS[2])
if ARGV[3] == '1' then
	redis.call('DEL', job)
	return 1
end
redis.call('HSET', job, 'state', 'completed')
local keep = tonumber(ARGV[4])
if keep > 0 then
	redis.call('LPUSH', KEYS[3], ARGV[1])
	while redis.call('LLEN', KEYS[3]) > keep do
		local evicted = redis.call('RPOP', KEYS[3])
		if evicted then
			redis.call('DEL', ARGV[2] .. evicted)
		end
	end
end
return 1
`)

// nackScript fails an active job: retryable failures go back to delayed
// with the caller-computed backoff, fatal or exhausted jobs move to the
// dead-letter stream.
//
//	KEYS[1] active  KEYS[2] delayed  KEYS[3] dead stream
//	ARGV[1] id  ARGV[2] job key prefix  ARGV[3] error  ARGV[4] fatal flag
//	ARGV[5] available_at ms  ARGV[6] now ms  ARGV[7] remove-on-fail flag
//
// Returns {0} when the job was not active, {1, attempts} when a retry was
// scheduled, {2, attempts} when dead-lettered.
var nackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return {0, 0}
end
local job = ARGV[2] .. ARGV[1]
local attempts = tonumber(redis.call('HGET', job, 'attempts') or '0')
local max = tonumber(redis.call('HGET', job, 'max_attempts') or '3')
redis.call('HSET', job, 'last_error', ARGV[3])
if ARGV[4] == '1' or attempts >= max then
	local data = redis.call('HGET', job, 'data') or ''
	local photo = redis.call('HGET', job, 'photo_id') or ''
	redis.call('XADD', KEYS[3], '*',
		'job_id', ARGV[1],
		'photo_id', photo,
		'payload', data,
		'error', ARGV[3],
		'attempts', tostring(attempts),
		'failed_at', ARGV[6])
	redis.call('HSET', job, 'state', 'dead_letter')
	if ARGV[7] == '1' then
		redis.call('DEL', job)
	end
	return {2, attempts}
end
redis.call('HSET', job, 'state', 'delayed')
redis.call('ZADD', KEYS[2], tonumber(ARGV[5]), ARGV[1])
return {1, attempts}
`)

// extendScript pushes an active job's lease deadline out, bounded by the
// maximum total lease since the claim.
//
//	KEYS[1] active
//	ARGV[1] id  ARGV[2] job key prefix  ARGV[3] now ms  ARGV[4] extend ms
//	ARGV[5] max total ms
//
// Returns 0 when the job is no longer active, else the new deadline.
var extendScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
local job = ARGV[2] .. ARGV[1]
local claimed = tonumber(redis.call('HGET', job, 'claimed_at') or '0')
local deadline = tonumber(ARGV[3]) + tonumber(ARGV[4])
if claimed > 0 then
	local cap = claimed + tonumber(ARGV[5])
	if deadline > cap then
		deadline = cap
	end
end
redis.call('ZADD', KEYS[1], deadline, ARGV[1])
return deadline
`)

// janitorScript reclaims lease-expired active jobs: back to waiting while
// attempts remain, dead-lettered otherwise.
//
//	KEYS[1] active  KEYS[2] waiting  KEYS[3] seq  KEYS[4] dead stream
//	ARGV[1] now ms  ARGV[2] job key prefix  ARGV[3] batch limit
//
// Returns {requeued, dead_lettered}.
var janitorScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local requeued = 0
local dead = 0
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[1], id)
	local job = ARGV[2] .. id
	local attempts = tonumber(redis.call('HGET', job, 'attempts') or '0')
	local max = tonumber(redis.call('HGET', job, 'max_attempts') or '3')
	if attempts >= max then
		local data = redis.call('HGET', job, 'data') or ''
		local photo = redis.call('HGET', job, 'photo_id') or ''
		redis.call('XADD', KEYS[4], '*',
			'job_id', id,
			'photo_id', photo,
			'payload', data,
			'error', 'lease expired',
			'attempts', tostring(attempts),
			'failed_at', ARGV[1])
		redis.call('HSET', job, 'state', 'dead_letter', 'last_error', 'lease expired')
		dead = dead + 1
	else
		local pr = tonumber(redis.call('HGET', job, 'priority') or '5')
		local seq = redis.call('INCR', KEYS[3])
		redis.call('HSET', job, 'state', 'waiting')
		redis.call('ZADD', KEYS[2], pr * 1099511627776 + seq, id)
		requeued = requeued + 1
	end
end
return {requeued, dead}
`)

// removeScript purges one job from every structure it could inhabit.
//
//	KEYS[1] waiting  KEYS[2] delayed  KEYS[3] active  KEYS[4] done log
//	ARGV[1] id  ARGV[2] job key prefix
var removeScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('LREM', KEYS[4], 0, ARGV[1])
return redis.call('DEL', ARGV[2] .. ARGV[1])
`)

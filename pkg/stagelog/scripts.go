package stagelog

import "github.com/redis/go-redis/v9"

// Server-side scripts
//
// Both scripts close a check-then-write race in a single round trip. Doing
// the same thing as two application-side calls would let a concurrent retry
// or a redelivered entry slip between the check and the write.

// publishScript implements idempotent append.
//
// KEYS[1] = publish marker key
// KEYS[2] = shard stream key
// ARGV[1] = marker TTL in seconds
// ARGV[2] = stream MAXLEN cap
// ARGV[3..] = flat field/value list for XADD
//
// Returns {0, entry_id} when the marker already existed (duplicate publish,
// no new entry), {1, entry_id} when a new entry was appended.
var publishScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return {0, existing}
end
local args = {KEYS[2], 'MAXLEN', '~', ARGV[2], '*'}
for i = 3, #ARGV do
  args[#args + 1] = ARGV[i]
end
local id = redis.call('XADD', unpack(args))
redis.call('SET', KEYS[1], id, 'EX', ARGV[1])
return {1, id}
`)

// applyScript implements the router's monotonic state transition.
//
// KEYS[1] = processed marker key
// KEYS[2] = canonical state key (hash: seq, event)
// ARGV[1] = event seq
// ARGV[2] = serialized event
// ARGV[3] = processed marker TTL in seconds
// ARGV[4] = state TTL in seconds
//
// Returns 1 when canonical state advanced, 0 when the entry was a duplicate
// delivery or not newer than the stored state. The processed marker is set
// in every path so a redelivered entry short-circuits on the first check.
var applyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local cur = redis.call('HGET', KEYS[2], 'seq')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  redis.call('SET', KEYS[1], '1', 'EX', ARGV[3])
  return 0
end
redis.call('HSET', KEYS[2], 'seq', ARGV[1], 'event', ARGV[2])
redis.call('EXPIRE', KEYS[2], ARGV[4])
redis.call('SET', KEYS[1], '1', 'EX', ARGV[3])
return 1
`)

package redisq

import goredis "github.com/redis/go-redis/v9"

// KEYS: ready, leased, task hash. ARGV: id, payload, now ms.
var enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return 0
end
redis.call('HSET', KEYS[3], 'payload', ARGV[2], 'attempts', 0, 'token', '')
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// Ready tasks are claimed first; an expired lease is claimable even before
// Reap has moved it back.
// KEYS: ready, leased. ARGV: now ms, lease deadline ms, token, task key prefix.
var claimScript = goredis.NewScript(`
local from = KEYS[1]
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  from = KEYS[2]
  ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1], 'LIMIT', 0, 1)
end
if #ids == 0 then
  return false
end
local id = ids[1]
local key = ARGV[4] .. id
redis.call('ZREM', from, id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
local attempts = redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'token', ARGV[3])
local payload = redis.call('HGET', key, 'payload')
return {id, payload, attempts}
`)

// KEYS: leased, task hash. ARGV: id, token.
var ackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS: ready, leased, task hash. ARGV: id, token, available ms.
var nackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[3], 'token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], 'token', '')
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// KEYS: leased, task hash. ARGV: id, token, deadline ms.
var extendScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
return 1
`)

// KEYS: ready, leased. ARGV: now ms, task key prefix.
var reapScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HSET', ARGV[2] .. id, 'token', '')
  redis.call('ZADD', KEYS[1], ARGV[1], id)
end
return #ids
`)

package redisstore

import "github.com/go-redis/redis/v8"

// reserve: guarded decrement + entry append + open reservation tracking.
//
// KEYS[1] wallet hash, KEYS[2] entry list, KEYS[3] reservation hash,
// KEYS[4] open reservation index.
// ARGV[1] amount, ARGV[2] entry json, ARGV[3] request id, ARGV[4] user id,
// ARGV[5] now ms, ARGV[6] reservation created_at ms.
var reserveScript = redis.NewScript(`
local balance = tonumber(redis.call('HGET', KEYS[1], 'balance') or '0')
local needed = tonumber(ARGV[1])
if balance < needed then
    return {0, balance, 'INSUFFICIENT_BALANCE'}
end
if ARGV[3] ~= '' and redis.call('EXISTS', KEYS[3]) == 1 then
    return {0, balance, 'REQUEST_EXISTS'}
end
balance = redis.call('HINCRBY', KEYS[1], 'balance', -needed)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[5])
redis.call('RPUSH', KEYS[2], ARGV[2])
if ARGV[3] ~= '' then
    redis.call('HSET', KEYS[3],
        'request_id', ARGV[3],
        'user_id', ARGV[4],
        'amount_cents', ARGV[1],
        'status', 'open',
        'created_at', ARGV[6]
    )
    redis.call('ZADD', KEYS[4], ARGV[6], KEYS[3])
end
return {1, balance, ''}
`)

// close: release and settle. Closes a tracked reservation with a guard,
// credits the balance, adds to lifetime spend and appends entries.
//
// KEYS as for reserve.
// ARGV[1] balance delta, ARGV[2] spent delta, ARGV[3] reserved amount
// (must equal the held amount),
// ARGV[4] close status, ARGV[5] now ms, ARGV[6] tracked flag,
// ARGV[7..] entry json. A tracked flag without a reservation hash returns
// the note UNTRACKED.
var closeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {0, 0, 'WALLET_NOT_FOUND'}
end
local note = ''
if ARGV[6] == '1' then
    if redis.call('EXISTS', KEYS[3]) == 1 then
        local r = redis.call('HMGET', KEYS[3], 'status', 'amount_cents')
        if r[1] ~= 'open' then
            return {0, 0, 'RESERVATION_CLOSED'}
        end
        if tonumber(r[2]) ~= tonumber(ARGV[3]) then
            return {0, 0, 'RESERVATION_MISMATCH'}
        end
        redis.call('HSET', KEYS[3], 'status', ARGV[4], 'closed_at', ARGV[5])
        redis.call('ZREM', KEYS[4], KEYS[3])
    else
        note = 'UNTRACKED'
    end
end
local balance = redis.call('HINCRBY', KEYS[1], 'balance', ARGV[1])
if tonumber(ARGV[2]) > 0 then
    redis.call('HINCRBY', KEYS[1], 'spent', ARGV[2])
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[5])
for i = 7, #ARGV do
    redis.call('RPUSH', KEYS[2], ARGV[i])
end
return {1, balance, note}
`)

// grant: create-or-top-up.
//
// KEYS[1] wallet hash, KEYS[2] entry list, KEYS[3] wallet index.
// ARGV[1] amount, ARGV[2] now ms, ARGV[3] entry json, ARGV[4] user id.
var grantScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    redis.call('HSET', KEYS[1],
        'balance', '0',
        'granted', '0',
        'spent', '0',
        'created_at', ARGV[2]
    )
    redis.call('ZADD', KEYS[3], '0', ARGV[4])
end
redis.call('HINCRBY', KEYS[1], 'granted', ARGV[1])
local balance = redis.call('HINCRBY', KEYS[1], 'balance', ARGV[1])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[3])
return balance
`)

package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/rueidis"
)

// bucketTTL outlives the hour window so a bucket cannot expire while its
// hour is still current.
const bucketTTL = 2 * time.Hour

// incrementWithinScript returns the new count, or -1 when the bucket is full.
var incrementWithinScript = rueidis.NewLuaScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return -1
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return current
`)

// RedisStore keeps rate buckets in Redis. The Lua script runs atomically on
// the server, which gives the same check-and-increment guarantee as the SQL
// upsert.
type RedisStore struct {
	client rueidis.Client
}

func NewRedisStore(client rueidis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IncrementWithin(ctx context.Context, hourKey, sender string, limit int) (int, bool, error) {
	key := "ratelimit:" + hourKey + ":" + sender

	n, err := incrementWithinScript.Exec(ctx, s.client,
		[]string{key},
		[]string{strconv.Itoa(limit), strconv.Itoa(int(bucketTTL.Seconds()))},
	).AsInt64()
	if err != nil {
		return 0, false, err
	}
	if n < 0 {
		return limit, false, nil
	}

	return int(n), true, nil
}

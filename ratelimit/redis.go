// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"llmcouncil/shared/logger"
)

// slidingWindowScript prunes, counts and conditionally appends in one atomic
// step so concurrent checks for the same key cannot double-admit.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
if count < tonumber(ARGV[3]) then
  redis.call('ZADD', key, ARGV[1], ARGV[5])
  redis.call('PEXPIRE', key, ARGV[4])
  return 1
end
return 0
`)

// RedisLimiter stores each window as a sorted set of millisecond scores so
// several server instances share one admission budget. Redis failures fail
// open.
type RedisLimiter struct {
	client redis.UniversalClient
	window time.Duration
	prefix string
	now    func() time.Time
	log    *logger.Logger
}

// NewRedisLimiter parses redisURL (redis://host:port/db) and pings the
// server.
func NewRedisLimiter(ctx context.Context, redisURL string, window time.Duration, log *logger.Logger) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisLimiterWithClient(client, window, log), nil
}

// NewRedisLimiterWithClient wraps an existing client.
func NewRedisLimiterWithClient(client redis.UniversalClient, window time.Duration, log *logger.Logger) *RedisLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = logger.New("ratelimit")
	}
	return &RedisLimiter{client: client, window: window, prefix: "ratelimit", now: time.Now, log: log}
}

// SetClock replaces the time source, for tests.
func (r *RedisLimiter) SetClock(now func() time.Time) {
	r.now = now
}

// Close releases the client.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

func (r *RedisLimiter) key(clientKey, category string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, category, clientKey)
}

func (r *RedisLimiter) IsAllowed(ctx context.Context, clientKey, category string, limit int) bool {
	now := r.now().UnixMilli()
	cutoff := now - r.window.Milliseconds()
	allowed, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.key(clientKey, category)},
		now, cutoff, limit, r.window.Milliseconds(), strconv.FormatInt(now, 10)+"-"+uuid.NewString(),
	).Int()
	if err != nil {
		r.log.Warn("", "", "redis rate limit check failed, failing open", map[string]interface{}{
			"client":   clientKey,
			"category": category,
			"error":    err.Error(),
		})
		return true
	}
	return allowed == 1
}

func (r *RedisLimiter) Remaining(ctx context.Context, clientKey, category string, limit int) int {
	cutoff := r.now().UnixMilli() - r.window.Milliseconds()
	count, err := r.client.ZCount(ctx, r.key(clientKey, category), "("+strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		r.log.Warn("", "", "redis rate limit status failed", map[string]interface{}{
			"client": clientKey,
			"error":  err.Error(),
		})
		return limit
	}
	if rem := limit - int(count); rem > 0 {
		return rem
	}
	return 0
}

// RetryAfter is how long until the oldest admitted request leaves the
// window, or zero if the window is empty or Redis is unreachable.
func (r *RedisLimiter) RetryAfter(clientKey, category string) time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	now := r.now().UnixMilli()
	cutoff := now - r.window.Milliseconds()
	oldest, err := r.client.ZRangeByScoreWithScores(ctx, r.key(clientKey, category), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(cutoff, 10),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil || len(oldest) == 0 {
		return 0
	}
	wait := int64(oldest[0].Score) + r.window.Milliseconds() - now
	if wait <= 0 {
		return 0
	}
	return time.Duration(wait) * time.Millisecond
}

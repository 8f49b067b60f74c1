package utils

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
// Keep it config-driven; defaults should be safe and conservative.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Basic timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pool tuning
	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Hash fields of a fixed-window counter.
const (
	fieldWindowStart = "window_start_ms"
	fieldCallCount   = "call_count"
	fieldLastCall    = "last_call_ms"
)

var fixedWindowRecordScript = redis.NewScript(`
-- KEYS[1] = window hash key
-- ARGV[1] = now (unix ms)
-- ARGV[2] = window length (ms)
--
-- Returns {window_start_ms, call_count, last_call_ms} after recording one hit.
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local start = tonumber(redis.call('HGET', KEYS[1], 'window_start_ms'))
local count = tonumber(redis.call('HGET', KEYS[1], 'call_count'))

if (not start) or now >= start + window then
  start = now
  count = 0
end
count = (count or 0) + 1

redis.call('HSET', KEYS[1], 'window_start_ms', start, 'call_count', count, 'last_call_ms', now)
return {start, count, now}
`)

// FixedWindowState is the persisted state of one fixed-window counter.
type FixedWindowState struct {
	WindowStart time.Time
	Count       int64
	LastAt      time.Time
}

// RecordFixedWindow increments a fixed-window counter, resetting it first when
// the window has expired. The stale check, reset and increment run as one Lua
// script so concurrent writers on different processes cannot lose updates.
func RecordFixedWindow(ctx context.Context, rdb *redis.Client, key string, now time.Time, window time.Duration) (FixedWindowState, error) {
	if rdb == nil {
		return FixedWindowState{}, fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return FixedWindowState{}, fmt.Errorf("key is required")
	}
	if window <= 0 {
		return FixedWindowState{}, fmt.Errorf("window must be > 0")
	}

	res, err := fixedWindowRecordScript.Run(ctx, rdb, []string{key}, now.UnixMilli(), window.Milliseconds()).Int64Slice()
	if err != nil {
		return FixedWindowState{}, err
	}
	if len(res) != 3 {
		return FixedWindowState{}, fmt.Errorf("unexpected fixed window reply: %v", res)
	}
	return FixedWindowState{
		WindowStart: time.UnixMilli(res[0]).UTC(),
		Count:       res[1],
		LastAt:      time.UnixMilli(res[2]).UTC(),
	}, nil
}

// ReadFixedWindow loads a fixed-window counter without modifying it.
// The bool result is false when the key has never been written.
func ReadFixedWindow(ctx context.Context, rdb *redis.Client, key string) (FixedWindowState, bool, error) {
	if rdb == nil {
		return FixedWindowState{}, false, fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return FixedWindowState{}, false, fmt.Errorf("key is required")
	}

	vals, err := rdb.HMGet(ctx, key, fieldWindowStart, fieldCallCount, fieldLastCall).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return FixedWindowState{}, false, nil
		}
		return FixedWindowState{}, false, err
	}
	if len(vals) != 3 || vals[0] == nil {
		return FixedWindowState{}, false, nil
	}

	start, err := parseRedisInt(vals[0])
	if err != nil {
		return FixedWindowState{}, false, err
	}
	count, err := parseRedisInt(vals[1])
	if err != nil {
		return FixedWindowState{}, false, err
	}
	last, err := parseRedisInt(vals[2])
	if err != nil {
		return FixedWindowState{}, false, err
	}
	return FixedWindowState{
		WindowStart: time.UnixMilli(start).UTC(),
		Count:       count,
		LastAt:      time.UnixMilli(last).UTC(),
	}, true, nil
}

func parseRedisInt(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	case int64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected redis value %T", v)
	}
}

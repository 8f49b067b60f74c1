package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"whatsapp-calling/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Store persists windows.
//
// Record must perform the stale check, the reset and the increment as one
// atomic step per key.
type Store interface {
	Get(ctx context.Context, key Key) (Window, bool, error)
	Record(ctx context.Context, key Key, now time.Time, length time.Duration) (Window, error)
}

// MemoryStore keeps windows in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[Key]Window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: map[Key]Window{}}
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (Window, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	return w, ok, nil
}

func (s *MemoryStore) Record(ctx context.Context, key Key, now time.Time, length time.Duration) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || w.expired(now, length) {
		w = Window{AccountID: key.AccountID, ContactNumber: key.ContactNumber, WindowStart: now}
	}
	w.CallCount++
	at := now
	w.LastCallAt = &at
	s.windows[key] = w
	return w, nil
}

// RedisStore keeps one hash per key. The Lua script in pkg/utils makes
// Record atomic across API replicas.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:calls"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) redisKey(key Key) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, key.AccountID, key.ContactNumber)
}

func (s *RedisStore) Get(ctx context.Context, key Key) (Window, bool, error) {
	st, ok, err := utils.ReadFixedWindow(ctx, s.rdb, s.redisKey(key))
	if err != nil || !ok {
		return Window{}, false, err
	}
	return fromState(key, st), true, nil
}

func (s *RedisStore) Record(ctx context.Context, key Key, now time.Time, length time.Duration) (Window, error) {
	st, err := utils.RecordFixedWindow(ctx, s.rdb, s.redisKey(key), now, length)
	if err != nil {
		return Window{}, fmt.Errorf("record rate window: %w", err)
	}
	return fromState(key, st), nil
}

func fromState(key Key, st utils.FixedWindowState) Window {
	w := Window{
		AccountID:     key.AccountID,
		ContactNumber: key.ContactNumber,
		WindowStart:   st.WindowStart,
		CallCount:     int(st.Count),
	}
	if !st.LastAt.IsZero() && st.Count > 0 {
		last := st.LastAt
		w.LastCallAt = &last
	}
	return w
}

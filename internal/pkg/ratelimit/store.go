package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps the sliding-window attempt timestamps per key. Take prunes the
// window, then either records the attempt or reports how long the caller must
// wait for the oldest in-window attempt to expire.
type Store interface {
	Take(key string, now time.Time, window time.Duration, max int) (ok bool, retryAfter time.Duration, err error)
}

// MemoryStore is a process-local store. Counters lost on restart are an
// accepted risk.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[string][]time.Time)}
}

func (s *MemoryStore) Take(key string, now time.Time, window time.Duration, max int) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	valid := s.attempts[key][:0]
	for _, t := range s.attempts[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= max {
		s.attempts[key] = valid
		retryAfter := valid[0].Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}

	s.attempts[key] = append(valid, now)
	return true, 0, nil
}

// Cleanup drops keys with no attempt newer than maxAge; callers run it on a
// timer with maxAge at least the widest configured window.
func (s *MemoryStore) Cleanup(now time.Time, maxAge time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-maxAge)
	for key, times := range s.attempts {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(s.attempts, key)
		}
	}
}

// RedisStore shares the window across instances using a sorted set of attempt
// timestamps per key. The read-check-write is not atomic; an occasional lost
// increment under contention is acceptable for throttling.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Take(key string, now time.Time, window time.Duration, max int) (bool, time.Duration, error) {
	ctx := context.Background()
	redisKey := "ratelimit:" + key
	cutoff := now.Add(-window).UnixMilli()

	if err := s.client.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return false, 0, err
	}
	count, err := s.client.ZCard(ctx, redisKey).Result()
	if err != nil {
		return false, 0, err
	}

	if count >= int64(max) {
		oldest, err := s.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
		if err != nil {
			return false, 0, err
		}
		retryAfter := window
		if len(oldest) > 0 {
			oldestAt := time.UnixMilli(int64(oldest[0].Score))
			retryAfter = oldestAt.Add(window).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return false, retryAfter, nil
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.PExpire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}

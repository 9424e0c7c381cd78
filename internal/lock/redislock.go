package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-rental/internal/resilience"
)

const maxRetryBackoff = 500 * time.Millisecond

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// Locker serialises reservations on the same equipment across API replicas.
type Locker struct {
	R            *redis.Client
	Prefix       string
	RetryBackoff time.Duration
}

// EquipmentKey is the lock key guarding the stock of one equipment model.
func (l Locker) EquipmentKey(equipmentID int64) string {
	prefix := strings.TrimSpace(l.Prefix)
	if prefix == "" {
		prefix = "rental"
	}
	return fmt.Sprintf("%s:lock:equipment:%d", prefix, equipmentID)
}

// WithLock executes fn while holding the lock for key. The lock is released
// even if fn fails. When the lock cannot be acquired before ctx is done the
// context error is returned.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}

	for attempt := 1; ; attempt++ {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			defer l.release(context.Background(), key, token)
			return fn(ctx)
		}
		timer := time.NewTimer(resilience.Backoff(retry, maxRetryBackoff, attempt, 0.2))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// WithEquipment holds the locks of every equipment ID while fn runs. Keys are
// taken in ascending ID order so concurrent callers cannot deadlock.
func (l Locker) WithEquipment(ctx context.Context, ids []int64, ttl time.Duration, fn func(context.Context) error) error {
	unique := make(map[int64]struct{}, len(ids))
	ordered := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, seen := unique[id]; seen {
			continue
		}
		unique[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	var acquire func(context.Context, int) error
	acquire = func(ctx context.Context, i int) error {
		if i == len(ordered) {
			return fn(ctx)
		}
		return l.WithLock(ctx, l.EquipmentKey(ordered[i]), ttl, func(ctx context.Context) error {
			return acquire(ctx, i+1)
		})
	}
	return acquire(ctx, 0)
}

func (l Locker) release(ctx context.Context, key, token string) {
	if err := l.R.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = l.R.Del(ctx, key).Err()
		}
	}
}

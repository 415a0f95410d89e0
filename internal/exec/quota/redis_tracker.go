package quota

import (
	"context"
	"strconv"
	"time"

	"runlab/internal/common/cache"
	"runlab/internal/exec/model"
	appErr "runlab/pkg/errors"
)

const (
	concurrentKeyPrefix = "quota:concurrent:"
	windowKeyPrefix     = "quota:window:"
	cpuKeyPrefix        = "quota:cpu:"

	// cpuBudgetTTL bounds how long a session's cpu counter outlives its
	// last execution.
	cpuBudgetTTL = 24 * time.Hour
)

// RedisTracker keeps quota counters in redis so multiple engine instances
// enforce one shared budget per session. Counters move with INCR/DECR; an
// over-limit increment is compensated immediately, so transient overshoot is
// bounded by in-flight reservations and the counter never leaks.
type RedisTracker struct {
	cache cache.Cache
	now   func() time.Time
}

// NewRedisTracker creates a tracker backed by the shared cache.
func NewRedisTracker(c cache.Cache) *RedisTracker {
	return &RedisTracker{cache: c, now: time.Now}
}

func (t *RedisTracker) TryReserve(ctx context.Context, sessionID string, q model.SessionQuota) (*Reservation, error) {
	if q.MaxCPUTimeMs > 0 {
		used, err := t.CPUTimeUsed(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if used >= q.MaxCPUTimeMs {
			return nil, appErr.New(appErr.CPUBudgetExhausted).
				WithMessagef("session %s exhausted its cpu budget", sessionID)
		}
	}

	concKey := concurrentKeyPrefix + sessionID
	if q.MaxConcurrent > 0 {
		n, err := t.cache.Incr(ctx, concKey)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.CacheError).WithMessage("reserve concurrency slot")
		}
		if n > int64(q.MaxConcurrent) {
			_, _ = t.cache.Decr(ctx, concKey)
			return nil, appErr.New(appErr.QuotaExceeded).
				WithMessagef("session %s is at its concurrency limit", sessionID)
		}
	}

	if q.MaxPerWindow > 0 {
		winKey := windowKeyPrefix + sessionID + ":" + strconv.FormatInt(windowBucket(t.now(), q.Window), 10)
		n, err := t.cache.Incr(ctx, winKey)
		if err != nil {
			if q.MaxConcurrent > 0 {
				_, _ = t.cache.Decr(ctx, concKey)
			}
			return nil, appErr.Wrap(err, appErr.CacheError).WithMessage("reserve window slot")
		}
		if n == 1 && q.Window > 0 {
			_ = t.cache.Expire(ctx, winKey, 2*q.Window)
		}
		if n > int64(q.MaxPerWindow) {
			_, _ = t.cache.Decr(ctx, winKey)
			if q.MaxConcurrent > 0 {
				_, _ = t.cache.Decr(ctx, concKey)
			}
			return nil, appErr.New(appErr.QuotaWindowExceeded).
				WithMessagef("session %s exceeded its window quota", sessionID)
		}
	}

	return &Reservation{
		SessionID: sessionID,
		release: func(ctx context.Context) {
			if q.MaxConcurrent > 0 {
				if n, err := t.cache.Decr(ctx, concKey); err == nil && n < 0 {
					_, _ = t.cache.Incr(ctx, concKey)
				}
			}
		},
	}, nil
}

func (t *RedisTracker) AddCPUTime(ctx context.Context, sessionID string, ms int64) error {
	if ms <= 0 {
		return nil
	}
	key := cpuKeyPrefix + sessionID
	n, err := t.cache.IncrBy(ctx, key, ms)
	if err != nil {
		return appErr.Wrap(err, appErr.CacheError).WithMessage("charge cpu time")
	}
	if n == ms {
		_ = t.cache.Expire(ctx, key, cpuBudgetTTL)
	}
	return nil
}

func (t *RedisTracker) CPUTimeUsed(ctx context.Context, sessionID string) (int64, error) {
	val, err := t.cache.Get(ctx, cpuKeyPrefix+sessionID)
	if err != nil {
		return 0, appErr.Wrap(err, appErr.CacheError).WithMessage("read cpu budget")
	}
	if val == "" {
		return 0, nil
	}
	used, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, appErr.Wrap(err, appErr.CacheError).WithMessage("parse cpu budget counter")
	}
	return used, nil
}

package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's token,
// so one holder can never release a lock that expired and was re-acquired by
// another worker.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// unlockTimeout bounds the release call, which runs on a fresh context.
const unlockTimeout = 5 * time.Second

// LockManager implements domain.LockManager using SET NX with a TTL and a
// token-checked Lua release.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	logger   *slog.Logger
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		logger:   logger.With(slog.String("component", "lock_manager")),
	}
}

// LockKey returns the Redis key guarding key.
func LockKey(key string) string {
	return "lock:" + key
}

// Acquire attempts to obtain the lock for key. On success it returns an
// unlock function that is safe to call more than once and from a deferred
// block after the caller's context is cancelled. If the release fails the
// error is only logged; the TTL expires the key.
//
// It returns domain.ErrLockHeld if another holder owns the lock.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := LockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w: %w", key, domain.ErrInfrastructure, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()

			n, err := lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Int64()
			switch {
			case err != nil:
				lm.logger.Warn("lock release failed; relying on ttl",
					slog.String("key", lk),
					slog.Duration("ttl", ttl),
					slog.String("error", err.Error()),
				)
			case n == 0:
				lm.logger.Warn("lock already expired or taken over",
					slog.String("key", lk),
				)
			}
		})
	}

	return unlock, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)

package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds our token
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisLock implements domain.ConversionLock across processes with SET NX PX leases
type RedisLock struct {
	client   redis.Cmdable
	ttl      time.Duration
	logger   *zap.Logger
	newToken func() string
}

// NewRedisLock creates a Redis-backed lock with the given lease TTL
func NewRedisLock(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *RedisLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLock{
		client:   client,
		ttl:      ttl,
		logger:   logger,
		newToken: func() string { return uuid.NewString() },
	}
}

// Key returns the Redis key guarding an owner
func Key(ownerID string) string {
	return fmt.Sprintf("lock:conversion:%s", ownerID)
}

// TTL returns the lease duration
func (l *RedisLock) TTL() time.Duration { return l.ttl }

// Acquire takes the owner's lease. A held lease returns false without error.
func (l *RedisLock) Acquire(ctx context.Context, ownerID, label string) (string, bool, error) {
	token := l.newToken()

	ok, err := l.client.SetNX(ctx, Key(ownerID), token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}

	l.logger.Debug("lock acquired",
		zap.String("owner_id", ownerID),
		zap.String("label", label),
		zap.Duration("ttl", l.ttl),
	)
	return token, true, nil
}

// Release deletes the lease if it still holds token. An empty token is a no-op.
func (l *RedisLock) Release(ctx context.Context, ownerID, token string) error {
	if token == "" {
		return nil
	}

	deleted, err := l.client.Eval(ctx, releaseScript, []string{Key(ownerID)}, token).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if deleted == 0 {
		// lease expired and someone else may hold it now
		l.logger.Warn("lock lease expired before release", zap.String("owner_id", ownerID))
	}
	return nil
}

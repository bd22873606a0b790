package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every replica connected to the same Redis.
// A lock expires after TTL so a crashed holder cannot wedge a key.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	prefix string
	logger *zap.Logger
}

// NewRedis wraps client. ttl bounds how long a lock survives its holder.
func NewRedis(client *redis.Client, ttl time.Duration, logger *zap.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		prefix: "flowlearn:lock:",
		logger: logger,
	}, nil
}

// Lock implements Locker by polling SET NX until it succeeds.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := uuid.New().String()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil {
			r.logger.Warn("releasing redis lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

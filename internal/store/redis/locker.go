// Package redis provides Redis-based implementations of the store interfaces.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"courier-go/internal/config"
	"courier-go/internal/metrics"
	"courier-go/internal/store"
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements store.Locker with SET NX PX.
type Locker struct {
	client *redis.Client
}

// NewLocker creates a new Redis-backed locker.
func NewLocker(cfg *config.RedisConfig) (*Locker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Locker{client: client}, nil
}

// TryLock acquires key for ttl without waiting.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (store.UnlockFunc, bool, error) {
	start := time.Now()
	token := uuid.New().String()

	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	metrics.StorageOperationLatency.WithLabelValues("redis", "lock").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StorageOperationsTotal.WithLabelValues("redis", "lock", "failure").Inc()
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	metrics.StorageOperationsTotal.WithLabelValues("redis", "lock", "success").Inc()

	if !acquired {
		return nil, false, nil
	}

	unlock := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			metrics.StorageOperationsTotal.WithLabelValues("redis", "unlock", "failure").Inc()
			return fmt.Errorf("failed to release lock: %w", err)
		}
		metrics.StorageOperationsTotal.WithLabelValues("redis", "unlock", "success").Inc()
		return nil
	}
	return unlock, true, nil
}

// Close closes the Redis client.
func (l *Locker) Close() error {
	return l.client.Close()
}

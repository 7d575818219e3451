package cob

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// =============================================================================
// REDIS MUTEX - Per-loan critical section shared by several instances
// =============================================================================

// releaseScript deletes the key only when it still holds our token, so a
// holder whose TTL expired cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisMutex implements Mutex with SET NX PX and a token-checked release.
type RedisMutex struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	retry     time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisMutex connects to Redis and verifies the connection.
func NewRedisMutex(cfg RedisConfig, ttl time.Duration) (*RedisMutex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisMutexWithClient(client, cfg.KeyPrefix, ttl), nil
}

// NewRedisMutexWithClient creates a mutex with an existing Redis client.
func NewRedisMutexWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisMutex {
	if keyPrefix == "" {
		keyPrefix = "loan:mutex:"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisMutex{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		retry:     25 * time.Millisecond,
	}
}

func (m *RedisMutex) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := m.keyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := m.client.SetNX(ctx, redisKey, token, m.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("acquire %s: %w", redisKey, err)
		}
		if ok {
			return func() {
				// release must run even if the caller's ctx is already done
				releaseScript.Run(context.Background(), m.client, []string{redisKey}, token)
			}, nil
		}

		timer := time.NewTimer(m.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Client returns the underlying Redis client so other components can share
// the connection pool.
func (m *RedisMutex) Client() *redis.Client { return m.client }

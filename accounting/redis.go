package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// REDIS DEDUPLICATION - Skip keys another instance already posted
// =============================================================================

// RedisDeduper remembers posted keys in Redis for ttl.
type RedisDeduper struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisDeduper(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisDeduper {
	if keyPrefix == "" {
		keyPrefix = "loan:posted:"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisDeduper{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Claim returns true when key was not claimed before.
func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.keyPrefix+key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim posting %s: %w", key, err)
	}
	return ok, nil
}

// Forget drops a claim so the key can be posted again.
func (d *RedisDeduper) Forget(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.keyPrefix+key).Err()
}

// DedupPoster forwards each key to Next at most once across instances.
type DedupPoster struct {
	Next    Poster
	Deduper *RedisDeduper
}

func NewDedupPoster(next Poster, deduper *RedisDeduper) *DedupPoster {
	return &DedupPoster{Next: next, Deduper: deduper}
}

func (p *DedupPoster) Post(ctx context.Context, posting Posting) error {
	first, err := p.Deduper.Claim(ctx, posting.Key)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	if err := p.Next.Post(ctx, posting); err != nil {
		if ferr := p.Deduper.Forget(context.WithoutCancel(ctx), posting.Key); ferr != nil {
			return fmt.Errorf("%w (release claim: %v)", err, ferr)
		}
		return err
	}
	return nil
}

// Package lease provides a Redis-backed run lock so that at-least-once
// delivery of a link event does not stack concurrent reconciliation runs for
// the same (project, group) pair. Distinct pairs are never serialized.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"authsync/internal/util"
)

// ErrHeld reports that another run currently holds the lease for the pair.
var ErrHeld = errors.New("reconciliation already running for this project and group")

type RedisLease struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLease(redisURL string, ttl time.Duration) (*RedisLease, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLeaseWithClient(client, ttl), nil
}

func NewRedisLeaseWithClient(client *redis.Client, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLease{
		client: client,
		prefix: "authsync:run:",
		ttl:    ttl,
	}
}

func (l *RedisLease) key(projectID, groupID int64) string {
	return fmt.Sprintf("%s%d:%d", l.prefix, projectID, groupID)
}

// Acquire takes the lease for the pair and returns a release func. The TTL
// caps how long a crashed run can block retries. Release is token-checked so
// an expired holder cannot free a successor's lease.
func (l *RedisLease) Acquire(ctx context.Context, projectID, groupID int64) (func(context.Context) error, error) {
	token := util.NewID("run")
	key := l.key(projectID, groupID)

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lease: %w", err)
	}
	if !acquired {
		return nil, ErrHeld
	}

	release := func(ctx context.Context) error {
		current, err := l.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read run lease: %w", err)
		}
		if current != token {
			return nil
		}
		if err := l.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("release run lease: %w", err)
		}
		return nil
	}
	return release, nil
}

// Close closes the Redis connection
func (l *RedisLease) Close() error {
	return l.client.Close()
}

// Ping checks if Redis is reachable
func (l *RedisLease) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

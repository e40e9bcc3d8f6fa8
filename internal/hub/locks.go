package hub

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClaimLocker serializes accept claims across relay instances. The ride store
// compare-and-set remains the authority; the lock only keeps concurrent
// relays from racing each other into the database.
type ClaimLocker interface {
	Acquire(ctx context.Context, rideID, ownerID string) (bool, error)
	Release(ctx context.Context, rideID string) error
}

type RedisClaimLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisClaimLocker(client *redis.Client, ttl time.Duration) *RedisClaimLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisClaimLocker{client: client, ttl: ttl}
}

func (l *RedisClaimLocker) Acquire(ctx context.Context, rideID, ownerID string) (bool, error) {
	return l.client.SetNX(ctx, claimKey(rideID), ownerID, l.ttl).Result()
}

func (l *RedisClaimLocker) Release(ctx context.Context, rideID string) error {
	return l.client.Del(ctx, claimKey(rideID)).Err()
}

func claimKey(rideID string) string { return "ride:claim:" + rideID }

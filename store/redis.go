package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCoordinator provides throttle windows and leader leases on Redis so
// they hold across dispatcher and evaluator replicas.
type RedisCoordinator struct {
	client *redis.Client
}

func NewRedisCoordinator(addr, password string, db int) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCoordinator{client: client}, nil
}

func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}

// Allow implements Throttle. SET NX PX both checks and opens the window
// atomically, so two dispatcher replicas cannot both pass for the same
// (route, fingerprint) pair inside the interval.
func (c *RedisCoordinator) Allow(ctx context.Context, routeID, fingerprint string, minInterval time.Duration) (bool, error) {
	if minInterval <= 0 {
		return true, nil
	}
	key := "pulse:throttle:" + routeID + ":" + fingerprint
	return c.client.SetNX(ctx, key, "1", minInterval).Result()
}

// AcquireLock attempts to take the lease with SET NX EX.
func (c *RedisCoordinator) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// renewScript extends the lease only while ownerID still holds it.
// Returns 1 on success, -1 when the key is gone, -2 on owner mismatch.
var renewScript = redis.NewScript(`
	local val = redis.call("get", KEYS[1])
	if not val then
		return -1
	end
	if val == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	end
	return -2
`)

func (c *RedisCoordinator) RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, c.client, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	return ok && val == 1, nil
}

// releaseScript deletes the lease only when held by ownerID.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

func (c *RedisCoordinator) ReleaseLock(ctx context.Context, key, ownerID string) error {
	return releaseScript.Run(ctx, c.client, []string{key}, ownerID).Err()
}

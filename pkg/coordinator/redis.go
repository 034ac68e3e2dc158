package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"docshard/pkg/dcerrors"
)

const (
	lockKeyPrefix        = "lock:"
	releaseChannelPrefix = "reqrel:"
)

// Compare scripts run atomically on the server, so a lock that expired and
// was re-acquired by a peer can never be deleted or extended by the old
// holder.
const (
	luaCompareDel = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return -1
end`

	luaCompareExpire = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return -1
end`
)

// Redis implements Coordinator over a shared Redis: ownership records as
// SET NX PX keys, release requests over pub/sub.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(cfg RedisConfig) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})}
}

func (r *Redis) Lock(ctx context.Context, key, owner string, ttl time.Duration) (bool, string, error) {
	ok, err := r.rdb.SetNX(ctx, lockKeyPrefix+key, owner, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("redis lock %s: %w", key, err)
	}
	if ok {
		return true, "", nil
	}

	holder, err := r.rdb.Get(ctx, lockKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// Holder vanished between SETNX and GET; the caller retries.
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("redis lock holder %s: %w", key, err)
	}
	if holder == owner {
		// Still ours from a previous residency; extend instead of failing.
		return true, "", r.Renew(ctx, key, owner, ttl)
	}
	return false, holder, nil
}

func (r *Redis) Unlock(ctx context.Context, key, owner string) error {
	res, err := r.rdb.Eval(ctx, luaCompareDel, []string{lockKeyPrefix + key}, owner).Int64()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", key, err)
	}
	if res < 0 {
		return dcerrors.ErrNotHolder
	}
	return nil
}

func (r *Redis) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	res, err := r.rdb.Eval(ctx, luaCompareExpire,
		[]string{lockKeyPrefix + key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis renew %s: %w", key, err)
	}
	if res < 0 {
		return dcerrors.ErrNotHolder
	}
	return nil
}

func (r *Redis) ForceUnlock(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, lockKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis force unlock %s: %w", key, err)
	}
	return nil
}

func (r *Redis) RequestRelease(ctx context.Context, key string) error {
	if err := r.rdb.Publish(ctx, releaseChannelPrefix+key, "").Err(); err != nil {
		return fmt.Errorf("redis request release %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, handler func(key string)) (func(), error) {
	pubsub := r.rdb.PSubscribe(ctx, releaseChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			handler(strings.TrimPrefix(msg.Channel, releaseChannelPrefix))
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

package coordinator

import (
	"context"
	"fmt"
	"time"
)

// Coordinator wraps the shared coordination service. It arbitrates per-key
// ownership across shard processes and carries the release-request channel.
//
// Lock is an atomic set-if-absent with expiry: it returns (true, "", nil) on
// acquisition and (false, holder, nil) on contention. Unlock and Renew are
// compare-and-delete / compare-and-expire against the holder id and return
// dcerrors.ErrNotHolder when the lock is held by someone else (or gone).
// ForceUnlock deletes unconditionally; peers use it when the holder is
// presumed hung. RequestRelease publishes on the key's channel and Subscribe
// delivers every published key to the handler.
type Coordinator interface {
	Lock(ctx context.Context, key, owner string, ttl time.Duration) (ok bool, holder string, err error)
	Unlock(ctx context.Context, key, owner string) error
	Renew(ctx context.Context, key, owner string, ttl time.Duration) error
	ForceUnlock(ctx context.Context, key string) error

	RequestRelease(ctx context.Context, key string) error
	Subscribe(ctx context.Context, handler func(key string)) (stop func(), err error)

	Close() error
}

// Config selects and parameterizes a driver.
type Config struct {
	Driver    string          `yaml:"driver"`
	Redis     RedisConfig     `yaml:"redis"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

type ZookeeperConfig struct {
	Servers []string `yaml:"servers"`
	Root    string   `yaml:"root"`
}

// Open builds a Coordinator from config.
func Open(cfg Config) (Coordinator, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.Redis), nil
	case "zookeeper":
		return NewZookeeper(cfg.Zookeeper)
	default:
		return nil, fmt.Errorf("unknown coordinator driver %q", cfg.Driver)
	}
}

package backend

import (
	"context"
	"fmt"

	"docshard/pkg/types"
)

// Store is the uniform interface over durable document drivers. Documents are
// opaque values keyed by (collection, id); Get returns (nil, nil) when the key
// has never been written or has been deleted.
type Store interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	Get(ctx context.Context, collection, id string) (types.Document, error)
	Set(ctx context.Context, collection, id string, doc types.Document) error
	Del(ctx context.Context, collection, id string) error

	// Drop removes a whole collection. Used only by the test harness.
	Drop(ctx context.Context, collection string) error
}

// Config selects and parameterizes a driver.
type Config struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Open builds a Store from config.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.Redis), nil
	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Driver)
	}
}

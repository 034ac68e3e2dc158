package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"docshard/pkg/backend"
	"docshard/pkg/coordinator"
	"docshard/pkg/shard"
)

// Config is the root configuration of a docshard daemon.
type Config struct {
	Shard       ShardConfig        `yaml:"shard"`
	Backend     backend.Config     `yaml:"backend"`
	Coordinator coordinator.Config `yaml:"coordinator"`
	Logger      LoggerConfig       `yaml:"logger"`
	Server      ServerConfig       `yaml:"http-server"`
}

// ShardConfig mirrors shard.Config with millisecond fields, the unit the
// deployment tooling uses.
type ShardConfig struct {
	ID                  string `yaml:"id"`
	UnloadDelayMS       int64  `yaml:"unload_delay_ms"`
	DocIdleTimeoutMS    int64  `yaml:"doc_idle_timeout_ms"`
	AutoUnlockTimeoutMS int64  `yaml:"auto_unlock_timeout_ms"`
	PersistIntervalMS   int64  `yaml:"persist_interval_ms"`
	ShutdownGraceMS     int64  `yaml:"shutdown_grace_ms"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// Default returns a baseline development config: in-process coordinator and
// memory backend, so a single node runs with no external services.
func Default() Config {
	return Config{
		Shard: ShardConfig{
			AutoUnlockTimeoutMS: 30_000,
			PersistIntervalMS:   200,
			ShutdownGraceMS:     5_000,
		},
		Backend:     backend.Config{Driver: "memory"},
		Coordinator: coordinator.Config{Driver: "memory"},
		Logger:      LoggerConfig{Level: "INFO"},
		Server:      ServerConfig{Port: 8080},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error: the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ShardConfig converts the millisecond fields into the core's durations.
func (c Config) ShardConfig() shard.Config {
	s := c.Shard
	return shard.Config{
		ID:                s.ID,
		UnloadDelay:       time.Duration(s.UnloadDelayMS) * time.Millisecond,
		DocIdleTimeout:    time.Duration(s.DocIdleTimeoutMS) * time.Millisecond,
		AutoUnlockTimeout: time.Duration(s.AutoUnlockTimeoutMS) * time.Millisecond,
		PersistInterval:   time.Duration(s.PersistIntervalMS) * time.Millisecond,
		ShutdownGrace:     time.Duration(s.ShutdownGraceMS) * time.Millisecond,
	}
}

// SlogLevel maps the configured level onto slog.
func (c LoggerConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

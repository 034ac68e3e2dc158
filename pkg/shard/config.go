package shard

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultAutoUnlockTimeout = 30 * time.Second
	DefaultPersistInterval   = 200 * time.Millisecond
	DefaultShutdownGrace     = 5 * time.Second
)

// Config controls one shard's lifecycle timings and identity.
type Config struct {
	// ID is the identity recorded in coordinator ownership locks.
	ID string

	// UnloadDelay is the grace period between a release-request and the start
	// of the unload, giving the local process a chance to batch more work.
	UnloadDelay time.Duration

	// DocIdleTimeout evicts slots untouched for this long. Zero disables
	// idle eviction.
	DocIdleTimeout time.Duration

	// AutoUnlockTimeout is the coordinator lock ttl, and also how long a peer
	// waits before presuming the holder hung and force-unlocking.
	AutoUnlockTimeout time.Duration

	// PersistInterval is the background save cadence.
	PersistInterval time.Duration

	// ShutdownGrace bounds how long Stop waits for in-flight holds to commit
	// or roll back before forcing unloads.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = "shard-" + uuid.NewString()
	}
	if c.AutoUnlockTimeout <= 0 {
		c.AutoUnlockTimeout = DefaultAutoUnlockTimeout
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = DefaultPersistInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Backend.Driver != "memory" || cfg.Coordinator.Driver != "memory" {
		t.Fatalf("unexpected default drivers: %s/%s", cfg.Backend.Driver, cfg.Coordinator.Driver)
	}

	sc := cfg.ShardConfig()
	if sc.AutoUnlockTimeout != 30*time.Second {
		t.Fatalf("unexpected default auto unlock timeout: %v", sc.AutoUnlockTimeout)
	}
	if sc.PersistInterval != 200*time.Millisecond {
		t.Fatalf("unexpected default persist interval: %v", sc.PersistInterval)
	}
	if sc.DocIdleTimeout != 0 {
		t.Fatalf("idle eviction should be disabled by default, got %v", sc.DocIdleTimeout)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docshard.yaml")
	data := `
shard:
  id: shard-a
  unload_delay_ms: 50
  doc_idle_timeout_ms: 60000
  persist_interval_ms: 100
backend:
  driver: redis
  redis:
    addr: localhost:6379
    db: 2
coordinator:
  driver: zookeeper
  zookeeper:
    servers: ["zk1:2181", "zk2:2181"]
    root: /docshard-test
logger:
  level: DEBUG
  json: true
http-server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	sc := cfg.ShardConfig()
	if sc.ID != "shard-a" {
		t.Fatalf("unexpected shard id: %q", sc.ID)
	}
	if sc.UnloadDelay != 50*time.Millisecond {
		t.Fatalf("unexpected unload delay: %v", sc.UnloadDelay)
	}
	if sc.DocIdleTimeout != time.Minute {
		t.Fatalf("unexpected idle timeout: %v", sc.DocIdleTimeout)
	}
	if sc.PersistInterval != 100*time.Millisecond {
		t.Fatalf("unexpected persist interval: %v", sc.PersistInterval)
	}
	// Untouched fields keep their defaults.
	if sc.AutoUnlockTimeout != 30*time.Second {
		t.Fatalf("default auto unlock timeout lost: %v", sc.AutoUnlockTimeout)
	}

	if cfg.Backend.Driver != "redis" || cfg.Backend.Redis.Addr != "localhost:6379" || cfg.Backend.Redis.DB != 2 {
		t.Fatalf("unexpected backend config: %+v", cfg.Backend)
	}
	if cfg.Coordinator.Driver != "zookeeper" || len(cfg.Coordinator.Zookeeper.Servers) != 2 {
		t.Fatalf("unexpected coordinator config: %+v", cfg.Coordinator)
	}
	if cfg.Coordinator.Zookeeper.Root != "/docshard-test" {
		t.Fatalf("unexpected zk root: %q", cfg.Coordinator.Zookeeper.Root)
	}
	if !cfg.Logger.JSON || cfg.Logger.Level != "DEBUG" {
		t.Fatalf("unexpected logger config: %+v", cfg.Logger)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("unexpected port: %d", cfg.Server.Port)
	}
}

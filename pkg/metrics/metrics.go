package metrics

import "sync"

// Collector captures counters emitted by the cache core.
type Collector interface {
	IncCounter(name string, delta uint64)
}

// Counter names used by the shard core.
const (
	Loads           = "loads"
	Unloads         = "unloads"
	Flushes         = "flushes"
	LockContention  = "lock_contention"
	ForcedEvictions = "forced_evictions"
	DroppedErrors   = "dropped_errors"
)

// Registry is a concurrency-safe Collector with a readable snapshot.
type Registry struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]uint64)}
}

func (r *Registry) IncCounter(name string, delta uint64) {
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

// Snapshot copies the current counter values.
func (r *Registry) Snapshot() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, uint64) {}

package coordinator

import (
	"context"
	"sync"
	"time"

	"docshard/pkg/dcerrors"
)

type memLock struct {
	owner   string
	expires time.Time
}

// Memory is an in-process Coordinator. Several shards in one process can
// share a single instance; tests use it to drive the cross-shard protocol
// without an external service.
type Memory struct {
	mu      sync.Mutex
	locks   map[string]memLock
	subs    map[int]func(string)
	nextSub int
}

func NewMemory() *Memory {
	return &Memory{
		locks: make(map[string]memLock),
		subs:  make(map[int]func(string)),
	}
}

func (m *Memory) Lock(ctx context.Context, key, owner string, ttl time.Duration) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[key]; ok && time.Now().Before(l.expires) && l.owner != owner {
		return false, l.owner, nil
	}
	m.locks[key] = memLock{owner: owner, expires: time.Now().Add(ttl)}
	return true, "", nil
}

func (m *Memory) Unlock(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok || l.owner != owner || time.Now().After(l.expires) {
		return dcerrors.ErrNotHolder
	}
	delete(m.locks, key)
	return nil
}

func (m *Memory) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok || l.owner != owner || time.Now().After(l.expires) {
		return dcerrors.ErrNotHolder
	}
	l.expires = time.Now().Add(ttl)
	m.locks[key] = l
	return nil
}

func (m *Memory) ForceUnlock(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.locks, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RequestRelease(ctx context.Context, key string) error {
	m.mu.Lock()
	handlers := make([]func(string), 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		go h(key)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, handler func(key string)) (func(), error) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = handler
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}, nil
}

func (m *Memory) Close() error { return nil }

// Holder reports the current live holder of key, for tests.
func (m *Memory) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok || time.Now().After(l.expires) {
		return "", false
	}
	return l.owner, true
}

package backend

import (
	"context"
	"strings"

	"github.com/zhangyunhao116/skipmap"

	"docshard/pkg/types"
)

// Memory is a process-local Store over a concurrent ordered map. It backs
// tests and doubles as the shared fixture for multi-shard scenarios: several
// shards in one process can point at the same instance.
type Memory struct {
	docs *skipmap.StringMap[types.Document]
}

func NewMemory() *Memory {
	return &Memory{docs: skipmap.NewString[types.Document]()}
}

func (m *Memory) Start(ctx context.Context) error { return nil }
func (m *Memory) Stop(ctx context.Context) error  { return nil }

func (m *Memory) Get(ctx context.Context, collection, id string) (types.Document, error) {
	doc, ok := m.docs.Load(memKey(collection, id))
	if !ok {
		return nil, nil
	}
	return doc.Clone(), nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, doc types.Document) error {
	m.docs.Store(memKey(collection, id), doc.Clone())
	return nil
}

func (m *Memory) Del(ctx context.Context, collection, id string) error {
	m.docs.Delete(memKey(collection, id))
	return nil
}

func (m *Memory) Drop(ctx context.Context, collection string) error {
	prefix := collection + "\x00"
	var stale []string
	m.docs.Range(func(key string, _ types.Document) bool {
		if strings.HasPrefix(key, prefix) {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		m.docs.Delete(key)
	}
	return nil
}

// memKey joins collection and id with a NUL separator, so collections do not
// alias each other unless a collection name itself contains NUL.
func memKey(collection, id string) string {
	return collection + "\x00" + id
}

package shard

import (
	"github.com/zhangyunhao116/skipmap"

	"docshard/pkg/types"
)

// table is the key→slot map. The skipmap gives lock-free lookups on the hot
// read path; per-slot mutation is serialized by the slot's own mutex.
type table struct {
	slots *skipmap.StringMap[*slot]
}

func newTable() *table {
	return &table{slots: skipmap.NewString[*slot]()}
}

func (t *table) get(key types.Key) (*slot, bool) {
	return t.slots.Load(string(key))
}

// getOrCreate returns the resident slot for key, inserting a fresh one in
// Loading state when absent. The second result reports whether this call
// created it (and therefore owns starting the load).
func (t *table) getOrCreate(key types.Key) (*slot, bool) {
	if s, ok := t.slots.Load(string(key)); ok {
		return s, false
	}
	s, loaded := t.slots.LoadOrStoreLazy(string(key), func() *slot { return newSlot(key) })
	return s, !loaded
}

// remove retires an Unloaded slot. After this no structure in the core holds
// a reference, so the slot is garbage-collectable.
func (t *table) remove(s *slot) {
	t.slots.Delete(string(s.key))
	s.markGone()
}

func (t *table) rangeSlots(f func(*slot) bool) {
	t.slots.Range(func(_ string, s *slot) bool {
		return f(s)
	})
}

func (t *table) len() int {
	return t.slots.Len()
}

package shard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"docshard/pkg/dcerrors"
	"docshard/pkg/metrics"
	"docshard/pkg/types"
)

// flushWriters bounds the concurrency of a persistence pass. Keys are
// partitioned by hash so one key's writes never reorder.
const flushWriters = 4

// flusher is the periodic persistence pipeline: it batches dirty, unowned
// slots to the backend so commit latency stays decoupled from backend
// latency.
type flusher struct {
	sh     *Shard
	rt     *runtime
	cancel func()
	done   chan struct{}
}

func newFlusher(sh *Shard, rt *runtime) *flusher {
	return &flusher{sh: sh, rt: rt, cancel: func() {}, done: make(chan struct{})}
}

func (f *flusher) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)

	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.sh.cfg.PersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := f.sh.saveDirty(ctx, f.rt); err != nil {
					f.sh.reportError(err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (f *flusher) Stop() {
	f.cancel()
	<-f.done
}

// pendingFlush snapshots one dirty slot for a persistence pass. The version
// lets the pass tell whether the slot mutated while its write was in flight.
type pendingFlush struct {
	s       *slot
	doc     types.Document
	version uint64
}

// saveDirty runs one persistence pass: every Loaded, dirty, unowned slot is
// verified against the coordinator and written through. Slots whose lock was
// seized are force-evicted and reported together in one LockLostError.
func (sh *Shard) saveDirty(ctx context.Context, rt *runtime) error {
	var parts [flushWriters][]pendingFlush
	rt.table.rangeSlots(func(s *slot) bool {
		s.mu.Lock()
		if s.state == stateLoaded && s.dirty && s.owner == "" {
			p := pendingFlush{s: s, doc: s.doc.Clone(), version: s.version}
			i := int(xxhash.Sum64String(s.key.String()) % flushWriters)
			parts[i] = append(parts[i], p)
		}
		s.mu.Unlock()
		return true
	})

	var (
		mu       sync.Mutex
		lost     []string
		firstErr error
		wg       sync.WaitGroup
	)
	for i := range parts {
		batch := parts[i]
		if len(batch) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, p := range batch {
				key := p.s.key.String()

				// The write is only consistent while we still hold the lock.
				err := sh.coord.Renew(ctx, key, sh.cfg.ID, sh.cfg.AutoUnlockTimeout)
				if errors.Is(err, dcerrors.ErrNotHolder) {
					p.s.mu.Lock()
					loaded := p.s.state == stateLoaded
					p.s.mu.Unlock()
					if loaded {
						sh.forceEvict(rt, p.s)
						mu.Lock()
						lost = append(lost, key)
						mu.Unlock()
					}
					continue
				}
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("persist renew %s: %w", key, err)
					}
					mu.Unlock()
					continue
				}

				if err := sh.writeThrough(ctx, p.s.key, p.doc); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("persist %s: %w", key, err)
					}
					mu.Unlock()
					continue
				}

				p.s.mu.Lock()
				if p.s.version == p.version {
					p.s.dirty = false
					p.s.committedSinceFlush = false
				}
				p.s.mu.Unlock()
				sh.mc.IncCounter(metrics.Flushes, 1)
			}
		}()
	}
	wg.Wait()

	if len(lost) > 0 {
		sort.Strings(lost)
		return &dcerrors.LockLostError{Keys: lost}
	}
	return firstErr
}

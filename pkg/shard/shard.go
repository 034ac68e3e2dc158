package shard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"docshard/pkg/backend"
	"docshard/pkg/clock"
	"docshard/pkg/coordinator"
	"docshard/pkg/dcerrors"
	"docshard/pkg/metrics"
	"docshard/pkg/types"
)

type runState uint8

const (
	runNew runState = iota
	runRunning
	runStopped
)

const errChanCap = 64

// runtime bundles the per-run state so a stopped shard can be started again
// with a clean table.
type runtime struct {
	table   *table
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// Shard is one process's view of the coordinated document cache: a local
// slot table, the lifecycle manager driving it, and the background
// persistence pipeline.
type Shard struct {
	cfg   Config
	store backend.Store
	coord coordinator.Coordinator
	clk   clock.Clock
	mc    metrics.Collector
	reg   *metrics.Registry

	lifeMu sync.Mutex
	run    runState
	rt     *runtime

	unsub func()
	jobs  []job

	errCh chan error
}

type Option func(*Shard)

// WithClock swaps the time source used for lastTouched and the idle
// sweeper's age check, e.g. a clock.Manual.
func WithClock(c clock.Clock) Option {
	return func(sh *Shard) { sh.clk = c }
}

// WithCollector replaces the default metrics registry.
func WithCollector(mc metrics.Collector) Option {
	return func(sh *Shard) {
		sh.mc = mc
		sh.reg, _ = mc.(*metrics.Registry)
	}
}

// New assembles a shard over a backend store and a coordinator client. Every
// store call is wrapped with bounded-backoff retries up to the coordinator
// lock ttl, so transient backend faults never outlive the lock they run
// under.
func New(cfg Config, store backend.Store, coord coordinator.Coordinator, opts ...Option) *Shard {
	cfg = cfg.withDefaults()
	reg := metrics.NewRegistry()
	sh := &Shard{
		cfg:   cfg,
		store: backend.WithRetry(store, cfg.AutoUnlockTimeout),
		coord: coord,
		clk:   clock.System{},
		mc:    reg,
		reg:   reg,
		errCh: make(chan error, errChanCap),
	}
	for _, opt := range opts {
		opt(sh)
	}
	return sh
}

// ID returns the identity recorded in coordinator locks.
func (sh *Shard) ID() string {
	return sh.cfg.ID
}

// Errors exposes background faults (failed unloads, lost locks, flush
// errors). The channel is buffered; overflow is counted, never blocking.
func (sh *Shard) Errors() <-chan error {
	return sh.errCh
}

// Start brings the shard online: backend, release-request subscription,
// persistence pipeline, lock renewer, idle sweeper. Idempotent while
// running.
func (sh *Shard) Start(ctx context.Context) error {
	sh.lifeMu.Lock()
	defer sh.lifeMu.Unlock()
	if sh.run == runRunning {
		return nil
	}

	if err := sh.store.Start(ctx); err != nil {
		return err
	}

	rctx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		table:   newTable(),
		stopped: make(chan struct{}),
		ctx:     rctx,
		cancel:  cancel,
	}

	releaseCh := make(chan string, 128)
	unsub, err := sh.coord.Subscribe(rctx, func(key string) {
		select {
		case releaseCh <- key:
		default:
			// Peers republish on every contention retry, so a dropped
			// request is re-delivered.
		}
	})
	if err != nil {
		cancel()
		_ = sh.store.Stop(ctx)
		return err
	}

	sh.rt = rt
	sh.unsub = unsub

	jobs := []job{
		newReleasePump(sh, releaseCh),
		newFlusher(sh, rt),
		newRenewer(sh, rt),
	}
	if sh.cfg.DocIdleTimeout > 0 {
		jobs = append(jobs, newSweeper(sh, rt))
	}
	for _, j := range jobs {
		j.Start(rctx)
	}
	sh.jobs = jobs

	sh.run = runRunning
	return nil
}

// Stop drains the shard: it fences new calls, waits a bounded grace for
// outstanding holds to settle, rolls back the rest, flushes committed dirty
// state and releases every ownership record. Idempotent.
func (sh *Shard) Stop(ctx context.Context) error {
	sh.lifeMu.Lock()
	if sh.run != runRunning {
		sh.run = runStopped
		sh.lifeMu.Unlock()
		return nil
	}
	sh.run = runStopped
	rt := sh.rt
	sh.rt = nil
	sh.lifeMu.Unlock()

	close(rt.stopped)
	sh.unsub()
	for _, j := range sh.jobs {
		j.Stop()
	}
	sh.jobs = nil

	// Bounded grace for in-flight holds to commit or roll back.
	deadline := time.Now().Add(sh.cfg.ShutdownGrace)
	for time.Now().Before(deadline) && sh.anyOwned(rt) {
		time.Sleep(10 * time.Millisecond)
	}

	// In-flight loads and unloads abort against the canceled run context.
	rt.cancel()

	var firstErr error
	rt.table.rangeSlots(func(s *slot) bool {
		if err := sh.drainSlot(ctx, rt, s); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})

	if err := sh.store.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// runtime returns the live run state, or ErrShutdown when the shard is not
// running.
func (sh *Shard) runtime() (*runtime, error) {
	sh.lifeMu.Lock()
	defer sh.lifeMu.Unlock()
	if sh.run != runRunning || sh.rt == nil {
		return nil, dcerrors.ErrShutdown
	}
	return sh.rt, nil
}

// Lock acquires the per-connection write lease on key, loading the slot
// first when needed. Re-entrant for the holding connection; other
// connections park FIFO.
func (sh *Shard) Lock(ctx context.Context, conn types.ConnID, key types.Key) error {
	rt, err := sh.runtime()
	if err != nil {
		return err
	}
	if conn == "" {
		return dcerrors.Violationf("lock %s: empty connection id", key)
	}

	for {
		s, created := rt.table.getOrCreate(key)
		if created {
			go sh.load(rt, s)
		}

		s.mu.Lock()
		switch s.state {
		case stateLoading, stateUnloading:
			w := newWaiter(conn, false)
			s.waiters = append(s.waiters, w)
			s.mu.Unlock()
			switch err := sh.awaitWaiter(ctx, rt, s, w); {
			case err == nil:
				return nil
			case errors.Is(err, errRetrySlot):
				continue
			default:
				return err
			}

		case stateUnloaded:
			loadErr := s.loadErr
			gone := s.gone
			s.mu.Unlock()
			if loadErr != nil {
				return loadErr
			}
			if err := sh.awaitGone(ctx, rt, gone); err != nil {
				return err
			}

		case stateLoaded:
			switch {
			case s.owner == conn:
				s.touchLocked(sh.clk.Now())
				s.mu.Unlock()
				return nil
			case s.owner == "" && len(s.waiters) == 0:
				s.owner = conn
				s.touchLocked(sh.clk.Now())
				s.mu.Unlock()
				return nil
			default:
				w := newWaiter(conn, false)
				s.waiters = append(s.waiters, w)
				s.mu.Unlock()
				switch err := sh.awaitWaiter(ctx, rt, s, w); {
				case err == nil:
					return nil
				case errors.Is(err, errRetrySlot):
					continue
				default:
					return err
				}
			}
		}
	}
}

// Find reads the current document, loading the slot without taking
// ownership when absent. Reads never block on the write lease.
func (sh *Shard) Find(ctx context.Context, conn types.ConnID, key types.Key) (types.Document, error) {
	rt, err := sh.runtime()
	if err != nil {
		return nil, err
	}

	for {
		s, created := rt.table.getOrCreate(key)
		if created {
			go sh.load(rt, s)
		}

		s.mu.Lock()
		switch s.state {
		case stateLoading, stateUnloading:
			w := newWaiter(conn, true)
			s.waiters = append(s.waiters, w)
			s.mu.Unlock()
			switch err := sh.awaitWaiter(ctx, rt, s, w); {
			case err == nil, errors.Is(err, errRetrySlot):
				continue
			default:
				return nil, err
			}

		case stateUnloaded:
			loadErr := s.loadErr
			gone := s.gone
			s.mu.Unlock()
			if loadErr != nil {
				return nil, loadErr
			}
			if err := sh.awaitGone(ctx, rt, gone); err != nil {
				return nil, err
			}

		case stateLoaded:
			s.touchLocked(sh.clk.Now())
			doc := s.doc.Clone()
			s.mu.Unlock()
			return doc, nil
		}
	}
}

// FindField returns one field of the document. The second result reports
// whether the field (and the document) is present.
func (sh *Shard) FindField(ctx context.Context, conn types.ConnID, key types.Key, field string) (any, bool, error) {
	doc, err := sh.Find(ctx, conn, key)
	if err != nil {
		return nil, false, err
	}
	if doc == nil {
		return nil, false, nil
	}
	v, ok := doc[field]
	return v, ok, nil
}

// Insert stores a new document in an owned slot whose document is absent.
func (sh *Shard) Insert(ctx context.Context, conn types.ConnID, key types.Key, doc types.Document) error {
	if doc == nil {
		return dcerrors.Violationf("insert %s: nil document", key)
	}
	return sh.withOwned(conn, key, func(s *slot) error {
		if s.doc != nil {
			return dcerrors.Violationf("insert %s: document already present", key)
		}
		if !s.shadowSet {
			s.shadow = nil
			s.shadowSet = true
		}
		s.doc = doc.Clone()
		s.dirty = true
		s.version++
		s.touchLocked(sh.clk.Now())
		return nil
	})
}

// Update applies patch as shallow field assignment and returns the new
// document.
func (sh *Shard) Update(ctx context.Context, conn types.ConnID, key types.Key, patch types.Document) (types.Document, error) {
	var out types.Document
	err := sh.withOwned(conn, key, func(s *slot) error {
		if s.doc == nil {
			return dcerrors.Violationf("update %s: document absent", key)
		}
		if !s.shadowSet {
			s.shadow = s.doc.Clone()
			s.shadowSet = true
		}
		for f, v := range patch.Clone() {
			s.doc[f] = v
		}
		s.dirty = true
		s.version++
		s.touchLocked(sh.clk.Now())
		out = s.doc.Clone()
		return nil
	})
	return out, err
}

// Remove marks the document absent. Removing an absent document is allowed;
// the deletion still reaches the backend.
func (sh *Shard) Remove(ctx context.Context, conn types.ConnID, key types.Key) error {
	return sh.withOwned(conn, key, func(s *slot) error {
		if !s.shadowSet {
			s.shadow = s.doc.Clone()
			s.shadowSet = true
		}
		s.doc = nil
		s.dirty = true
		s.version++
		s.touchLocked(sh.clk.Now())
		return nil
	})
}

// Commit ends the holder's transaction: the shadow is discarded, the lease
// released and the next writer woken. Persistence stays asynchronous. Commit
// on a slot nobody owns is a no-op.
func (sh *Shard) Commit(ctx context.Context, conn types.ConnID, key types.Key) error {
	rt, err := sh.runtime()
	if err != nil {
		return err
	}
	s, ok := rt.table.get(key)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateLoaded || s.owner == "" {
		return nil
	}
	if s.owner != conn {
		return dcerrors.Violationf("commit %s: lease held by %s", key, s.owner)
	}

	s.shadow = nil
	s.shadowSet = false
	if s.dirty {
		s.committedSinceFlush = true
	}
	s.owner = ""
	now := sh.clk.Now()
	s.touchLocked(now)
	s.wakeLocked(now)
	sh.afterReleaseLocked(rt, s)
	return nil
}

// Rollback restores the document observed at the start of the hold and
// releases the lease. Without a prior mutation it is a no-op release.
func (sh *Shard) Rollback(ctx context.Context, conn types.ConnID, key types.Key) error {
	rt, err := sh.runtime()
	if err != nil {
		return err
	}
	s, ok := rt.table.get(key)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateLoaded || s.owner == "" {
		return nil
	}
	if s.owner != conn {
		return dcerrors.Violationf("rollback %s: lease held by %s", key, s.owner)
	}

	if s.shadowSet {
		s.doc = s.shadow
		s.shadow = nil
		s.shadowSet = false
		s.dirty = s.committedSinceFlush
		s.version++
	}
	s.owner = ""
	now := sh.clk.Now()
	s.touchLocked(now)
	s.wakeLocked(now)
	sh.afterReleaseLocked(rt, s)
	return nil
}

// IsLoaded reports whether key currently resides in memory. Test
// introspection.
func (sh *Shard) IsLoaded(key types.Key) bool {
	rt, err := sh.runtime()
	if err != nil {
		return false
	}
	s, ok := rt.table.get(key)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateLoaded
}

// SaveAll synchronously runs one persistence pass over every dirty,
// unowned slot. Keys whose coordinator lock was lost are force-evicted and
// named in the returned LockLostError.
func (sh *Shard) SaveAll(ctx context.Context) error {
	rt, err := sh.runtime()
	if err != nil {
		return err
	}
	return sh.saveDirty(ctx, rt)
}

// withOwned runs f under the slot mutex after checking the caller holds the
// write lease on a loaded slot.
func (sh *Shard) withOwned(conn types.ConnID, key types.Key, f func(*slot) error) error {
	rt, err := sh.runtime()
	if err != nil {
		return err
	}
	s, ok := rt.table.get(key)
	if !ok {
		return dcerrors.Violationf("%s: not loaded", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateLoaded {
		return dcerrors.Violationf("%s: not loaded", key)
	}
	if s.owner != conn {
		return dcerrors.Violationf("%s: write lease not held by %q", key, conn)
	}
	return f(s)
}

// awaitWaiter parks the caller until its waiter is signaled, the context is
// canceled or the shard stops.
func (sh *Shard) awaitWaiter(ctx context.Context, rt *runtime, s *slot, w *waiter) error {
	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		sh.abandonWaiter(s, w)
		return ctx.Err()
	case <-rt.stopped:
		sh.abandonWaiter(s, w)
		return dcerrors.ErrShutdown
	}
}

// abandonWaiter unparks w after a cancellation. When the signal already won
// the race and granted ownership, the lease is handed back.
func (sh *Shard) abandonWaiter(s *slot, w *waiter) {
	s.mu.Lock()
	if s.removeWaiterLocked(w) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := <-w.ch; err != nil || w.read {
		return
	}
	s.mu.Lock()
	if s.owner == w.conn {
		s.owner = ""
		s.wakeLocked(sh.clk.Now())
	}
	s.mu.Unlock()
}

func (sh *Shard) awaitGone(ctx context.Context, rt *runtime, gone <-chan struct{}) error {
	select {
	case <-gone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-rt.stopped:
		return dcerrors.ErrShutdown
	}
}

func (sh *Shard) anyOwned(rt *runtime) bool {
	owned := false
	rt.table.rangeSlots(func(s *slot) bool {
		s.mu.Lock()
		owned = s.owner != ""
		s.mu.Unlock()
		return !owned
	})
	return owned
}

func (sh *Shard) reportError(err error) {
	slog.Warn("docshard background error", "shard", sh.cfg.ID, "error", err)
	select {
	case sh.errCh <- err:
	default:
		sh.mc.IncCounter(metrics.DroppedErrors, 1)
	}
}

// SlotInfo describes one resident slot in a status snapshot.
type SlotInfo struct {
	Key              string    `json:"key"`
	State            string    `json:"state"`
	Owner            string    `json:"owner,omitempty"`
	Dirty            bool      `json:"dirty"`
	ReleaseRequested bool      `json:"releaseRequested,omitempty"`
	LastTouched      time.Time `json:"lastTouched"`
}

// Snapshot is a point-in-time view for the admin API.
type Snapshot struct {
	ShardID  string            `json:"shardId"`
	Running  bool              `json:"running"`
	Slots    []SlotInfo        `json:"slots"`
	Counters map[string]uint64 `json:"counters,omitempty"`
}

func (sh *Shard) Snapshot() Snapshot {
	snap := Snapshot{ShardID: sh.cfg.ID}
	if sh.reg != nil {
		snap.Counters = sh.reg.Snapshot()
	}
	rt, err := sh.runtime()
	if err != nil {
		return snap
	}
	snap.Running = true
	rt.table.rangeSlots(func(s *slot) bool {
		s.mu.Lock()
		snap.Slots = append(snap.Slots, SlotInfo{
			Key:              s.key.String(),
			State:            s.state.String(),
			Owner:            string(s.owner),
			Dirty:            s.dirty,
			ReleaseRequested: s.releaseRequested,
			LastTouched:      s.lastTouched,
		})
		s.mu.Unlock()
		return true
	})
	return snap
}

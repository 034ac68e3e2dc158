package shard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"docshard/pkg/dcerrors"
	"docshard/pkg/metrics"
	"docshard/pkg/types"
)

const (
	lockRetryBaseDelay = 5 * time.Millisecond
	lockRetryMaxDelay  = 250 * time.Millisecond
)

// load brings a fresh slot to Loaded: coordinator lock first, then the
// backend read, then the FIFO drain of everyone who queued up meanwhile.
func (sh *Shard) load(rt *runtime, s *slot) {
	ctx := rt.ctx

	err := sh.acquireOwnership(ctx, s)
	if err == nil {
		var doc types.Document
		doc, err = sh.store.Get(ctx, s.key.Collection(), s.key.ID())
		if err == nil {
			s.mu.Lock()
			s.doc = doc
			s.state = stateLoaded
			now := sh.clk.Now()
			s.touchLocked(now)
			s.wakeLocked(now)
			s.mu.Unlock()
			sh.mc.IncCounter(metrics.Loads, 1)
			return
		}

		// The document never made it into memory; give the lock back.
		uctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if uerr := sh.coord.Unlock(uctx, s.key.String(), sh.cfg.ID); uerr != nil && !errors.Is(uerr, dcerrors.ErrNotHolder) {
			sh.reportError(fmt.Errorf("unlock after failed load %s: %w", s.key, uerr))
		}
		cancel()
	}

	err = fmt.Errorf("load %s: %w", s.key, err)
	s.mu.Lock()
	s.state = stateUnloaded
	s.lockHeld = false
	s.loadErr = err
	s.failWaitersLocked(err)
	s.mu.Unlock()
	rt.table.remove(s)
	sh.reportError(err)
}

// acquireOwnership takes the coordinator lock for the slot's key. On
// contention it asks the holder to release and backs off exponentially;
// once the holder has been unresponsive for the full lock ttl it is presumed
// hung and the lock is seized.
func (sh *Shard) acquireOwnership(ctx context.Context, s *slot) error {
	key := s.key.String()
	ttl := sh.cfg.AutoUnlockTimeout
	deadline := time.Now().Add(ttl)
	delay := lockRetryBaseDelay

	for {
		ok, _, err := sh.coord.Lock(ctx, key, sh.cfg.ID, ttl)
		if err != nil {
			return err
		}
		if ok {
			s.mu.Lock()
			s.lockHeld = true
			s.mu.Unlock()
			return nil
		}

		sh.mc.IncCounter(metrics.LockContention, 1)
		if time.Now().After(deadline) {
			if err := sh.coord.ForceUnlock(ctx, key); err != nil {
				return err
			}
			deadline = time.Now().Add(ttl)
			continue
		}
		if err := sh.coord.RequestRelease(ctx, key); err != nil {
			return err
		}

		select {
		case <-time.After(lockJitter(delay)):
		case <-ctx.Done():
			return ctx.Err()
		}
		if delay *= 2; delay > lockRetryMaxDelay {
			delay = lockRetryMaxDelay
		}
	}
}

func lockJitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(fastrand.Uint64n(uint64(d)/2+1))
}

// handleReleaseRequest reacts to a peer's request on the key's channel.
func (sh *Shard) handleReleaseRequest(key types.Key) {
	rt, err := sh.runtime()
	if err != nil {
		return
	}
	s, ok := rt.table.get(key)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state != stateLoaded:
		// Loading: the request is from a contender racing us for a key we do
		// not hold yet (possibly ourselves); contenders republish, so
		// dropping it is safe. Unloading: already on its way out.
	case s.owner != "":
		s.releaseRequested = true
	default:
		s.releaseRequested = true
		sh.scheduleUnloadLocked(rt, s, sh.cfg.UnloadDelay)
	}
}

// afterReleaseLocked runs after a commit/rollback freed the lease: a pending
// release-request now gets its unload scheduled.
func (sh *Shard) afterReleaseLocked(rt *runtime, s *slot) {
	if s.owner == "" && s.releaseRequested {
		sh.scheduleUnloadLocked(rt, s, sh.cfg.UnloadDelay)
	}
}

// scheduleUnloadLocked arms the unload for a Loaded, unowned slot. With no
// delay the transition happens here; with a delay the timer re-checks the
// preconditions when it fires.
func (sh *Shard) scheduleUnloadLocked(rt *runtime, s *slot, delay time.Duration) {
	if s.state != stateLoaded || s.owner != "" || s.unloadPending {
		return
	}
	s.unloadPending = true

	if delay <= 0 {
		s.state = stateUnloading
		go sh.unload(rt.ctx, rt, s)
		return
	}

	s.unloadTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.unloadPending = false
		s.unloadTimer = nil
		if s.state == stateLoaded && s.owner == "" {
			s.state = stateUnloading
			s.mu.Unlock()
			sh.unload(rt.ctx, rt, s)
			return
		}
		s.mu.Unlock()
	})
}

// unload writes a dirty slot through to the backend, releases the
// coordinator lock and retires the slot. Called with state already
// Unloading.
func (sh *Shard) unload(ctx context.Context, rt *runtime, s *slot) {
	s.mu.Lock()
	dirty := s.dirty
	doc := s.doc.Clone()
	s.mu.Unlock()
	key := s.key.String()

	if dirty {
		// A write is only valid while the ownership lock is still ours.
		if err := sh.coord.Renew(ctx, key, sh.cfg.ID, sh.cfg.AutoUnlockTimeout); err != nil {
			if errors.Is(err, dcerrors.ErrNotHolder) {
				sh.forceEvict(rt, s)
				sh.reportError(&dcerrors.LockLostError{Keys: []string{key}})
				return
			}
			sh.abortUnload(s, fmt.Errorf("unload %s: %w", s.key, err))
			return
		}
		if err := sh.writeThrough(ctx, s.key, doc); err != nil {
			sh.abortUnload(s, fmt.Errorf("unload %s: %w", s.key, err))
			return
		}
		s.mu.Lock()
		s.dirty = false
		s.committedSinceFlush = false
		s.mu.Unlock()
		sh.mc.IncCounter(metrics.Flushes, 1)
	}

	err := sh.coord.Unlock(ctx, key, sh.cfg.ID)
	switch {
	case errors.Is(err, dcerrors.ErrNotHolder):
		// Expired and seized; local state was flushed (or clean), so only
		// the inconsistency is worth surfacing.
		sh.reportError(&dcerrors.LockLostError{Keys: []string{key}})
	case err != nil:
		sh.reportError(fmt.Errorf("unlock %s: %w", s.key, err))
	}

	s.mu.Lock()
	s.state = stateUnloaded
	s.lockHeld = false
	s.failWaitersLocked(errRetrySlot)
	s.mu.Unlock()
	rt.table.remove(s)
	sh.mc.IncCounter(metrics.Unloads, 1)
}

// abortUnload puts a slot whose write-through failed back to Loaded, still
// dirty, and surfaces the fault.
func (sh *Shard) abortUnload(s *slot, err error) {
	s.mu.Lock()
	s.state = stateLoaded
	s.unloadPending = false
	s.wakeLocked(sh.clk.Now())
	s.mu.Unlock()
	sh.reportError(err)
}

// forceEvict discards a slot whose coordinator lock a peer seized: local
// mutations are dropped without touching the backend.
func (sh *Shard) forceEvict(rt *runtime, s *slot) {
	s.mu.Lock()
	if s.state == stateUnloaded {
		s.mu.Unlock()
		return
	}
	if s.unloadTimer != nil {
		s.unloadTimer.Stop()
		s.unloadTimer = nil
	}
	s.state = stateUnloaded
	s.lockHeld = false
	s.dirty = false
	s.doc = nil
	s.failWaitersLocked(errRetrySlot)
	s.mu.Unlock()
	rt.table.remove(s)
	sh.mc.IncCounter(metrics.ForcedEvictions, 1)
}

// writeThrough persists the current value: a document overwrite or, for an
// absent document, a delete.
func (sh *Shard) writeThrough(ctx context.Context, key types.Key, doc types.Document) error {
	if doc == nil {
		return sh.store.Del(ctx, key.Collection(), key.ID())
	}
	return sh.store.Set(ctx, key.Collection(), key.ID(), doc)
}

// drainSlot synchronously unloads one slot during Stop. Uncommitted holds
// are rolled back; committed dirty state is written out. On a failed write
// the coordinator lock is deliberately left to expire so a peer does not
// load a value older than what this shard acknowledged.
func (sh *Shard) drainSlot(ctx context.Context, rt *runtime, s *slot) error {
	for {
		s.mu.Lock()
		switch s.state {
		case stateUnloaded:
			s.mu.Unlock()
			return nil
		case stateLoading, stateUnloading:
			// In-flight transition aborting against the canceled run context.
			s.mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			continue
		}

		if s.unloadTimer != nil {
			s.unloadTimer.Stop()
			s.unloadTimer = nil
		}
		if s.owner != "" {
			// The grace period expired on this hold; discard its mutations.
			if s.shadowSet {
				s.doc = s.shadow
				s.shadow = nil
				s.shadowSet = false
				s.dirty = s.committedSinceFlush
			}
			s.owner = ""
		}
		s.failWaitersLocked(dcerrors.ErrShutdown)
		s.state = stateUnloading
		dirty := s.dirty
		doc := s.doc.Clone()
		s.mu.Unlock()

		key := s.key.String()
		var firstErr error
		if dirty {
			if err := sh.writeThrough(ctx, s.key, doc); err != nil {
				firstErr = fmt.Errorf("drain %s: %w", s.key, err)
				sh.reportError(firstErr)
				sh.retireSlot(rt, s)
				return firstErr
			}
			sh.mc.IncCounter(metrics.Flushes, 1)
		}
		if err := sh.coord.Unlock(ctx, key, sh.cfg.ID); err != nil && !errors.Is(err, dcerrors.ErrNotHolder) {
			firstErr = fmt.Errorf("drain unlock %s: %w", s.key, err)
			sh.reportError(firstErr)
		}
		sh.retireSlot(rt, s)
		sh.mc.IncCounter(metrics.Unloads, 1)
		return firstErr
	}
}

func (sh *Shard) retireSlot(rt *runtime, s *slot) {
	s.mu.Lock()
	s.state = stateUnloaded
	s.lockHeld = false
	s.failWaitersLocked(errRetrySlot)
	s.mu.Unlock()
	rt.table.remove(s)
}

// sweeper evicts slots idle past DocIdleTimeout.
type sweeper struct {
	sh     *Shard
	rt     *runtime
	cancel func()
	done   chan struct{}
}

func newSweeper(sh *Shard, rt *runtime) *sweeper {
	return &sweeper{sh: sh, rt: rt, cancel: func() {}, done: make(chan struct{})}
}

func (sw *sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	interval := sw.sh.cfg.DocIdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	go func() {
		defer close(sw.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sw.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (sw *sweeper) sweep() {
	now := sw.sh.clk.Now()
	timeout := sw.sh.cfg.DocIdleTimeout
	sw.rt.table.rangeSlots(func(s *slot) bool {
		s.mu.Lock()
		if s.state == stateLoaded && s.owner == "" && now.Sub(s.lastTouched) >= timeout {
			sw.sh.scheduleUnloadLocked(sw.rt, s, 0)
		}
		s.mu.Unlock()
		return true
	})
}

func (sw *sweeper) Stop() {
	sw.cancel()
	<-sw.done
}

package shard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docshard/pkg/dcerrors"
)

// renewer extends every held coordinator lock at a third of its ttl so an
// alive shard never loses ownership to expiry.
type renewer struct {
	sh     *Shard
	rt     *runtime
	cancel func()
	done   chan struct{}
}

func newRenewer(sh *Shard, rt *runtime) *renewer {
	return &renewer{sh: sh, rt: rt, cancel: func() {}, done: make(chan struct{})}
}

func (r *renewer) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.sh.cfg.AutoUnlockTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.renewHeld(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *renewer) renewHeld(ctx context.Context) {
	sh := r.sh
	r.rt.table.rangeSlots(func(s *slot) bool {
		s.mu.Lock()
		held := s.lockHeld
		state := s.state
		owner := s.owner
		s.mu.Unlock()
		if !held || state == stateUnloaded {
			return true
		}

		err := sh.coord.Renew(ctx, s.key.String(), sh.cfg.ID, sh.cfg.AutoUnlockTimeout)
		switch {
		case err == nil:
		case errors.Is(err, dcerrors.ErrNotHolder):
			if state == stateLoaded && owner == "" {
				sh.forceEvict(r.rt, s)
				sh.reportError(&dcerrors.LockLostError{Keys: []string{s.key.String()}})
			} else {
				// Owned or mid-transition: the save path detects the seizure
				// and evicts there.
				s.mu.Lock()
				s.lockHeld = false
				s.mu.Unlock()
			}
		case errors.Is(err, context.Canceled):
		default:
			sh.reportError(fmt.Errorf("renew %s: %w", s.key, err))
		}
		return true
	})
}

func (r *renewer) Stop() {
	r.cancel()
	<-r.done
}

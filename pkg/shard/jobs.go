package shard

import (
	"context"

	"docshard/pkg/types"
)

// job is the contract every background worker of a shard follows: the
// persistence flusher, the lock renewer, the idle sweeper and the release
// pump. Start may only be called once per run; Stop blocks until the worker
// goroutine has exited.
type job interface {
	Start(ctx context.Context)
	Stop()
}

var (
	_ job = (*releasePump)(nil)
	_ job = (*flusher)(nil)
	_ job = (*renewer)(nil)
	_ job = (*sweeper)(nil)
)

// releasePump decouples the coordinator subscription from the lifecycle
// manager: release requests land in a bounded queue and are applied one at a
// time, so a slow unload never stalls the subscriber callback, and the
// callback never touches slot mutexes.
type releasePump struct {
	sh     *Shard
	in     <-chan string
	cancel func()
	done   chan struct{}
}

func newReleasePump(sh *Shard, in <-chan string) *releasePump {
	return &releasePump{sh: sh, in: in, cancel: func() {}, done: make(chan struct{})}
}

func (p *releasePump) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	go func() {
		defer close(p.done)
		for {
			select {
			case key := <-p.in:
				p.sh.handleReleaseRequest(types.Key(key))
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *releasePump) Stop() {
	p.cancel()
	<-p.done
}

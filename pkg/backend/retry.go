package backend

import (
	"context"
	"errors"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"docshard/pkg/dcerrors"
	"docshard/pkg/types"
)

const (
	retryBaseDelay = 10 * time.Millisecond
	retryMaxDelay  = 500 * time.Millisecond
)

// retryStore wraps a Store and retries transient failures with exponential
// backoff plus jitter until the budget elapses. Only errors matching
// ErrBackendUnavailable are retried.
type retryStore struct {
	inner  Store
	budget time.Duration
}

// WithRetry bounds every I/O call of inner by budget worth of retries.
func WithRetry(inner Store, budget time.Duration) Store {
	return &retryStore{inner: inner, budget: budget}
}

func (r *retryStore) Start(ctx context.Context) error { return r.inner.Start(ctx) }
func (r *retryStore) Stop(ctx context.Context) error  { return r.inner.Stop(ctx) }

func (r *retryStore) Get(ctx context.Context, collection, id string) (types.Document, error) {
	var doc types.Document
	err := r.retry(ctx, func() error {
		var err error
		doc, err = r.inner.Get(ctx, collection, id)
		return err
	})
	return doc, err
}

func (r *retryStore) Set(ctx context.Context, collection, id string, doc types.Document) error {
	return r.retry(ctx, func() error { return r.inner.Set(ctx, collection, id, doc) })
}

func (r *retryStore) Del(ctx context.Context, collection, id string) error {
	return r.retry(ctx, func() error { return r.inner.Del(ctx, collection, id) })
}

func (r *retryStore) Drop(ctx context.Context, collection string) error {
	return r.retry(ctx, func() error { return r.inner.Drop(ctx, collection) })
}

func (r *retryStore) retry(ctx context.Context, op func() error) error {
	deadline := time.Now().Add(r.budget)
	delay := retryBaseDelay
	for {
		err := op()
		if err == nil || !errors.Is(err, dcerrors.ErrBackendUnavailable) {
			return err
		}
		if time.Now().Add(delay).After(deadline) {
			return err
		}

		select {
		case <-time.After(jitter(delay)):
		case <-ctx.Done():
			return ctx.Err()
		}
		if delay *= 2; delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

// jitter spreads retries of concurrent keys so a recovering backend is not
// hit by a synchronized burst.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(fastrand.Uint64n(uint64(d)/2+1))
}

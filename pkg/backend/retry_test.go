package backend

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"docshard/pkg/dcerrors"
	"docshard/pkg/types"
)

// flakyStore fails Get and Set with a transient error until the fuse burns
// down; the other operations pass straight through to Memory.
type flakyStore struct {
	*Memory
	remaining atomic.Int32
}

func newFlakyStore(failures int32) *flakyStore {
	f := &flakyStore{Memory: NewMemory()}
	f.remaining.Store(failures)
	return f
}

func (f *flakyStore) trip() error {
	if f.remaining.Add(-1) >= 0 {
		return fmt.Errorf("%w: injected fault", dcerrors.ErrBackendUnavailable)
	}
	return nil
}

func (f *flakyStore) Get(ctx context.Context, collection, id string) (types.Document, error) {
	if err := f.trip(); err != nil {
		return nil, err
	}
	return f.Memory.Get(ctx, collection, id)
}

func (f *flakyStore) Set(ctx context.Context, collection, id string, doc types.Document) error {
	if err := f.trip(); err != nil {
		return err
	}
	return f.Memory.Set(ctx, collection, id, doc)
}

func TestWithRetry_RecoversFromTransientFaults(t *testing.T) {
	flaky := newFlakyStore(3)
	store := WithRetry(flaky, 5*time.Second)
	ctx := context.Background()

	if err := store.Set(ctx, "user", "1", types.Document{"a": 1}); err != nil {
		t.Fatalf("Set should have recovered, got %v", err)
	}
	doc, err := store.Get(ctx, "user", "1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc == nil || doc["a"] != 1 {
		t.Fatalf("unexpected document: %v", doc)
	}
}

func TestWithRetry_GivesUpAtBudget(t *testing.T) {
	flaky := newFlakyStore(1000)
	store := WithRetry(flaky, 50*time.Millisecond)

	err := store.Set(context.Background(), "user", "1", types.Document{"a": 1})
	if !errors.Is(err, dcerrors.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable after budget, got %v", err)
	}
}

// brokenStore always fails with a non-transient error.
type brokenStore struct {
	*Memory
	calls atomic.Int32
}

var errCorrupt = errors.New("corrupt payload")

func (b *brokenStore) Get(ctx context.Context, collection, id string) (types.Document, error) {
	b.calls.Add(1)
	return nil, errCorrupt
}

func TestWithRetry_DoesNotRetryPermanentErrors(t *testing.T) {
	broken := &brokenStore{Memory: NewMemory()}
	store := WithRetry(broken, 5*time.Second)

	start := time.Now()
	_, err := store.Get(context.Background(), "user", "1")
	if !errors.Is(err, errCorrupt) {
		t.Fatalf("expected the permanent error, got %v", err)
	}
	if n := broken.calls.Load(); n != 1 {
		t.Fatalf("permanent error retried %d times", n)
	}
	if time.Since(start) > time.Second {
		t.Fatal("permanent error burned retry budget")
	}
}

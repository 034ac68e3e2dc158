package backend

import (
	"context"
	"testing"

	"docshard/pkg/types"
)

func TestMemory_SetGetDel(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	doc := types.Document{"name": "rain", "age": 30}
	if err := store.Set(ctx, "user", "1", doc); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := store.Get(ctx, "user", "1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got["name"] != "rain" || got["age"] != 30 {
		t.Fatalf("unexpected document: %v", got)
	}

	// The store must hold its own copy.
	got["name"] = "mutated"
	again, err := store.Get(ctx, "user", "1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if again["name"] != "rain" {
		t.Fatalf("stored document aliased a caller copy: %v", again)
	}

	if err := store.Del(ctx, "user", "1"); err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	got, err = store.Get(ctx, "user", "1")
	if err != nil {
		t.Fatalf("Get after Del failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected absent after Del, got %v", got)
	}

	// Deleting an absent key is a success.
	if err := store.Del(ctx, "user", "1"); err != nil {
		t.Fatalf("Del on absent failed: %v", err)
	}
}

func TestMemory_GetAbsentIsNil(t *testing.T) {
	store := NewMemory()
	got, err := store.Get(context.Background(), "user", "missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for absent key, got %v", got)
	}

	// An empty document is distinct from an absent one.
	if err := store.Set(context.Background(), "user", "empty", types.Document{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err = store.Get(context.Background(), "user", "empty")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("empty document read back as absent")
	}
}

func TestMemory_DropRemovesOnlyCollection(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.Set(ctx, "user", "1", types.Document{"a": 1}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set(ctx, "order", "1", types.Document{"b": 2}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := store.Drop(ctx, "user"); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if doc, _ := store.Get(ctx, "user", "1"); doc != nil {
		t.Fatalf("user collection survived Drop: %v", doc)
	}
	if doc, _ := store.Get(ctx, "order", "1"); doc == nil {
		t.Fatal("Drop leaked into another collection")
	}
}

//go:build integration

// Integration tests that require Docker and a real MongoDB.
package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zebpalmer/mongoelector/internal/mongotest"
	"github.com/zebpalmer/mongoelector/storage"
)

func TestDistLockIntegration_AcquireReleaseContention(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	db := mongotest.StartMongo(ctx, t)

	store := storage.NewMongoStore(db, storage.MongoStoreConfig{})
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}

	cfg := DefaultConfig("svc")
	cfg.TTL = 5 * time.Second
	a, err := New(store, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b, err := New(store, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("A Acquire failed: %v", err)
	}
	owned, err := a.Owned(ctx)
	if err != nil {
		t.Fatalf("Owned failed: %v", err)
	}
	if !owned {
		t.Fatal("A should own the lease")
	}

	if err := b.TryAcquire(ctx); !errors.Is(err, ErrLockExists) {
		t.Fatalf("expected ErrLockExists for B, got %v", err)
	}

	go func() {
		time.Sleep(300 * time.Millisecond)
		a.Release(context.Background())
	}()

	err = b.AcquireWithOptions(ctx, AcquireOptions{Timeout: 6 * time.Second})
	if err != nil {
		t.Fatalf("B blocking Acquire failed: %v", err)
	}

	owned, err = b.Owned(ctx)
	if err != nil {
		t.Fatalf("Owned failed: %v", err)
	}
	if !owned {
		t.Error("B should own the lease after A released")
	}
}

func TestDistLockIntegration_ExpirySteal(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	db := mongotest.StartMongo(ctx, t)

	store := storage.NewMongoStore(db, storage.MongoStoreConfig{})
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}

	cfg := DefaultConfig("svc")
	cfg.TTL = 2 * time.Second
	a, err := New(store, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b, err := New(store, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("A Acquire failed: %v", err)
	}

	// A goes quiet past its lease.
	time.Sleep(3 * time.Second)

	if err := b.TryAcquire(ctx); err != nil {
		t.Fatalf("B should steal the expired lease: %v", err)
	}

	_, held, err := a.Touch(ctx)
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if held {
		t.Error("A's touch after the steal must report loss")
	}
}

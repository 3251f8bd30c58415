//go:build integration

// Integration tests that require Docker and a real MongoDB.
package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zebpalmer/mongoelector/internal/mongotest"
)

func TestMongoStoreIntegration_ConditionalOps(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	db := mongotest.StartMongo(ctx, t)

	store := NewMongoStore(db, MongoStoreConfig{})
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}

	now, err := store.ServerNow(ctx)
	if err != nil {
		t.Fatalf("ServerNow failed: %v", err)
	}
	if d := time.Since(now); d < -time.Minute || d > time.Minute {
		t.Errorf("server clock implausibly far from host clock: %v", d)
	}

	lock := &Lock{
		Key:       "k",
		OwnerID:   "owner-1",
		Host:      "test-host",
		PID:       1,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
		TTL:       60,
	}

	if err := store.CreateIfAbsent(ctx, lock); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.CreateIfAbsent(ctx, lock); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists on the unique index, got %v", err)
	}

	if err := store.UpdateIfMatch(ctx, "k", "intruder", now.Add(2*time.Minute)); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
	newExpiry := now.Add(2 * time.Minute).Truncate(time.Millisecond)
	if err := store.UpdateIfMatch(ctx, "k", "owner-1", newExpiry); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	found, err := store.Find(ctx, "k")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if !found.ExpiresAt.Truncate(time.Millisecond).Equal(newExpiry) {
		t.Errorf("expected expiry %v, got %v", newExpiry, found.ExpiresAt)
	}
	if found.Host != "test-host" || found.TTL != 60 {
		t.Errorf("round-tripped document mangled: %+v", found)
	}

	if err := store.DeleteIfMatch(ctx, "k", "intruder"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
	if err := store.DeleteIfMatch(ctx, "k", "owner-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Find(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMongoStoreIntegration_StatusDocuments(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	db := mongotest.StartMongo(ctx, t)

	store := NewMongoStore(db, MongoStoreConfig{})
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}

	now, err := store.ServerNow(ctx)
	if err != nil {
		t.Fatalf("ServerNow failed: %v", err)
	}

	for _, owner := range []string{"node-b", "node-a"} {
		status := &NodeStatus{
			ElectionKey: "svc",
			OwnerID:     owner,
			Host:        "test-host",
			PID:         1,
			IsLeader:    owner == "node-a",
			Heartbeat:   now,
			State:       NodeFollower,
		}
		if err := store.UpsertStatus(ctx, status); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
		// Upserts of the same identity must not duplicate.
		if err := store.UpsertStatus(ctx, status); err != nil {
			t.Fatalf("repeat upsert failed: %v", err)
		}
	}

	statuses, err := store.ListStatus(ctx, "svc")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].OwnerID != "node-a" || statuses[1].OwnerID != "node-b" {
		t.Errorf("statuses should be ordered by owner id: %+v", statuses)
	}

	if err := store.DeleteStatus(ctx, "svc", "node-a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	statuses, err = store.ListStatus(ctx, "svc")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(statuses) != 1 {
		t.Errorf("expected 1 status after delete, got %d", len(statuses))
	}
}

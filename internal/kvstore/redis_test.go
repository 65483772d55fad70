package kvstore

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestPutGetDelete(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "user:42", `{"thread_id":7}`, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := store.Get(ctx, "user:42")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != `{"thread_id":7}` {
		t.Fatalf("Get mismatch: got %q", got)
	}

	if err := store.Delete(ctx, "user:42"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "user:42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestGetMissingKey(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.Delete(context.Background(), "nope"); err != nil {
		t.Fatalf("Delete of missing key should not error: %v", err)
	}
}

func TestPutWithTTLExpires(t *testing.T) {
	store, s := setupTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "retry:42", "1", 60*time.Second); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := store.Get(ctx, "retry:42"); err != nil {
		t.Fatalf("Get before expiry failed: %v", err)
	}

	s.FastForward(61 * time.Second)

	if _, err := store.Get(ctx, "retry:42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestListPaginatesByPrefix(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	want := []string{"user:1", "user:2", "user:3", "user:4", "user:5"}
	for _, k := range want {
		if err := store.Put(ctx, k, "x", 0); err != nil {
			t.Fatalf("Put %s failed: %v", k, err)
		}
	}
	if err := store.Put(ctx, "thread:9", "1", 0); err != nil {
		t.Fatalf("Put thread:9 failed: %v", err)
	}

	var got []string
	cursor := ""
	for {
		keys, next, err := store.List(ctx, "user:", cursor, 2)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		got = append(got, keys...)
		if next == "" {
			break
		}
		cursor = next
	}

	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("List returned %d keys, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List keys mismatch at %d: got %q want %q", i, got[i], want[i])
		}
	}
}

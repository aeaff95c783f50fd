// Package storagetest provides a conformance suite for storage.Store
// implementations.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/locshare-go/storage"
)

// StoreFactory is a function that creates a new, empty store for testing.
type StoreFactory func(t *testing.T) storage.Store

// RunStoreTests runs the complete store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("GetMissingKey", func(t *testing.T) { testGetMissingKey(t, factory) })
	t.Run("SetThenGet", func(t *testing.T) { testSetThenGet(t, factory) })
	t.Run("SetOverwrites", func(t *testing.T) { testSetOverwrites(t, factory) })
	t.Run("ClearRemovesAllKeys", func(t *testing.T) { testClearRemovesAllKeys(t, factory) })
	t.Run("ClearOnEmptyStore", func(t *testing.T) { testClearOnEmptyStore(t, factory) })
	t.Run("EmptyKeyRejected", func(t *testing.T) { testEmptyKeyRejected(t, factory) })
	t.Run("CancelledContext", func(t *testing.T) { testCancelledContext(t, factory) })
}

func newStore(t *testing.T, factory StoreFactory) storage.Store {
	t.Helper()
	s := factory(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testGetMissingKey(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, ok, err := s.Get(ctx, storage.SessionIDKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok || v != "" {
		t.Fatalf("expected missing key, got (%q, %v)", v, ok)
	}
}

func testSetThenGet(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Set(ctx, storage.SessionIDKey, "sess-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.Get(ctx, storage.SessionIDKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || v != "sess-1" {
		t.Fatalf("expected (sess-1, true), got (%q, %v)", v, ok)
	}
}

func testSetOverwrites(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Set(ctx, storage.SessionIDKey, "sess-1"); err != nil {
		t.Fatalf("set 1: %v", err)
	}
	if err := s.Set(ctx, storage.SessionIDKey, "sess-2"); err != nil {
		t.Fatalf("set 2: %v", err)
	}
	v, ok, err := s.Get(ctx, storage.SessionIDKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || v != "sess-2" {
		t.Fatalf("expected (sess-2, true), got (%q, %v)", v, ok)
	}
}

func testClearRemovesAllKeys(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Set(ctx, storage.SessionIDKey, "sess-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "other", "value"); err != nil {
		t.Fatalf("set other: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	for _, key := range []string{storage.SessionIDKey, "other"} {
		_, ok, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if ok {
			t.Fatalf("expected %s to be cleared", key)
		}
	}
}

func testClearOnEmptyStore(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func testEmptyKeyRejected(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Set(ctx, "", "v"); !errors.Is(err, storage.ErrEmptyKey) {
		t.Fatalf("set: expected ErrEmptyKey, got %v", err)
	}
	if _, _, err := s.Get(ctx, ""); !errors.Is(err, storage.ErrEmptyKey) {
		t.Fatalf("get: expected ErrEmptyKey, got %v", err)
	}
}

func testCancelledContext(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Set(ctx, storage.SessionIDKey, "sess-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("set: expected context.Canceled, got %v", err)
	}
	if _, _, err := s.Get(ctx, storage.SessionIDKey); !errors.Is(err, context.Canceled) {
		t.Fatalf("get: expected context.Canceled, got %v", err)
	}
	if err := s.Clear(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("clear: expected context.Canceled, got %v", err)
	}
}

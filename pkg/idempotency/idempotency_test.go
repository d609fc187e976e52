package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	setNXResult bool
	setNXError  error
	lastKey     string
	lastTTL     time.Duration
	lastDeleted string
}

func (f *fakeStore) Get(context.Context, string) (string, error) {
	return "", nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, _ any, ttl time.Duration) (bool, error) {
	f.lastKey = key
	f.lastTTL = ttl
	return f.setNXResult, f.setNXError
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return "ts:idempotency:" + scope + ":" + id
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	if len(keys) > 0 {
		f.lastDeleted = keys[0]
	}
	return nil
}

func TestCheckAndMarkProcessedFirstDelivery(t *testing.T) {
	store := &fakeStore{setNXResult: true}
	manager, err := NewManager(store, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	seen, err := manager.CheckAndMarkProcessed(context.Background(), "notification-intake", "evt-1")
	if err != nil {
		t.Fatalf("CheckAndMarkProcessed: %v", err)
	}
	if seen {
		t.Fatal("expected first delivery to be unseen")
	}
	if store.lastKey != "ts:idempotency:msg:notification-intake:evt-1" {
		t.Fatalf("unexpected key %q", store.lastKey)
	}
	if store.lastTTL != 24*time.Hour {
		t.Fatalf("unexpected ttl %s", store.lastTTL)
	}
}

func TestCheckAndMarkProcessedDuplicate(t *testing.T) {
	manager, _ := NewManager(&fakeStore{setNXResult: false}, time.Hour)
	seen, err := manager.CheckAndMarkProcessed(context.Background(), "notification-intake", "evt-1")
	if err != nil {
		t.Fatalf("CheckAndMarkProcessed: %v", err)
	}
	if !seen {
		t.Fatal("expected duplicate delivery to be reported")
	}
}

func TestCheckAndMarkProcessedStoreError(t *testing.T) {
	manager, _ := NewManager(&fakeStore{setNXError: errors.New("redis down")}, time.Hour)
	if _, err := manager.CheckAndMarkProcessed(context.Background(), "notification-intake", "evt-1"); err == nil {
		t.Fatal("expected store error")
	}
}

func TestCheckAndMarkProcessedRequiresIDs(t *testing.T) {
	manager, _ := NewManager(&fakeStore{setNXResult: true}, time.Hour)
	if _, err := manager.CheckAndMarkProcessed(context.Background(), "", "evt-1"); err == nil {
		t.Fatal("expected missing consumer error")
	}
	if _, err := manager.CheckAndMarkProcessed(context.Background(), "notification-intake", " "); err == nil {
		t.Fatal("expected missing message id error")
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	store := &fakeStore{}
	manager, _ := NewManager(store, time.Hour)
	if err := manager.Delete(context.Background(), "notification-intake", "evt-9"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if store.lastDeleted != "ts:idempotency:msg:notification-intake:evt-9" {
		t.Fatalf("unexpected deleted key %q", store.lastDeleted)
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(nil, time.Hour); err == nil {
		t.Fatal("expected nil store error")
	}
	if _, err := NewManager(&fakeStore{}, -time.Second); err == nil {
		t.Fatal("expected negative ttl error")
	}
}

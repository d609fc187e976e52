package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
)

type fakeStore struct {
	data map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	str, _ := value.(string)
	f.data[key] = str
	return true, nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("fake:%s:%s", scope, id)
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, *calls)
	})
}

func postIntent(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/intents", strings.NewReader(body))
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	return req
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	store := newFakeStore()
	calls := 0
	handler := Idempotency(store, time.Hour, logger.Discard())(countingHandler(&calls, http.StatusAccepted))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, postIntent("evt-1", `{"recipient":"ana@example.com"}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, postIntent("evt-1", `{"recipient":"ana@example.com"}`))

	if calls != 1 {
		t.Fatalf("expected handler once, got %d", calls)
	}
	if second.Code != http.StatusAccepted {
		t.Fatalf("expected replayed 202, got %d", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replayed body %q differs from %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Idempotent-Replay") != "true" {
		t.Fatal("expected replay header")
	}
}

func TestIdempotencyRejectsDifferentBody(t *testing.T) {
	store := newFakeStore()
	calls := 0
	handler := Idempotency(store, time.Hour, logger.Discard())(countingHandler(&calls, http.StatusAccepted))

	handler.ServeHTTP(httptest.NewRecorder(), postIntent("evt-2", `{"contextId":1}`))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, postIntent("evt-2", `{"contextId":2}`))

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
	if calls != 1 {
		t.Fatalf("expected handler once, got %d", calls)
	}
}

func TestIdempotencyWithoutHeaderPassesThrough(t *testing.T) {
	store := newFakeStore()
	calls := 0
	handler := Idempotency(store, time.Hour, logger.Discard())(countingHandler(&calls, http.StatusAccepted))

	handler.ServeHTTP(httptest.NewRecorder(), postIntent("", `{}`))
	handler.ServeHTTP(httptest.NewRecorder(), postIntent("", `{}`))

	if calls != 2 {
		t.Fatalf("expected two calls, got %d", calls)
	}
	if len(store.data) != 0 {
		t.Fatal("nothing should be stored without a key")
	}
}

func TestIdempotencyDoesNotStoreServerErrors(t *testing.T) {
	store := newFakeStore()
	calls := 0
	handler := Idempotency(store, time.Hour, logger.Discard())(countingHandler(&calls, http.StatusServiceUnavailable))

	handler.ServeHTTP(httptest.NewRecorder(), postIntent("evt-3", `{}`))
	handler.ServeHTTP(httptest.NewRecorder(), postIntent("evt-3", `{}`))

	if calls != 2 {
		t.Fatalf("expected retry to reach handler, got %d calls", calls)
	}
}

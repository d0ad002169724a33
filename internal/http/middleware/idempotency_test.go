package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryStore struct {
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (s *memoryStore) Get(_ context.Context, key string) (string, error) {
	return s.data[key], nil
}

func (s *memoryStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	s.data[key] = value
	return nil
}

func TestIdempotencyReplaysFirstResponse(t *testing.T) {
	store := newMemoryStore()
	var handled atomic.Int64
	handler := Idempotency(store, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := handled.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"call":` + string(rune('0'+n)) + `}`))
	}))

	do := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/charging/start", strings.NewReader(body))
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := do(`{"station_id":"st-1"}`)
	second := do(`{"station_id":"st-1"}`)

	assert.EqualValues(t, 1, handled.Load())
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, first.Code, second.Code)
}

func TestIdempotencyKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	store := newMemoryStore()
	handler := Idempotency(store, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/charging/start", strings.NewReader(`{"a":1}`))
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/charging/start", strings.NewReader(`{"a":2}`))
	req.Header.Set("Idempotency-Key", "key-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestIdempotencySkipsRequestsWithoutKey(t *testing.T) {
	store := newMemoryStore()
	var handled atomic.Int64
	handler := Idempotency(store, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		handled.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/charging/stop", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}
	assert.EqualValues(t, 2, handled.Load())
	assert.Empty(t, store.data)
}

func TestIdempotencyDoesNotCacheServerErrors(t *testing.T) {
	store := newMemoryStore()
	var handled atomic.Int64
	handler := Idempotency(store, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if handled.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/balance/topup", strings.NewReader(`{}`))
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusInternalServerError, do().Code)
	// the failure was not recorded, so the retry reaches the handler
	assert.Equal(t, http.StatusOK, do().Code)
	assert.EqualValues(t, 2, handled.Load())
}

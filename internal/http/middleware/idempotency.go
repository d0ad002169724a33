package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const idempotencyTTL = 24 * time.Hour

// IdempotencyStore persists completed responses keyed by caller and key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisIdempotencyStore is the production store.
type RedisIdempotencyStore struct {
	rdb *redis.Client
}

// NewRedisIdempotencyStore wraps a redis client.
func NewRedisIdempotencyStore(rdb *redis.Client) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{rdb: rdb}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

type idempotencyRecord struct {
	Status      int    `json:"status"`
	Body        string `json:"body"`
	RequestHash string `json:"request_hash"`
}

type responseCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *responseCapture) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *responseCapture) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

// Idempotency replays the first completed response for a repeated
// Idempotency-Key within 24 h. A key reused with a different body is a
// conflict. Requests without the header pass through.
func Idempotency(store IdempotencyStore, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "read request", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			hash := sha256.Sum256(body)
			requestHash := hex.EncodeToString(hash[:])
			storeKey := fmt.Sprintf("idempotency:%s:%s %s:%s",
				ClientID(r.Context()), r.Method, r.URL.Path, key)

			if stored, err := store.Get(r.Context(), storeKey); err != nil {
				logger.Warn("idempotency lookup failed", zap.Error(err))
			} else if stored != "" {
				var record idempotencyRecord
				if err := json.Unmarshal([]byte(stored), &record); err == nil {
					if record.RequestHash != requestHash {
						w.Header().Set("Content-Type", "application/json")
						w.WriteHeader(http.StatusConflict)
						_, _ = w.Write([]byte(`{"code":"Conflict","message":"idempotency key reused with different body"}`))
						return
					}
					replay(w, record)
					return
				}
			}

			capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.status >= http.StatusInternalServerError {
				return
			}
			record := idempotencyRecord{
				Status:      capture.status,
				Body:        base64.StdEncoding.EncodeToString(capture.body.Bytes()),
				RequestHash: requestHash,
			}
			encoded, err := json.Marshal(record)
			if err != nil {
				return
			}
			if err := store.Set(r.Context(), storeKey, string(encoded), idempotencyTTL); err != nil {
				logger.Warn("idempotency store failed", zap.Error(err))
			}
		})
	}
}

func replay(w http.ResponseWriter, record idempotencyRecord) {
	body, err := base64.StdEncoding.DecodeString(record.Body)
	if err != nil {
		http.Error(w, "corrupt idempotency record", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(record.Status)
	_, _ = w.Write(body)
}

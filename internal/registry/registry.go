package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const connectedSetKey = "connected_stations"

// Registry tracks which stations own a websocket on this process and mirrors
// connectivity into redis so any process can answer "is this station online".
// The per-station key carries a TTL so leaked state dies with the process.
type Registry struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	epochSeq atomic.Int64

	mu    sync.RWMutex
	local map[string]int64
}

// New builds a registry. ttl should be twice the heartbeat interval.
func New(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
		local:  make(map[string]int64),
	}
}

func stationKey(stationID string) string {
	return fmt.Sprintf("stations:connected:%s", stationID)
}

// Register records local ownership of the station socket and mirrors it in
// redis. Returns the connection epoch used to guard against stale removals
// when a station reconnects quickly.
func (r *Registry) Register(ctx context.Context, stationID string) (int64, error) {
	epoch := r.epochSeq.Add(1)

	r.mu.Lock()
	r.local[stationID] = epoch
	r.mu.Unlock()

	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, connectedSetKey, stationID)
	pipe.Set(ctx, stationKey(stationID), epoch, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return epoch, err
	}
	return epoch, nil
}

// Unregister drops local ownership if the epoch still matches and removes
// the redis mirror.
func (r *Registry) Unregister(ctx context.Context, stationID string, epoch int64) {
	r.mu.Lock()
	current, ok := r.local[stationID]
	if ok && current == epoch {
		delete(r.local, stationID)
	}
	r.mu.Unlock()
	if !ok || current != epoch {
		return
	}

	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, connectedSetKey, stationID)
	pipe.Del(ctx, stationKey(stationID))
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("failed to unregister station in redis",
			zap.String("station_id", stationID), zap.Error(err))
	}
}

// Touch refreshes the redis TTL; called on heartbeat.
func (r *Registry) Touch(ctx context.Context, stationID string) {
	if err := r.rdb.Expire(ctx, stationKey(stationID), r.ttl).Err(); err != nil {
		r.logger.Warn("failed to refresh station ttl",
			zap.String("station_id", stationID), zap.Error(err))
	}
}

// IsLocal reports whether this process owns the station socket.
func (r *Registry) IsLocal(stationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.local[stationID]
	return ok
}

// IsConnected consults the local map first, then the redis mirror.
func (r *Registry) IsConnected(ctx context.Context, stationID string) (bool, error) {
	if r.IsLocal(stationID) {
		return true, nil
	}
	n, err := r.rdb.Exists(ctx, stationKey(stationID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ConnectedStations lists station ids present in the redis mirror.
func (r *Registry) ConnectedStations(ctx context.Context) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, connectedSetKey).Result()
	if err != nil {
		return nil, err
	}
	connected := members[:0]
	for _, id := range members {
		n, err := r.rdb.Exists(ctx, stationKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			connected = append(connected, id)
		} else {
			// stale set member from a dead process
			_ = r.rdb.SRem(ctx, connectedSetKey, id).Err()
		}
	}
	return connected, nil
}

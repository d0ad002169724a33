package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNoSubscriber is returned when no station actor is listening on the
// command topic; the caller is expected to compensate.
var ErrNoSubscriber = errors.New("bus: no subscriber for station")

const undeliveredTTL = 24 * time.Hour

// Command is the unit of REST-to-station delivery. Publish sends each command
// once over redis pub/sub and does not retry it; Subscribe drops a command
// when the local inbox is full. The nonce is monotonically increasing per
// station and the receiving actor deduplicates by it.
type Command struct {
	Nonce     uint64          `json:"nonce"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	SessionID string          `json:"session_id,omitempty"`
}

// Router carries commands from the REST side to whichever process owns the
// station socket, over redis pub/sub.
type Router struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRouter builds a command router.
func NewRouter(rdb *redis.Client, logger *zap.Logger) *Router {
	return &Router{rdb: rdb, logger: logger}
}

func commandTopic(stationID string) string {
	return fmt.Sprintf("commands:%s", stationID)
}

func nonceKey(stationID string) string {
	return fmt.Sprintf("commands:nonce:%s", stationID)
}

func undeliveredKey(stationID string) string {
	return fmt.Sprintf("commands:undelivered:%s", stationID)
}

// Publish sends a command to the station topic. When nobody is subscribed the
// command is recorded as undelivered and ErrNoSubscriber is returned.
func (r *Router) Publish(ctx context.Context, stationID, action string, payload interface{}, sessionID string) error {
	nonce, err := r.rdb.Incr(ctx, nonceKey(stationID)).Result()
	if err != nil {
		return fmt.Errorf("bus: allocate nonce: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: encode payload: %w", err)
	}
	cmd := Command{
		Nonce:     uint64(nonce),
		Action:    action,
		Payload:   body,
		SessionID: sessionID,
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("bus: encode command: %w", err)
	}

	receivers, err := r.rdb.Publish(ctx, commandTopic(stationID), raw).Result()
	if err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	if receivers == 0 {
		r.recordUndelivered(ctx, stationID, raw)
		return ErrNoSubscriber
	}

	r.logger.Debug("command published",
		zap.String("station_id", stationID),
		zap.String("action", action),
		zap.Uint64("nonce", cmd.Nonce))
	return nil
}

func (r *Router) recordUndelivered(ctx context.Context, stationID string, raw []byte) {
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, undeliveredKey(stationID), raw)
	pipe.Expire(ctx, undeliveredKey(stationID), undeliveredTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("failed to record undelivered command",
			zap.String("station_id", stationID), zap.Error(err))
	}
}

// Subscribe opens the command stream for a station. The returned stop
// function must be called on disconnect.
func (r *Router) Subscribe(ctx context.Context, stationID string) (<-chan Command, func(), error) {
	sub := r.rdb.Subscribe(ctx, commandTopic(stationID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("bus: subscribe: %w", err)
	}

	out := make(chan Command, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var cmd Command
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				r.logger.Warn("malformed command dropped",
					zap.String("station_id", stationID), zap.Error(err))
				continue
			}
			select {
			case out <- cmd:
			default:
				r.logger.Warn("command inbox full, dropping",
					zap.String("station_id", stationID),
					zap.Uint64("nonce", cmd.Nonce))
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	return out, stop, nil
}

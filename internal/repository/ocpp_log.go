package repository

import (
	"context"

	"go.uber.org/zap"
)

// FrameLog persists raw OCPP traffic for audit. Failures never propagate to
// the session layer.
type FrameLog struct {
	store  *Store
	logger *zap.Logger
}

// NewFrameLog returns the frame logger.
func NewFrameLog(store *Store, logger *zap.Logger) *FrameLog {
	return &FrameLog{store: store, logger: logger}
}

// Log appends one frame.
func (l *FrameLog) Log(ctx context.Context, stationID, direction, action string, payload []byte) {
	const query = `
		INSERT INTO ocpp_message_log (station_id, direction, action, payload, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err := l.store.db.ExecContext(ctx, query, stationID, direction, action, payload); err != nil {
		l.logger.Warn("ocpp frame log failed",
			zap.String("station_id", stationID),
			zap.String("action", action),
			zap.Error(err))
	}
}

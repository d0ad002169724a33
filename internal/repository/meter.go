package repository

import (
	"context"
	"database/sql"
	"errors"

	"voltflow/internal/models"
)

// AppendMeterSamples appends readings; the table is append-only.
func (s *Store) AppendMeterSamples(ctx context.Context, samples []models.MeterSample) error {
	if len(samples) == 0 {
		return nil
	}
	const query = `
		INSERT INTO ocpp_meter_samples (session_id, timestamp, meter_wh, measurand, unit)
		VALUES ($1, $2, $3, $4, $5)
	`
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, sample := range samples {
			if _, err := stmt.ExecContext(ctx,
				sample.SessionID,
				sample.Timestamp,
				sample.MeterWh,
				sample.Measurand,
				sample.Unit,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// LatestMeterWh returns the most recent reading for a session.
func (s *Store) LatestMeterWh(ctx context.Context, sessionID string) (int64, bool, error) {
	const query = `
		SELECT meter_wh
		FROM ocpp_meter_samples
		WHERE session_id = $1
		ORDER BY timestamp DESC
		LIMIT 1
	`
	var wh int64
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&wh)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return wh, true, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// EffectivePricePerKWh resolves the price for (station, at): a station-level
// override wins, then the highest-priority active per-kWh tariff rule for the
// station's location, then the configured default.
func (s *Store) EffectivePricePerKWh(ctx context.Context, stationID string, at time.Time) (int64, error) {
	const stationQuery = `
		SELECT price_per_kwh, location_id
		FROM stations
		WHERE id = $1
	`
	var override sql.NullInt64
	var locationID sql.NullString
	err := s.db.QueryRowContext(ctx, stationQuery, stationID).Scan(&override, &locationID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if override.Valid && override.Int64 > 0 {
		return override.Int64, nil
	}

	if locationID.Valid {
		const ruleQuery = `
			SELECT price_per_kwh
			FROM tariff_rules
			WHERE location_id = $1
			  AND is_active = true
			  AND (effective_from IS NULL OR effective_from <= $2)
			  AND (effective_to IS NULL OR effective_to > $2)
			ORDER BY priority DESC
			LIMIT 1
		`
		var price int64
		err = s.db.QueryRowContext(ctx, ruleQuery, locationID.String, at).Scan(&price)
		if err == nil && price > 0 {
			return price, nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
	}

	return s.defaultPricePerKWh, nil
}

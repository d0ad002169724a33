package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"voltflow/internal/apperr"
	"voltflow/internal/models"
)

// UpsertStationBoot records the station's self-description from
// BootNotification. Location and owner survive reboots.
func (s *Store) UpsertStationBoot(ctx context.Context, st *models.Station) error {
	const query = `
		INSERT INTO stations (id, status, last_heartbeat_at, vendor, model, firmware_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			vendor = EXCLUDED.vendor,
			model = EXCLUDED.model,
			firmware_version = EXCLUDED.firmware_version
	`
	_, err := s.db.ExecContext(ctx, query,
		st.ID,
		st.Status,
		st.LastHeartbeatAt,
		st.Vendor,
		st.Model,
		st.FirmwareVersion,
	)
	return err
}

// GetStation returns a station row.
func (s *Store) GetStation(ctx context.Context, id string) (*models.Station, error) {
	const query = `
		SELECT s.id, COALESCE(s.location_id, ''), COALESCE(l.owner_id, ''),
		       s.status, s.last_heartbeat_at, s.vendor, s.model, s.firmware_version
		FROM stations s
		LEFT JOIN locations l ON l.id = s.location_id
		WHERE s.id = $1
	`
	var st models.Station
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&st.ID,
		&st.LocationID,
		&st.OwnerID,
		&st.Status,
		&st.LastHeartbeatAt,
		&st.Vendor,
		&st.Model,
		&st.FirmwareVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "station not found")
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// TouchStationHeartbeat stamps liveness; an offline station comes back as
// available on its first heartbeat.
func (s *Store) TouchStationHeartbeat(ctx context.Context, stationID string, at time.Time) error {
	const query = `
		UPDATE stations
		SET last_heartbeat_at = $2,
		    status = CASE WHEN status = $3 THEN $4 ELSE status END
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query, stationID, at,
		models.StationStatusOffline, models.StationStatusAvailable)
	return err
}

// SetStationStatus overwrites the station-level status.
func (s *Store) SetStationStatus(ctx context.Context, stationID, status string) error {
	const query = `UPDATE stations SET status = $2 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, stationID, status)
	return err
}

// MarkStationsOffline flips stations silent past the cutoff to offline.
func (s *Store) MarkStationsOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		UPDATE stations
		SET status = $2
		WHERE status <> $2
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)
	`
	result, err := s.db.ExecContext(ctx, query, cutoff, models.StationStatusOffline)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetConnector returns one connector row.
func (s *Store) GetConnector(ctx context.Context, stationID string, connectorID int) (*models.Connector, error) {
	const query = `
		SELECT station_id, connector_id, status
		FROM connectors
		WHERE station_id = $1 AND connector_id = $2
	`
	var c models.Connector
	err := s.db.QueryRowContext(ctx, query, stationID, connectorID).Scan(
		&c.StationID, &c.ConnectorID, &c.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "connector not found")
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetConnectorStatus upserts the connector state.
func (s *Store) SetConnectorStatus(ctx context.Context, stationID string, connectorID int, status string) error {
	const query = `
		INSERT INTO connectors (station_id, connector_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (station_id, connector_id) DO UPDATE SET status = EXCLUDED.status
	`
	_, err := s.db.ExecContext(ctx, query, stationID, connectorID, status)
	return err
}

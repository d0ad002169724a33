package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"voltflow/internal/apperr"
	"voltflow/internal/models"
)

const sessionColumns = `
	id, client_id, station_id, connector_id, limit_kind, limit_value,
	price_per_kwh, reserved_amount, id_tag, ocpp_tx_id, meter_start,
	meter_stop, energy_wh, amount_charged, refund_amount, status,
	created_at, started_at, stopped_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*models.ChargingSession, error) {
	var s models.ChargingSession
	err := row.Scan(
		&s.ID,
		&s.ClientID,
		&s.StationID,
		&s.ConnectorID,
		&s.LimitKind,
		&s.LimitValue,
		&s.PricePerKWh,
		&s.ReservedAmount,
		&s.IDTag,
		&s.OcppTxID,
		&s.MeterStart,
		&s.MeterStop,
		&s.EnergyWh,
		&s.AmountCharged,
		&s.RefundAmount,
		&s.Status,
		&s.CreatedAt,
		&s.StartedAt,
		&s.StoppedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "session not found")
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession inserts a pending session. Partial unique indexes on the live
// statuses enforce one active session per client and per connector.
func (s *Store) CreateSession(ctx context.Context, session *models.ChargingSession) error {
	const query = `
		INSERT INTO charging_sessions
			(id, client_id, station_id, connector_id, limit_kind, limit_value,
			 price_per_kwh, reserved_amount, id_tag, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.ClientID,
		session.StationID,
		session.ConnectorID,
		session.LimitKind,
		session.LimitValue,
		session.PricePerKWh,
		session.ReservedAmount,
		session.IDTag,
		session.Status,
		session.CreatedAt,
	)
	if err != nil {
		if kind, ok := conflictKind(err); ok {
			switch kind {
			case apperr.KindClientBusy:
				return apperr.New(kind, "client already has an active session")
			case apperr.KindConnectorBusy:
				return apperr.New(kind, "connector already has an active session")
			}
			return apperr.Wrap(kind, err, "session conflicts with existing row")
		}
		return err
	}
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.ChargingSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM charging_sessions WHERE id = $1`, sessionColumns)
	return scanSession(s.db.QueryRowContext(ctx, query, id))
}

// GetSessionByIDTag returns the session bound to an idTag.
func (s *Store) GetSessionByIDTag(ctx context.Context, idTag string) (*models.ChargingSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM charging_sessions
		WHERE id_tag = $1
		ORDER BY created_at DESC
		LIMIT 1`, sessionColumns)
	return scanSession(s.db.QueryRowContext(ctx, query, idTag))
}

// GetSessionByTxID returns the session owning an OCPP transaction on a station.
func (s *Store) GetSessionByTxID(ctx context.Context, stationID string, txID int64) (*models.ChargingSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM charging_sessions
		WHERE station_id = $1 AND ocpp_tx_id = $2`, sessionColumns)
	return scanSession(s.db.QueryRowContext(ctx, query, stationID, txID))
}

// GetActiveSessionForClient returns the client's live session, if any.
func (s *Store) GetActiveSessionForClient(ctx context.Context, clientID string) (*models.ChargingSession, error) {
	marks, args := statusPlaceholders(2, models.ActiveSessionStatuses)
	query := fmt.Sprintf(`
		SELECT %s FROM charging_sessions
		WHERE client_id = $1 AND status IN (%s)
		LIMIT 1`, sessionColumns, marks)
	return scanSession(s.db.QueryRowContext(ctx, query, append([]interface{}{clientID}, args...)...))
}

// GetLiveSessionOnConnector returns the live session on a connector, if any.
func (s *Store) GetLiveSessionOnConnector(ctx context.Context, stationID string, connectorID int) (*models.ChargingSession, error) {
	marks, args := statusPlaceholders(3, models.ActiveSessionStatuses)
	query := fmt.Sprintf(`
		SELECT %s FROM charging_sessions
		WHERE station_id = $1 AND connector_id = $2 AND status IN (%s)
		LIMIT 1`, sessionColumns, marks)
	return scanSession(s.db.QueryRowContext(ctx, query, append([]interface{}{stationID, connectorID}, args...)...))
}

// TransitionSession conditionally moves a session between statuses.
func (s *Store) TransitionSession(ctx context.Context, id string, from []string, to string) (bool, error) {
	marks, args := statusPlaceholders(3, from)
	query := fmt.Sprintf(`
		UPDATE charging_sessions
		SET status = $2
		WHERE id = $1 AND status IN (%s)`, marks)
	result, err := s.db.ExecContext(ctx, query, append([]interface{}{id, to}, args...)...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// BindStartTransaction binds the OCPP transaction to a starting session and
// activates it in one statement.
func (s *Store) BindStartTransaction(ctx context.Context, id string, txID, meterStart int64, startedAt time.Time) (bool, error) {
	const query = `
		UPDATE charging_sessions
		SET status = $2, ocpp_tx_id = $3, meter_start = $4, started_at = $5
		WHERE id = $1 AND status = $6
	`
	result, err := s.db.ExecContext(ctx, query,
		id, models.SessionStatusActive, txID, meterStart, startedAt, models.SessionStatusStarting)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// FinalizeSession settles a session and credits the refund in one transaction.
func (s *Store) FinalizeSession(ctx context.Context, id string, meterStop, energyWh, amountCharged, refund int64, stoppedAt time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		const query = `
			UPDATE charging_sessions
			SET status = $2, meter_stop = $3, energy_wh = $4,
			    amount_charged = $5, refund_amount = $6, stopped_at = $7
			WHERE id = $1 AND status IN ($8, $9)
			RETURNING client_id
		`
		var clientID string
		err := tx.QueryRowContext(ctx, query,
			id, models.SessionStatusStopped, meterStop, energyWh, amountCharged, refund, stoppedAt,
			models.SessionStatusActive, models.SessionStatusStopping).Scan(&clientID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindConflict, "session is not in a stoppable state")
		}
		if err != nil {
			return err
		}
		if refund > 0 {
			return creditTx(ctx, tx, clientID, refund, models.PaymentTxRefund,
				"unused reservation refund", id, "")
		}
		return nil
	})
}

// AbortSession moves a live session to failed or expired and refunds in the
// same transaction. Sessions already settled are left untouched.
func (s *Store) AbortSession(ctx context.Context, id, toStatus string, refund int64, stoppedAt time.Time) (bool, error) {
	var aborted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		marks, args := statusPlaceholders(5, models.ActiveSessionStatuses)
		query := fmt.Sprintf(`
			UPDATE charging_sessions
			SET status = $2, refund_amount = $3, stopped_at = $4
			WHERE id = $1 AND status IN (%s)
			RETURNING client_id`, marks)
		var clientID string
		err := tx.QueryRowContext(ctx, query,
			append([]interface{}{id, toStatus, refund, stoppedAt}, args...)...).Scan(&clientID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		aborted = true
		if refund > 0 {
			return creditTx(ctx, tx, clientID, refund, models.PaymentTxRefund,
				"aborted session refund", id, "")
		}
		return nil
	})
	return aborted, err
}

// ListHungStarting returns starting sessions that never saw StartTransaction.
func (s *Store) ListHungStarting(ctx context.Context, cutoff time.Time) ([]models.ChargingSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM charging_sessions
		WHERE status = $1 AND created_at < $2 AND ocpp_tx_id IS NULL
		ORDER BY created_at`, sessionColumns)
	return s.querySessions(ctx, query, models.SessionStatusStarting, cutoff)
}

// ListRunawayActive returns active sessions older than the cutoff.
func (s *Store) ListRunawayActive(ctx context.Context, cutoff time.Time) ([]models.ChargingSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM charging_sessions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at`, sessionColumns)
	return s.querySessions(ctx, query, models.SessionStatusActive, cutoff)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...interface{}) ([]models.ChargingSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.ChargingSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// NextTransactionID allocates a server-assigned OCPP transaction id.
func (s *Store) NextTransactionID(ctx context.Context) (int64, error) {
	const query = `SELECT nextval('ocpp_transaction_id_seq')`
	var id int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"voltflow/internal/apperr"
	"voltflow/internal/models"
)

// CreateTopUp inserts a pending invoice.
func (s *Store) CreateTopUp(ctx context.Context, t *models.TopUp) error {
	const query = `
		INSERT INTO top_ups
			(id, client_id, provider_order_id, amount_requested, amount_paid,
			 status, qr_payload, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.ClientID,
		t.ProviderOrderID,
		t.AmountRequested,
		t.AmountPaid,
		t.Status,
		t.QRPayload,
		t.ExpiresAt,
		t.CreatedAt,
	)
	return err
}

// GetTopUpByOrderID returns the invoice registered under a provider order id.
func (s *Store) GetTopUpByOrderID(ctx context.Context, providerOrderID string) (*models.TopUp, error) {
	const query = `
		SELECT id, client_id, provider_order_id, amount_requested, amount_paid,
		       status, qr_payload, expires_at, created_at, paid_at
		FROM top_ups
		WHERE provider_order_id = $1
	`
	var t models.TopUp
	err := s.db.QueryRowContext(ctx, query, providerOrderID).Scan(
		&t.ID,
		&t.ClientID,
		&t.ProviderOrderID,
		&t.AmountRequested,
		&t.AmountPaid,
		&t.Status,
		&t.QRPayload,
		&t.ExpiresAt,
		&t.CreatedAt,
		&t.PaidAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "invoice not found")
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ApproveTopUp flips any not-yet-approved invoice to approved and credits the
// client in one transaction. Webhook replays and late approvals over expired
// invoices both land here; only the first approval moves money.
func (s *Store) ApproveTopUp(ctx context.Context, providerOrderID string, paidAmount int64, paidAt time.Time) (bool, error) {
	var credited bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		const approve = `
			UPDATE top_ups
			SET status = $2, amount_paid = $3, paid_at = $4
			WHERE provider_order_id = $1 AND status <> $2
			RETURNING id, client_id
		`
		var topUpID, clientID string
		err := tx.QueryRowContext(ctx, approve,
			providerOrderID, models.TopUpStatusApproved, paidAmount, paidAt).Scan(&topUpID, &clientID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		credited = true
		return creditTx(ctx, tx, clientID, paidAmount, models.PaymentTxTopUp,
			"balance top-up", "", topUpID)
	})
	return credited, err
}

// SupersedePendingTopUps fails the client's still-pending invoices so only
// one QR is live at a time.
func (s *Store) SupersedePendingTopUps(ctx context.Context, clientID string) error {
	const query = `
		UPDATE top_ups
		SET status = $2
		WHERE client_id = $1 AND status = $3
	`
	_, err := s.db.ExecContext(ctx, query, clientID,
		models.TopUpStatusFailed, models.TopUpStatusPending)
	return err
}

// FailTopUp marks one pending invoice failed.
func (s *Store) FailTopUp(ctx context.Context, id string) error {
	const query = `
		UPDATE top_ups
		SET status = $2
		WHERE id = $1 AND status = $3
	`
	_, err := s.db.ExecContext(ctx, query, id,
		models.TopUpStatusFailed, models.TopUpStatusPending)
	return err
}

// ExpirePendingTopUps expires pending invoices past their deadline. Terminal
// states are never touched.
func (s *Store) ExpirePendingTopUps(ctx context.Context, now time.Time) (int64, error) {
	const query = `
		UPDATE top_ups
		SET status = $2
		WHERE status = $3 AND expires_at < $1
	`
	result, err := s.db.ExecContext(ctx, query, now,
		models.TopUpStatusExpired, models.TopUpStatusPending)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

package repository

import (
	"context"
	"database/sql"
	"errors"

	"voltflow/internal/apperr"
	"voltflow/internal/models"
)

// GetClient returns a client row.
func (s *Store) GetClient(ctx context.Context, id string) (*models.Client, error) {
	const query = `
		SELECT id, balance, currency
		FROM clients
		WHERE id = $1
	`
	var c models.Client
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Balance, &c.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "client not found")
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ReserveFunds debits the balance with a conditional update and journals the
// debit. Zero rows means the balance did not cover the amount.
func (s *Store) ReserveFunds(ctx context.Context, clientID string, amount int64, sessionID string) (int64, error) {
	const debit = `
		UPDATE clients
		SET balance = balance - $2
		WHERE id = $1 AND balance >= $2
		RETURNING balance
	`
	var newBalance int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, debit, clientID, amount).Scan(&newBalance)
		if errors.Is(err, sql.ErrNoRows) {
			// distinguish a missing client from a short balance
			var exists bool
			if checkErr := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM clients WHERE id = $1)`, clientID).Scan(&exists); checkErr != nil {
				return checkErr
			}
			if !exists {
				return apperr.New(apperr.KindNotFound, "client not found")
			}
			return apperr.New(apperr.KindInsufficientFunds, "balance does not cover reservation")
		}
		if err != nil {
			return err
		}
		return journalTx(ctx, tx, models.PaymentTransaction{
			ClientID:      clientID,
			Type:          models.PaymentTxReserve,
			Amount:        -amount,
			BalanceBefore: newBalance + amount,
			BalanceAfter:  newBalance,
			Description:   "funds reserved for charging session",
			SessionID:     sessionID,
		})
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// RefundFunds credits the balance and journals the credit.
func (s *Store) RefundFunds(ctx context.Context, clientID string, amount int64, sessionID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return creditTx(ctx, tx, clientID, amount, models.PaymentTxRefund,
			"reservation refund", sessionID, "")
	})
}

// creditTx applies a balance credit plus journal row inside tx.
func creditTx(ctx context.Context, tx *sql.Tx, clientID string, amount int64, txType, description, sessionID, topUpID string) error {
	const credit = `
		UPDATE clients
		SET balance = balance + $2
		WHERE id = $1
		RETURNING balance
	`
	var newBalance int64
	err := tx.QueryRowContext(ctx, credit, clientID, amount).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.KindNotFound, "client not found")
	}
	if err != nil {
		return err
	}
	return journalTx(ctx, tx, models.PaymentTransaction{
		ClientID:      clientID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: newBalance - amount,
		BalanceAfter:  newBalance,
		Description:   description,
		SessionID:     sessionID,
		TopUpID:       topUpID,
	})
}

// journalTx appends one balance-journal row.
func journalTx(ctx context.Context, tx *sql.Tx, entry models.PaymentTransaction) error {
	const query = `
		INSERT INTO payment_transactions
			(client_id, type, amount, balance_before, balance_after, description, session_id, topup_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NOW())
	`
	_, err := tx.ExecContext(ctx, query,
		entry.ClientID,
		entry.Type,
		entry.Amount,
		entry.BalanceBefore,
		entry.BalanceAfter,
		entry.Description,
		entry.SessionID,
		entry.TopUpID,
	)
	return err
}

package service

import (
	"context"

	"go.uber.org/zap"

	"voltflow/internal/apperr"
	"voltflow/internal/models"
	"voltflow/internal/payment"
)

// CreateTopUp registers a prepaid invoice with the payment provider and
// persists the pending top-up. Previous still-pending invoices of the same
// client are superseded so only one QR is live at a time.
func (e *Engine) CreateTopUp(ctx context.Context, clientID string, amount int64) (*models.TopUp, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.KindInvalidArgument, "amount must be positive")
	}
	client, err := e.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if err := e.store.SupersedePendingTopUps(ctx, clientID); err != nil {
		return nil, err
	}

	topUp := &models.TopUp{
		ID:              newSessionID(),
		ClientID:        client.ID,
		AmountRequested: amount,
		Status:          models.TopUpStatusPending,
		CreatedAt:       e.now().UTC(),
	}

	invoice, err := e.provider.CreateInvoice(ctx, topUp.ID, amount, e.currency)
	if err != nil {
		return nil, err
	}
	topUp.ProviderOrderID = invoice.ProviderOrderID
	topUp.QRPayload = invoice.QRPayload
	topUp.ExpiresAt = invoice.ExpiresAt

	if err := e.store.CreateTopUp(ctx, topUp); err != nil {
		return nil, err
	}

	e.logger.Info("top-up invoice created",
		zap.String("topup_id", topUp.ID),
		zap.String("client_id", clientID),
		zap.Int64("amount", amount))
	return topUp, nil
}

// CreditTopUp applies a provider webhook. Approval is terminal and monotonic:
// an already-approved invoice is a no-op, an expired one is revived, and the
// credit happens exactly once.
func (e *Engine) CreditTopUp(ctx context.Context, event *payment.WebhookEvent) error {
	topUp, err := e.store.GetTopUpByOrderID(ctx, event.ProviderOrderID)
	if err != nil {
		return err
	}

	switch event.Status {
	case payment.WebhookStatusApproved:
		paid := event.PaidAmount
		if paid <= 0 {
			paid = topUp.AmountRequested
		}
		credited, err := e.store.ApproveTopUp(ctx, event.ProviderOrderID, paid, e.now().UTC())
		if err != nil {
			return err
		}
		if credited {
			e.logger.Info("top-up approved",
				zap.String("topup_id", topUp.ID),
				zap.String("client_id", topUp.ClientID),
				zap.Int64("paid", paid))
		} else {
			e.logger.Info("duplicate top-up webhook ignored",
				zap.String("topup_id", topUp.ID))
		}
		return nil
	case payment.WebhookStatusFailed:
		if topUp.Status == models.TopUpStatusPending {
			return e.failTopUp(ctx, topUp)
		}
		return nil
	default:
		e.logger.Info("unhandled webhook status ignored",
			zap.String("topup_id", topUp.ID), zap.String("status", event.Status))
		return nil
	}
}

func (e *Engine) failTopUp(ctx context.Context, topUp *models.TopUp) error {
	// No money moves here; the invoice just leaves the pending state.
	return e.store.FailTopUp(ctx, topUp.ID)
}

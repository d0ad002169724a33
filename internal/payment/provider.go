package payment

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"voltflow/internal/apperr"
)

// Webhook statuses normalized across providers.
const (
	WebhookStatusApproved = "approved"
	WebhookStatusFailed   = "failed"
	WebhookStatusUnknown  = "unknown"
)

// Invoice is the outcome of an outbound invoice creation.
type Invoice struct {
	ProviderOrderID string
	QRPayload       string
	ExpiresAt       time.Time
}

// WebhookEvent is the normalized inbound notification.
type WebhookEvent struct {
	ProviderOrderID string
	Status          string
	PaidAmount      int64
}

// Provider is the payment provider plugin surface.
type Provider interface {
	// CreateInvoice registers an invoice with the provider and returns its
	// order id plus the payload the client renders as a QR code.
	CreateInvoice(ctx context.Context, orderID string, amount int64, currency string) (*Invoice, error)
	// ParseWebhook verifies and decodes an inbound notification.
	ParseWebhook(body []byte, header http.Header) (*WebhookEvent, error)
	// AckBody is the acknowledgment string the provider expects on success.
	AckBody() string
}

// Config selects and parameterizes a provider.
type Config struct {
	Kind          string
	Secret        string
	BaseURL       string
	InvoiceExpiry time.Duration
}

// New builds the provider for the configured kind.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	switch cfg.Kind {
	case "provider-a":
		return newProviderA(cfg, logger), nil
	case "provider-b":
		return newProviderB(cfg, logger), nil
	}
	return nil, apperr.Newf(apperr.KindInvalidArgument, "unknown provider kind %q", cfg.Kind)
}

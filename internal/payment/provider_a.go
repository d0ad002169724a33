package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"voltflow/internal/apperr"
)

const signatureHeaderA = "X-Provider-Signature"

// providerA speaks a JSON API with HMAC-SHA256 signed webhooks.
type providerA struct {
	http          *resty.Client
	secret        []byte
	invoiceExpiry time.Duration
	logger        *zap.Logger
}

func newProviderA(cfg Config, logger *zap.Logger) *providerA {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &providerA{
		http:          client,
		secret:        []byte(cfg.Secret),
		invoiceExpiry: cfg.InvoiceExpiry,
		logger:        logger,
	}
}

type createInvoiceRequestA struct {
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	TTL      int64  `json:"ttl_seconds"`
}

type createInvoiceResponseA struct {
	InvoiceID string `json:"invoice_id"`
	QR        string `json:"qr"`
	ExpiresAt string `json:"expires_at"`
	Error     string `json:"error,omitempty"`
}

func (p *providerA) CreateInvoice(ctx context.Context, orderID string, amount int64, currency string) (*Invoice, error) {
	var result createInvoiceResponseA
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(createInvoiceRequestA{
			OrderID:  orderID,
			Amount:   amount,
			Currency: currency,
			TTL:      int64(p.invoiceExpiry / time.Second),
		}).
		SetResult(&result).
		Post("/api/invoice")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProviderFailure, err, "create invoice")
	}
	if resp.IsError() || result.InvoiceID == "" {
		p.logger.Warn("provider rejected invoice",
			zap.Int("status", resp.StatusCode()), zap.String("error", result.Error))
		return nil, apperr.Newf(apperr.KindProviderFailure, "provider returned status %d", resp.StatusCode())
	}

	expiresAt := time.Now().UTC().Add(p.invoiceExpiry)
	if parsed, perr := time.Parse(time.RFC3339, result.ExpiresAt); perr == nil {
		expiresAt = parsed.UTC()
	}

	return &Invoice{
		ProviderOrderID: result.InvoiceID,
		QRPayload:       result.QR,
		ExpiresAt:       expiresAt,
	}, nil
}

type webhookPayloadA struct {
	InvoiceID  string `json:"invoice_id"`
	Status     int    `json:"status"`
	PaidAmount int64  `json:"paid_amount"`
}

func (p *providerA) ParseWebhook(body []byte, header http.Header) (*WebhookEvent, error) {
	signature := header.Get(signatureHeaderA)
	if !p.verifySignature(body, signature) {
		return nil, apperr.New(apperr.KindUnauthenticated, "invalid webhook signature")
	}

	var payload webhookPayloadA
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArgument, err, "decode webhook")
	}
	if payload.InvoiceID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "webhook missing invoice id")
	}

	status := WebhookStatusUnknown
	switch payload.Status {
	case 1:
		status = WebhookStatusApproved
	case 2:
		status = WebhookStatusFailed
	}

	return &WebhookEvent{
		ProviderOrderID: payload.InvoiceID,
		Status:          status,
		PaidAmount:      payload.PaidAmount,
	}, nil
}

func (p *providerA) verifySignature(body []byte, signature string) bool {
	if signature == "" || len(p.secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (p *providerA) AckBody() string {
	return `{"status":"received"}`
}

package payment

import (
	"context"
	"encoding/xml"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"voltflow/internal/apperr"
)

// providerB speaks an XML API; its transport is authenticated upstream with
// mutual TLS, so webhook bodies arrive pre-verified.
type providerB struct {
	http          *resty.Client
	invoiceExpiry time.Duration
	logger        *zap.Logger
}

func newProviderB(cfg Config, logger *zap.Logger) *providerB {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/xml")

	return &providerB{
		http:          client,
		invoiceExpiry: cfg.InvoiceExpiry,
		logger:        logger,
	}
}

type createInvoiceRequestB struct {
	XMLName  xml.Name `xml:"invoice_request"`
	OrderID  string   `xml:"order_id"`
	Sum      int64    `xml:"sum"`
	Currency string   `xml:"currency"`
}

type createInvoiceResponseB struct {
	XMLName   xml.Name `xml:"invoice_response"`
	InvoiceID string   `xml:"invoice_id"`
	QR        string   `xml:"qr_data"`
	Result    int      `xml:"result"`
}

func (p *providerB) CreateInvoice(ctx context.Context, orderID string, amount int64, currency string) (*Invoice, error) {
	body, err := xml.Marshal(createInvoiceRequestB{
		OrderID:  orderID,
		Sum:      amount,
		Currency: currency,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "encode invoice request")
	}

	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/invoice/create")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProviderFailure, err, "create invoice")
	}
	if resp.IsError() {
		return nil, apperr.Newf(apperr.KindProviderFailure, "provider returned status %d", resp.StatusCode())
	}

	var result createInvoiceResponseB
	if err := xml.Unmarshal(resp.Body(), &result); err != nil {
		return nil, apperr.Wrap(apperr.KindProviderFailure, err, "decode invoice response")
	}
	if result.Result != 0 || result.InvoiceID == "" {
		p.logger.Warn("provider rejected invoice", zap.Int("result", result.Result))
		return nil, apperr.Newf(apperr.KindProviderFailure, "provider result code %d", result.Result)
	}

	return &Invoice{
		ProviderOrderID: result.InvoiceID,
		QRPayload:       result.QR,
		ExpiresAt:       time.Now().UTC().Add(p.invoiceExpiry),
	}, nil
}

type webhookPayloadB struct {
	XMLName   xml.Name `xml:"payment"`
	InvoiceID string   `xml:"invoice_id"`
	Status    string   `xml:"status"`
	Sum       int64    `xml:"sum"`
}

func (p *providerB) ParseWebhook(body []byte, _ http.Header) (*WebhookEvent, error) {
	var payload webhookPayloadB
	if err := xml.Unmarshal(body, &payload); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArgument, err, "decode webhook")
	}
	if payload.InvoiceID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "webhook missing invoice id")
	}

	status := WebhookStatusUnknown
	switch payload.Status {
	case "completed":
		status = WebhookStatusApproved
	case "failed", "cancelled":
		status = WebhookStatusFailed
	}

	return &WebhookEvent{
		ProviderOrderID: payload.InvoiceID,
		Status:          status,
		PaidAmount:      payload.Sum,
	}, nil
}

func (p *providerB) AckBody() string {
	return "<result>0</result>"
}

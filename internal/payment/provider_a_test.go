package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voltflow/internal/apperr"
)

func signedHeader(secret string, body []byte) http.Header {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	header := http.Header{}
	header.Set(signatureHeaderA, hex.EncodeToString(mac.Sum(nil)))
	return header
}

func newTestProviderA(t *testing.T) *providerA {
	t.Helper()
	provider, err := New(Config{
		Kind:          "provider-a",
		Secret:        "topsecret",
		BaseURL:       "http://provider.test",
		InvoiceExpiry: 5 * time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	return provider.(*providerA)
}

func TestProviderAParseWebhookApproved(t *testing.T) {
	p := newTestProviderA(t)
	body := []byte(`{"invoice_id":"inv-42","status":1,"paid_amount":500}`)

	event, err := p.ParseWebhook(body, signedHeader("topsecret", body))
	require.NoError(t, err)
	assert.Equal(t, "inv-42", event.ProviderOrderID)
	assert.Equal(t, WebhookStatusApproved, event.Status)
	assert.EqualValues(t, 500, event.PaidAmount)
}

func TestProviderAParseWebhookFailedStatus(t *testing.T) {
	p := newTestProviderA(t)
	body := []byte(`{"invoice_id":"inv-42","status":2}`)

	event, err := p.ParseWebhook(body, signedHeader("topsecret", body))
	require.NoError(t, err)
	assert.Equal(t, WebhookStatusFailed, event.Status)
}

func TestProviderARejectsBadSignature(t *testing.T) {
	p := newTestProviderA(t)
	body := []byte(`{"invoice_id":"inv-42","status":1,"paid_amount":500}`)

	_, err := p.ParseWebhook(body, signedHeader("wrongsecret", body))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUnauthenticated))

	_, err = p.ParseWebhook(body, http.Header{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUnauthenticated))
}

func TestProviderARejectsTamperedBody(t *testing.T) {
	p := newTestProviderA(t)
	body := []byte(`{"invoice_id":"inv-42","status":1,"paid_amount":500}`)
	header := signedHeader("topsecret", body)
	tampered := []byte(`{"invoice_id":"inv-42","status":1,"paid_amount":99999}`)

	_, err := p.ParseWebhook(tampered, header)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUnauthenticated))
}

func TestProviderBParseWebhook(t *testing.T) {
	provider, err := New(Config{
		Kind:          "provider-b",
		BaseURL:       "http://provider.test",
		InvoiceExpiry: 5 * time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)

	event, err := provider.ParseWebhook([]byte(
		`<payment><invoice_id>inv-7</invoice_id><status>completed</status><sum>1200</sum></payment>`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, "inv-7", event.ProviderOrderID)
	assert.Equal(t, WebhookStatusApproved, event.Status)
	assert.EqualValues(t, 1200, event.PaidAmount)

	event, err = provider.ParseWebhook([]byte(
		`<payment><invoice_id>inv-7</invoice_id><status>cancelled</status></payment>`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, WebhookStatusFailed, event.Status)

	_, err = provider.ParseWebhook([]byte(`<payment></payment>`), http.Header{})
	assert.Error(t, err)
}

func TestUnknownProviderKind(t *testing.T) {
	_, err := New(Config{Kind: "provider-x"}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument))
}

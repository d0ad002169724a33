package handlers

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"voltflow/internal/apperr"
	"voltflow/internal/payment"
	"voltflow/internal/service"
)

// WebhookHandler is the payment provider's inbound entry.
type WebhookHandler struct {
	provider payment.Provider
	engine   *service.Engine
	logger   *zap.Logger
}

// NewWebhookHandler builds the handler.
func NewWebhookHandler(provider payment.Provider, engine *service.Engine, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{provider: provider, engine: engine, logger: logger}
}

// Handle processes POST /payment/webhook. The response body is the
// provider's expected acknowledgment; any non-2xx tells the provider to
// retry.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	event, err := h.provider.ParseWebhook(body, r.Header)
	if err != nil {
		h.logger.Warn("webhook rejected", zap.Error(err))
		writeError(w, err)
		return
	}

	if err := h.engine.CreditTopUp(r.Context(), event); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			// unknown invoice: acknowledge so the provider stops retrying
			h.logger.Warn("webhook for unknown invoice",
				zap.String("provider_order_id", event.ProviderOrderID))
		} else {
			h.logger.Error("webhook credit failed",
				zap.String("provider_order_id", event.ProviderOrderID), zap.Error(err))
			writeError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(h.provider.AckBody()))
}

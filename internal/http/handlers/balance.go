package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"voltflow/internal/apperr"
	"voltflow/internal/http/middleware"
	"voltflow/internal/service"
)

// BalanceHandlers exposes top-ups and balance reads.
type BalanceHandlers struct {
	engine *service.Engine
	store  service.Store
	logger *zap.Logger
}

// NewBalanceHandlers builds the handler set.
func NewBalanceHandlers(engine *service.Engine, store service.Store, logger *zap.Logger) *BalanceHandlers {
	return &BalanceHandlers{engine: engine, store: store, logger: logger}
}

type topUpRequest struct {
	Amount int64 `json:"amount"`
}

type topUpResponse struct {
	TopUpID         string    `json:"topup_id"`
	ProviderOrderID string    `json:"provider_order_id"`
	Amount          int64     `json:"amount"`
	QRPayload       string    `json:"qr_payload"`
	ExpiresAt       time.Time `json:"expires_at"`
	Status          string    `json:"status"`
}

// TopUp handles POST /balance/topup.
func (h *BalanceHandlers) TopUp(w http.ResponseWriter, r *http.Request) {
	clientID := middleware.ClientID(r.Context())
	if clientID == "" {
		writeError(w, apperr.New(apperr.KindUnauthenticated, "caller identity missing"))
		return
	}

	var req topUpRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	topUp, err := h.engine.CreateTopUp(r.Context(), clientID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, topUpResponse{
		TopUpID:         topUp.ID,
		ProviderOrderID: topUp.ProviderOrderID,
		Amount:          topUp.AmountRequested,
		QRPayload:       topUp.QRPayload,
		ExpiresAt:       topUp.ExpiresAt,
		Status:          topUp.Status,
	})
}

// Get handles GET /balance.
func (h *BalanceHandlers) Get(w http.ResponseWriter, r *http.Request) {
	clientID := middleware.ClientID(r.Context())
	if clientID == "" {
		writeError(w, apperr.New(apperr.KindUnauthenticated, "caller identity missing"))
		return
	}

	client, err := h.store.GetClient(r.Context(), clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"client_id": client.ID,
		"balance":   client.Balance,
		"currency":  client.Currency,
	})
}

package handlers

import (
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"voltflow/internal/apperr"
	"voltflow/internal/http/middleware"
	"voltflow/internal/models"
	"voltflow/internal/service"
)

// ChargingHandlers exposes the lifecycle engine over REST.
type ChargingHandlers struct {
	engine *service.Engine
	logger *zap.Logger
}

// NewChargingHandlers builds the handler set.
func NewChargingHandlers(engine *service.Engine, logger *zap.Logger) *ChargingHandlers {
	return &ChargingHandlers{engine: engine, logger: logger}
}

type startChargeRequest struct {
	StationID   string  `json:"station_id"`
	ConnectorID int     `json:"connector_id"`
	LimitKind   string  `json:"limit_kind"`
	// kWh for energy limits, minor currency units for amount limits
	LimitValue float64 `json:"limit_value"`
}

type startChargeResponse struct {
	SessionID      string `json:"session_id"`
	ReservedAmount int64  `json:"reserved_amount"`
	Status         string `json:"status"`
}

// Start handles POST /charging/start.
func (h *ChargingHandlers) Start(w http.ResponseWriter, r *http.Request) {
	clientID := middleware.ClientID(r.Context())
	if clientID == "" {
		writeError(w, apperr.New(apperr.KindUnauthenticated, "caller identity missing"))
		return
	}

	var req startChargeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var limitValue int64
	switch req.LimitKind {
	case models.LimitKindEnergy:
		limitValue = int64(math.Round(req.LimitValue * 1000)) // kWh to Wh
	case models.LimitKindAmount:
		limitValue = int64(math.Round(req.LimitValue))
	default:
		writeError(w, apperr.New(apperr.KindInvalidArgument, "limit kind must be energy or amount"))
		return
	}

	session, err := h.engine.StartCharge(r.Context(), service.StartChargeInput{
		ClientID:    clientID,
		StationID:   req.StationID,
		ConnectorID: req.ConnectorID,
		LimitKind:   req.LimitKind,
		LimitValue:  limitValue,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, startChargeResponse{
		SessionID:      session.ID,
		ReservedAmount: session.ReservedAmount,
		Status:         session.Status,
	})
}

type stopChargeRequest struct {
	SessionID string `json:"session_id"`
}

// Stop handles POST /charging/stop. Idempotent.
func (h *ChargingHandlers) Stop(w http.ResponseWriter, r *http.Request) {
	var req stopChargeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, apperr.New(apperr.KindInvalidArgument, "session id is required"))
		return
	}

	session, err := h.engine.StopCharge(r.Context(), req.SessionID, middleware.ClientID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": session.ID,
		"status":     session.Status,
	})
}

type sessionSnapshotResponse struct {
	SessionID      string     `json:"session_id"`
	StationID      string     `json:"station_id"`
	ConnectorID    int        `json:"connector_id"`
	Status         string     `json:"status"`
	LimitKind      string     `json:"limit_kind"`
	LimitValue     int64      `json:"limit_value"`
	ReservedAmount int64      `json:"reserved_amount"`
	AmountCharged  int64      `json:"amount_charged"`
	RefundAmount   int64      `json:"refund_amount"`
	EnergyWh       int64      `json:"energy_wh"`
	LiveEnergyWh   int64      `json:"live_energy_wh"`
	Currency       string     `json:"currency"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
}

// Get handles GET /charging/{session_id}.
func (h *ChargingHandlers) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	snapshot, err := h.engine.GetSession(r.Context(), sessionID, middleware.ClientID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	session := snapshot.Session
	writeJSON(w, http.StatusOK, sessionSnapshotResponse{
		SessionID:      session.ID,
		StationID:      session.StationID,
		ConnectorID:    session.ConnectorID,
		Status:         session.Status,
		LimitKind:      session.LimitKind,
		LimitValue:     session.LimitValue,
		ReservedAmount: session.ReservedAmount,
		AmountCharged:  session.AmountCharged,
		RefundAmount:   session.RefundAmount,
		EnergyWh:       session.EnergyWh,
		LiveEnergyWh:   snapshot.LiveWh,
		Currency:       snapshot.Currency,
		CreatedAt:      session.CreatedAt,
		StartedAt:      session.StartedAt,
		StoppedAt:      session.StoppedAt,
	})
}

package models

import "time"

// Client is a prepaid account. Balance is held in minor currency units and is
// mutated only through conditional SQL updates.
type Client struct {
	ID       string `db:"id" json:"id"`
	Balance  int64  `db:"balance" json:"balance"`
	Currency string `db:"currency" json:"currency"`
}

// Station statuses.
const (
	StationStatusUnknown     = "unknown"
	StationStatusAvailable   = "available"
	StationStatusOccupied    = "occupied"
	StationStatusFaulted     = "faulted"
	StationStatusUnavailable = "unavailable"
	StationStatusOffline     = "offline"
)

// Station is a charge point known to the control plane. The id is the
// free-form identifier the station presents at the websocket handshake.
type Station struct {
	ID              string     `db:"id" json:"id"`
	LocationID      string     `db:"location_id" json:"location_id"`
	OwnerID         string     `db:"owner_id" json:"owner_id"`
	Status          string     `db:"status" json:"status"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	Vendor          string     `db:"vendor" json:"vendor"`
	Model           string     `db:"model" json:"model"`
	FirmwareVersion string     `db:"firmware_version" json:"firmware_version"`
}

// Connector statuses mirror the station-level vocabulary; connector 0
// addresses the station as a whole per OCPP.
type Connector struct {
	StationID   string `db:"station_id" json:"station_id"`
	ConnectorID int    `db:"connector_id" json:"connector_id"`
	Status      string `db:"status" json:"status"`
}

// Limit kinds for a charging session.
const (
	LimitKindEnergy = "energy"
	LimitKindAmount = "amount"
)

// ChargingSession statuses.
const (
	SessionStatusPending  = "pending"
	SessionStatusStarting = "starting"
	SessionStatusActive   = "active"
	SessionStatusStopping = "stopping"
	SessionStatusStopped  = "stopped"
	SessionStatusFailed   = "failed"
	SessionStatusExpired  = "expired"
)

// ActiveSessionStatuses are the states that count toward the one-active-
// session-per-client and per-connector invariants.
var ActiveSessionStatuses = []string{
	SessionStatusPending,
	SessionStatusStarting,
	SessionStatusActive,
	SessionStatusStopping,
}

// ChargingSession is the unit of work of the lifecycle engine.
//
// LimitValue is watt-hours for energy-limited sessions and minor currency
// units for amount-limited ones. Monetary fields are minor units.
type ChargingSession struct {
	ID             string     `db:"id" json:"id"`
	ClientID       string     `db:"client_id" json:"client_id"`
	StationID      string     `db:"station_id" json:"station_id"`
	ConnectorID    int        `db:"connector_id" json:"connector_id"`
	LimitKind      string     `db:"limit_kind" json:"limit_kind"`
	LimitValue     int64      `db:"limit_value" json:"limit_value"`
	PricePerKWh    int64      `db:"price_per_kwh" json:"price_per_kwh"`
	ReservedAmount int64      `db:"reserved_amount" json:"reserved_amount"`
	IDTag          string     `db:"id_tag" json:"id_tag"`
	OcppTxID       *int64     `db:"ocpp_tx_id" json:"ocpp_tx_id,omitempty"`
	MeterStart     *int64     `db:"meter_start" json:"meter_start,omitempty"`
	MeterStop      *int64     `db:"meter_stop" json:"meter_stop,omitempty"`
	EnergyWh       int64      `db:"energy_wh" json:"energy_wh"`
	AmountCharged  int64      `db:"amount_charged" json:"amount_charged"`
	RefundAmount   int64      `db:"refund_amount" json:"refund_amount"`
	Status         string     `db:"status" json:"status"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	StartedAt      *time.Time `db:"started_at" json:"started_at,omitempty"`
	StoppedAt      *time.Time `db:"stopped_at" json:"stopped_at,omitempty"`
}

// IsActive reports whether the session occupies its client and connector.
func (s *ChargingSession) IsActive() bool {
	switch s.Status {
	case SessionStatusPending, SessionStatusStarting, SessionStatusActive, SessionStatusStopping:
		return true
	}
	return false
}

// TopUp statuses. Approved is terminal and monotonic.
const (
	TopUpStatusPending  = "pending"
	TopUpStatusApproved = "approved"
	TopUpStatusExpired  = "expired"
	TopUpStatusFailed   = "failed"
)

// TopUp is a prepaid balance invoice settled through the payment provider.
type TopUp struct {
	ID              string     `db:"id" json:"id"`
	ClientID        string     `db:"client_id" json:"client_id"`
	ProviderOrderID string     `db:"provider_order_id" json:"provider_order_id"`
	AmountRequested int64      `db:"amount_requested" json:"amount_requested"`
	AmountPaid      int64      `db:"amount_paid" json:"amount_paid"`
	Status          string     `db:"status" json:"status"`
	QRPayload       string     `db:"qr_payload" json:"qr_payload,omitempty"`
	ExpiresAt       time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	PaidAt          *time.Time `db:"paid_at" json:"paid_at,omitempty"`
}

// MeterSample is an append-only meter reading tied to a session.
type MeterSample struct {
	SessionID string    `db:"session_id" json:"session_id"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	MeterWh   int64     `db:"meter_wh" json:"meter_wh"`
	Measurand string    `db:"measurand" json:"measurand"`
	Unit      string    `db:"unit" json:"unit"`
}

// Payment transaction types recorded in the balance journal.
const (
	PaymentTxReserve = "charge_reserve"
	PaymentTxRefund  = "charge_refund"
	PaymentTxTopUp   = "balance_topup"
)

// PaymentTransaction is one journal row per balance mutation.
type PaymentTransaction struct {
	ID            int64     `db:"id" json:"id"`
	ClientID      string    `db:"client_id" json:"client_id"`
	Type          string    `db:"type" json:"type"`
	Amount        int64     `db:"amount" json:"amount"`
	BalanceBefore int64     `db:"balance_before" json:"balance_before"`
	BalanceAfter  int64     `db:"balance_after" json:"balance_after"`
	Description   string    `db:"description" json:"description"`
	SessionID     string    `db:"session_id" json:"session_id,omitempty"`
	TopUpID       string    `db:"topup_id" json:"topup_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

package service

import (
	"context"
	"time"

	"voltflow/internal/models"
)

// Store is the narrow data-access contract the lifecycle engine and the
// reconciler drive. All monetary mutations behind it are atomic conditional
// updates; no caller ever does read-modify-write on a balance.
type Store interface {
	// Clients.
	GetClient(ctx context.Context, id string) (*models.Client, error)
	// ReserveFunds debits amount if the balance covers it and journals the
	// debit against the session. Returns the new balance or InsufficientFunds.
	ReserveFunds(ctx context.Context, clientID string, amount int64, sessionID string) (int64, error)
	// RefundFunds credits amount back and journals it against the session.
	RefundFunds(ctx context.Context, clientID string, amount int64, sessionID string) error

	// Sessions. CreateSession enforces the one-active-session invariants for
	// both the client and the connector, surfacing ClientBusy/ConnectorBusy.
	CreateSession(ctx context.Context, s *models.ChargingSession) error
	GetSession(ctx context.Context, id string) (*models.ChargingSession, error)
	GetSessionByIDTag(ctx context.Context, idTag string) (*models.ChargingSession, error)
	GetSessionByTxID(ctx context.Context, stationID string, txID int64) (*models.ChargingSession, error)
	GetActiveSessionForClient(ctx context.Context, clientID string) (*models.ChargingSession, error)
	GetLiveSessionOnConnector(ctx context.Context, stationID string, connectorID int) (*models.ChargingSession, error)
	// TransitionSession moves id from one of the given states to another,
	// reporting whether a row actually changed.
	TransitionSession(ctx context.Context, id string, from []string, to string) (bool, error)
	// BindStartTransaction moves starting to active and records the OCPP
	// binding in one statement.
	BindStartTransaction(ctx context.Context, id string, txID, meterStart int64, startedAt time.Time) (bool, error)
	// FinalizeSession marks the session stopped with the settlement fields
	// and credits the refund in the same transaction.
	FinalizeSession(ctx context.Context, id string, meterStop, energyWh, amountCharged, refund int64, stoppedAt time.Time) error
	// AbortSession moves a live session to failed or expired and refunds the
	// given amount in the same transaction. A session already out of the live
	// states is left untouched and reported false.
	AbortSession(ctx context.Context, id, toStatus string, refund int64, stoppedAt time.Time) (bool, error)
	ListHungStarting(ctx context.Context, cutoff time.Time) ([]models.ChargingSession, error)
	ListRunawayActive(ctx context.Context, cutoff time.Time) ([]models.ChargingSession, error)
	NextTransactionID(ctx context.Context) (int64, error)

	// Meter samples.
	AppendMeterSamples(ctx context.Context, samples []models.MeterSample) error
	LatestMeterWh(ctx context.Context, sessionID string) (int64, bool, error)

	// Stations and connectors.
	UpsertStationBoot(ctx context.Context, st *models.Station) error
	TouchStationHeartbeat(ctx context.Context, stationID string, at time.Time) error
	SetStationStatus(ctx context.Context, stationID, status string) error
	MarkStationsOffline(ctx context.Context, cutoff time.Time) (int64, error)
	GetConnector(ctx context.Context, stationID string, connectorID int) (*models.Connector, error)
	SetConnectorStatus(ctx context.Context, stationID string, connectorID int, status string) error

	// Tariffs.
	EffectivePricePerKWh(ctx context.Context, stationID string, at time.Time) (int64, error)

	// Top-ups.
	CreateTopUp(ctx context.Context, t *models.TopUp) error
	GetTopUpByOrderID(ctx context.Context, providerOrderID string) (*models.TopUp, error)
	// ApproveTopUp flips a not-yet-approved invoice to approved and credits
	// the client in one transaction. Returns false when already approved.
	ApproveTopUp(ctx context.Context, providerOrderID string, paidAmount int64, paidAt time.Time) (bool, error)
	SupersedePendingTopUps(ctx context.Context, clientID string) error
	FailTopUp(ctx context.Context, id string) error
	ExpirePendingTopUps(ctx context.Context, now time.Time) (int64, error)
}

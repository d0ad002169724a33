package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"voltflow/internal/apperr"
	"voltflow/internal/bus"
	"voltflow/internal/models"
	"voltflow/internal/ocpp/protocol"
	"voltflow/internal/payment"
)

// CommandPublisher delivers commands toward the station socket.
type CommandPublisher interface {
	Publish(ctx context.Context, stationID, action string, payload interface{}, sessionID string) error
}

// StationPresence answers whether a station currently owns a socket anywhere.
type StationPresence interface {
	IsConnected(ctx context.Context, stationID string) (bool, error)
}

// Engine is the charging lifecycle engine: the sole writer of
// ChargingSession and the owner of every monetary decision.
type Engine struct {
	store    Store
	commands CommandPublisher
	stations StationPresence
	provider payment.Provider
	logger   *zap.Logger

	currency string
	now      func() time.Time
}

// NewEngine builds the engine.
func NewEngine(store Store, commands CommandPublisher, stations StationPresence, provider payment.Provider, currency string, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		commands: commands,
		stations: stations,
		provider: provider,
		logger:   logger,
		currency: currency,
		now:      time.Now,
	}
}

// StartChargeInput is the REST-side request to begin charging.
type StartChargeInput struct {
	ClientID    string
	StationID   string
	ConnectorID int
	LimitKind   string
	// LimitValue is watt-hours for energy limits, minor currency units for
	// amount limits.
	LimitValue int64
}

func (in *StartChargeInput) validate() error {
	if strings.TrimSpace(in.ClientID) == "" {
		return apperr.New(apperr.KindInvalidArgument, "client id is required")
	}
	if strings.TrimSpace(in.StationID) == "" {
		return apperr.New(apperr.KindInvalidArgument, "station id is required")
	}
	if in.ConnectorID < 1 {
		return apperr.New(apperr.KindInvalidArgument, "connector id must be >= 1")
	}
	if in.LimitKind != models.LimitKindEnergy && in.LimitKind != models.LimitKindAmount {
		return apperr.New(apperr.KindInvalidArgument, "limit kind must be energy or amount")
	}
	if in.LimitValue <= 0 {
		return apperr.New(apperr.KindInvalidArgument, "limit value must be positive")
	}
	return nil
}

// amountForEnergy prices watt-hours at price-per-kWh minor units, rounding up.
func amountForEnergy(energyWh, pricePerKWh int64) int64 {
	if energyWh <= 0 {
		return 0
	}
	return (energyWh*pricePerKWh + 999) / 1000
}

// StartCharge reserves funds, creates the session and dispatches
// RemoteStartTransaction toward the station.
func (e *Engine) StartCharge(ctx context.Context, in StartChargeInput) (*models.ChargingSession, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	price, err := e.store.EffectivePricePerKWh(ctx, in.StationID, now)
	if err != nil {
		return nil, err
	}

	var reserved int64
	switch in.LimitKind {
	case models.LimitKindAmount:
		reserved = in.LimitValue
	case models.LimitKindEnergy:
		reserved = amountForEnergy(in.LimitValue, price)
	}
	if reserved <= 0 {
		return nil, apperr.New(apperr.KindInvalidArgument, "computed reservation is zero")
	}

	if existing, err := e.store.GetActiveSessionForClient(ctx, in.ClientID); err == nil && existing != nil {
		return nil, apperr.New(apperr.KindClientBusy, "client already has an active charging session")
	} else if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}

	connector, err := e.store.GetConnector(ctx, in.StationID, in.ConnectorID)
	if err != nil {
		return nil, err
	}
	if connector.Status != models.StationStatusAvailable {
		return nil, apperr.Newf(apperr.KindConnectorBusy, "connector %d is %s", in.ConnectorID, connector.Status)
	}

	online, err := e.stations.IsConnected(ctx, in.StationID)
	if err != nil {
		return nil, err
	}
	if !online {
		return nil, apperr.New(apperr.KindStationUnavailable, "station is not connected")
	}

	session := &models.ChargingSession{
		ID:             newSessionID(),
		ClientID:       in.ClientID,
		StationID:      in.StationID,
		ConnectorID:    in.ConnectorID,
		LimitKind:      in.LimitKind,
		LimitValue:     in.LimitValue,
		PricePerKWh:    price,
		ReservedAmount: reserved,
		Status:         models.SessionStatusPending,
		CreatedAt:      now,
	}
	session.IDTag = idTagForSession(session.ID)

	if _, err := e.store.ReserveFunds(ctx, in.ClientID, reserved, session.ID); err != nil {
		return nil, err
	}

	if err := e.store.CreateSession(ctx, session); err != nil {
		e.compensateReserve(ctx, session, "session insert failed")
		return nil, err
	}

	// The session must already be starting when the station's
	// StartTransaction races the publish acknowledgment.
	if _, err := e.store.TransitionSession(ctx, session.ID,
		[]string{models.SessionStatusPending}, models.SessionStatusStarting); err != nil {
		return nil, err
	}
	session.Status = models.SessionStatusStarting

	connID := session.ConnectorID
	err = e.commands.Publish(ctx, session.StationID, protocol.ActionRemoteStartTransaction,
		protocol.RemoteStartTransactionRequest{ConnectorID: &connID, IdTag: session.IDTag}, session.ID)
	if err != nil {
		if _, abortErr := e.store.AbortSession(ctx, session.ID, models.SessionStatusFailed, session.ReservedAmount, e.now().UTC()); abortErr != nil {
			e.logger.Error("failed to compensate undelivered remote start",
				zap.String("session_id", session.ID), zap.Error(abortErr))
		}
		if errors.Is(err, bus.ErrNoSubscriber) {
			return nil, apperr.New(apperr.KindStationUnavailable, "station went offline")
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "publish remote start")
	}

	e.logger.Info("charging session reserved",
		zap.String("session_id", session.ID),
		zap.String("client_id", session.ClientID),
		zap.String("station_id", session.StationID),
		zap.Int64("reserved", reserved))
	return session, nil
}

func (e *Engine) compensateReserve(ctx context.Context, session *models.ChargingSession, reason string) {
	if err := e.store.RefundFunds(ctx, session.ClientID, session.ReservedAmount, session.ID); err != nil {
		e.logger.Error("reserve compensation failed",
			zap.String("session_id", session.ID),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

// StopCharge asks the station to stop. Idempotent: sessions already stopping
// or stopped are returned as-is.
func (e *Engine) StopCharge(ctx context.Context, sessionID, actor string) (*models.ChargingSession, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case models.SessionStatusStopping, models.SessionStatusStopped,
		models.SessionStatusFailed, models.SessionStatusExpired:
		return session, nil
	case models.SessionStatusActive:
	case models.SessionStatusPending, models.SessionStatusStarting:
		// Nothing running on the station yet; expire and refund immediately.
		if ok, err := e.store.AbortSession(ctx, session.ID, models.SessionStatusExpired, session.ReservedAmount, e.now().UTC()); err != nil {
			return nil, err
		} else if ok {
			session.Status = models.SessionStatusExpired
		}
		return session, nil
	default:
		return nil, apperr.Newf(apperr.KindConflict, "session is %s", session.Status)
	}

	if session.OcppTxID == nil {
		return nil, apperr.New(apperr.KindInternal, "active session without transaction id")
	}

	if _, err := e.store.TransitionSession(ctx, session.ID,
		[]string{models.SessionStatusActive}, models.SessionStatusStopping); err != nil {
		return nil, err
	}
	session.Status = models.SessionStatusStopping

	err = e.commands.Publish(ctx, session.StationID, protocol.ActionRemoteStopTransaction,
		protocol.RemoteStopTransactionRequest{TransactionID: *session.OcppTxID}, session.ID)
	if err != nil && !errors.Is(err, bus.ErrNoSubscriber) {
		e.logger.Warn("remote stop publish failed, reconciler will retry",
			zap.String("session_id", session.ID), zap.Error(err))
	}

	e.logger.Info("stop requested",
		zap.String("session_id", session.ID), zap.String("actor", actor))
	return session, nil
}

// SessionSnapshot is the REST view of a session including live energy.
type SessionSnapshot struct {
	Session  *models.ChargingSession
	LiveWh   int64
	Currency string
}

// GetSession returns a snapshot scoped to the owning client.
func (e *Engine) GetSession(ctx context.Context, sessionID, clientID string) (*SessionSnapshot, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if clientID != "" && session.ClientID != clientID {
		return nil, apperr.New(apperr.KindNotFound, "session not found")
	}

	snapshot := &SessionSnapshot{Session: session, Currency: e.currency}
	if session.Status == models.SessionStatusActive && session.MeterStart != nil {
		if latest, ok, err := e.store.LatestMeterWh(ctx, sessionID); err == nil && ok && latest > *session.MeterStart {
			snapshot.LiveWh = latest - *session.MeterStart
		}
	}
	return snapshot, nil
}

// Authorize maps an idTag to a client and accepts when the balance is
// positive.
func (e *Engine) Authorize(ctx context.Context, idTag string) (string, error) {
	session, err := e.store.GetSessionByIDTag(ctx, idTag)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return protocol.AuthorizationInvalid, nil
		}
		return "", err
	}
	client, err := e.store.GetClient(ctx, session.ClientID)
	if err != nil {
		return "", err
	}
	if client.Balance > 0 {
		return protocol.AuthorizationAccepted, nil
	}
	return protocol.AuthorizationBlocked, nil
}

// HandleStartTransaction binds an inbound StartTransaction to the starting
// session addressed by idTag. A zero transaction id means rejection.
func (e *Engine) HandleStartTransaction(ctx context.Context, stationID string, connectorID int, idTag string, meterStart int64, at time.Time) (int64, string, error) {
	session, err := e.store.GetSessionByIDTag(ctx, idTag)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return 0, protocol.AuthorizationInvalid, nil
		}
		return 0, "", err
	}
	if session.StationID != stationID || session.Status != models.SessionStatusStarting {
		return 0, protocol.AuthorizationInvalid, nil
	}

	txID, err := e.store.NextTransactionID(ctx)
	if err != nil {
		return 0, "", err
	}

	bound, err := e.store.BindStartTransaction(ctx, session.ID, txID, meterStart, at.UTC())
	if err != nil {
		return 0, "", err
	}
	if !bound {
		return 0, protocol.AuthorizationInvalid, nil
	}

	if err := e.store.SetConnectorStatus(ctx, stationID, session.ConnectorID, models.StationStatusOccupied); err != nil {
		e.logger.Warn("failed to mark connector occupied",
			zap.String("station_id", stationID), zap.Int("connector_id", session.ConnectorID), zap.Error(err))
	}

	e.logger.Info("transaction started",
		zap.String("session_id", session.ID),
		zap.Int64("ocpp_tx_id", txID),
		zap.Int64("meter_start", meterStart))
	return txID, protocol.AuthorizationAccepted, nil
}

// HandleMeterValues appends samples and enforces the session limit. When the
// limit is reached a RemoteStopTransaction is published; the station's
// StopTransaction remains authoritative.
func (e *Engine) HandleMeterValues(ctx context.Context, stationID string, txID int64, samples []models.MeterSample) error {
	session, err := e.store.GetSessionByTxID(ctx, stationID, txID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			e.logger.Warn("meter values for unknown transaction",
				zap.String("station_id", stationID), zap.Int64("ocpp_tx_id", txID))
			return nil
		}
		return err
	}

	var latest int64 = -1
	for i := range samples {
		samples[i].SessionID = session.ID
		if samples[i].MeterWh > latest {
			latest = samples[i].MeterWh
		}
	}
	if len(samples) > 0 {
		if err := e.store.AppendMeterSamples(ctx, samples); err != nil {
			return err
		}
	}

	if session.Status != models.SessionStatusActive || session.MeterStart == nil || latest < 0 {
		return nil
	}

	energyWh := latest - *session.MeterStart
	if energyWh < 0 {
		energyWh = 0
	}

	var limitReached bool
	switch session.LimitKind {
	case models.LimitKindEnergy:
		limitReached = energyWh >= session.LimitValue
	case models.LimitKindAmount:
		limitReached = amountForEnergy(energyWh, session.PricePerKWh) >= session.ReservedAmount
	}
	if !limitReached {
		return nil
	}

	e.logger.Info("session limit reached, requesting stop",
		zap.String("session_id", session.ID),
		zap.Int64("energy_wh", energyWh))
	err = e.commands.Publish(ctx, stationID, protocol.ActionRemoteStopTransaction,
		protocol.RemoteStopTransactionRequest{TransactionID: txID}, session.ID)
	if err != nil && !errors.Is(err, bus.ErrNoSubscriber) {
		e.logger.Warn("limit stop publish failed", zap.String("session_id", session.ID), zap.Error(err))
	}
	return nil
}

// HandleStopTransaction settles the session: computes the final energy and
// charge, credits the refund and stamps the stop, all in one transaction.
func (e *Engine) HandleStopTransaction(ctx context.Context, stationID string, txID, meterStop int64, at time.Time) (bool, error) {
	session, err := e.store.GetSessionByTxID(ctx, stationID, txID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return false, nil
		}
		return false, err
	}

	switch session.Status {
	case models.SessionStatusActive, models.SessionStatusStopping:
	default:
		return false, nil
	}

	var energyWh int64
	if session.MeterStart != nil && meterStop > *session.MeterStart {
		energyWh = meterStop - *session.MeterStart
	}

	amountCharged := amountForEnergy(energyWh, session.PricePerKWh)
	if amountCharged > session.ReservedAmount {
		amountCharged = session.ReservedAmount
	}
	refund := session.ReservedAmount - amountCharged

	if err := e.store.FinalizeSession(ctx, session.ID, meterStop, energyWh, amountCharged, refund, at.UTC()); err != nil {
		return false, err
	}

	if err := e.store.SetConnectorStatus(ctx, stationID, session.ConnectorID, models.StationStatusAvailable); err != nil {
		e.logger.Warn("failed to release connector",
			zap.String("station_id", stationID), zap.Int("connector_id", session.ConnectorID), zap.Error(err))
	}

	e.logger.Info("session settled",
		zap.String("session_id", session.ID),
		zap.Int64("energy_wh", energyWh),
		zap.Int64("amount_charged", amountCharged),
		zap.Int64("refund", refund))
	return true, nil
}

// HandleConnectorFaulted marks any live session on the connector as failed
// pending stop; the settlement refund happens through AbortSession.
func (e *Engine) HandleConnectorFaulted(ctx context.Context, stationID string, connectorID int) {
	ctxSession, err := e.sessionOnConnector(ctx, stationID, connectorID)
	if err != nil || ctxSession == nil {
		return
	}

	refund := ctxSession.ReservedAmount
	if latest, ok, lerr := e.store.LatestMeterWh(ctx, ctxSession.ID); lerr == nil && ok && ctxSession.MeterStart != nil && latest > *ctxSession.MeterStart {
		charged := amountForEnergy(latest-*ctxSession.MeterStart, ctxSession.PricePerKWh)
		if charged < refund {
			refund = ctxSession.ReservedAmount - charged
		} else {
			refund = 0
		}
	}

	if _, err := e.store.AbortSession(ctx, ctxSession.ID, models.SessionStatusFailed, refund, e.now().UTC()); err != nil {
		e.logger.Error("failed to fail session on faulted connector",
			zap.String("session_id", ctxSession.ID), zap.Error(err))
		return
	}
	if ctxSession.OcppTxID != nil {
		_ = e.commands.Publish(ctx, stationID, protocol.ActionRemoteStopTransaction,
			protocol.RemoteStopTransactionRequest{TransactionID: *ctxSession.OcppTxID}, ctxSession.ID)
	}
	e.logger.Warn("session failed due to faulted connector",
		zap.String("session_id", ctxSession.ID),
		zap.String("station_id", stationID),
		zap.Int("connector_id", connectorID))
}

func (e *Engine) sessionOnConnector(ctx context.Context, stationID string, connectorID int) (*models.ChargingSession, error) {
	session, err := e.store.GetLiveSessionOnConnector(ctx, stationID, connectorID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return session, nil
}

package service

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voltflow/internal/apperr"
	"voltflow/internal/bus"
	"voltflow/internal/models"
	"voltflow/internal/ocpp/protocol"
	"voltflow/internal/payment"
)

type publishedCommand struct {
	StationID string
	Action    string
	SessionID string
}

type fakePublisher struct {
	mu       sync.Mutex
	commands []publishedCommand
	offline  bool
}

func (p *fakePublisher) Publish(_ context.Context, stationID, action string, _ interface{}, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline {
		return bus.ErrNoSubscriber
	}
	p.commands = append(p.commands, publishedCommand{StationID: stationID, Action: action, SessionID: sessionID})
	return nil
}

func (p *fakePublisher) published(action string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, cmd := range p.commands {
		if cmd.Action == action {
			n++
		}
	}
	return n
}

type fakePresence struct{ online bool }

func (p *fakePresence) IsConnected(context.Context, string) (bool, error) {
	return p.online, nil
}

type fakeProvider struct {
	orderSeq int
	mu       sync.Mutex
}

func (p *fakeProvider) CreateInvoice(_ context.Context, orderID string, _ int64, _ string) (*payment.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orderSeq++
	return &payment.Invoice{
		ProviderOrderID: "order-" + orderID,
		QRPayload:       "qr-data",
		ExpiresAt:       time.Now().UTC().Add(5 * time.Minute),
	}, nil
}

func (p *fakeProvider) ParseWebhook([]byte, http.Header) (*payment.WebhookEvent, error) {
	return nil, nil
}

func (p *fakeProvider) AckBody() string { return "OK" }

type engineFixture struct {
	store     *fakeStore
	publisher *fakePublisher
	presence  *fakePresence
	engine    *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := newFakeStore()
	publisher := &fakePublisher{}
	presence := &fakePresence{online: true}
	engine := NewEngine(store, publisher, presence, &fakeProvider{}, "KGS", zap.NewNop())
	return &engineFixture{store: store, publisher: publisher, presence: presence, engine: engine}
}

// runToActive walks a session through StartCharge and StartTransaction.
func (fx *engineFixture) runToActive(t *testing.T, clientID string, meterStart int64, in StartChargeInput) (*models.ChargingSession, int64) {
	t.Helper()
	ctx := context.Background()

	session, err := fx.engine.StartCharge(ctx, in)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusStarting, session.Status)

	txID, status, err := fx.engine.HandleStartTransaction(ctx, in.StationID, in.ConnectorID, session.IDTag, meterStart, time.Now())
	require.NoError(t, err)
	require.Equal(t, protocol.AuthorizationAccepted, status)
	require.Positive(t, txID)

	return session, txID
}

func TestStartChargeEnergyLimitHappyPath(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.addClient("client-1", 1000)
	fx.store.addConnector("st-1", 1, models.StationStatusAvailable)
	ctx := context.Background()

	// 10 kWh at 15 minor units per kWh
	fx.store.price = 15
	session, txID := fx.runToActive(t, "client-1", 1000, StartChargeInput{
		ClientID:    "client-1",
		StationID:   "st-1",
		ConnectorID: 1,
		LimitKind:   models.LimitKindEnergy,
		LimitValue:  10000,
	})
	assert.EqualValues(t, 150, session.ReservedAmount)
	assert.EqualValues(t, 850, fx.store.balance("client-1"))

	settled, err := fx.engine.HandleStopTransaction(ctx, "st-1", txID, 11000, time.Now())
	require.NoError(t, err)
	require.True(t, settled)

	final := fx.store.session(session.ID)
	assert.Equal(t, models.SessionStatusStopped, final.Status)
	assert.EqualValues(t, 10000, final.EnergyWh)
	assert.EqualValues(t, 150, final.AmountCharged)
	assert.EqualValues(t, 0, final.RefundAmount)
	assert.EqualValues(t, 850, fx.store.balance("client-1"))
}

func TestStopTransactionUnderConsumptionRefunds(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.addClient("client-1", 1000)
	fx.store.addConnector("st-1", 1, models.StationStatusAvailable)
	fx.store.price = 15
	ctx := context.Background()

	session, txID := fx.runToActive(t, "client-1", 1000, StartChargeInput{
		ClientID:    "client-1",
		StationID:   "st-1",
		ConnectorID: 1,
		LimitKind:   models.LimitKindEnergy,
		LimitValue:  10000,
	})

	settled, err := fx.engine.HandleStopTransaction(ctx, "st-1", txID, 6000, time.Now())
	require.NoError(t, err)
	require.True(t, settled)

	final := fx.store.session(session.ID)
	assert.EqualValues(t, 5000, final.EnergyWh)
	assert.EqualValues(t, 75, final.AmountCharged)
	assert.EqualValues(t, 75, final.RefundAmount)
	assert.EqualValues(t, 925, fx.store.balance("client-1"))
	assert.EqualValues(t, final.ReservedAmount, final.AmountCharged+final.RefundAmount)
}

func TestStartChargeInsufficientFunds(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.addClient("client-1", 50)
	fx.store.addConnector("st-1", 1, models.StationStatusAvailable)
	fx.store.price = 1000

	_, err := fx.engine.StartCharge(context.Background(), StartChargeInput{
		ClientID:    "client-1",
		StationID:   "st-1",
		ConnectorID: 1,
		LimitKind:   models.LimitKindAmount,
		LimitValue:  100,
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInsufficientFunds))
	assert.EqualValues(t, 50, fx.store.balance("client-1"))
	assert.Empty(t, fx.store.sessions)
}

func TestStartChargeStationOffline(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.addClient("client-1", 1000)
	fx.store.addConnector("st-1", 1, models.StationStatusAvailable)
	fx.presence.online = false

	_, err := fx.engine.StartCharge(context.Background(), StartChargeInput{
		ClientID:    "client-1",
		StationID:   "st-1",
		ConnectorID: 1,
		LimitKind:   models.LimitKindAmount,
		LimitValue:  100,
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindStationUnavailable))
	assert.EqualValues(t, 1000, fx.store.balance("client-1"))
}

func TestStartChargePublishFailureCompensates(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.addClient("client-1", 1000)
	fx.store.addConnector("st-1", 1, models.StationStatusAvailable)
	fx.publisher.offline = true

	_, err := fx.engine.StartCharge(context.Background(), StartChargeInput{
		ClientID:    "client-1",
		StationID:   "st-1",
		ConnectorID: 1,
		LimitKind:   models.LimitKindAmount,
		LimitValue:  200,
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindStationUnavailable))
	// the reservation was rolled back
	assert.EqualValues(t, 1000, fx.store.balance("client-1"))
}

func TestConcurrentDoubleStartDebitsOnce(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.addClient("client-1", 1000)
	fx.store.addConnector("st-1", 1, models.StationStatusAvailable)
	fx.store.addConnector("st-1", 2, models.StationStatusAvailable)
	fx.store.price = 15

	input := func(connector int) StartChargeInput {
		return StartChargeInput{
			ClientID:    "client-1",
			StationID:   "st-1",
			ConnectorID: connector,
			LimitKind:   models.LimitKindEnergy,
			LimitValue:  10000,
		}
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = fx.engine.StartCharge(context.Background(), input(i+1))
		}(i)
	}
	wg.Wait()

	var successes, busies int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case apperr.Is(err, apperr.KindClientBusy):
			busies++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, busies)
	// exactly one reservation survived
	assert.EqualValues(t, 850, fx.store.balance("client-1"))
}

func TestMeterValuesLimitTriggersRemoteStop(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.addClient("client-1", 1000)
	fx.store.addConnector("st-1", 1, models.StationStatusAvailable)
	fx.store.price = 15
	ctx := context.Background()

	session, txID := fx.runToActive(t, "client-1", 1000, StartChargeInput{
		ClientID:    "client-1",
		StationID:   "st-1",
		ConnectorID: 1,
		LimitKind:   models.LimitKindEnergy,
		LimitValue:  10000,
	})

	// below the limit: no stop yet
	err := fx.engine.HandleMeterValues(ctx, "st-1", txID, []models.MeterSample{
		{Timestamp: time.Now(), MeterWh: 5000, Measurand: "Energy.Active.Import.Register", Unit: "Wh"},
	})
	require.NoError(t, err)
	assert.Zero(t, fx.publisher.published(protocol.ActionRemoteStopTransaction))

	// at the limit: stop requested once
	err = fx.engine.HandleMeterValues(ctx, "st-1", txID, []models.MeterSample{
		{Timestamp: time.Now(), MeterWh: 11000, Measurand: "Energy.Active.Import.Register", Unit: "Wh"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.publisher.published(protocol.ActionRemoteStopTransaction))

	// the session is still active until the station confirms
	assert.Equal(t, models.SessionStatusActive, fx.store.session(session.ID).Status)
}

func TestStopChargeIsIdempotent(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.addClient("client-1", 1000)
	fx.store.addConnector("st-1", 1, models.StationStatusAvailable)
	fx.store.price = 15
	ctx := context.Background()

	session, txID := fx.runToActive(t, "client-1", 1000, StartChargeInput{
		ClientID:    "client-1",
		StationID:   "st-1",
		ConnectorID: 1,
		LimitKind:   models.LimitKindEnergy,
		LimitValue:  10000,
	})

	first, err := fx.engine.StopCharge(ctx, session.ID, "client")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopping, first.Status)
	assert.Equal(t, 1, fx.publisher.published(protocol.ActionRemoteStopTransaction))

	// repeated stop while stopping: no-op
	again, err := fx.engine.StopCharge(ctx, session.ID, "client")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopping, again.Status)
	assert.Equal(t, 1, fx.publisher.published(protocol.ActionRemoteStopTransaction))

	settled, err := fx.engine.HandleStopTransaction(ctx, "st-1", txID, 6000, time.Now())
	require.NoError(t, err)
	require.True(t, settled)

	// stop after stopped: returns the settled session untouched
	final, err := fx.engine.StopCharge(ctx, session.ID, "client")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, final.Status)
	assert.EqualValues(t, 925, fx.store.balance("client-1"))
}

func TestStopTransactionOutOfOrderRejected(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.addClient("client-1", 1000)
	fx.store.addConnector("st-1", 1, models.StationStatusAvailable)
	fx.store.price = 15
	ctx := context.Background()

	_, txID := fx.runToActive(t, "client-1", 1000, StartChargeInput{
		ClientID:    "client-1",
		StationID:   "st-1",
		ConnectorID: 1,
		LimitKind:   models.LimitKindEnergy,
		LimitValue:  10000,
	})

	settled, err := fx.engine.HandleStopTransaction(ctx, "st-1", txID, 6000, time.Now())
	require.NoError(t, err)
	require.True(t, settled)
	balance := fx.store.balance("client-1")

	// a replayed StopTransaction must not settle or move money again
	settled, err = fx.engine.HandleStopTransaction(ctx, "st-1", txID, 9000, time.Now())
	require.NoError(t, err)
	assert.False(t, settled)
	assert.Equal(t, balance, fx.store.balance("client-1"))
}

func TestStartTransactionUnknownIDTagRejected(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.addClient("client-1", 1000)

	txID, status, err := fx.engine.HandleStartTransaction(context.Background(), "st-1", 1, "UNKNOWNTAG", 0, time.Now())
	require.NoError(t, err)
	assert.Zero(t, txID)
	assert.Equal(t, protocol.AuthorizationInvalid, status)
}

func TestAuthorize(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.addClient("client-1", 100)
	fx.store.addClient("client-2", 0)
	fx.store.addConnector("st-1", 1, models.StationStatusAvailable)
	fx.store.addConnector("st-1", 2, models.StationStatusAvailable)
	ctx := context.Background()

	funded, err := fx.engine.StartCharge(ctx, StartChargeInput{
		ClientID: "client-1", StationID: "st-1", ConnectorID: 1,
		LimitKind: models.LimitKindAmount, LimitValue: 50,
	})
	require.NoError(t, err)

	status, err := fx.engine.Authorize(ctx, funded.IDTag)
	require.NoError(t, err)
	assert.Equal(t, protocol.AuthorizationAccepted, status)

	status, err = fx.engine.Authorize(ctx, "NOSUCHTAG1234567890")
	require.NoError(t, err)
	assert.Equal(t, protocol.AuthorizationInvalid, status)
}

func TestMonetaryConservationAcrossLifecycle(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.addClient("client-1", 1000)
	fx.store.addConnector("st-1", 1, models.StationStatusAvailable)
	fx.store.price = 15
	ctx := context.Background()

	// top-up approved once despite replay
	topUp, err := fx.engine.CreateTopUp(ctx, "client-1", 500)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		err = fx.engine.CreditTopUp(ctx, &payment.WebhookEvent{
			ProviderOrderID: topUp.ProviderOrderID,
			Status:          payment.WebhookStatusApproved,
			PaidAmount:      500,
		})
		require.NoError(t, err)
	}
	require.EqualValues(t, 1500, fx.store.balance("client-1"))

	session, txID := fx.runToActive(t, "client-1", 0, StartChargeInput{
		ClientID:    "client-1",
		StationID:   "st-1",
		ConnectorID: 1,
		LimitKind:   models.LimitKindEnergy,
		LimitValue:  10000,
	})
	settled, err := fx.engine.HandleStopTransaction(ctx, "st-1", txID, 6000, time.Now())
	require.NoError(t, err)
	require.True(t, settled)

	final := fx.store.session(session.ID)
	// final = initial + approved top-ups - amount charged
	assert.EqualValues(t, 1000+500-final.AmountCharged, fx.store.balance("client-1"))
}

func TestWebhookApprovedOverridesExpired(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.addClient("client-1", 0)
	ctx := context.Background()

	topUp, err := fx.engine.CreateTopUp(ctx, "client-1", 500)
	require.NoError(t, err)

	// invoice expires before the provider notifies
	fx.store.mu.Lock()
	fx.store.topUps[topUp.ProviderOrderID].Status = models.TopUpStatusExpired
	fx.store.mu.Unlock()

	err = fx.engine.CreditTopUp(ctx, &payment.WebhookEvent{
		ProviderOrderID: topUp.ProviderOrderID,
		Status:          payment.WebhookStatusApproved,
		PaidAmount:      500,
	})
	require.NoError(t, err)

	stored, err := fx.store.GetTopUpByOrderID(ctx, topUp.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.TopUpStatusApproved, stored.Status)
	assert.EqualValues(t, 500, fx.store.balance("client-1"))
}

func TestCreateTopUpSupersedesPending(t *testing.T) {
	fx := newEngineFixture(t)
	fx.store.addClient("client-1", 0)
	ctx := context.Background()

	first, err := fx.engine.CreateTopUp(ctx, "client-1", 300)
	require.NoError(t, err)
	second, err := fx.engine.CreateTopUp(ctx, "client-1", 400)
	require.NoError(t, err)

	firstStored, err := fx.store.GetTopUpByOrderID(ctx, first.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.TopUpStatusFailed, firstStored.Status)

	secondStored, err := fx.store.GetTopUpByOrderID(ctx, second.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.TopUpStatusPending, secondStored.Status)
}

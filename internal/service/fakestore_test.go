package service

import (
	"context"
	"sync"
	"time"

	"voltflow/internal/apperr"
	"voltflow/internal/models"
)

// fakeStore mirrors the gateway's conditional-update semantics in memory so
// engine and reconciler behavior can be exercised without postgres.
type fakeStore struct {
	mu sync.Mutex

	clients    map[string]*models.Client
	sessions   map[string]*models.ChargingSession
	connectors map[string]map[int]string
	stations   map[string]*models.Station
	topUps     map[string]*models.TopUp // by provider order id
	samples    map[string][]models.MeterSample
	journal    []models.PaymentTransaction

	price int64
	txSeq int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clients:    make(map[string]*models.Client),
		sessions:   make(map[string]*models.ChargingSession),
		connectors: make(map[string]map[int]string),
		stations:   make(map[string]*models.Station),
		topUps:     make(map[string]*models.TopUp),
		samples:    make(map[string][]models.MeterSample),
		price:      1500, // minor units per kWh
	}
}

func (f *fakeStore) addClient(id string, balance int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[id] = &models.Client{ID: id, Balance: balance, Currency: "KGS"}
}

func (f *fakeStore) addConnector(stationID string, connectorID int, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectors[stationID] == nil {
		f.connectors[stationID] = make(map[int]string)
	}
	f.connectors[stationID][connectorID] = status
}

func (f *fakeStore) balance(id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[id].Balance
}

func (f *fakeStore) session(id string) models.ChargingSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.sessions[id]
}

func (f *fakeStore) GetClient(_ context.Context, id string) (*models.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "client not found")
	}
	clone := *c
	return &clone, nil
}

func (f *fakeStore) ReserveFunds(_ context.Context, clientID string, amount int64, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[clientID]
	if !ok {
		return 0, apperr.New(apperr.KindNotFound, "client not found")
	}
	if c.Balance < amount {
		return 0, apperr.New(apperr.KindInsufficientFunds, "balance does not cover reservation")
	}
	c.Balance -= amount
	f.journal = append(f.journal, models.PaymentTransaction{
		ClientID: clientID, Type: models.PaymentTxReserve, Amount: -amount,
		BalanceAfter: c.Balance, SessionID: sessionID,
	})
	return c.Balance, nil
}

func (f *fakeStore) RefundFunds(_ context.Context, clientID string, amount int64, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creditLocked(clientID, amount, models.PaymentTxRefund, sessionID, "")
}

func (f *fakeStore) creditLocked(clientID string, amount int64, txType, sessionID, topUpID string) error {
	c, ok := f.clients[clientID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "client not found")
	}
	c.Balance += amount
	f.journal = append(f.journal, models.PaymentTransaction{
		ClientID: clientID, Type: txType, Amount: amount,
		BalanceAfter: c.Balance, SessionID: sessionID, TopUpID: topUpID,
	})
	return nil
}

func statusIn(status string, set []string) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func (f *fakeStore) CreateSession(_ context.Context, s *models.ChargingSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.sessions {
		if !existing.IsActive() {
			continue
		}
		if existing.ClientID == s.ClientID {
			return apperr.New(apperr.KindClientBusy, "client already has an active session")
		}
		if existing.StationID == s.StationID && existing.ConnectorID == s.ConnectorID {
			return apperr.New(apperr.KindConnectorBusy, "connector already has an active session")
		}
	}
	clone := *s
	f.sessions[s.ID] = &clone
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*models.ChargingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "session not found")
	}
	clone := *s
	return &clone, nil
}

func (f *fakeStore) GetSessionByIDTag(_ context.Context, idTag string) (*models.ChargingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.IDTag == idTag {
			clone := *s
			return &clone, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "session not found")
}

func (f *fakeStore) GetSessionByTxID(_ context.Context, stationID string, txID int64) (*models.ChargingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.StationID == stationID && s.OcppTxID != nil && *s.OcppTxID == txID {
			clone := *s
			return &clone, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "session not found")
}

func (f *fakeStore) GetActiveSessionForClient(_ context.Context, clientID string) (*models.ChargingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ClientID == clientID && s.IsActive() {
			clone := *s
			return &clone, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "no active session")
}

func (f *fakeStore) GetLiveSessionOnConnector(_ context.Context, stationID string, connectorID int) (*models.ChargingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.StationID == stationID && s.ConnectorID == connectorID && s.IsActive() {
			clone := *s
			return &clone, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "no live session")
}

func (f *fakeStore) TransitionSession(_ context.Context, id string, from []string, to string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || !statusIn(s.Status, from) {
		return false, nil
	}
	s.Status = to
	return true, nil
}

func (f *fakeStore) BindStartTransaction(_ context.Context, id string, txID, meterStart int64, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status != models.SessionStatusStarting {
		return false, nil
	}
	s.Status = models.SessionStatusActive
	s.OcppTxID = &txID
	s.MeterStart = &meterStart
	s.StartedAt = &startedAt
	return true, nil
}

func (f *fakeStore) FinalizeSession(_ context.Context, id string, meterStop, energyWh, amountCharged, refund int64, stoppedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "session not found")
	}
	if s.Status != models.SessionStatusActive && s.Status != models.SessionStatusStopping {
		return apperr.New(apperr.KindConflict, "session is not in a stoppable state")
	}
	s.Status = models.SessionStatusStopped
	s.MeterStop = &meterStop
	s.EnergyWh = energyWh
	s.AmountCharged = amountCharged
	s.RefundAmount = refund
	s.StoppedAt = &stoppedAt
	if refund > 0 {
		return f.creditLocked(s.ClientID, refund, models.PaymentTxRefund, id, "")
	}
	return nil
}

func (f *fakeStore) AbortSession(_ context.Context, id, toStatus string, refund int64, stoppedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || !s.IsActive() {
		return false, nil
	}
	s.Status = toStatus
	s.RefundAmount = refund
	s.StoppedAt = &stoppedAt
	if refund > 0 {
		if err := f.creditLocked(s.ClientID, refund, models.PaymentTxRefund, id, ""); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (f *fakeStore) ListHungStarting(_ context.Context, cutoff time.Time) ([]models.ChargingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChargingSession
	for _, s := range f.sessions {
		if s.Status == models.SessionStatusStarting && s.OcppTxID == nil && s.CreatedAt.Before(cutoff) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) ListRunawayActive(_ context.Context, cutoff time.Time) ([]models.ChargingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChargingSession
	for _, s := range f.sessions {
		if s.Status == models.SessionStatusActive && s.CreatedAt.Before(cutoff) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) NextTransactionID(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txSeq++
	return f.txSeq, nil
}

func (f *fakeStore) AppendMeterSamples(_ context.Context, samples []models.MeterSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sample := range samples {
		f.samples[sample.SessionID] = append(f.samples[sample.SessionID], sample)
	}
	return nil
}

func (f *fakeStore) LatestMeterWh(_ context.Context, sessionID string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	samples := f.samples[sessionID]
	if len(samples) == 0 {
		return 0, false, nil
	}
	return samples[len(samples)-1].MeterWh, true, nil
}

func (f *fakeStore) UpsertStationBoot(_ context.Context, st *models.Station) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *st
	f.stations[st.ID] = &clone
	return nil
}

func (f *fakeStore) TouchStationHeartbeat(_ context.Context, stationID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.stations[stationID]; ok {
		st.LastHeartbeatAt = &at
		if st.Status == models.StationStatusOffline {
			st.Status = models.StationStatusAvailable
		}
	}
	return nil
}

func (f *fakeStore) SetStationStatus(_ context.Context, stationID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.stations[stationID]; ok {
		st.Status = status
	}
	return nil
}

func (f *fakeStore) MarkStationsOffline(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, st := range f.stations {
		if st.Status == models.StationStatusOffline {
			continue
		}
		if st.LastHeartbeatAt == nil || st.LastHeartbeatAt.Before(cutoff) {
			st.Status = models.StationStatusOffline
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetConnector(_ context.Context, stationID string, connectorID int) (*models.Connector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.connectors[stationID][connectorID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "connector not found")
	}
	return &models.Connector{StationID: stationID, ConnectorID: connectorID, Status: status}, nil
}

func (f *fakeStore) SetConnectorStatus(_ context.Context, stationID string, connectorID int, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectors[stationID] == nil {
		f.connectors[stationID] = make(map[int]string)
	}
	f.connectors[stationID][connectorID] = status
	return nil
}

func (f *fakeStore) EffectivePricePerKWh(_ context.Context, _ string, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

func (f *fakeStore) CreateTopUp(_ context.Context, t *models.TopUp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *t
	f.topUps[t.ProviderOrderID] = &clone
	return nil
}

func (f *fakeStore) GetTopUpByOrderID(_ context.Context, providerOrderID string) (*models.TopUp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topUps[providerOrderID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "invoice not found")
	}
	clone := *t
	return &clone, nil
}

func (f *fakeStore) ApproveTopUp(_ context.Context, providerOrderID string, paidAmount int64, paidAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topUps[providerOrderID]
	if !ok {
		return false, apperr.New(apperr.KindNotFound, "invoice not found")
	}
	if t.Status == models.TopUpStatusApproved {
		return false, nil
	}
	t.Status = models.TopUpStatusApproved
	t.AmountPaid = paidAmount
	t.PaidAt = &paidAt
	return true, f.creditLocked(t.ClientID, paidAmount, models.PaymentTxTopUp, "", t.ID)
}

func (f *fakeStore) SupersedePendingTopUps(_ context.Context, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.topUps {
		if t.ClientID == clientID && t.Status == models.TopUpStatusPending {
			t.Status = models.TopUpStatusFailed
		}
	}
	return nil
}

func (f *fakeStore) FailTopUp(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.topUps {
		if t.ID == id && t.Status == models.TopUpStatusPending {
			t.Status = models.TopUpStatusFailed
		}
	}
	return nil
}

func (f *fakeStore) ExpirePendingTopUps(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, t := range f.topUps {
		if t.Status == models.TopUpStatusPending && t.ExpiresAt.Before(now) {
			t.Status = models.TopUpStatusExpired
			n++
		}
	}
	return n, nil
}

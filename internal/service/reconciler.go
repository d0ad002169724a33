package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voltflow/internal/models"
	"voltflow/internal/ocpp/protocol"
)

const (
	hungLeaderKey    = "reconciler:leader:hung"
	invoiceLeaderKey = "reconciler:leader:invoices"
)

// ReconcilerConfig carries the sweep cadence and grace windows.
type ReconcilerConfig struct {
	HungCheckInterval    time.Duration
	NoTxGrace            time.Duration
	MaxActive            time.Duration
	InvoiceCheckInterval time.Duration
	SweepDeadline        time.Duration
	HeartbeatTolerance   time.Duration
}

// Reconciler is the single-leader backstop: it closes hung sessions, expires
// stale invoices and marks silent stations offline. Leadership per sweep is
// held through a redis lock with a TTL of twice the sweep period.
type Reconciler struct {
	store      Store
	engine     *Engine
	rdb        *redis.Client
	cfg        ReconcilerConfig
	logger     *zap.Logger
	instanceID string
	now        func() time.Time
}

// NewReconciler builds the reconciler.
func NewReconciler(store Store, engine *Engine, rdb *redis.Client, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:      store,
		engine:     engine,
		rdb:        rdb,
		cfg:        cfg,
		logger:     logger,
		instanceID: uuid.NewString(),
		now:        time.Now,
	}
}

// Run blocks until ctx is done, ticking both sweeps.
func (r *Reconciler) Run(ctx context.Context) error {
	hungTicker := time.NewTicker(r.cfg.HungCheckInterval)
	invoiceTicker := time.NewTicker(r.cfg.InvoiceCheckInterval)
	defer hungTicker.Stop()
	defer invoiceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hungTicker.C:
			r.leaderTick(ctx, hungLeaderKey, 2*r.cfg.HungCheckInterval, r.sweepHungSessions)
		case <-invoiceTicker.C:
			r.leaderTick(ctx, invoiceLeaderKey, 2*r.cfg.InvoiceCheckInterval, r.sweepInvoices)
		}
	}
}

func (r *Reconciler) leaderTick(ctx context.Context, key string, ttl time.Duration, sweep func(ctx context.Context)) {
	if !r.acquireOrRenew(ctx, key, ttl) {
		return
	}

	sweepCtx, cancel := context.WithTimeout(ctx, r.cfg.SweepDeadline)
	defer cancel()
	sweep(sweepCtx)
	if sweepCtx.Err() != nil {
		r.logger.Warn("sweep deadline exceeded", zap.String("sweep", key))
	}
}

func (r *Reconciler) acquireOrRenew(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := r.rdb.SetNX(ctx, key, r.instanceID, ttl).Result()
	if err != nil {
		r.logger.Warn("leader lock error", zap.String("key", key), zap.Error(err))
		return false
	}
	if ok {
		return true
	}
	holder, err := r.rdb.Get(ctx, key).Result()
	if err != nil || holder != r.instanceID {
		return false
	}
	// still the leader; renew
	if err := r.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		r.logger.Warn("leader lock renew failed", zap.String("key", key), zap.Error(err))
	}
	return true
}

// sweepHungSessions expires reservations that never saw a StartTransaction,
// nudges runaway active sessions, force-stops the ones that ignored the
// nudge, and marks silent stations offline.
func (r *Reconciler) sweepHungSessions(ctx context.Context) {
	now := r.now().UTC()

	hung, err := r.store.ListHungStarting(ctx, now.Add(-r.cfg.NoTxGrace))
	if err != nil {
		r.logger.Error("list hung starting sessions failed", zap.Error(err))
	} else {
		for i := range hung {
			r.expireHungSession(ctx, &hung[i])
		}
	}

	runaway, err := r.store.ListRunawayActive(ctx, now.Add(-r.cfg.MaxActive))
	if err != nil {
		r.logger.Error("list runaway sessions failed", zap.Error(err))
		return
	}
	forceCutoff := now.Add(-r.cfg.MaxActive - r.cfg.HungCheckInterval)
	for i := range runaway {
		session := &runaway[i]
		if session.CreatedAt.Before(forceCutoff) {
			r.forceStopRunaway(ctx, session)
			continue
		}
		r.requestStopRunaway(ctx, session)
	}

	if n, err := r.store.MarkStationsOffline(ctx, now.Add(-r.cfg.HeartbeatTolerance)); err != nil {
		r.logger.Error("mark stations offline failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("stations marked offline", zap.Int64("count", n))
	}
}

func (r *Reconciler) expireHungSession(ctx context.Context, session *models.ChargingSession) {
	aborted, err := r.store.AbortSession(ctx, session.ID, models.SessionStatusExpired, session.ReservedAmount, r.now().UTC())
	if err != nil {
		r.logger.Error("expire hung session failed",
			zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	if !aborted {
		return
	}

	// Best effort: the station may have started after all.
	_ = r.engine.commands.Publish(ctx, session.StationID, protocol.ActionRemoteStopTransaction,
		protocol.RemoteStopTransactionRequest{TransactionID: 0}, session.ID)

	r.logger.Info("hung session expired and refunded",
		zap.String("session_id", session.ID),
		zap.Int64("refund", session.ReservedAmount))
}

func (r *Reconciler) requestStopRunaway(ctx context.Context, session *models.ChargingSession) {
	if session.OcppTxID == nil {
		return
	}
	err := r.engine.commands.Publish(ctx, session.StationID, protocol.ActionRemoteStopTransaction,
		protocol.RemoteStopTransactionRequest{TransactionID: *session.OcppTxID}, session.ID)
	if err != nil {
		r.logger.Warn("runaway stop publish failed",
			zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	r.logger.Info("runaway session asked to stop", zap.String("session_id", session.ID))
}

func (r *Reconciler) forceStopRunaway(ctx context.Context, session *models.ChargingSession) {
	refund := session.ReservedAmount
	if latest, ok, err := r.store.LatestMeterWh(ctx, session.ID); err == nil && ok && session.MeterStart != nil && latest > *session.MeterStart {
		charged := amountForEnergy(latest-*session.MeterStart, session.PricePerKWh)
		if charged >= refund {
			refund = 0
		} else {
			refund = session.ReservedAmount - charged
		}
	}

	aborted, err := r.store.AbortSession(ctx, session.ID, models.SessionStatusFailed, refund, r.now().UTC())
	if err != nil {
		r.logger.Error("force stop failed",
			zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	if aborted {
		r.logger.Warn("runaway session force-stopped",
			zap.String("session_id", session.ID),
			zap.Int64("refund", refund))
	}
}

// sweepInvoices expires pending invoices past their expiry. Terminal states
// are never touched.
func (r *Reconciler) sweepInvoices(ctx context.Context) {
	n, err := r.store.ExpirePendingTopUps(ctx, r.now().UTC())
	if err != nil {
		r.logger.Error("invoice sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Info("invoices expired", zap.Int64("count", n))
	}
}

package station

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"voltflow/internal/bus"
	"voltflow/internal/service"
	"voltflow/internal/ws"
)

// errStopRejected surfaces an out-of-order StopTransaction; the dispatcher
// turns it into CallError(InternalError) without touching state.
var errStopRejected = errors.New("station: stop transaction rejected")

// Hub creates a Session per accepted station connection. It implements
// ws.Hub.
type Hub struct {
	engine   *service.Engine
	store    service.Store
	registry Registry
	bus      *bus.Router
	frameLog FrameLogger
	cfg      SessionConfig
	logger   *zap.Logger
}

// NewHub wires session dependencies.
func NewHub(engine *service.Engine, store service.Store, reg Registry, busRouter *bus.Router, frameLog FrameLogger, cfg SessionConfig, logger *zap.Logger) *Hub {
	return &Hub{
		engine:   engine,
		store:    store,
		registry: reg,
		bus:      busRouter,
		frameLog: frameLog,
		cfg:      cfg,
		logger:   logger,
	}
}

// StationConnected registers the station, subscribes to its command topic and
// starts the actor loops.
func (h *Hub) StationConnected(ctx context.Context, stationID string, conn *ws.Connection) (ws.Sink, error) {
	session := newSession(stationID, conn, h.engine, h.store, h.registry, h.frameLog, h.cfg, h.logger)

	epoch, err := h.registry.Register(ctx, stationID)
	if err != nil {
		return nil, err
	}
	session.epoch = epoch

	commands, stopBus, err := h.bus.Subscribe(ctx, stationID)
	if err != nil {
		h.registry.Unregister(ctx, stationID, epoch)
		return nil, err
	}
	session.commands = commands
	session.stopBus = stopBus

	actorCtx, cancel := context.WithCancel(ctx)
	session.cancel = cancel
	go session.run(actorCtx)
	go session.commandLoop(actorCtx)

	return session, nil
}

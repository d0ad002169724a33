package station

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"voltflow/internal/bus"
	"voltflow/internal/ocpp"
	"voltflow/internal/ocpp/protocol"
	"voltflow/internal/service"
	"voltflow/internal/ws"
)

const (
	inboxSize          = 64
	malformedLimit     = 3
	malformedWindow    = 10 * time.Second
	maxBootRejects     = 3
	nonceHistoryLength = 1024
)

// session states.
type sessionState int

const (
	stateConnecting sessionState = iota
	stateBooted
	stateOperational
	stateClosing
	stateClosed
)

// FrameLogger persists raw OCPP traffic, best effort.
type FrameLogger interface {
	Log(ctx context.Context, stationID, direction, action string, payload []byte)
}

// Session is the per-station actor. Inbound Calls are serialized through a
// bounded inbox with a single consumer; CallResults resolve pending outbound
// Calls directly on the read goroutine so commands and frames interleave.
type Session struct {
	stationID string
	epoch     int64

	conn     *ws.Connection
	calls    *ocpp.CallTable
	router   *ocpp.Router
	engine   *service.Engine
	store    service.Store
	registry Registry
	frameLog FrameLogger
	logger   *zap.Logger

	cfg SessionConfig

	inbox    chan *ocpp.Frame
	commands <-chan bus.Command
	stopBus  func()
	cancel   context.CancelFunc

	strikes   *ocpp.StrikeCounter
	closeOnce sync.Once

	// actor-goroutine state, no locking needed
	state       sessionState
	bootRejects int
	nonceSeen   map[uint64]struct{}
	nonceOrder  []uint64
}

// SessionConfig carries the OCPP knobs a session needs.
type SessionConfig struct {
	HeartbeatInterval time.Duration
	BootAccept        bool
	CallTimeout       time.Duration
}

// Registry is the slice of the station registry a session drives.
type Registry interface {
	Register(ctx context.Context, stationID string) (int64, error)
	Unregister(ctx context.Context, stationID string, epoch int64)
	Touch(ctx context.Context, stationID string)
}

func newSession(stationID string, conn *ws.Connection, engine *service.Engine, store service.Store, reg Registry, frameLog FrameLogger, cfg SessionConfig, logger *zap.Logger) *Session {
	s := &Session{
		stationID: stationID,
		conn:      conn,
		engine:    engine,
		store:     store,
		registry:  reg,
		frameLog:  frameLog,
		logger:    logger.With(zap.String("station_id", stationID)),
		cfg:       cfg,
		inbox:     make(chan *ocpp.Frame, inboxSize),
		strikes:   ocpp.NewStrikeCounter(malformedLimit, malformedWindow),
		state:     stateConnecting,
		nonceSeen: make(map[uint64]struct{}, nonceHistoryLength),
	}
	s.calls = ocpp.NewCallTable(conn.Send, cfg.CallTimeout, s.logger)
	s.router = ocpp.NewRouter()
	s.registerHandlers()
	return s
}

func (s *Session) registerHandlers() {
	s.router.Register(protocol.ActionBootNotification, s.handleBootNotification)
	s.router.Register(protocol.ActionHeartbeat, s.handleHeartbeat)
	s.router.Register(protocol.ActionStatusNotification, s.handleStatusNotification)
	s.router.Register(protocol.ActionAuthorize, s.handleAuthorize)
	s.router.Register(protocol.ActionStartTransaction, s.handleStartTransaction)
	s.router.Register(protocol.ActionStopTransaction, s.handleStopTransaction)
	s.router.Register(protocol.ActionMeterValues, s.handleMeterValues)
	s.router.Register(protocol.ActionDataTransfer, s.handleDataTransfer)
	s.router.Register(protocol.ActionDiagnosticsStatusNotification, s.handleDiagnosticsStatus)
	s.router.Register(protocol.ActionFirmwareStatusNotification, s.handleFirmwareStatus)
}

// HandleFrame implements ws.Sink. It runs on the read goroutine: results for
// outbound Calls resolve immediately, inbound Calls go through the inbox.
func (s *Session) HandleFrame(raw []byte) {
	frame, err := ocpp.Parse(raw)
	if err != nil {
		s.logger.Warn("malformed frame", zap.Error(err))
		if reply, buildErr := ocpp.BuildCallError("", protocol.ErrorFormationViolation, "malformed frame"); buildErr == nil {
			_ = s.conn.Send(reply)
		}
		if s.strikes.Strike() {
			s.logger.Warn("closing connection after repeated malformed input")
			s.conn.Close()
		}
		return
	}

	switch frame.MessageType {
	case protocol.MessageTypeCallResult:
		s.calls.Resolve(frame.UniqueID, frame.Payload)
	case protocol.MessageTypeCallError:
		s.calls.Fail(frame.UniqueID, frame.ErrorCode, frame.ErrorDescription)
	case protocol.MessageTypeCall:
		select {
		case s.inbox <- frame:
		default:
			s.logger.Warn("inbox full, dropping call", zap.String("action", frame.Action))
		}
	}
}

// ConnectionLost implements ws.Sink.
func (s *Session) ConnectionLost() {
	s.close()
}

// run consumes the inbox; exactly one inbound Call is processed at a time.
func (s *Session) run(ctx context.Context) {
	defer s.close()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.inbox:
			s.dispatchCall(ctx, frame)
		}
	}
}

func (s *Session) dispatchCall(ctx context.Context, frame *ocpp.Frame) {
	if s.frameLog != nil {
		s.frameLog.Log(ctx, s.stationID, "in", frame.Action, frame.Payload)
	}

	if s.state == stateConnecting && frame.Action != protocol.ActionBootNotification {
		s.sendCallError(frame.UniqueID, protocol.ErrorInternalError, "boot notification required")
		return
	}

	handler, ok := s.router.Lookup(frame.Action)
	if !ok {
		s.sendCallError(frame.UniqueID, protocol.ErrorNotImplemented, "unsupported action")
		return
	}

	response, err := handler(ctx, frame.Payload)
	if err != nil {
		s.logger.Warn("handler failed", zap.String("action", frame.Action),
			zap.ByteString("call", frame.Payload), zap.Error(err))
		s.sendCallError(frame.UniqueID, protocol.ErrorInternalError, "handler failed")
		return
	}

	if s.state == stateBooted && frame.Action != protocol.ActionBootNotification {
		s.state = stateOperational
	}

	if response == nil {
		return
	}
	reply, err := ocpp.BuildCallResult(frame.UniqueID, response)
	if err != nil {
		s.logger.Error("encode call result failed", zap.Error(err))
		return
	}
	if s.frameLog != nil {
		s.frameLog.Log(ctx, s.stationID, "out", frame.Action, reply)
	}
	if err := s.conn.Send(reply); err != nil {
		s.logger.Warn("send call result failed", zap.Error(err))
	}
}

func (s *Session) sendCallError(uniqueID, code, description string) {
	reply, err := ocpp.BuildCallError(uniqueID, code, description)
	if err != nil {
		return
	}
	_ = s.conn.Send(reply)
}

// commandLoop forwards bus commands to the station as outbound Calls,
// deduplicating by nonce.
func (s *Session) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-s.commands:
			if !ok {
				return
			}
			if s.seenNonce(cmd.Nonce) {
				s.logger.Debug("duplicate command dropped", zap.Uint64("nonce", cmd.Nonce))
				continue
			}
			s.deliverCommand(ctx, cmd)
		}
	}
}

func (s *Session) seenNonce(nonce uint64) bool {
	if _, ok := s.nonceSeen[nonce]; ok {
		return true
	}
	s.nonceSeen[nonce] = struct{}{}
	s.nonceOrder = append(s.nonceOrder, nonce)
	if len(s.nonceOrder) > nonceHistoryLength {
		oldest := s.nonceOrder[0]
		s.nonceOrder = s.nonceOrder[1:]
		delete(s.nonceSeen, oldest)
	}
	return false
}

func (s *Session) deliverCommand(ctx context.Context, cmd bus.Command) {
	var payload interface{} = json.RawMessage(cmd.Payload)
	if s.frameLog != nil {
		s.frameLog.Log(ctx, s.stationID, "out", cmd.Action, cmd.Payload)
	}

	result, err := s.calls.Call(ctx, cmd.Action, payload, s.cfg.CallTimeout)
	if err != nil {
		s.logger.Warn("command delivery failed",
			zap.String("action", cmd.Action),
			zap.String("session_id", cmd.SessionID),
			zap.Error(err))
		return
	}
	s.logger.Info("command acknowledged",
		zap.String("action", cmd.Action),
		zap.String("session_id", cmd.SessionID),
		zap.ByteString("result", result))
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.stopBus != nil {
			s.stopBus()
		}
		s.calls.Close()
		if s.cancel != nil {
			s.cancel()
		}
		s.registry.Unregister(context.Background(), s.stationID, s.epoch)
		s.conn.Close()
		s.logger.Info("station session closed")
	})
}

package ws

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const ocppSubprotocol = "ocpp1.6"

// Hub owns the per-station sessions created for accepted connections.
type Hub interface {
	StationConnected(ctx context.Context, stationID string, conn *Connection) (Sink, error)
}

// Server upgrades HTTP connections to OCPP websockets.
type Server struct {
	hub          Hub
	logger       *zap.Logger
	writeTimeout time.Duration
	readTimeout  time.Duration
	maxSockets   int64
	sockets      atomic.Int64
	upgrader     websocket.Upgrader
}

// NewServer builds the websocket server. readTimeout should be the heartbeat
// tolerance so dead stations are reaped by the socket itself.
func NewServer(hub Hub, writeTimeout, readTimeout time.Duration, maxSockets int, logger *zap.Logger) *Server {
	return &Server{
		hub:          hub,
		logger:       logger,
		writeTimeout: writeTimeout,
		readTimeout:  readTimeout,
		maxSockets:   int64(maxSockets),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{ocppSubprotocol},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS is the HTTP handler for /ws/{station_id}.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	stationID := strings.TrimSpace(chi.URLParam(r, "station_id"))
	if stationID == "" {
		http.Error(w, "station id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.String("station_id", stationID), zap.Error(err))
		return
	}

	if s.maxSockets > 0 && s.sockets.Add(1) > s.maxSockets {
		s.sockets.Add(-1)
		s.logger.Warn("socket cap reached, refusing station", zap.String("station_id", stationID))
		deadline := time.Now().Add(s.writeTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "socket limit reached, retry in 30s")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	connection := NewConnection(stationID, conn, nil, s.writeTimeout, s.readTimeout, s.logger, func(string) {
		s.sockets.Add(-1)
		cancel()
	})

	sink, err := s.hub.StationConnected(ctx, stationID, connection)
	if err != nil {
		s.logger.Warn("station rejected", zap.String("station_id", stationID), zap.Error(err))
		s.sockets.Add(-1)
		cancel()
		_ = conn.Close()
		return
	}
	connection.sink = sink

	go connection.Start(ctx)
	s.logger.Info("station connected", zap.String("station_id", stationID),
		zap.String("subprotocol", conn.Subprotocol()))
}

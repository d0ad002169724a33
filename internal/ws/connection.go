package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrSendBufferFull is returned when the outbound queue is saturated.
var ErrSendBufferFull = errors.New("ws: send buffer full")

// ErrConnectionClosed is returned when sending on a closed connection.
var ErrConnectionClosed = errors.New("ws: connection closed")

// Sink receives inbound frames and lifecycle events for one station.
type Sink interface {
	HandleFrame(raw []byte)
	ConnectionLost()
}

// Connection wraps a station websocket with a dedicated reader and a writer
// serialized behind a per-connection queue.
type Connection struct {
	stationID    string
	ws           *websocket.Conn
	send         chan []byte
	closed       chan struct{}
	sink         Sink
	writeTimeout time.Duration
	readTimeout  time.Duration
	logger       *zap.Logger
	onClose      func(stationID string)
}

// NewConnection builds a connection wrapper. The read deadline is derived
// from the heartbeat tolerance so a silent station eventually drops.
func NewConnection(stationID string, conn *websocket.Conn, sink Sink, writeTimeout, readTimeout time.Duration, logger *zap.Logger, onClose func(string)) *Connection {
	return &Connection{
		stationID:    stationID,
		ws:           conn,
		send:         make(chan []byte, 32),
		closed:       make(chan struct{}),
		sink:         sink,
		writeTimeout: writeTimeout,
		readTimeout:  readTimeout,
		logger:       logger,
		onClose:      onClose,
	}
}

// StationID returns the station identifier bound at handshake.
func (c *Connection) StationID() string {
	return c.stationID
}

// Start launches the read and write pumps and blocks until the read side
// terminates.
func (c *Connection) Start(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Connection) readPump(ctx context.Context) {
	defer c.cleanup()
	c.ws.SetReadLimit(1024 * 1024)
	c.resetReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.resetReadDeadline()
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Info("connection read closed", zap.String("station_id", c.stationID), zap.Error(err))
			return
		}
		c.resetReadDeadline()
		c.sink.HandleFrame(message)
	}
}

func (c *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send enqueues a text frame for the serialized writer.
func (c *Connection) Send(msg []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("outgoing buffer full", zap.String("station_id", c.stationID))
		return ErrSendBufferFull
	}
}

// Close tears the socket down and signals the pumps.
func (c *Connection) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	_ = c.ws.Close()
}

func (c *Connection) resetReadDeadline() {
	if c.readTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Connection) cleanup() {
	c.Close()
	c.sink.ConnectionLost()
	if c.onClose != nil {
		c.onClose(c.stationID)
	}
}

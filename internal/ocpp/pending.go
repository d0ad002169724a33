package ocpp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voltflow/internal/apperr"
)

// SendFunc writes a raw frame to the station socket. Implementations must
// serialize writes.
type SendFunc func(data []byte) error

// CallError is the failure outcome of an outbound Call.
type CallError struct {
	Code        string
	Description string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("ocpp call error %s: %s", e.Code, e.Description)
}

type callOutcome struct {
	payload json.RawMessage
	err     error
}

// CallTable correlates outbound Calls with their CallResult/CallError by
// unique id. One table exists per station connection.
type CallTable struct {
	send           SendFunc
	defaultTimeout time.Duration
	logger         *zap.Logger

	mu      sync.Mutex
	pending map[string]chan callOutcome
	closed  bool
}

// NewCallTable builds a correlation table over the given writer.
func NewCallTable(send SendFunc, defaultTimeout time.Duration, logger *zap.Logger) *CallTable {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &CallTable{
		send:           send,
		defaultTimeout: defaultTimeout,
		logger:         logger,
		pending:        make(map[string]chan callOutcome),
	}
}

// Call sends an outbound Call and waits for the matching result. On timeout
// the pending entry is removed and a late result will be logged and dropped.
func (t *CallTable) Call(ctx context.Context, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}

	uniqueID := uuid.NewString()
	raw, err := BuildCall(uniqueID, action, payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "encode outbound call")
	}

	ch := make(chan callOutcome, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, apperr.New(apperr.KindStationUnavailable, "connection closed")
	}
	t.pending[uniqueID] = ch
	t.mu.Unlock()

	if err := t.send(raw); err != nil {
		t.remove(uniqueID)
		return nil, apperr.Wrap(apperr.KindStationUnavailable, err, "write outbound call")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		return outcome.payload, outcome.err
	case <-timer.C:
		t.remove(uniqueID)
		return nil, apperr.Newf(apperr.KindTimeout, "call %s timed out after %s", action, timeout)
	case <-ctx.Done():
		t.remove(uniqueID)
		return nil, apperr.Wrap(apperr.KindTimeout, ctx.Err(), "call canceled")
	}
}

// Resolve delivers a CallResult payload to the waiter, if any.
func (t *CallTable) Resolve(uniqueID string, payload json.RawMessage) {
	ch := t.take(uniqueID)
	if ch == nil {
		t.logger.Info("late call result discarded", zap.String("unique_id", uniqueID))
		return
	}
	ch <- callOutcome{payload: payload}
}

// Fail delivers a CallError to the waiter, if any.
func (t *CallTable) Fail(uniqueID, code, description string) {
	ch := t.take(uniqueID)
	if ch == nil {
		t.logger.Info("late call error discarded",
			zap.String("unique_id", uniqueID), zap.String("code", code))
		return
	}
	ch <- callOutcome{err: &CallError{Code: code, Description: description}}
}

// Close fails every pending call; further Calls are refused.
func (t *CallTable) Close() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]chan callOutcome)
	t.closed = true
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- callOutcome{err: apperr.New(apperr.KindStationUnavailable, "connection closed")}
	}
}

func (t *CallTable) take(uniqueID string) chan callOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.pending[uniqueID]
	if !ok {
		return nil
	}
	delete(t.pending, uniqueID)
	return ch
}

func (t *CallTable) remove(uniqueID string) {
	t.mu.Lock()
	delete(t.pending, uniqueID)
	t.mu.Unlock()
}

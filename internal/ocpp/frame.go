package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"

	"voltflow/internal/ocpp/protocol"
)

// ErrMalformedFrame marks input that is not a well-formed OCPP frame.
var ErrMalformedFrame = errors.New("ocpp: malformed frame")

// Frame is a parsed OCPP 1.6-JSON message of any of the three kinds.
type Frame struct {
	MessageType      int
	UniqueID         string
	Action           string          // Call only
	Payload          json.RawMessage // Call and CallResult
	ErrorCode        string          // CallError only
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// Parse decodes raw bytes into a Frame. Any structural problem is reported
// as ErrMalformedFrame so callers can apply the FormationViolation path.
func Parse(data []byte) (*Frame, error) {
	var array []json.RawMessage
	if err := json.Unmarshal(data, &array); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(array) < 3 {
		return nil, ErrMalformedFrame
	}

	var msgType int
	if err := json.Unmarshal(array[0], &msgType); err != nil {
		return nil, fmt.Errorf("%w: message type: %v", ErrMalformedFrame, err)
	}

	frame := &Frame{MessageType: msgType}
	if err := json.Unmarshal(array[1], &frame.UniqueID); err != nil {
		return nil, fmt.Errorf("%w: unique id: %v", ErrMalformedFrame, err)
	}

	switch msgType {
	case protocol.MessageTypeCall:
		if len(array) < 4 {
			return nil, ErrMalformedFrame
		}
		if err := json.Unmarshal(array[2], &frame.Action); err != nil {
			return nil, fmt.Errorf("%w: action: %v", ErrMalformedFrame, err)
		}
		frame.Payload = array[3]
	case protocol.MessageTypeCallResult:
		frame.Payload = array[2]
	case protocol.MessageTypeCallError:
		if len(array) < 4 {
			return nil, ErrMalformedFrame
		}
		if err := json.Unmarshal(array[2], &frame.ErrorCode); err != nil {
			return nil, fmt.Errorf("%w: error code: %v", ErrMalformedFrame, err)
		}
		if err := json.Unmarshal(array[3], &frame.ErrorDescription); err != nil {
			return nil, fmt.Errorf("%w: error description: %v", ErrMalformedFrame, err)
		}
		if len(array) > 4 {
			frame.ErrorDetails = array[4]
		}
	default:
		return nil, fmt.Errorf("%w: unsupported message type %d", ErrMalformedFrame, msgType)
	}

	return frame, nil
}

// BuildCall encodes an outbound Call frame.
func BuildCall(uniqueID, action string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := []interface{}{protocol.MessageTypeCall, uniqueID, action, json.RawMessage(body)}
	return json.Marshal(frame)
}

// BuildCallResult encodes a CallResult frame.
func BuildCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := []interface{}{protocol.MessageTypeCallResult, uniqueID, json.RawMessage(body)}
	return json.Marshal(frame)
}

// BuildCallError encodes a CallError frame.
func BuildCallError(uniqueID, code, description string) ([]byte, error) {
	frame := []interface{}{protocol.MessageTypeCallError, uniqueID, code, description, map[string]string{}}
	return json.Marshal(frame)
}

// Decode is a convenience helper for handlers.
func Decode[T any](payload json.RawMessage) (T, error) {
	var target T
	if err := json.Unmarshal(payload, &target); err != nil {
		var zero T
		return zero, err
	}
	return target, nil
}

// Package comlink implements a secure request/response messaging layer
// between one authoritative server and many untrusted clients over a
// bidirectional channel. The server validates every inbound message,
// enforces replay protection and rate limits, and routes requests through
// middleware chains to registered action handlers. The client correlates
// responses to pending requests and exposes results through one-shot
// completions with timeout, retry and throttle support.
package comlink

import (
	"errors"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
)

// MessageType represents the type of protocol message.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
	TypeCancel   MessageType = "cancel"
	TypeProgress MessageType = "progress"
	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
	TypeConfig   MessageType = "config"
)

// RequestMessage is a client-to-server request. Timestamp is Unix
// milliseconds at build time and is used only for staleness checks.
type RequestMessage struct {
	Type      MessageType    `json:"type"`
	RequestID string         `json:"requestId"`
	Action    string         `json:"action"`
	Payload   jsontext.Value `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
	SenderID  string         `json:"senderId"`
}

// ResponseMessage is a server-to-client response correlated to a request.
// Data is meaningful only when Success is true; Error only when it is false.
type ResponseMessage struct {
	Type      MessageType    `json:"type"`
	RequestID string         `json:"requestId"`
	Success   bool           `json:"success"`
	Data      jsontext.Value `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Code      int            `json:"code,omitempty"`
}

// EventMessage is a server-initiated message not correlated to any request.
type EventMessage struct {
	Type      MessageType    `json:"type"`
	EventName string         `json:"eventName"`
	Payload   jsontext.Value `json:"payload,omitempty"`
}

// CancelMessage asks the server to abort an in-flight request.
type CancelMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
}

// ProgressMessage is a request-correlated progress update.
type ProgressMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	Current   int         `json:"current,omitempty"`
	Total     int         `json:"total,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// PingMessage is a client heartbeat probe.
type PingMessage struct {
	Type MessageType `json:"type"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Type MessageType `json:"type"`
}

// ConfigMessage is the first frame the server sends on connect. It assigns
// the session identity and pushes client tuning. Intervals are milliseconds.
type ConfigMessage struct {
	Type              MessageType `json:"type"`
	SessionID         string      `json:"sessionId"`
	RequestTimeout    int         `json:"requestTimeout,omitempty"`
	ThrottleInterval  int         `json:"throttleInterval,omitempty"`
	HeartbeatInterval int         `json:"heartbeatInterval,omitempty"`
}

// envelope is the superset of all wire frames, used for decoding.
type envelope struct {
	Type      MessageType    `json:"type"`
	RequestID string         `json:"requestId,omitempty"`
	Action    string         `json:"action,omitempty"`
	Payload   jsontext.Value `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	SenderID  string         `json:"senderId,omitempty"`

	Success bool           `json:"success,omitempty"`
	Data    jsontext.Value `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Code    int            `json:"code,omitempty"`

	EventName string `json:"eventName,omitempty"`

	Current int    `json:"current,omitempty"`
	Total   int    `json:"total,omitempty"`
	Message string `json:"message,omitempty"`

	SessionID         string `json:"sessionId,omitempty"`
	RequestTimeout    int    `json:"requestTimeout,omitempty"`
	ThrottleInterval  int    `json:"throttleInterval,omitempty"`
	HeartbeatInterval int    `json:"heartbeatInterval,omitempty"`
}

// NewRequest builds a request with a fresh id and a current timestamp.
// The payload may be nil for actions that take no parameters.
func NewRequest(action string, payload any, senderID string) (*RequestMessage, error) {
	var raw jsontext.Value
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &RequestMessage{
		Type:      TypeRequest,
		RequestID: uuid.NewString(),
		Action:    action,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
		SenderID:  senderID,
	}, nil
}

// NewResponse builds a success response carrying the marshaled data.
func NewResponse(requestID string, data any) (*ResponseMessage, error) {
	var raw jsontext.Value
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &ResponseMessage{
		Type:      TypeResponse,
		RequestID: requestID,
		Success:   true,
		Data:      raw,
	}, nil
}

// NewErrorResponse builds a failure response. A protocol *Error supplies
// its own code and message; any other error is a handler-signaled failure
// whose message crosses the wire as-is. Wrapped causes are never serialized.
func NewErrorResponse(requestID string, err error) *ResponseMessage {
	code := CodeHandlerFailed
	message := err.Error()
	var perr *Error
	if errors.As(err, &perr) {
		code = perr.Code
		message = perr.Message
	}
	return &ResponseMessage{
		Type:      TypeResponse,
		RequestID: requestID,
		Success:   false,
		Error:     message,
		Code:      code,
	}
}

// ValidateRequest checks the structural shape of an inbound request:
// a well-formed requestId, a non-empty action, a positive timestamp and,
// when present, a structured (object or array) payload. It never inspects
// payload contents. Returns nil when the shape is acceptable.
func ValidateRequest(msg *RequestMessage) error {
	if msg.Type != TypeRequest {
		return ErrInvalidFormat()
	}
	if _, err := uuid.Parse(msg.RequestID); err != nil {
		return ErrInvalidFormat()
	}
	if msg.Action == "" {
		return ErrInvalidFormat()
	}
	if msg.Timestamp <= 0 {
		return ErrInvalidFormat()
	}
	if len(msg.Payload) > 0 {
		switch msg.Payload.Kind() {
		case '{', '[':
		default:
			return ErrInvalidFormat()
		}
	}
	return nil
}

func (e *envelope) request() *RequestMessage {
	return &RequestMessage{
		Type:      e.Type,
		RequestID: e.RequestID,
		Action:    e.Action,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
		SenderID:  e.SenderID,
	}
}

func (e *envelope) response() *ResponseMessage {
	return &ResponseMessage{
		Type:      e.Type,
		RequestID: e.RequestID,
		Success:   e.Success,
		Data:      e.Data,
		Error:     e.Error,
		Code:      e.Code,
	}
}

// ABOUTME: Wire message union for the gateway<->agent RPC protocol
// ABOUTME: Request/Response/StreamEvent/Cancel correlated by id, versioned per request

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the version stamped on every outgoing Request.
// A peer that does not speak it answers with CodeUnsupportedVersion instead
// of attempting partial interpretation.
const ProtocolVersion = 1

// MessageType tags the wire union.
type MessageType string

const (
	TypeRequest     MessageType = "request"
	TypeResponse    MessageType = "response"
	TypeStreamEvent MessageType = "stream_event"
	TypeCancel      MessageType = "cancel"
)

// Error codes carried in error responses.
const (
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodeProtocolViolation  = "PROTOCOL_VIOLATION"
	CodeTimeout            = "TIMEOUT"
	CodeCancelled          = "CANCELLED"
	CodeMethodNotFound     = "METHOD_NOT_FOUND"
	CodeInternal           = "INTERNAL"
)

// Message is the framed wire value. Exactly the fields for its Type are set:
//
//	request:      id, method, params, version
//	response:     id, result or error
//	stream_event: id, seq, payload
//	cancel:       id
type Message struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Version int             `json:"version,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Error is the error payload of a failed response.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Response is the terminal result of a request or stream.
type Response struct {
	ID     string
	Result json.RawMessage
	Err    *Error
}

// StreamEvent is one partial result of a streaming request.
type StreamEvent struct {
	ID      string
	Seq     uint64
	Payload json.RawMessage
}

// StreamMessage is what stream consumers receive: events in seq order, then
// exactly one Final.
type StreamMessage struct {
	Event *StreamEvent
	Final *Response
}

var (
	// ErrConnClosed indicates the RPC connection is gone; all pending
	// requests fail with it.
	ErrConnClosed = errors.New("rpc connection closed")

	// ErrProtocolViolation indicates broken framing or ordering from the peer.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnsupportedVersion indicates the peer rejected our protocol version.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrCancelled indicates the request was cancelled locally.
	ErrCancelled = errors.New("request cancelled")
)

// validate checks structural invariants of an incoming message.
func (m *Message) validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: message without id", ErrProtocolViolation)
	}
	switch m.Type {
	case TypeRequest:
		if m.Method == "" {
			return fmt.Errorf("%w: request without method", ErrProtocolViolation)
		}
	case TypeResponse:
		if m.Result != nil && m.Error != nil {
			return fmt.Errorf("%w: response with both result and error", ErrProtocolViolation)
		}
	case TypeStreamEvent, TypeCancel:
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrProtocolViolation, m.Type)
	}
	return nil
}

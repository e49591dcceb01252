package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// MethodInitialize is the method name that opens an addressable session.
const MethodInitialize = "initialize"

// Message is the raw JSON representation of a JSON-RPC message.
type Message []byte

// Kind classifies a JSON-RPC message by the fields it carries.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

var (
	ErrInvalidVersion = errors.New("jsonrpc: missing or unsupported \"jsonrpc\" version")
	ErrInvalidShape   = errors.New("jsonrpc: message is not a request, notification or response")
)

// AnyMessage is a generic JSON-RPC message (request, notification, or response).
//
// A decoded AnyMessage remembers the exact bytes it was decoded from so that
// it can be relayed without re-encoding.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`

	kind Kind
	raw  Message
}

// Response is a locally generated error response. A nil ID is encoded as
// null.
type Response struct {
	JSONRPCVersion string     `json:"jsonrpc"`
	Error          *Error     `json:"error"`
	ID             *RequestID `json:"id"`
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// UnmarshalJSON enforces JSON-RPC 2.0 semantics. Presence of "id" is tracked
// independently of its value so that {"id":null} still classifies as a
// response or request.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if fields == nil {
		return ErrInvalidShape
	}

	var version string
	if raw, ok := fields["jsonrpc"]; !ok || json.Unmarshal(raw, &version) != nil || version != ProtocolVersion {
		return ErrInvalidVersion
	}

	var msg AnyMessage
	msg.JSONRPCVersion = version

	rawMethod, hasMethod := fields["method"]
	if hasMethod {
		if err := json.Unmarshal(rawMethod, &msg.Method); err != nil || msg.Method == "" {
			return fmt.Errorf("%w: method must be a non-empty string", ErrInvalidShape)
		}
	}

	rawID, hasID := fields["id"]
	if hasID {
		msg.ID = &RequestID{}
		if err := msg.ID.UnmarshalJSON(rawID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidShape, err)
		}
	}

	rawResult, hasResult := fields["result"]
	rawError, hasError := fields["error"]
	msg.Params = fields["params"]

	switch {
	case hasMethod:
		if hasResult || hasError {
			return fmt.Errorf("%w: request message cannot have result or error fields", ErrInvalidShape)
		}
		msg.kind = KindNotification
		if hasID {
			msg.kind = KindRequest
		}
	case hasID && (hasResult || hasError):
		if hasResult && hasError {
			return fmt.Errorf("%w: response message cannot have both result and error fields", ErrInvalidShape)
		}
		if hasResult {
			msg.Result = rawResult
		}
		if hasError {
			msg.Error = &Error{}
			if err := json.Unmarshal(rawError, msg.Error); err != nil {
				return fmt.Errorf("%w: invalid error object: %v", ErrInvalidShape, err)
			}
		}
		msg.kind = KindResponse
	default:
		return ErrInvalidShape
	}

	msg.raw = append(Message(nil), bytes.TrimSpace(data)...)
	*m = msg
	return nil
}

// MarshalJSON returns the original bytes for decoded messages.
func (m AnyMessage) MarshalJSON() ([]byte, error) {
	if len(m.raw) > 0 {
		return m.raw, nil
	}
	type plain AnyMessage
	return json.Marshal(plain(m))
}

// Raw returns the bytes the message was decoded from, or nil for messages
// built in code.
func (m *AnyMessage) Raw() Message {
	return m.raw
}

// Kind reports the classification established during decoding.
func (m *AnyMessage) Kind() Kind {
	if m.kind != KindInvalid {
		return m.kind
	}
	switch {
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.ID != nil && (len(m.Result) > 0 || m.Error != nil):
		return KindResponse
	}
	return KindInvalid
}

// Type returns "request", "notification", "response" or "invalid".
func (m *AnyMessage) Type() string {
	return m.Kind().String()
}

// IsInitialize reports whether the message is an initialize request.
func (m *AnyMessage) IsInitialize() bool {
	return m.Kind() == KindRequest && m.Method == MethodInitialize
}

// Parse decodes and validates a single JSON-RPC message.
func Parse(data []byte) (*AnyMessage, error) {
	var msg AnyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

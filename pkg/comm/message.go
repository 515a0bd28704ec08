package comm

import (
	"github.com/pkg/errors"
)

// MessageType tells the pipeline which path a frame travels.
type MessageType int

const (
	MessageTypeUnknown MessageType = iota
	MessageTypeRequest
	MessageTypeResponse
	MessageTypeEvent
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "request"
	case MessageTypeResponse:
		return "response"
	case MessageTypeEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Message holds either a payload or an Error, never both.
type Message struct {
	payload any
	err     *Error
}

// NewMessage wraps a payload.
func NewMessage(payload any) *Message { return &Message{payload: payload} }

// FromError wraps an Error.
func FromError(e *Error) *Message {
	if e == nil {
		e = NewError(CodeInternalServerError, "nil error message")
	}
	return &Message{err: e}
}

func (m *Message) IsError() bool { return m.err != nil }
func (m *Message) Err() *Error   { return m.err }
func (m *Message) Payload() any  { return m.payload }

// PayloadAs returns the payload as T, failing for error messages and type mismatches.
func PayloadAs[T any](m *Message) (T, error) {
	var zero T
	if m == nil {
		return zero, errors.Wrap(ErrInvalidArgument, "nil message")
	}
	if m.err != nil {
		return zero, m.err
	}
	v, ok := m.payload.(T)
	if !ok {
		return zero, errors.Wrapf(ErrInvalidArgument, "payload is %T, want %T", m.payload, zero)
	}
	return v, nil
}

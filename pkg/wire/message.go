// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"errors"
	"reflect"

	"github.com/google/uuid"
)

var (
	EncodeErr  = errors.New("unable to encode payload")
	PayloadErr = errors.New("unable to decode payload")
	ArityErr   = errors.New("argument count mismatch")
)

// Reserved message types. Any other Type value names a handler method.
const (
	TypeVoid           = "Void"
	TypeNull           = "Null"
	TypeError          = "Error"
	TypeRegisterWorker = "RegisterWorker"
)

// Message is the envelope carried by every frame. RequestID identifies the
// logical request and survives relaying; MessageID identifies one transmitted
// envelope and is the correlation key for the pending-response table.
type Message struct {
	RequestID uuid.UUID `json:"RequestId"`
	MessageID uuid.UUID `json:"MessageId"`
	Type      string    `json:"Type,omitempty"`
	Payload   []byte    `json:"Payload,omitempty"`
}

// New builds a request envelope with fresh identifiers and the JSON
// serialization of value as its payload.
func New(msgType string, value any) (*Message, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Join(EncodeErr, err)
	}
	return &Message{
		RequestID: uuid.New(),
		MessageID: uuid.New(),
		Type:      msgType,
		Payload:   payload,
	}, nil
}

// NewArgs builds a request envelope whose payload is the positional argument
// array [v1..vn]. Zero arguments encode as [].
func NewArgs(msgType string, args ...any) (*Message, error) {
	if args == nil {
		args = []any{}
	}
	return New(msgType, args)
}

// CopyFor builds the reply to req. It inherits both RequestID and MessageID
// so the sender's pending entry can correlate it.
func CopyFor(req *Message, msgType string, value any) (*Message, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Join(EncodeErr, err)
	}
	return &Message{
		RequestID: req.RequestID,
		MessageID: req.MessageID,
		Type:      msgType,
		Payload:   payload,
	}, nil
}

// Relay builds a forwarding copy of req: same RequestID and Payload, fresh
// MessageID so each hop correlates its own response.
func Relay(req *Message) *Message {
	return &Message{
		RequestID: req.RequestID,
		MessageID: uuid.New(),
		Type:      req.Type,
		Payload:   req.Payload,
	}
}

// DecodePayload reads the payload as a single value of type T.
func DecodePayload[T any](m *Message) (T, error) {
	var value T
	if err := json.Unmarshal(m.Payload, &value); err != nil {
		return value, errors.Join(PayloadErr, err)
	}
	return value, nil
}

// DecodeArgs reads the payload as a positional tuple against the declared
// parameter types. The payload must be a JSON array of exactly len(types)
// elements.
func DecodeArgs(payload []byte, types []reflect.Type) ([]reflect.Value, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errors.Join(PayloadErr, err)
	}
	if len(raw) != len(types) {
		return nil, ArityErr
	}
	values := make([]reflect.Value, len(types))
	for i, t := range types {
		v := reflect.New(t)
		if err := json.Unmarshal(raw[i], v.Interface()); err != nil {
			return nil, errors.Join(PayloadErr, err)
		}
		values[i] = v.Elem()
	}
	return values, nil
}

// RegisterWorkerRequest is the payload of the first frame a worker sends on a
// new connection.
type RegisterWorkerRequest struct {
	WorkerId string `json:"WorkerId"`
	PipeName string `json:"PipeName,omitempty"`
}

// ErrorResponse is the payload of a TypeError reply.
type ErrorResponse struct {
	Message string `json:"Message"`
}

// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"bytes"
	"encoding/json"

	corecontent "github.com/coedit/coedit/core/content"
)

// MessageType tags the kind of a frame. The numeric values are part of
// the wire protocol and must not change.
type MessageType int

const (
	EventType            MessageType = 0
	RequestType          MessageType = 1
	ReplyValueType       MessageType = 2
	ReplyErrorType       MessageType = 3
	ReplyStreamType      MessageType = 4
	StreamInputDataType  MessageType = 5
	StreamInputEndType   MessageType = 6
	StreamOutputDataType MessageType = 7
	StreamOutputEndType  MessageType = 8
)

// String implements fmt.Stringer for log output.
func (t MessageType) String() string {
	switch t {
	case EventType:
		return "event"
	case RequestType:
		return "request"
	case ReplyValueType:
		return "reply-value"
	case ReplyErrorType:
		return "reply-error"
	case ReplyStreamType:
		return "reply-stream"
	case StreamInputDataType:
		return "stream-input-data"
	case StreamInputEndType:
		return "stream-input-end"
	case StreamOutputDataType:
		return "stream-output-data"
	case StreamOutputEndType:
		return "stream-output-end"
	}
	return "unknown"
}

// Message is one frame on the duplex transport. Data is kept raw so the
// multiplexer never interprets payloads it only routes.
type Message struct {
	Type    MessageType     `json:"type"`
	Service string          `json:"service"`
	ID      int64           `json:"id"`
	Name    string          `json:"name,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Validate enforces the per-kind frame rules. A message failing
// validation is fatal to the connection that received it.
func (m *Message) Validate() error {
	if m.Service == "" {
		return corecontent.NewInvalidEntity("message", m, "service")
	}
	if m.ID < 0 {
		return corecontent.NewInvalidEntity("message", m, "id")
	}
	switch m.Type {
	case EventType:
		if m.Name == "" {
			return corecontent.NewInvalidEntity("message", m, "name")
		}
	case RequestType:
		if m.Name == "" {
			return corecontent.NewInvalidEntity("message", m, "name")
		}
		if !isArray(m.Data) {
			return corecontent.NewInvalidEntity("message", m, "data")
		}
	case ReplyValueType:
		if m.Name != "" {
			return corecontent.NewInvalidEntity("message", m, "name")
		}
	case ReplyErrorType:
		if !isObject(m.Data) {
			return corecontent.NewInvalidEntity("message", m, "data")
		}
	case ReplyStreamType:
		if !isNull(m.Data) {
			return corecontent.NewInvalidEntity("message", m, "data")
		}
	case StreamInputDataType, StreamInputEndType, StreamOutputDataType, StreamOutputEndType:
		if isNull(m.Data) {
			return corecontent.NewInvalidEntity("message", m, "data")
		}
	default:
		return corecontent.NewInvalidEntity("message", m, "type")
	}
	return nil
}

func trimmed(data json.RawMessage) []byte {
	return bytes.TrimLeft(data, " \t\r\n")
}

func isNull(data json.RawMessage) bool {
	t := trimmed(data)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func isArray(data json.RawMessage) bool {
	t := trimmed(data)
	return len(t) > 0 && t[0] == '['
}

// isObject reports whether data is a non-null, non-array JSON value
// usable as an error object.
func isObject(data json.RawMessage) bool {
	t := trimmed(data)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return false
	}
	return t[0] == '{'
}

// Codec reads and writes messages on an RPC session. WriteMessage is
// never called concurrently by the Conn; Close may be called at any time
// and must unblock ReadMessage.
type Codec interface {
	ReadMessage(msg *Message) error
	WriteMessage(msg *Message) error
	Close() error
}

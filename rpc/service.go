// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"context"
	"encoding/json"
	"io"

	"github.com/juju/errors"
)

// Handler serves one named request. The args slice holds the raw
// elements of the request's data array; the returned value is marshalled
// into a REPLY_VALUE frame.
type Handler func(ctx context.Context, args []json.RawMessage) (interface{}, error)

// StreamHandler serves one named streamed request. The returned Stream
// is drained into STREAM_OUTPUT_DATA frames until it reports io.EOF.
type StreamHandler func(ctx context.Context, args []json.RawMessage) (Stream, error)

// InputHandler serves one named request that consumes a client-to-server
// stream alongside its arguments. The reply is sent once the handler
// returns.
type InputHandler func(ctx context.Context, args []json.RawMessage, in *InputStream) (interface{}, error)

// Stream is a finite sequence of values produced by a streamed request.
// Recv returns io.EOF after the final value; Close releases resources
// and is safe to call concurrently with Recv.
type Stream interface {
	Recv() (interface{}, error)
	Close() error
}

// Service is a dispatch table for one service name. The request-name set
// is data: a request resolves by map lookup, never by reflection.
type Service struct {
	Requests map[string]Handler
	Streams  map[string]StreamHandler
	Inputs   map[string]InputHandler
}

// validate checks the table for empty or colliding request names and for
// declared names with no callable bound to them.
func (s Service) validate() error {
	seen := make(map[string]bool)
	check := func(name string, callable bool) error {
		if name == "" {
			return errors.NotValidf("service with empty request name")
		}
		if seen[name] {
			return errors.NotValidf("service with colliding request name %q", name)
		}
		if !callable {
			return errors.NotValidf("request %q with nil handler", name)
		}
		seen[name] = true
		return nil
	}
	for name, h := range s.Requests {
		if err := check(name, h != nil); err != nil {
			return errors.Trace(err)
		}
	}
	for name, h := range s.Streams {
		if err := check(name, h != nil); err != nil {
			return errors.Trace(err)
		}
	}
	for name, h := range s.Inputs {
		if err := check(name, h != nil); err != nil {
			return errors.Trace(err)
		}
	}
	if len(seen) == 0 {
		return errors.NotValidf("service with no requests")
	}
	return nil
}

// InputStream delivers STREAM_INPUT_DATA payloads to an input handler.
type InputStream struct {
	items  chan json.RawMessage
	closed chan struct{}
}

func newInputStream() *InputStream {
	return &InputStream{
		items:  make(chan json.RawMessage, streamBuffer),
		closed: make(chan struct{}),
	}
}

// Recv decodes the next input item into out. It returns io.EOF once the
// client has sent STREAM_INPUT_END and all items are drained.
func (s *InputStream) Recv(out interface{}) error {
	select {
	case item, ok := <-s.items:
		if !ok {
			return io.EOF
		}
		return errors.Trace(json.Unmarshal(item, out))
	case <-s.closed:
		// Drain anything buffered before reporting the end.
		select {
		case item, ok := <-s.items:
			if !ok {
				return io.EOF
			}
			return errors.Trace(json.Unmarshal(item, out))
		default:
			return io.EOF
		}
	}
}

func (s *InputStream) push(item json.RawMessage) {
	select {
	case s.items <- item:
	case <-s.closed:
	}
}

func (s *InputStream) end() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

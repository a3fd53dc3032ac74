// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package jsoncodec provides the reference encoding for the multiplexer:
// one JSON object per frame over any duplex byte stream.
package jsoncodec

import (
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/coedit/coedit/rpc"
)

var logger = loggo.GetLogger("coedit.rpc.jsoncodec")

// Codec implements rpc.Codec over an io.ReadWriteCloser.
type Codec struct {
	conn io.ReadWriteCloser
	dec  *json.Decoder
	enc  *json.Encoder

	mu     sync.Mutex
	closed bool
}

// New returns a codec framing JSON objects over conn.
func New(conn io.ReadWriteCloser) *Codec {
	return &Codec{
		conn: conn,
		dec:  json.NewDecoder(conn),
		enc:  json.NewEncoder(conn),
	}
}

// ReadMessage implements rpc.Codec.
func (c *Codec) ReadMessage(msg *rpc.Message) error {
	if err := c.dec.Decode(msg); err != nil {
		if c.isClosed() && err != io.EOF {
			return io.EOF
		}
		return err
	}
	if logger.IsTraceEnabled() {
		logger.Tracef("<- %s %s/%d %q", msg.Type, msg.Service, msg.ID, msg.Name)
	}
	return nil
}

// WriteMessage implements rpc.Codec.
func (c *Codec) WriteMessage(msg *rpc.Message) error {
	if logger.IsTraceEnabled() {
		logger.Tracef("-> %s %s/%d %q", msg.Type, msg.Service, msg.ID, msg.Name)
	}
	return errors.Trace(c.enc.Encode(msg))
}

// Close implements rpc.Codec. It may be called concurrently with the
// read side and unblocks it.
func (c *Codec) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Codec) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// NewPipe returns two codecs joined by an in-memory duplex pipe, for
// exercising a client and server in one process.
func NewPipe() (*Codec, *Codec) {
	a, b := net.Pipe()
	return New(a), New(b)
}

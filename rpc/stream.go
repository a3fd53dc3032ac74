// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/juju/errors"

	"github.com/coedit/coedit/rpc/params"
)

// serverStream pumps a handler-provided Stream into STREAM_OUTPUT frames.
type serverStream struct {
	conn *Conn
	key  callKey
	src  Stream

	stopOnce sync.Once
}

// pump drains the source until it ends or the connection dies. A clean
// end is signalled with a true payload, a broken one with the error
// object, so the consumer always sees the failure before the close.
func (ss *serverStream) pump() {
	for {
		value, err := ss.src.Recv()
		if err != nil {
			ss.conn.dropServerStream(ss.key)
			ss.stop()
			if err == io.EOF {
				ss.writeEnd(json.RawMessage("true"))
			} else if errors.Is(err, ErrShutdown) || errors.Is(err, ErrDisconnected) {
				// The consumer went away; nobody is listening.
			} else {
				data, merr := json.Marshal(params.TranslateError(err))
				if merr != nil {
					logger.Errorf("marshalling stream error: %v", merr)
					data = json.RawMessage(`{"message":"stream failed"}`)
				}
				ss.writeEnd(data)
			}
			return
		}
		data, err := marshalData(value)
		if err != nil {
			logger.Errorf("marshalling stream value on %s/%d: %v", ss.key.service, ss.key.id, err)
			ss.conn.dropServerStream(ss.key)
			ss.stop()
			ss.writeEnd(json.RawMessage(`{"message":"unserialisable stream value"}`))
			return
		}
		if err := ss.conn.writeMessage(&Message{
			Type:    StreamOutputDataType,
			Service: ss.key.service,
			ID:      ss.key.id,
			Data:    data,
		}); err != nil {
			// Write-after-destroy: the connection is already tearing
			// down, which releases this stream.
			logger.Debugf("stream write on dead connection %s/%d: %v", ss.key.service, ss.key.id, err)
			ss.conn.dropServerStream(ss.key)
			ss.stop()
			return
		}
	}
}

func (ss *serverStream) writeEnd(data json.RawMessage) {
	if err := ss.conn.writeMessage(&Message{
		Type:    StreamOutputEndType,
		Service: ss.key.service,
		ID:      ss.key.id,
		Data:    data,
	}); err != nil {
		logger.Debugf("stream end write on dead connection %s/%d: %v", ss.key.service, ss.key.id, err)
	}
}

// stop closes the source. It is called on consumer close, connection
// death and normal termination; only the first call has any effect.
func (ss *serverStream) stop() {
	ss.stopOnce.Do(func() {
		if err := ss.src.Close(); err != nil {
			logger.Debugf("closing stream source %s/%d: %v", ss.key.service, ss.key.id, err)
		}
	})
}

// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package rpc implements the framed RPC multiplexer: bi-directional
// request/reply, server-push events and server-streamed results over a
// single duplex message channel. Either side of a connection may serve
// requests and issue them; frames are correlated by (service, id).
package rpc

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	corecontent "github.com/coedit/coedit/core/content"
	"github.com/coedit/coedit/rpc/params"
)

var logger = loggo.GetLogger("coedit.rpc")

const (
	// ErrShutdown is returned when a request is made on a connection
	// that has been closed locally.
	ErrShutdown = errors.ConstError("connection is shut down")

	// ErrDisconnected is returned for requests outstanding when the
	// transport dies, and for requests made afterwards.
	ErrDisconnected = errors.ConstError("disconnected")
)

// streamBuffer bounds the internal buffering of stream plumbing.
const streamBuffer = 16

// eventBuffer bounds the received-event queue. When it fills, frame
// dispatch pauses rather than dropping events.
const eventBuffer = 64

// callKey correlates replies and stream frames with their request.
type callKey struct {
	service string
	id      int64
}

// Conn is one end of an RPC connection. It can both serve and initiate
// requests, and may be used from multiple goroutines simultaneously.
type Conn struct {
	codec Codec

	// sending guards the write side of the codec.
	sending sync.Mutex

	// mutex guards the fields below.
	mutex         sync.Mutex
	services      map[string]Service
	proxies       map[string]*Proxy
	reqID         int64
	clientPending map[callKey]*Call
	tombstones    map[callKey]struct{}
	clientStreams map[callKey]*ClientStream
	serverStreams map[callKey]*serverStream
	inputStreams  map[callKey]*InputStream
	closing       bool
	shutdown      bool
	started       bool

	// srvPending tracks running server-side handlers.
	srvPending sync.WaitGroup

	// ctx is cancelled when the connection dies; it is the parent of
	// every handler invocation.
	ctx    context.Context
	cancel context.CancelFunc

	// events is the FIFO queue of received EVENT frames.
	events chan Message

	// dead is closed when the input loop terminates.
	dead chan struct{}

	// inputLoopError holds the error that terminated the input loop.
	inputLoopError error
}

// NewConn creates a connection over the given codec. It does not start
// reading; call Start once services and proxies are registered.
func NewConn(codec Codec) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		codec:         codec,
		services:      make(map[string]Service),
		proxies:       make(map[string]*Proxy),
		clientPending: make(map[callKey]*Call),
		tombstones:    make(map[callKey]struct{}),
		clientStreams: make(map[callKey]*ClientStream),
		serverStreams: make(map[callKey]*serverStream),
		inputStreams:  make(map[callKey]*InputStream),
		events:        make(chan Message, eventBuffer),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RegisterService exposes a dispatch table under the given service name.
// Registration fails on a name collision, on an invalid table, and on a
// destroyed connection.
func (conn *Conn) RegisterService(name string, service Service) error {
	if name == "" {
		return errors.NotValidf("service with empty name")
	}
	if err := service.validate(); err != nil {
		return errors.Annotatef(err, "service %q", name)
	}
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.closing || conn.shutdown {
		return ErrShutdown
	}
	if _, ok := conn.services[name]; ok {
		return errors.AlreadyExistsf("service %q", name)
	}
	conn.services[name] = service
	return nil
}

// Start begins reading frames. It must be called exactly once per
// connection before any requests are sent or served.
func (conn *Conn) Start() {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.started || conn.dead != nil || conn.closing || conn.shutdown {
		return
	}
	conn.started = true
	conn.dead = make(chan struct{})
	go conn.dispatchEvents()
	go conn.input()
}

// Dead returns a channel closed when the connection has terminated.
// There may still be outstanding server requests at that point.
func (conn *Conn) Dead() <-chan struct{} {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.dead
}

// Close shuts the connection down and returns once all in-flight server
// requests have completed. Close is terminal: registration and requests
// fail afterwards.
func (conn *Conn) Close() error {
	conn.mutex.Lock()
	if conn.closing {
		conn.mutex.Unlock()
		return errors.Annotate(ErrShutdown, "already closed")
	}
	conn.closing = true
	dead := conn.dead
	conn.mutex.Unlock()

	// Wait for running handlers to write their replies before the codec
	// goes away beneath them.
	conn.srvPending.Wait()

	if err := conn.codec.Close(); err != nil {
		logger.Infof("error closing codec: %v", err)
	}
	if dead != nil {
		<-dead
	} else {
		// Never started; release resources directly.
		conn.terminate(ErrShutdown)
	}
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.inputLoopError
}

// input runs the read loop and then tears the connection down.
func (conn *Conn) input() {
	err := conn.loop()
	conn.terminate(err)
}

// terminate fails all outstanding work with the given cause.
func (conn *Conn) terminate(err error) {
	conn.sending.Lock()
	defer conn.sending.Unlock()
	conn.mutex.Lock()
	if conn.shutdown {
		conn.mutex.Unlock()
		return
	}

	if conn.closing || err == io.EOF || errors.Is(err, io.ErrClosedPipe) {
		err = ErrShutdown
	}
	if conn.inputLoopError == nil && err != ErrShutdown {
		conn.inputLoopError = err
	}

	// Outstanding client requests observe a disconnect, not the codec's
	// internal failure.
	for key, call := range conn.clientPending {
		call.Error = ErrDisconnected
		delete(conn.clientPending, key)
		call.done()
	}
	for key, cs := range conn.clientStreams {
		cs.end(ErrDisconnected)
		delete(conn.clientStreams, key)
	}
	for key, ss := range conn.serverStreams {
		ss.stop()
		delete(conn.serverStreams, key)
	}
	for key, in := range conn.inputStreams {
		in.end()
		delete(conn.inputStreams, key)
	}
	conn.shutdown = true
	dead := conn.dead
	conn.mutex.Unlock()

	conn.cancel()
	close(conn.events)
	if dead != nil {
		close(dead)
	}
}

// loop reads and dispatches frames until the codec fails or a protocol
// violation is detected.
func (conn *Conn) loop() error {
	for {
		var msg Message
		if err := conn.codec.ReadMessage(&msg); err != nil {
			return err
		}
		if err := msg.Validate(); err != nil {
			// A malformed frame is fatal to the connection.
			logger.Errorf("invalid frame received: %v", err)
			return errors.Trace(err)
		}
		var err error
		switch msg.Type {
		case EventType:
			conn.events <- msg
		case RequestType:
			err = conn.handleRequest(msg)
		case ReplyValueType, ReplyErrorType, ReplyStreamType:
			err = conn.handleReply(msg)
		case StreamOutputDataType, StreamOutputEndType:
			err = conn.handleStreamOutput(msg)
		case StreamInputDataType, StreamInputEndType:
			err = conn.handleStreamInput(msg)
		}
		if err != nil {
			return errors.Trace(err)
		}
	}
}

// protocolViolation wraps an error that must kill the connection.
func protocolViolation(format string, args ...interface{}) error {
	return errors.Errorf("protocol violation: "+format, args...)
}

func (conn *Conn) handleRequest(msg Message) error {
	var args []json.RawMessage
	if err := json.Unmarshal(msg.Data, &args); err != nil {
		return errors.Trace(corecontent.NewInvalidEntity("message", &msg, "data"))
	}

	conn.mutex.Lock()
	service, found := conn.services[msg.Service]
	closing := conn.closing
	conn.mutex.Unlock()
	if closing {
		return conn.writeError(msg.Service, msg.ID, ErrShutdown)
	}
	if !found {
		return conn.writeError(msg.Service, msg.ID, errors.NotFoundf("service %q", msg.Service))
	}

	key := callKey{msg.Service, msg.ID}
	switch {
	case service.Requests[msg.Name] != nil:
		handler := service.Requests[msg.Name]
		conn.srvPending.Add(1)
		go conn.runRequest(key, handler, args)
	case service.Streams[msg.Name] != nil:
		handler := service.Streams[msg.Name]
		conn.srvPending.Add(1)
		go conn.runStreamRequest(key, handler, args)
	case service.Inputs[msg.Name] != nil:
		handler := service.Inputs[msg.Name]
		in := newInputStream()
		conn.mutex.Lock()
		conn.inputStreams[key] = in
		conn.mutex.Unlock()
		conn.srvPending.Add(1)
		go conn.runInputRequest(key, handler, args, in)
	default:
		return conn.writeError(msg.Service, msg.ID,
			errors.NotFoundf("request %q on service %q", msg.Name, msg.Service))
	}
	return nil
}

// runRequest executes a unary handler and writes its reply. A handler
// panic is a protocol violation and kills the connection.
func (conn *Conn) runRequest(key callKey, handler Handler, args []json.RawMessage) {
	defer conn.srvPending.Done()
	defer conn.recoverHandler(key)
	result, err := handler(conn.ctx, args)
	if err != nil {
		if werr := conn.writeError(key.service, key.id, err); werr != nil {
			logger.Errorf("error writing error reply: %v", werr)
		}
		return
	}
	if werr := conn.writeReply(key.service, key.id, result); werr != nil {
		logger.Errorf("error writing reply: %v", werr)
	}
}

func (conn *Conn) runStreamRequest(key callKey, handler StreamHandler, args []json.RawMessage) {
	defer conn.srvPending.Done()
	defer conn.recoverHandler(key)
	stream, err := handler(conn.ctx, args)
	if err != nil {
		if werr := conn.writeError(key.service, key.id, err); werr != nil {
			logger.Errorf("error writing error reply: %v", werr)
		}
		return
	}
	ss := &serverStream{conn: conn, key: key, src: stream}
	conn.mutex.Lock()
	if conn.shutdown || conn.closing {
		conn.mutex.Unlock()
		_ = stream.Close()
		return
	}
	conn.serverStreams[key] = ss
	conn.mutex.Unlock()

	if err := conn.writeMessage(&Message{
		Type:    ReplyStreamType,
		Service: key.service,
		ID:      key.id,
	}); err != nil {
		conn.dropServerStream(key)
		_ = stream.Close()
		return
	}
	go ss.pump()
}

func (conn *Conn) runInputRequest(key callKey, handler InputHandler, args []json.RawMessage, in *InputStream) {
	defer conn.srvPending.Done()
	defer conn.recoverHandler(key)
	result, err := handler(conn.ctx, args, in)
	conn.mutex.Lock()
	delete(conn.inputStreams, key)
	conn.mutex.Unlock()
	if err != nil {
		if werr := conn.writeError(key.service, key.id, err); werr != nil {
			logger.Errorf("error writing error reply: %v", werr)
		}
		return
	}
	if werr := conn.writeReply(key.service, key.id, result); werr != nil {
		logger.Errorf("error writing reply: %v", werr)
	}
}

// recoverHandler converts a handler panic into connection death: a
// handler failing without a proper error value is a protocol violation.
func (conn *Conn) recoverHandler(key callKey) {
	if r := recover(); r != nil {
		logger.Errorf("handler for %s/%d panicked: %v", key.service, key.id, r)
		conn.abort(protocolViolation("handler failure on %s: %v", key.service, r))
	}
}

// abort records a fatal error and closes the codec so the input loop
// observes the death.
func (conn *Conn) abort(err error) {
	conn.mutex.Lock()
	if conn.inputLoopError == nil && !conn.closing {
		conn.inputLoopError = err
	}
	conn.mutex.Unlock()
	_ = conn.codec.Close()
}

func (conn *Conn) handleReply(msg Message) error {
	key := callKey{msg.Service, msg.ID}
	conn.mutex.Lock()
	call := conn.clientPending[key]
	delete(conn.clientPending, key)
	if call == nil {
		if _, cancelled := conn.tombstones[key]; cancelled {
			delete(conn.tombstones, key)
			conn.mutex.Unlock()
			return nil
		}
		conn.mutex.Unlock()
		// Either a duplicate reply or a reply to a request that was
		// never made; both are fatal.
		return protocolViolation("unexpected %s for %s/%d", msg.Type, msg.Service, msg.ID)
	}
	conn.mutex.Unlock()

	switch msg.Type {
	case ReplyValueType:
		if call.Response != nil && !isNull(msg.Data) {
			if err := json.Unmarshal(msg.Data, call.Response); err != nil {
				call.Error = errors.Annotate(err, "decoding reply")
			}
		}
	case ReplyErrorType:
		var wireErr params.Error
		if err := json.Unmarshal(msg.Data, &wireErr); err != nil {
			return errors.Trace(corecontent.NewInvalidEntity("message", &msg, "data"))
		}
		call.Error = params.TranslateWireError(&wireErr)
	case ReplyStreamType:
		if call.stream == nil {
			return protocolViolation("stream reply for plain request %s/%d", msg.Service, msg.ID)
		}
		conn.mutex.Lock()
		if conn.shutdown {
			conn.mutex.Unlock()
			call.Error = ErrDisconnected
			call.done()
			return nil
		}
		conn.clientStreams[key] = call.stream
		conn.mutex.Unlock()
	}
	call.done()
	return nil
}

func (conn *Conn) handleStreamOutput(msg Message) error {
	key := callKey{msg.Service, msg.ID}
	conn.mutex.Lock()
	cs := conn.clientStreams[key]
	if msg.Type == StreamOutputEndType {
		delete(conn.clientStreams, key)
	}
	conn.mutex.Unlock()
	if cs == nil {
		return protocolViolation("stream output for unknown stream %s/%d", msg.Service, msg.ID)
	}
	if msg.Type == StreamOutputDataType {
		cs.push(msg.Data)
		return nil
	}
	// STREAM_OUTPUT_END: data is either the boolean true for a clean
	// end, or an error object describing why the stream broke.
	if isObject(msg.Data) {
		var wireErr params.Error
		if err := json.Unmarshal(msg.Data, &wireErr); err != nil {
			return errors.Trace(corecontent.NewInvalidEntity("message", &msg, "data"))
		}
		cs.end(params.TranslateWireError(&wireErr))
	} else {
		cs.end(io.EOF)
	}
	return nil
}

func (conn *Conn) handleStreamInput(msg Message) error {
	key := callKey{msg.Service, msg.ID}
	conn.mutex.Lock()
	in := conn.inputStreams[key]
	ss := conn.serverStreams[key]
	conn.mutex.Unlock()

	switch msg.Type {
	case StreamInputDataType:
		if in == nil {
			return protocolViolation("stream input for unknown request %s/%d", msg.Service, msg.ID)
		}
		in.push(msg.Data)
	case StreamInputEndType:
		switch {
		case in != nil:
			in.end()
		case ss != nil:
			// The remote consumer closed its end of an output stream.
			ss.stop()
			conn.dropServerStream(key)
		default:
			// The stream may have ended on this side already; the
			// close raced with our final frame. Not an error.
			logger.Tracef("stream input end for finished stream %s/%d", msg.Service, msg.ID)
		}
	}
	return nil
}

func (conn *Conn) dropServerStream(key callKey) {
	conn.mutex.Lock()
	delete(conn.serverStreams, key)
	conn.mutex.Unlock()
}

// dispatchEvents delivers received EVENT frames to proxy handlers, in
// arrival order, decoupled from the frame loop so that a handler cannot
// re-enter the multiplexer mid-dispatch.
func (conn *Conn) dispatchEvents() {
	for msg := range conn.events {
		conn.mutex.Lock()
		proxy := conn.proxies[msg.Service]
		conn.mutex.Unlock()
		if proxy == nil {
			logger.Tracef("event %q for unknown service %q", msg.Name, msg.Service)
			continue
		}
		proxy.dispatchEvent(msg.Name, msg.Data)
	}
}

// Emit sends a server-push event on the given service.
func (conn *Conn) Emit(service, name string, value interface{}) error {
	data, err := marshalData(value)
	if err != nil {
		return errors.Trace(err)
	}
	msg := &Message{
		Type:    EventType,
		Service: service,
		Name:    name,
		Data:    data,
	}
	if err := msg.Validate(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(conn.writeMessage(msg))
}

func (conn *Conn) writeReply(service string, id int64, value interface{}) error {
	data, err := marshalData(value)
	if err != nil {
		return errors.Trace(err)
	}
	return conn.writeMessage(&Message{
		Type:    ReplyValueType,
		Service: service,
		ID:      id,
		Data:    data,
	})
}

func (conn *Conn) writeError(service string, id int64, callErr error) error {
	data, err := json.Marshal(params.TranslateError(callErr))
	if err != nil {
		return errors.Trace(err)
	}
	return conn.writeMessage(&Message{
		Type:    ReplyErrorType,
		Service: service,
		ID:      id,
		Data:    data,
	})
}

// writeMessage serialises access to the codec's write side.
func (conn *Conn) writeMessage(msg *Message) error {
	conn.sending.Lock()
	defer conn.sending.Unlock()
	conn.mutex.Lock()
	shutdown := conn.shutdown
	conn.mutex.Unlock()
	if shutdown {
		return ErrDisconnected
	}
	return errors.Trace(conn.codec.WriteMessage(msg))
}

func marshalData(value interface{}) (json.RawMessage, error) {
	if value == nil {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Annotate(err, "marshalling data")
	}
	return data, nil
}

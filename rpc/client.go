// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/collections/deque"
	"github.com/juju/errors"
)

// Call represents an active outgoing request.
type Call struct {
	Service  string
	Name     string
	Params   []interface{}
	Response interface{}
	Error    error
	Done     chan *Call

	// stream is non-nil when the caller expects a streamed reply.
	stream *ClientStream
}

func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
		// The Done channel is allocated with capacity one by the
		// connection, so this cannot happen for calls it created.
		logger.Errorf("discarding reply due to insufficient Done chan capacity")
	}
}

// reservedProxyNames are the intrinsic members of a proxy; declared
// request names must not shadow them.
var reservedProxyNames = map[string]bool{
	"call":       true,
	"callStream": true,
	"onEvent":    true,
	"close":      true,
}

// Proxy is a typed caller for one remote service. The request-name set
// is declared at registration and requests outside it are rejected
// locally.
type Proxy struct {
	conn    *Conn
	service string
	names   map[string]bool

	mu     sync.Mutex
	events map[string]func(json.RawMessage)
}

// Proxy registers a client-side proxy for the named remote service.
func (conn *Conn) Proxy(service string, names ...string) (*Proxy, error) {
	if service == "" {
		return nil, errors.NotValidf("proxy with empty service name")
	}
	if len(names) == 0 {
		return nil, errors.NotValidf("proxy %q with no request names", service)
	}
	nameSet := make(map[string]bool, len(names))
	for _, name := range names {
		if name == "" {
			return nil, errors.NotValidf("proxy %q with empty request name", service)
		}
		if reservedProxyNames[name] {
			return nil, errors.NotValidf("proxy %q request %q shadows an intrinsic member", service, name)
		}
		if nameSet[name] {
			return nil, errors.NotValidf("proxy %q with colliding request name %q", service, name)
		}
		nameSet[name] = true
	}
	proxy := &Proxy{
		conn:    conn,
		service: service,
		names:   nameSet,
		events:  make(map[string]func(json.RawMessage)),
	}
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.closing || conn.shutdown {
		return nil, ErrShutdown
	}
	if _, ok := conn.proxies[service]; ok {
		return nil, errors.AlreadyExistsf("proxy for service %q", service)
	}
	conn.proxies[service] = proxy
	return proxy, nil
}

// Call invokes the named request with the given parameters and decodes
// the reply into result, which may be nil to discard it.
func (p *Proxy) Call(ctx context.Context, name string, callParams []interface{}, result interface{}) error {
	if !p.names[name] {
		return errors.NotValidf("request %q not declared on proxy %q", name, p.service)
	}
	call := &Call{
		Service:  p.service,
		Name:     name,
		Params:   callParams,
		Response: result,
		Done:     make(chan *Call, 1),
	}
	return errors.Trace(p.conn.call(ctx, call))
}

// CallStream invokes the named streamed request. On success the returned
// stream yields the values pushed by the remote side.
func (p *Proxy) CallStream(ctx context.Context, name string, callParams []interface{}) (*ClientStream, error) {
	if !p.names[name] {
		return nil, errors.NotValidf("request %q not declared on proxy %q", name, p.service)
	}
	call := &Call{
		Service: p.service,
		Name:    name,
		Params:  callParams,
		Done:    make(chan *Call, 1),
		stream:  newClientStream(p.conn, p.service),
	}
	if err := p.conn.call(ctx, call); err != nil {
		return nil, errors.Trace(err)
	}
	return call.stream, nil
}

// OnEvent registers a handler for the named server-push event. Handlers
// run on the connection's event dispatch goroutine, in arrival order.
func (p *Proxy) OnEvent(name string, handler func(data json.RawMessage)) error {
	if name == "" || handler == nil {
		return errors.NotValidf("event registration %q", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[name] = handler
	return nil
}

func (p *Proxy) dispatchEvent(name string, data json.RawMessage) {
	p.mu.Lock()
	handler := p.events[name]
	p.mu.Unlock()
	if handler == nil {
		logger.Tracef("no handler for event %q on service %q", name, p.service)
		return
	}
	handler(data)
}

// call sends the request and waits for its reply or for ctx to be done.
func (conn *Conn) call(ctx context.Context, call *Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := conn.send(call)
	if err != nil {
		return errors.Trace(err)
	}
	select {
	case <-ctx.Done():
		conn.cancelCall(key)
		return ctx.Err()
	case result := <-call.Done:
		return errors.Trace(result.Error)
	}
}

// send registers the call, assigns its request id and writes the frame.
func (conn *Conn) send(call *Call) (callKey, error) {
	data, err := json.Marshal(paramsArray(call.Params))
	if err != nil {
		return callKey{}, errors.Annotate(err, "marshalling request params")
	}

	conn.sending.Lock()
	defer conn.sending.Unlock()

	conn.mutex.Lock()
	if conn.dead == nil {
		conn.mutex.Unlock()
		return callKey{}, errors.New("call made before connection started")
	}
	if conn.closing {
		conn.mutex.Unlock()
		return callKey{}, ErrShutdown
	}
	if conn.shutdown {
		conn.mutex.Unlock()
		return callKey{}, ErrDisconnected
	}
	conn.reqID++
	key := callKey{call.Service, conn.reqID}
	conn.clientPending[key] = call
	if call.stream != nil {
		call.stream.key = key
	}
	conn.mutex.Unlock()

	if err := conn.codec.WriteMessage(&Message{
		Type:    RequestType,
		Service: call.Service,
		ID:      key.id,
		Name:    call.Name,
		Data:    data,
	}); err != nil {
		conn.mutex.Lock()
		delete(conn.clientPending, key)
		conn.mutex.Unlock()
		return callKey{}, errors.Trace(err)
	}
	return key, nil
}

// cancelCall abandons an in-flight request. A tombstone swallows the
// eventual reply instead of treating it as a protocol violation.
func (conn *Conn) cancelCall(key callKey) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if _, pending := conn.clientPending[key]; !pending {
		return
	}
	delete(conn.clientPending, key)
	conn.tombstones[key] = struct{}{}
}

func paramsArray(values []interface{}) []interface{} {
	if values == nil {
		return []interface{}{}
	}
	return values
}

// ClientStream consumes a streamed reply. Items are buffered without
// loss; a slow consumer delays delivery rather than dropping values.
type ClientStream struct {
	conn    *Conn
	service string
	key     callKey

	mu      sync.Mutex
	pending *deque.Deque
	wake    chan struct{}
	err     error
	closed  bool
}

func newClientStream(conn *Conn, service string) *ClientStream {
	return &ClientStream{
		conn:    conn,
		service: service,
		pending: deque.New(),
		wake:    make(chan struct{}, 1),
	}
}

// Recv decodes the next streamed value into out. It returns io.EOF when
// the stream ended cleanly, or the error the remote side ended it with.
func (s *ClientStream) Recv(out interface{}) error {
	for {
		s.mu.Lock()
		if item, ok := s.pending.PopFront(); ok {
			s.mu.Unlock()
			return errors.Trace(json.Unmarshal(item.(json.RawMessage), out))
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return err
		}
		<-s.wake
	}
}

// Close ends the subscription from the consumer side. The remote side is
// told to stop via a STREAM_INPUT_END frame; values already in flight
// are discarded.
func (s *ClientStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.err == nil {
		s.err = errors.Annotate(ErrShutdown, "stream closed")
	}
	s.mu.Unlock()
	s.signal()

	// Best effort: the connection may already be gone.
	_ = s.conn.writeMessage(&Message{
		Type:    StreamInputEndType,
		Service: s.key.service,
		ID:      s.key.id,
		Data:    json.RawMessage("true"),
	})
	return nil
}

func (s *ClientStream) push(item json.RawMessage) {
	s.mu.Lock()
	if s.err == nil {
		s.pending.PushBack(item)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *ClientStream) end(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.signal()
}

func (s *ClientStream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

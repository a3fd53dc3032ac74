// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver serves the content and presence backends over the
// framed RPC protocol. Each accepted codec becomes one connection with
// the ping, auth, content and presence services registered on it.
package apiserver

import (
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"

	"github.com/coedit/coedit/content"
	"github.com/coedit/coedit/presence"
	"github.com/coedit/coedit/rpc"
)

var logger = loggo.GetLogger("coedit.apiserver")

// Connection lifecycle topics published on the server's hub.
const (
	TopicConnect    = "apiserver.connect"
	TopicDisconnect = "apiserver.disconnect"
)

// ConnectionChange is the payload of the lifecycle topics.
type ConnectionChange struct {
	SessionID string
}

// ServerConfig holds the collaborators of a Server.
type ServerConfig struct {
	Content    *content.Backend
	Presence   *presence.Backend
	Authorizer Authorizer
	Clock      clock.Clock

	// Hub receives connect/disconnect announcements. Optional; a
	// server-local hub is created when unset.
	Hub *pubsub.SimpleHub
}

// Validate returns an error unless the required collaborators are set.
func (c ServerConfig) Validate() error {
	if c.Content == nil {
		return errors.NotValidf("nil Content")
	}
	if c.Presence == nil {
		return errors.NotValidf("nil Presence")
	}
	if c.Authorizer == nil {
		return errors.NotValidf("nil Authorizer")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Server turns codecs into served API connections.
type Server struct {
	cfg ServerConfig
	hub *pubsub.SimpleHub

	mu     sync.Mutex
	conns  map[*session]struct{}
	closed bool
}

// NewServer returns a server over the given backends.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	hub := cfg.Hub
	if hub == nil {
		hub = pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("coedit.apiserver.hub"),
		})
	}
	return &Server{
		cfg:   cfg,
		hub:   hub,
		conns: make(map[*session]struct{}),
	}, nil
}

// Hub returns the hub carrying connect/disconnect announcements.
func (srv *Server) Hub() *pubsub.SimpleHub {
	return srv.hub
}

// ServeCodec serves one connection over the codec. It returns once the
// connection is started; the connection is dismantled when the codec
// dies or the server closes. The new connection's session id is
// returned.
func (srv *Server) ServeCodec(codec rpc.Codec) (string, error) {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return "", errors.New("server closed")
	}
	srv.mu.Unlock()

	sess, err := newSession(srv, rpc.NewConn(codec))
	if err != nil {
		return "", errors.Trace(err)
	}
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		_ = sess.conn.Close()
		return "", errors.New("server closed")
	}
	srv.conns[sess] = struct{}{}
	srv.mu.Unlock()

	sess.conn.Start()
	srv.hub.Publish(TopicConnect, ConnectionChange{SessionID: sess.sessionID})
	logger.Debugf("serving connection %s", sess.sessionID)
	go srv.reap(sess)
	return sess.sessionID, nil
}

// reap waits for the connection to die, withdraws its presence and
// announces the disconnect.
func (srv *Server) reap(sess *session) {
	<-sess.conn.Dead()
	sess.dismantle()
	srv.mu.Lock()
	delete(srv.conns, sess)
	srv.mu.Unlock()
	srv.hub.Publish(TopicDisconnect, ConnectionChange{SessionID: sess.sessionID})
	logger.Debugf("connection %s gone", sess.sessionID)
}

// Close shuts down every served connection. The backends are owned by
// the caller and stay up.
func (srv *Server) Close() error {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil
	}
	srv.closed = true
	conns := make([]*session, 0, len(srv.conns))
	for sess := range srv.conns {
		conns = append(conns, sess)
	}
	srv.mu.Unlock()

	for _, sess := range conns {
		_ = sess.conn.Close()
	}
	return nil
}

// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package api is the client side of the collaboration API. A Client
// wraps one connection and exposes typed facades for the auth, content
// and presence services.
package api

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	corecontent "github.com/coedit/coedit/core/content"
	corepresence "github.com/coedit/coedit/core/presence"
	"github.com/coedit/coedit/rpc"
	"github.com/coedit/coedit/rpc/params"
)

var logger = loggo.GetLogger("coedit.api")

// Client is a connected API client. It is safe for concurrent use.
type Client struct {
	conn *rpc.Conn

	ping     *rpc.Proxy
	auth     *rpc.Proxy
	content  *rpc.Proxy
	presence *rpc.Proxy

	mu      sync.Mutex
	session *params.Session
	events  chan params.Session
}

// NewClient starts a client over the codec. The codec is owned by the
// returned client and closed with it.
func NewClient(codec rpc.Codec) (*Client, error) {
	conn := rpc.NewConn(codec)
	client := &Client{
		conn:   conn,
		events: make(chan params.Session, 16),
	}

	var err error
	if client.ping, err = conn.Proxy("ping", "ping"); err != nil {
		return nil, errors.Trace(err)
	}
	if client.auth, err = conn.Proxy("auth",
		"logIn", "logOut",
		"mayReadContent", "mayWriteContent",
		"mayReadPresence", "mayWritePresence",
	); err != nil {
		return nil, errors.Trace(err)
	}
	if client.content, err = conn.Proxy("content",
		"registerSchema", "getSchema", "getSnapshot",
		"submitOperation", "streamOperations",
	); err != nil {
		return nil, errors.Trace(err)
	}
	if client.presence, err = conn.Proxy("presence",
		"submitPresence", "removePresence",
		"getPresenceBySessionId", "getPresenceByUserId", "getPresenceByLocationId",
		"streamPresenceBySessionId", "streamPresenceByUserId", "streamPresenceByLocationId",
	); err != nil {
		return nil, errors.Trace(err)
	}

	if err := client.auth.OnEvent("active", client.onActive); err != nil {
		return nil, errors.Trace(err)
	}
	if err := client.auth.OnEvent("inactive", client.onInactive); err != nil {
		return nil, errors.Trace(err)
	}

	conn.Start()
	return client, nil
}

func (c *Client) onActive(data json.RawMessage) {
	var session params.Session
	if err := json.Unmarshal(data, &session); err != nil {
		logger.Warningf("discarding malformed active event: %v", err)
		return
	}
	c.mu.Lock()
	c.session = &session
	c.mu.Unlock()
	select {
	case c.events <- session:
	default:
		logger.Warningf("dropping session event, nobody is draining them")
	}
}

func (c *Client) onInactive(json.RawMessage) {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	select {
	case c.events <- params.Session{}:
	default:
		logger.Warningf("dropping session event, nobody is draining them")
	}
}

// Session returns the identity announced by the server's most recent
// "active" event, if the client is currently logged in.
func (c *Client) Session() (params.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return params.Session{}, false
	}
	return *c.session, true
}

// SessionEvents yields one value per auth lifecycle event: the session
// on "active", a zero Session on "inactive".
func (c *Client) SessionEvents() <-chan params.Session {
	return c.events
}

// Ping checks liveness of the connection end to end.
func (c *Client) Ping(ctx context.Context) error {
	var reply string
	if err := c.ping.Call(ctx, "ping", nil, &reply); err != nil {
		return errors.Trace(err)
	}
	if reply != "pong" {
		return errors.Errorf("unexpected ping reply %q", reply)
	}
	return nil
}

// LogIn authenticates the connection. The session identity arrives via
// the "active" event; see Session and SessionEvents.
func (c *Client) LogIn(ctx context.Context, credentials interface{}) error {
	return errors.Trace(c.auth.Call(ctx, "logIn", []interface{}{credentials}, nil))
}

// LogOut drops the connection's identity.
func (c *Client) LogOut(ctx context.Context) error {
	return errors.Trace(c.auth.Call(ctx, "logOut", nil, nil))
}

// MayReadContent asks the server's policy whether the logged-in user
// may read the document.
func (c *Client) MayReadContent(ctx context.Context, doc corecontent.Document) (bool, error) {
	return c.askContent(ctx, "mayReadContent", doc)
}

// MayWriteContent asks the server's policy whether the logged-in user
// may write the document.
func (c *Client) MayWriteContent(ctx context.Context, doc corecontent.Document) (bool, error) {
	return c.askContent(ctx, "mayWriteContent", doc)
}

func (c *Client) askContent(ctx context.Context, name string, doc corecontent.Document) (bool, error) {
	var allowed bool
	err := c.auth.Call(ctx, name, []interface{}{doc.Type, doc.ID}, &allowed)
	return allowed, errors.Trace(err)
}

// MayReadPresence asks the server's policy whether the logged-in user
// may observe the presence record.
func (c *Client) MayReadPresence(ctx context.Context, p corepresence.Presence) (bool, error) {
	return c.askPresence(ctx, "mayReadPresence", p)
}

// MayWritePresence asks the server's policy whether the logged-in user
// may publish the presence record.
func (c *Client) MayWritePresence(ctx context.Context, p corepresence.Presence) (bool, error) {
	return c.askPresence(ctx, "mayWritePresence", p)
}

func (c *Client) askPresence(ctx context.Context, name string, p corepresence.Presence) (bool, error) {
	var allowed bool
	err := c.auth.Call(ctx, name, []interface{}{p}, &allowed)
	return allowed, errors.Trace(err)
}

// Content returns the content facade.
func (c *Client) Content() *ContentClient {
	return &ContentClient{proxy: c.content}
}

// Presence returns the presence facade.
func (c *Client) Presence() *PresenceClient {
	return &PresenceClient{proxy: c.presence}
}

// Close shuts the connection down and waits for it to die.
func (c *Client) Close() error {
	return errors.Trace(c.conn.Close())
}

// Dead is closed once the underlying connection has terminated.
func (c *Client) Dead() <-chan struct{} {
	return c.conn.Dead()
}

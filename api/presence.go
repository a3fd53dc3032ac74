// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package api

import (
	"context"
	"io"

	"github.com/juju/errors"

	corecontent "github.com/coedit/coedit/core/content"
	corepresence "github.com/coedit/coedit/core/presence"
	"github.com/coedit/coedit/presence"
	"github.com/coedit/coedit/rpc"
)

// PresenceClient calls the presence service.
type PresenceClient struct {
	proxy *rpc.Proxy
}

// SubmitPresence publishes the caller's presence. The server overrides
// the record's session and user with the connection's own identity.
func (c *PresenceClient) SubmitPresence(ctx context.Context, p corepresence.Presence) (corepresence.Presence, error) {
	var stored corepresence.Presence
	err := c.proxy.Call(ctx, "submitPresence", []interface{}{p}, &stored)
	return stored, errors.Trace(err)
}

// RemovePresence withdraws the caller's presence, if any.
func (c *PresenceClient) RemovePresence(ctx context.Context) error {
	return errors.Trace(c.proxy.Call(ctx, "removePresence", nil, nil))
}

// GetPresenceBySessionID fetches the presence of one session, or nil
// when the session has none.
func (c *PresenceClient) GetPresenceBySessionID(ctx context.Context, sessionID string) (*corepresence.Presence, error) {
	var p *corepresence.Presence
	err := c.proxy.Call(ctx, "getPresenceBySessionId", []interface{}{sessionID}, &p)
	return p, errors.Trace(err)
}

// GetPresenceByUserID fetches the presence of all of a user's sessions.
func (c *PresenceClient) GetPresenceByUserID(ctx context.Context, userID string) ([]corepresence.Presence, error) {
	var ps []corepresence.Presence
	err := c.proxy.Call(ctx, "getPresenceByUserId", []interface{}{userID}, &ps)
	return ps, errors.Trace(err)
}

// GetPresenceByLocation fetches the presence of every session at the
// given document.
func (c *PresenceClient) GetPresenceByLocation(ctx context.Context, loc corecontent.Document) ([]corepresence.Presence, error) {
	var ps []corepresence.Presence
	err := c.proxy.Call(ctx, "getPresenceByLocationId", []interface{}{loc.Type, loc.ID}, &ps)
	return ps, errors.Trace(err)
}

// StreamPresenceBySessionID subscribes to one session's presence. The
// current state arrives first as updates, then live changes follow.
func (c *PresenceClient) StreamPresenceBySessionID(ctx context.Context, sessionID string) (*PresenceWatcher, error) {
	return c.watch(ctx, "streamPresenceBySessionId", []interface{}{sessionID})
}

// StreamPresenceByUserID subscribes to the presence of all of a user's
// sessions.
func (c *PresenceClient) StreamPresenceByUserID(ctx context.Context, userID string) (*PresenceWatcher, error) {
	return c.watch(ctx, "streamPresenceByUserId", []interface{}{userID})
}

// StreamPresenceByLocation subscribes to the presence of every session
// at the given document.
func (c *PresenceClient) StreamPresenceByLocation(ctx context.Context, loc corecontent.Document) (*PresenceWatcher, error) {
	return c.watch(ctx, "streamPresenceByLocationId", []interface{}{loc.Type, loc.ID})
}

func (c *PresenceClient) watch(ctx context.Context, name string, args []interface{}) (*PresenceWatcher, error) {
	stream, err := c.proxy.CallStream(ctx, name, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &PresenceWatcher{stream: stream}, nil
}

// PresenceWatcher yields the changes of one presence subscription.
type PresenceWatcher struct {
	stream *rpc.ClientStream
}

// Next blocks for the next change. It returns io.EOF if the server ends
// the subscription.
func (w *PresenceWatcher) Next() (presence.Change, error) {
	var change presence.Change
	if err := w.stream.Recv(&change); err != nil {
		if err == io.EOF {
			return presence.Change{}, io.EOF
		}
		return presence.Change{}, errors.Trace(err)
	}
	return change, nil
}

// Close cancels the subscription.
func (w *PresenceWatcher) Close() error {
	return errors.Trace(w.stream.Close())
}

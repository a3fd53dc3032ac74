// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package presence implements the thin presence service: submit, query
// and stream who-is-where records, fanned out over the bus.
package presence

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	corecontent "github.com/coedit/coedit/core/content"
	corepresence "github.com/coedit/coedit/core/presence"
	"github.com/coedit/coedit/pubsub"
)

var logger = loggo.GetLogger("coedit.presence")

// SessionTopic returns the bus topic carrying changes of one session's
// presence.
func SessionTopic(sessionID string) string {
	return "presence:session:" + sessionID
}

// UserTopic returns the bus topic carrying changes of one user's
// presence across all their sessions.
func UserTopic(userID string) string {
	return "presence:user:" + userID
}

// LocationTopic returns the bus topic carrying presence changes within
// one document.
func LocationTopic(loc corecontent.Document) string {
	return "presence:location:" + loc.String()
}

// ChangeKind says whether a presence record was updated or removed.
type ChangeKind string

const (
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// Change is the payload published on presence topics and delivered by
// presence streams.
type Change struct {
	Kind     ChangeKind            `json:"kind"`
	Presence corepresence.Presence `json:"presence"`
}

// BackendConfig holds the collaborators of a presence Backend.
type BackendConfig struct {
	Store Store
	Bus   pubsub.Bus
	Clock clock.Clock
}

// Validate returns an error unless all collaborators are set.
func (c BackendConfig) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Bus == nil {
		return errors.NotValidf("nil Bus")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Backend is the presence service.
type Backend struct {
	cfg BackendConfig
}

// NewBackend returns a presence backend over the given collaborators.
func NewBackend(cfg BackendConfig) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Backend{cfg: cfg}, nil
}

// SubmitPresence validates and stores p, stamps its update time and
// publishes the change on the session, user and location topics. The
// stored record is returned.
func (b *Backend) SubmitPresence(ctx context.Context, p corepresence.Presence) (corepresence.Presence, error) {
	if err := p.Validate(); err != nil {
		return corepresence.Presence{}, errors.Trace(err)
	}
	p.Updated = b.cfg.Clock.Now().UTC()
	if err := b.cfg.Store.Upsert(ctx, p); err != nil {
		return corepresence.Presence{}, errors.Trace(err)
	}
	b.publish(Change{Kind: ChangeUpdated, Presence: p})
	return p, nil
}

// RemovePresence drops the session's record. Removing a session with no
// presence is a no-op; a removal that did drop a record is published.
func (b *Backend) RemovePresence(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return corecontent.NewInvalidEntity("presence", nil, "sessionId")
	}
	removed, err := b.cfg.Store.Remove(ctx, sessionID)
	if err != nil {
		return errors.Trace(err)
	}
	if removed != nil {
		b.publish(Change{Kind: ChangeRemoved, Presence: *removed})
	}
	return nil
}

func (b *Backend) publish(change Change) {
	p := change.Presence
	b.cfg.Bus.Publish(SessionTopic(p.SessionID), change)
	b.cfg.Bus.Publish(UserTopic(p.UserID), change)
	b.cfg.Bus.Publish(LocationTopic(p.Location), change)
}

// GetPresenceBySessionID returns the session's record, or nil.
func (b *Backend) GetPresenceBySessionID(ctx context.Context, sessionID string) (*corepresence.Presence, error) {
	p, err := b.cfg.Store.BySessionID(ctx, sessionID)
	return p, errors.Trace(err)
}

// GetPresenceByUserID returns the user's records across sessions.
func (b *Backend) GetPresenceByUserID(ctx context.Context, userID string) ([]corepresence.Presence, error) {
	ps, err := b.cfg.Store.ByUserID(ctx, userID)
	return ps, errors.Trace(err)
}

// GetPresenceByLocation returns the records located in the document.
func (b *Backend) GetPresenceByLocation(ctx context.Context, loc corecontent.Document) ([]corepresence.Presence, error) {
	ps, err := b.cfg.Store.ByLocation(ctx, loc)
	return ps, errors.Trace(err)
}

// StreamPresenceBySessionID streams the session's current record (if
// any) followed by its live changes.
func (b *Backend) StreamPresenceBySessionID(_ context.Context, sessionID string) (*PresenceStream, error) {
	query := func(ctx context.Context) ([]corepresence.Presence, error) {
		p, err := b.cfg.Store.BySessionID(ctx, sessionID)
		if err != nil || p == nil {
			return nil, errors.Trace(err)
		}
		return []corepresence.Presence{*p}, nil
	}
	return newPresenceStream(b.cfg.Bus, SessionTopic(sessionID), query), nil
}

// StreamPresenceByUserID streams the user's current records followed by
// their live changes.
func (b *Backend) StreamPresenceByUserID(_ context.Context, userID string) (*PresenceStream, error) {
	query := func(ctx context.Context) ([]corepresence.Presence, error) {
		return b.cfg.Store.ByUserID(ctx, userID)
	}
	return newPresenceStream(b.cfg.Bus, UserTopic(userID), query), nil
}

// StreamPresenceByLocation streams the document's current records
// followed by their live changes.
func (b *Backend) StreamPresenceByLocation(_ context.Context, loc corecontent.Document) (*PresenceStream, error) {
	query := func(ctx context.Context) ([]corepresence.Presence, error) {
		return b.cfg.Store.ByLocation(ctx, loc)
	}
	return newPresenceStream(b.cfg.Bus, LocationTopic(loc), query), nil
}

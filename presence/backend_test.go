// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package presence_test

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/clock/testclock"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	corecontent "github.com/coedit/coedit/core/content"
	corepresence "github.com/coedit/coedit/core/presence"
	"github.com/coedit/coedit/presence"
	"github.com/coedit/coedit/pubsub"
	coretesting "github.com/coedit/coedit/testing"
)

type backendSuite struct {
	jujutesting.IsolationSuite

	bus     *pubsub.Hub
	clock   *testclock.Clock
	backend *presence.Backend
	doc     corecontent.Document
}

var _ = gc.Suite(&backendSuite{})

func (s *backendSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.bus = pubsub.NewHub()
	s.AddCleanup(func(*gc.C) { s.bus.Close() })
	s.clock = testclock.NewClock(time.Now())
	backend, err := presence.NewBackend(presence.BackendConfig{
		Store: presence.NewMemoryStore(),
		Bus:   s.bus,
		Clock: s.clock,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.backend = backend
	s.doc = corecontent.Document{Type: "counter", ID: "doc-1"}
}

func (s *backendSuite) record(session, user string) corepresence.Presence {
	return corepresence.Presence{
		SessionID: session,
		UserID:    user,
		Location:  s.doc,
		Data:      json.RawMessage(`{"caret":4}`),
	}
}

func (s *backendSuite) nextChange(c *gc.C, stream *presence.PresenceStream) presence.Change {
	select {
	case change, ok := <-stream.Changes():
		c.Assert(ok, jc.IsTrue)
		return change
	case <-time.After(coretesting.LongWait):
		c.Fatal("timed out waiting for presence change")
	}
	panic("unreachable")
}

func (s *backendSuite) assertNoChange(c *gc.C, stream *presence.PresenceStream) {
	select {
	case change := <-stream.Changes():
		c.Fatalf("unexpected change %v", change)
	case <-time.After(coretesting.ShortWait):
	}
}

func (s *backendSuite) TestConfigValidate(c *gc.C) {
	_, err := presence.NewBackend(presence.BackendConfig{Bus: s.bus, Clock: s.clock})
	c.Check(err, gc.ErrorMatches, "nil Store not valid")
}

func (s *backendSuite) TestSubmitAndQuery(c *gc.C) {
	ctx := context.Background()
	stored, err := s.backend.SubmitPresence(ctx, s.record("s-1", "alice"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(stored.Updated.IsZero(), jc.IsFalse)

	got, err := s.backend.GetPresenceBySessionID(ctx, "s-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, gc.NotNil)
	c.Check(got.UserID, gc.Equals, "alice")

	byUser, err := s.backend.GetPresenceByUserID(ctx, "alice")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(byUser, gc.HasLen, 1)

	byLocation, err := s.backend.GetPresenceByLocation(ctx, s.doc)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(byLocation, gc.HasLen, 1)
}

func (s *backendSuite) TestSubmitValidates(c *gc.C) {
	p := s.record("", "alice")
	_, err := s.backend.SubmitPresence(context.Background(), p)
	c.Check(corecontent.IsInvalidEntity(err), jc.IsTrue)
}

func (s *backendSuite) TestSubmitReplacesSession(c *gc.C) {
	ctx := context.Background()
	_, err := s.backend.SubmitPresence(ctx, s.record("s-1", "alice"))
	c.Assert(err, jc.ErrorIsNil)

	moved := s.record("s-1", "alice")
	moved.Location = corecontent.Document{Type: "counter", ID: "doc-2"}
	_, err = s.backend.SubmitPresence(ctx, moved)
	c.Assert(err, jc.ErrorIsNil)

	got, err := s.backend.GetPresenceBySessionID(ctx, "s-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Location.ID, gc.Equals, "doc-2")

	old, err := s.backend.GetPresenceByLocation(ctx, s.doc)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(old, gc.HasLen, 0)
}

func (s *backendSuite) TestRemovePresence(c *gc.C) {
	ctx := context.Background()
	_, err := s.backend.SubmitPresence(ctx, s.record("s-1", "alice"))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.backend.RemovePresence(ctx, "s-1"), jc.ErrorIsNil)

	got, err := s.backend.GetPresenceBySessionID(ctx, "s-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.IsNil)

	// Removing an absent session is a no-op.
	c.Assert(s.backend.RemovePresence(ctx, "s-1"), jc.ErrorIsNil)
}

func (s *backendSuite) TestStreamInitialThenLive(c *gc.C) {
	ctx := context.Background()
	_, err := s.backend.SubmitPresence(ctx, s.record("s-1", "alice"))
	c.Assert(err, jc.ErrorIsNil)

	stream, err := s.backend.StreamPresenceByLocation(ctx, s.doc)
	c.Assert(err, jc.ErrorIsNil)
	defer stream.Close()

	initial := s.nextChange(c, stream)
	c.Check(initial.Kind, gc.Equals, presence.ChangeUpdated)
	c.Check(initial.Presence.SessionID, gc.Equals, "s-1")

	_, err = s.backend.SubmitPresence(ctx, s.record("s-2", "bob"))
	c.Assert(err, jc.ErrorIsNil)
	live := s.nextChange(c, stream)
	c.Check(live.Presence.SessionID, gc.Equals, "s-2")

	c.Assert(s.backend.RemovePresence(ctx, "s-2"), jc.ErrorIsNil)
	removed := s.nextChange(c, stream)
	c.Check(removed.Kind, gc.Equals, presence.ChangeRemoved)
	c.Check(removed.Presence.SessionID, gc.Equals, "s-2")
}

func (s *backendSuite) TestStreamBySessionIgnoresOthers(c *gc.C) {
	ctx := context.Background()
	stream, err := s.backend.StreamPresenceBySessionID(ctx, "s-1")
	c.Assert(err, jc.ErrorIsNil)
	defer stream.Close()

	_, err = s.backend.SubmitPresence(ctx, s.record("s-2", "bob"))
	c.Assert(err, jc.ErrorIsNil)
	s.assertNoChange(c, stream)

	_, err = s.backend.SubmitPresence(ctx, s.record("s-1", "alice"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.nextChange(c, stream).Presence.UserID, gc.Equals, "alice")
}

func (s *backendSuite) TestStreamByUser(c *gc.C) {
	ctx := context.Background()
	stream, err := s.backend.StreamPresenceByUserID(ctx, "alice")
	c.Assert(err, jc.ErrorIsNil)
	defer stream.Close()

	_, err = s.backend.SubmitPresence(ctx, s.record("s-1", "alice"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.nextChange(c, stream).Presence.SessionID, gc.Equals, "s-1")
}

func (s *backendSuite) TestStreamCloseEndsChannel(c *gc.C) {
	stream, err := s.backend.StreamPresenceByUserID(context.Background(), "alice")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stream.Close(), jc.ErrorIsNil)
	select {
	case _, ok := <-stream.Changes():
		c.Check(ok, jc.IsFalse)
	case <-time.After(coretesting.LongWait):
		c.Fatal("stream did not close its channel")
	}
}

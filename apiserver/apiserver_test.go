// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/coedit/coedit/api"
	"github.com/coedit/coedit/apiserver"
	"github.com/coedit/coedit/content"
	"github.com/coedit/coedit/content/ctypes"
	corecontent "github.com/coedit/coedit/core/content"
	corepresence "github.com/coedit/coedit/core/presence"
	"github.com/coedit/coedit/presence"
	"github.com/coedit/coedit/pubsub"
	"github.com/coedit/coedit/rpc"
	"github.com/coedit/coedit/rpc/jsoncodec"
	"github.com/coedit/coedit/rpc/params"
	"github.com/coedit/coedit/store/memory"
	coretesting "github.com/coedit/coedit/testing"
)

type serverSuite struct {
	jujutesting.IsolationSuite

	clock      *testclock.Clock
	bus        *pubsub.Hub
	authorizer *fakeAuthorizer
	backend    *content.Backend
	presence   *presence.Backend
	server     *apiserver.Server

	doc    corecontent.Document
	schema corecontent.Schema
}

var _ = gc.Suite(&serverSuite{})

// fakeAuthorizer accepts any {"user": name} credential and allows
// everything unless told otherwise.
type fakeAuthorizer struct {
	mu        sync.Mutex
	denyRead  bool
	denyWrite bool

	// When gate is non-nil Authenticate blocks on it; started is
	// signalled once the call is in the handler.
	gate    chan struct{}
	started chan struct{}
}

func (a *fakeAuthorizer) Authenticate(ctx context.Context, credentials json.RawMessage) (apiserver.Identity, error) {
	a.mu.Lock()
	gate, started := a.gate, a.started
	a.mu.Unlock()
	if gate != nil {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return apiserver.Identity{}, ctx.Err()
		}
	}
	var body struct {
		User string `json:"user"`
	}
	if err := json.Unmarshal(credentials, &body); err != nil || body.User == "" {
		return apiserver.Identity{}, errors.Unauthorizedf("invalid credentials")
	}
	return apiserver.Identity{UserID: body.User}, nil
}

func (a *fakeAuthorizer) MayReadContent(context.Context, apiserver.Identity, corecontent.Document) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.denyRead, nil
}

func (a *fakeAuthorizer) MayWriteContent(ctx context.Context, _ apiserver.Identity, _ corecontent.Document) (bool, error) {
	a.mu.Lock()
	gate, started := a.gate, a.started
	denied := a.denyWrite
	a.mu.Unlock()
	if gate != nil {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return !denied, nil
}

func (a *fakeAuthorizer) MayReadPresence(context.Context, apiserver.Identity, corepresence.Presence) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.denyRead, nil
}

func (a *fakeAuthorizer) MayWritePresence(context.Context, apiserver.Identity, corepresence.Presence) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.denyWrite, nil
}

func (s *serverSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Now())
	s.bus = pubsub.NewHub()
	s.AddCleanup(func(*gc.C) { s.bus.Close() })
	s.authorizer = &fakeAuthorizer{}

	registry := content.NewRegistry()
	c.Assert(registry.Register(ctypes.NewCounter()), jc.ErrorIsNil)
	backend, err := content.NewBackend(content.BackendConfig{
		Registry: registry,
		Store:    memory.New(),
		Bus:      s.bus,
		Clock:    s.clock,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, backend) })
	s.backend = backend

	presenceBackend, err := presence.NewBackend(presence.BackendConfig{
		Store: presence.NewMemoryStore(),
		Bus:   s.bus,
		Clock: s.clock,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.presence = presenceBackend

	server, err := apiserver.NewServer(apiserver.ServerConfig{
		Content:    s.backend,
		Presence:   s.presence,
		Authorizer: s.authorizer,
		Clock:      s.clock,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { _ = server.Close() })
	s.server = server

	s.doc = corecontent.Document{Type: "counter", ID: "doc-1"}
	s.schema = corecontent.Schema{
		Type: "counter",
		Hash: corecontent.CreateSchemaHash("counter", nil),
	}
	s.schema, err = s.backend.RegisterSchema(context.Background(), s.schema)
	c.Assert(err, jc.ErrorIsNil)
}

// newClient serves one end of a pipe and connects a client to the
// other. It returns the client and the server-side session id.
func (s *serverSuite) newClient(c *gc.C) (*api.Client, string) {
	serverEnd, clientEnd := jsoncodec.NewPipe()
	sessionID, err := s.server.ServeCodec(serverEnd)
	c.Assert(err, jc.ErrorIsNil)
	client, err := api.NewClient(clientEnd)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { _ = client.Close() })
	return client, sessionID
}

func (s *serverSuite) credentials(user string) map[string]string {
	return map[string]string{"user": user}
}

// login authenticates the client and waits for the "active" event.
func (s *serverSuite) login(c *gc.C, client *api.Client, user string) params.Session {
	c.Assert(client.LogIn(context.Background(), s.credentials(user)), jc.ErrorIsNil)
	select {
	case session := <-client.SessionEvents():
		c.Assert(session.UserID, gc.Equals, user)
		return session
	case <-time.After(coretesting.LongWait):
		c.Fatal("timed out waiting for active event")
	}
	panic("unreachable")
}

func (s *serverSuite) op(version int64, delta int) corecontent.Operation {
	return corecontent.Operation{
		Key:     fmt.Sprintf("op-%d", version),
		Type:    s.doc.Type,
		ID:      s.doc.ID,
		Version: version,
		Schema:  s.schema.Hash,
		Data:    json.RawMessage(strconv.Itoa(delta)),
	}
}

func (s *serverSuite) TestPing(c *gc.C) {
	client, _ := s.newClient(c)
	c.Assert(client.Ping(context.Background()), jc.ErrorIsNil)
}

func (s *serverSuite) TestLogInEmitsActive(c *gc.C) {
	client, sessionID := s.newClient(c)
	session := s.login(c, client, "alice")
	c.Check(session.SessionID, gc.Equals, sessionID)

	current, ok := client.Session()
	c.Check(ok, jc.IsTrue)
	c.Check(current, gc.DeepEquals, session)
}

func (s *serverSuite) TestLogInRejectsBadCredentials(c *gc.C) {
	client, _ := s.newClient(c)
	err := client.LogIn(context.Background(), map[string]string{"user": ""})
	c.Check(err, jc.ErrorIs, errors.Unauthorized)
	_, ok := client.Session()
	c.Check(ok, jc.IsFalse)
}

func (s *serverSuite) TestLogOutEmitsInactive(c *gc.C) {
	client, _ := s.newClient(c)
	s.login(c, client, "alice")
	c.Assert(client.LogOut(context.Background()), jc.ErrorIsNil)

	select {
	case session := <-client.SessionEvents():
		c.Check(session, gc.DeepEquals, params.Session{})
	case <-time.After(coretesting.LongWait):
		c.Fatal("timed out waiting for inactive event")
	}
	_, ok := client.Session()
	c.Check(ok, jc.IsFalse)
}

func (s *serverSuite) TestContentRequiresLogin(c *gc.C) {
	client, _ := s.newClient(c)
	_, err := client.Content().GetSnapshot(context.Background(), s.doc, corecontent.MaxVersion)
	c.Check(err, jc.ErrorIs, errors.Unauthorized)
}

func (s *serverSuite) TestContentRoundTrip(c *gc.C) {
	ctx := context.Background()
	client, sessionID := s.newClient(c)
	s.login(c, client, "alice")
	facade := client.Content()

	stored, err := facade.SubmitOperation(ctx, s.op(1, 10))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(stored.Key, gc.Equals, "op-1")
	c.Check(stored.Meta[corecontent.MetaUser], gc.Equals, "alice")
	c.Check(stored.Meta[corecontent.MetaSession], gc.Equals, sessionID)

	snapshot, err := facade.GetSnapshot(ctx, s.doc, corecontent.MaxVersion)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(snapshot.Version, gc.Equals, int64(1))
	c.Check(string(snapshot.Data), gc.Equals, "10")

	schema, err := facade.GetSchema(ctx, s.schema.Hash)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(schema, gc.NotNil)
	c.Check(schema.Hash, gc.Equals, s.schema.Hash)
}

func (s *serverSuite) TestGetSchemaUnknownIsNull(c *gc.C) {
	client, _ := s.newClient(c)
	s.login(c, client, "alice")
	schema, err := client.Content().GetSchema(context.Background(), "no-such-hash")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(schema, gc.IsNil)
}

func (s *serverSuite) TestRegisterSchemaOverWire(c *gc.C) {
	client, _ := s.newClient(c)
	s.login(c, client, "alice")
	stored, err := client.Content().RegisterSchema(context.Background(), s.schema)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(stored.Hash, gc.Equals, s.schema.Hash)
}

func (s *serverSuite) TestStreamOperationsOverWire(c *gc.C) {
	ctx := context.Background()
	client, _ := s.newClient(c)
	s.login(c, client, "alice")
	facade := client.Content()

	for v := int64(1); v <= 3; v++ {
		_, err := facade.SubmitOperation(ctx, s.op(v, int(v)*10))
		c.Assert(err, jc.ErrorIsNil)
	}

	watcher, err := facade.StreamOperations(ctx, s.doc, 2, 5)
	c.Assert(err, jc.ErrorIsNil)
	defer watcher.Close()

	for _, want := range []int64{2, 3} {
		op, err := watcher.Next()
		c.Assert(err, jc.ErrorIsNil)
		c.Check(op.Version, gc.Equals, want)
	}

	_, err = facade.SubmitOperation(ctx, s.op(4, 40))
	c.Assert(err, jc.ErrorIsNil)
	op, err := watcher.Next()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(op.Version, gc.Equals, int64(4))

	_, err = watcher.Next()
	c.Check(err, gc.Equals, io.EOF)
}

func (s *serverSuite) TestVersionConflictCrossesWire(c *gc.C) {
	ctx := context.Background()
	client, _ := s.newClient(c)
	s.login(c, client, "alice")
	facade := client.Content()

	_, err := facade.SubmitOperation(ctx, s.op(1, 10))
	c.Assert(err, jc.ErrorIsNil)

	duplicate := s.op(1, 99)
	duplicate.Key = "op-other"
	_, err = facade.SubmitOperation(ctx, duplicate)
	c.Assert(err, gc.NotNil)
	version, ok := corecontent.VersionConflict(err)
	c.Check(ok, jc.IsTrue)
	c.Check(version, gc.Equals, int64(1))
}

func (s *serverSuite) TestWriteDenied(c *gc.C) {
	ctx := context.Background()
	client, _ := s.newClient(c)
	s.login(c, client, "mallory")

	s.authorizer.mu.Lock()
	s.authorizer.denyWrite = true
	s.authorizer.mu.Unlock()

	_, err := client.Content().SubmitOperation(ctx, s.op(1, 10))
	c.Check(err, jc.ErrorIs, errors.Unauthorized)

	mayWrite, err := client.MayWriteContent(ctx, s.doc)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(mayWrite, jc.IsFalse)
	mayRead, err := client.MayReadContent(ctx, s.doc)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(mayRead, jc.IsTrue)
}

func (s *serverSuite) TestPresenceRoundTrip(c *gc.C) {
	ctx := context.Background()
	alice, aliceSession := s.newClient(c)
	s.login(c, alice, "alice")

	// The record's session and user come from the connection, not the
	// payload.
	spoofed := corepresence.Presence{
		SessionID: "forged",
		UserID:    "someone-else",
		Location:  s.doc,
		Data:      json.RawMessage(`{"caret":2}`),
	}
	stored, err := alice.Presence().SubmitPresence(ctx, spoofed)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(stored.SessionID, gc.Equals, aliceSession)
	c.Check(stored.UserID, gc.Equals, "alice")

	got, err := alice.Presence().GetPresenceBySessionID(ctx, aliceSession)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, gc.NotNil)
	c.Check(got.UserID, gc.Equals, "alice")

	byLocation, err := alice.Presence().GetPresenceByLocation(ctx, s.doc)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(byLocation, gc.HasLen, 1)
}

func (s *serverSuite) TestPresenceStreamOverWire(c *gc.C) {
	ctx := context.Background()
	alice, _ := s.newClient(c)
	s.login(c, alice, "alice")
	_, err := alice.Presence().SubmitPresence(ctx, corepresence.Presence{Location: s.doc})
	c.Assert(err, jc.ErrorIsNil)

	watcher, err := alice.Presence().StreamPresenceByLocation(ctx, s.doc)
	c.Assert(err, jc.ErrorIsNil)
	defer watcher.Close()

	initial, err := watcher.Next()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(initial.Kind, gc.Equals, presence.ChangeUpdated)
	c.Check(initial.Presence.UserID, gc.Equals, "alice")

	bob, bobSession := s.newClient(c)
	s.login(c, bob, "bob")
	_, err = bob.Presence().SubmitPresence(ctx, corepresence.Presence{Location: s.doc})
	c.Assert(err, jc.ErrorIsNil)

	live, err := watcher.Next()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(live.Kind, gc.Equals, presence.ChangeUpdated)
	c.Check(live.Presence.SessionID, gc.Equals, bobSession)

	c.Assert(bob.Presence().RemovePresence(ctx), jc.ErrorIsNil)
	removed, err := watcher.Next()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(removed.Kind, gc.Equals, presence.ChangeRemoved)
	c.Check(removed.Presence.SessionID, gc.Equals, bobSession)
}

func (s *serverSuite) TestDisconnectWithdrawsPresence(c *gc.C) {
	ctx := context.Background()
	client, sessionID := s.newClient(c)
	s.login(c, client, "alice")
	_, err := client.Presence().SubmitPresence(ctx, corepresence.Presence{Location: s.doc})
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(client.Close(), jc.ErrorIsNil)

	deadline := time.Now().Add(coretesting.LongWait)
	for {
		got, err := s.presence.GetPresenceBySessionID(ctx, sessionID)
		c.Assert(err, jc.ErrorIsNil)
		if got == nil {
			return
		}
		if time.Now().After(deadline) {
			c.Fatal("presence survived the disconnect")
		}
		time.Sleep(coretesting.ShortWait)
	}
}

func (s *serverSuite) TestConnectionAnnouncements(c *gc.C) {
	connects := make(chan apiserver.ConnectionChange, 1)
	disconnects := make(chan apiserver.ConnectionChange, 1)
	unsubConnect := s.server.Hub().Subscribe(apiserver.TopicConnect, func(_ string, data interface{}) {
		connects <- data.(apiserver.ConnectionChange)
	})
	defer unsubConnect()
	unsubDisconnect := s.server.Hub().Subscribe(apiserver.TopicDisconnect, func(_ string, data interface{}) {
		disconnects <- data.(apiserver.ConnectionChange)
	})
	defer unsubDisconnect()

	client, sessionID := s.newClient(c)
	select {
	case change := <-connects:
		c.Check(change.SessionID, gc.Equals, sessionID)
	case <-time.After(coretesting.LongWait):
		c.Fatal("timed out waiting for connect announcement")
	}

	c.Assert(client.Close(), jc.ErrorIsNil)
	select {
	case change := <-disconnects:
		c.Check(change.SessionID, gc.Equals, sessionID)
	case <-time.After(coretesting.LongWait):
		c.Fatal("timed out waiting for disconnect announcement")
	}
}

// A connection stuck in a slow handler must not stop the server from
// serving other connections, and closing the stuck connection resolves
// its pending calls.
func (s *serverSuite) TestSlowHandlerDoesNotBlockOthers(c *gc.C) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	s.authorizer.mu.Lock()
	s.authorizer.gate = gate
	s.authorizer.started = started
	s.authorizer.mu.Unlock()
	defer close(gate)

	stuck, _ := s.newClient(c)
	loginErr := make(chan error, 1)
	go func() {
		loginErr <- stuck.LogIn(context.Background(), s.credentials("alice"))
	}()
	select {
	case <-started:
	case <-time.After(coretesting.LongWait):
		c.Fatal("authenticate never started")
	}

	s.authorizer.mu.Lock()
	s.authorizer.gate = nil
	s.authorizer.started = nil
	s.authorizer.mu.Unlock()

	// Another connection is served while the first is stuck.
	other, _ := s.newClient(c)
	c.Assert(other.Ping(context.Background()), jc.ErrorIsNil)
	s.login(c, other, "bob")

	// Closing the stuck connection resolves its pending call.
	c.Assert(stuck.Close(), jc.ErrorIsNil)
	select {
	case err := <-loginErr:
		c.Check(err, gc.NotNil)
	case <-time.After(coretesting.LongWait):
		c.Fatal("pending call never resolved")
	}
}

// Destroying the transport while a submit is in flight resolves the
// pending call with a disconnect, and the server keeps serving other
// connections.
func (s *serverSuite) TestDisconnectResolvesPendingSubmit(c *gc.C) {
	client, _ := s.newClient(c)
	s.login(c, client, "alice")

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	s.authorizer.mu.Lock()
	s.authorizer.gate = gate
	s.authorizer.started = started
	s.authorizer.mu.Unlock()
	defer close(gate)

	submitErr := make(chan error, 1)
	go func() {
		_, err := client.Content().SubmitOperation(context.Background(), s.op(1, 10))
		submitErr <- err
	}()
	select {
	case <-started:
	case <-time.After(coretesting.LongWait):
		c.Fatal("submit never reached the handler")
	}

	c.Assert(client.Close(), jc.ErrorIsNil)
	select {
	case err := <-submitErr:
		c.Check(err, jc.ErrorIs, rpc.ErrDisconnected)
	case <-time.After(coretesting.LongWait):
		c.Fatal("pending submit never resolved")
	}

	s.authorizer.mu.Lock()
	s.authorizer.gate = nil
	s.authorizer.started = nil
	s.authorizer.mu.Unlock()

	other, _ := s.newClient(c)
	c.Assert(other.Ping(context.Background()), jc.ErrorIsNil)
}

func (s *serverSuite) TestServerCloseStopsServing(c *gc.C) {
	client, _ := s.newClient(c)
	c.Assert(s.server.Close(), jc.ErrorIsNil)

	select {
	case <-client.Dead():
	case <-time.After(coretesting.LongWait):
		c.Fatal("connection survived server close")
	}

	serverEnd, clientEnd := jsoncodec.NewPipe()
	_, err := s.server.ServeCodec(serverEnd)
	c.Check(err, gc.ErrorMatches, "server closed")
	_ = clientEnd.Close()
}

// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/coedit/coedit/content"
	corecontent "github.com/coedit/coedit/core/content"
	corepresence "github.com/coedit/coedit/core/presence"
	"github.com/coedit/coedit/presence"
	"github.com/coedit/coedit/rpc"
	"github.com/coedit/coedit/rpc/params"
)

// session is the server-side state of one connection: its id, its
// authenticated identity and the service dispatch tables.
type session struct {
	server    *Server
	conn      *rpc.Conn
	sessionID string

	mu       sync.Mutex
	identity *Identity
}

func newSession(srv *Server, conn *rpc.Conn) (*session, error) {
	sess := &session{
		server:    srv,
		conn:      conn,
		sessionID: uuid.New().String(),
	}
	for name, service := range map[string]rpc.Service{
		"ping":     sess.pingService(),
		"auth":     sess.authService(),
		"content":  sess.contentService(),
		"presence": sess.presenceService(),
	} {
		if err := conn.RegisterService(name, service); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return sess, nil
}

// dismantle withdraws connection-scoped state once the transport is
// gone: any presence the session published is removed.
func (sess *session) dismantle() {
	ctx := context.Background()
	if err := sess.server.cfg.Presence.RemovePresence(ctx, sess.sessionID); err != nil {
		logger.Warningf("removing presence of %s: %v", sess.sessionID, err)
	}
}

func (sess *session) currentIdentity() (Identity, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.identity == nil {
		return Identity{}, errors.Unauthorizedf("not logged in")
	}
	return *sess.identity, nil
}

// decodeArgs unmarshals the request's data array elementwise. The
// argument count must match exactly.
func decodeArgs(args []json.RawMessage, outs ...interface{}) error {
	if len(args) != len(outs) {
		return corecontent.NewInvalidEntity("request", args, "data")
	}
	for i, arg := range args {
		if err := json.Unmarshal(arg, outs[i]); err != nil {
			return corecontent.NewInvalidEntity("request", args, "data")
		}
	}
	return nil
}

func (sess *session) pingService() rpc.Service {
	return rpc.Service{
		Requests: map[string]rpc.Handler{
			"ping": func(context.Context, []json.RawMessage) (interface{}, error) {
				return "pong", nil
			},
		},
	}
}

func (sess *session) authService() rpc.Service {
	return rpc.Service{
		Requests: map[string]rpc.Handler{
			"logIn":            sess.logIn,
			"logOut":           sess.logOut,
			"mayReadContent":   sess.mayContent(Authorizer.MayReadContent),
			"mayWriteContent":  sess.mayContent(Authorizer.MayWriteContent),
			"mayReadPresence":  sess.mayPresence(Authorizer.MayReadPresence),
			"mayWritePresence": sess.mayPresence(Authorizer.MayWritePresence),
		},
	}
}

func (sess *session) logIn(ctx context.Context, args []json.RawMessage) (interface{}, error) {
	var credentials json.RawMessage
	if err := decodeArgs(args, &credentials); err != nil {
		return nil, err
	}
	identity, err := sess.server.cfg.Authorizer.Authenticate(ctx, credentials)
	if err != nil {
		return nil, errors.Trace(err)
	}
	sess.mu.Lock()
	sess.identity = &identity
	sess.mu.Unlock()
	_ = sess.conn.Emit("auth", "active", params.Session{
		UserID:    identity.UserID,
		SessionID: sess.sessionID,
	})
	return nil, nil
}

func (sess *session) logOut(context.Context, []json.RawMessage) (interface{}, error) {
	sess.mu.Lock()
	sess.identity = nil
	sess.mu.Unlock()
	_ = sess.conn.Emit("auth", "inactive", nil)
	return nil, nil
}

type contentCheck func(Authorizer, context.Context, Identity, corecontent.Document) (bool, error)

func (sess *session) mayContent(check contentCheck) rpc.Handler {
	return func(ctx context.Context, args []json.RawMessage) (interface{}, error) {
		var docType, docID string
		if err := decodeArgs(args, &docType, &docID); err != nil {
			return nil, err
		}
		identity, err := sess.currentIdentity()
		if err != nil {
			return nil, err
		}
		allowed, err := check(sess.server.cfg.Authorizer, ctx, identity, corecontent.Document{Type: docType, ID: docID})
		if err != nil {
			return nil, errors.Trace(err)
		}
		return allowed, nil
	}
}

type presenceCheck func(Authorizer, context.Context, Identity, corepresence.Presence) (bool, error)

func (sess *session) mayPresence(check presenceCheck) rpc.Handler {
	return func(ctx context.Context, args []json.RawMessage) (interface{}, error) {
		var p corepresence.Presence
		if err := decodeArgs(args, &p); err != nil {
			return nil, err
		}
		identity, err := sess.currentIdentity()
		if err != nil {
			return nil, err
		}
		allowed, err := check(sess.server.cfg.Authorizer, ctx, identity, p)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return allowed, nil
	}
}

// checkReadContent and checkWriteContent turn a policy denial into an
// unauthorized error on the offending request.
func (sess *session) checkReadContent(ctx context.Context, doc corecontent.Document) (Identity, error) {
	identity, err := sess.currentIdentity()
	if err != nil {
		return Identity{}, err
	}
	allowed, err := sess.server.cfg.Authorizer.MayReadContent(ctx, identity, doc)
	if err != nil {
		return Identity{}, errors.Trace(err)
	}
	if !allowed {
		return Identity{}, errors.Unauthorizedf("read of %s denied", doc)
	}
	return identity, nil
}

func (sess *session) checkWriteContent(ctx context.Context, doc corecontent.Document) (Identity, error) {
	identity, err := sess.currentIdentity()
	if err != nil {
		return Identity{}, err
	}
	allowed, err := sess.server.cfg.Authorizer.MayWriteContent(ctx, identity, doc)
	if err != nil {
		return Identity{}, errors.Trace(err)
	}
	if !allowed {
		return Identity{}, errors.Unauthorizedf("write to %s denied", doc)
	}
	return identity, nil
}

func (sess *session) contentService() rpc.Service {
	return rpc.Service{
		Requests: map[string]rpc.Handler{
			"registerSchema":  sess.registerSchema,
			"getSchema":       sess.getSchema,
			"getSnapshot":     sess.getSnapshot,
			"submitOperation": sess.submitOperation,
		},
		Streams: map[string]rpc.StreamHandler{
			"streamOperations": sess.streamOperations,
		},
	}
}

func (sess *session) registerSchema(ctx context.Context, args []json.RawMessage) (interface{}, error) {
	var schema corecontent.Schema
	if err := decodeArgs(args, &schema); err != nil {
		return nil, err
	}
	if _, err := sess.currentIdentity(); err != nil {
		return nil, err
	}
	stored, err := sess.server.cfg.Content.RegisterSchema(ctx, schema)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return stored, nil
}

func (sess *session) getSchema(ctx context.Context, args []json.RawMessage) (interface{}, error) {
	var hash string
	if err := decodeArgs(args, &hash); err != nil {
		return nil, err
	}
	if _, err := sess.currentIdentity(); err != nil {
		return nil, err
	}
	schema, err := sess.server.cfg.Content.GetSchema(ctx, hash)
	if errors.Is(err, errors.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return schema, nil
}

func (sess *session) getSnapshot(ctx context.Context, args []json.RawMessage) (interface{}, error) {
	var docType, docID string
	var version int64
	if err := decodeArgs(args, &docType, &docID, &version); err != nil {
		return nil, err
	}
	doc := corecontent.Document{Type: docType, ID: docID}
	if _, err := sess.checkReadContent(ctx, doc); err != nil {
		return nil, err
	}
	snapshot, err := sess.server.cfg.Content.GetSnapshot(ctx, doc, version)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return snapshot, nil
}

func (sess *session) submitOperation(ctx context.Context, args []json.RawMessage) (interface{}, error) {
	var op corecontent.Operation
	if err := decodeArgs(args, &op); err != nil {
		return nil, err
	}
	identity, err := sess.checkWriteContent(ctx, op.Document())
	if err != nil {
		return nil, err
	}
	op.Meta = corecontent.StampMeta(op.Meta, identity.UserID, sess.sessionID, sess.server.cfg.Clock.Now())
	submitted, err := sess.server.cfg.Content.SubmitOperation(ctx, op)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return submitted, nil
}

func (sess *session) streamOperations(ctx context.Context, args []json.RawMessage) (rpc.Stream, error) {
	var docType, docID string
	var versionStart, versionEnd int64
	if err := decodeArgs(args, &docType, &docID, &versionStart, &versionEnd); err != nil {
		return nil, err
	}
	doc := corecontent.Document{Type: docType, ID: docID}
	if _, err := sess.checkReadContent(ctx, doc); err != nil {
		return nil, err
	}
	stream, err := sess.server.cfg.Content.StreamOperations(ctx, doc, versionStart, versionEnd)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return operationSource{stream: stream}, nil
}

// operationSource adapts an OperationStream to the connection's Stream
// contract.
type operationSource struct {
	stream *content.OperationStream
}

func (s operationSource) Recv() (interface{}, error) {
	op, ok := <-s.stream.Changes()
	if !ok {
		if err := s.stream.Wait(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return op, nil
}

func (s operationSource) Close() error {
	return s.stream.Close()
}

func (sess *session) presenceService() rpc.Service {
	return rpc.Service{
		Requests: map[string]rpc.Handler{
			"submitPresence":         sess.submitPresence,
			"removePresence":         sess.removePresence,
			"getPresenceBySessionId": sess.getPresenceBySessionID,
			"getPresenceByUserId":    sess.getPresenceByUserID,
			"getPresenceByLocationId": func(ctx context.Context, args []json.RawMessage) (interface{}, error) {
				return sess.getPresenceByLocation(ctx, args)
			},
		},
		Streams: map[string]rpc.StreamHandler{
			"streamPresenceBySessionId":  sess.streamPresenceBySessionID,
			"streamPresenceByUserId":     sess.streamPresenceByUserID,
			"streamPresenceByLocationId": sess.streamPresenceByLocation,
		},
	}
}

// submitPresence publishes the caller's own presence: the session and
// user of the record always come from the connection, not the payload.
func (sess *session) submitPresence(ctx context.Context, args []json.RawMessage) (interface{}, error) {
	var p corepresence.Presence
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}
	identity, err := sess.currentIdentity()
	if err != nil {
		return nil, err
	}
	p.SessionID = sess.sessionID
	p.UserID = identity.UserID
	allowed, err := sess.server.cfg.Authorizer.MayWritePresence(ctx, identity, p)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !allowed {
		return nil, errors.Unauthorizedf("presence write denied")
	}
	stored, err := sess.server.cfg.Presence.SubmitPresence(ctx, p)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return stored, nil
}

func (sess *session) removePresence(ctx context.Context, args []json.RawMessage) (interface{}, error) {
	if err := decodeArgs(args); err != nil {
		return nil, err
	}
	if _, err := sess.currentIdentity(); err != nil {
		return nil, err
	}
	return nil, errors.Trace(sess.server.cfg.Presence.RemovePresence(ctx, sess.sessionID))
}

// checkReadPresence probes the policy with a partially filled record
// describing the query target.
func (sess *session) checkReadPresence(ctx context.Context, probe corepresence.Presence) (Identity, error) {
	identity, err := sess.currentIdentity()
	if err != nil {
		return Identity{}, err
	}
	allowed, err := sess.server.cfg.Authorizer.MayReadPresence(ctx, identity, probe)
	if err != nil {
		return Identity{}, errors.Trace(err)
	}
	if !allowed {
		return Identity{}, errors.Unauthorizedf("presence read denied")
	}
	return identity, nil
}

func (sess *session) getPresenceBySessionID(ctx context.Context, args []json.RawMessage) (interface{}, error) {
	var sessionID string
	if err := decodeArgs(args, &sessionID); err != nil {
		return nil, err
	}
	if _, err := sess.checkReadPresence(ctx, corepresence.Presence{SessionID: sessionID}); err != nil {
		return nil, err
	}
	p, err := sess.server.cfg.Presence.GetPresenceBySessionID(ctx, sessionID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

func (sess *session) getPresenceByUserID(ctx context.Context, args []json.RawMessage) (interface{}, error) {
	var userID string
	if err := decodeArgs(args, &userID); err != nil {
		return nil, err
	}
	if _, err := sess.checkReadPresence(ctx, corepresence.Presence{UserID: userID}); err != nil {
		return nil, err
	}
	ps, err := sess.server.cfg.Presence.GetPresenceByUserID(ctx, userID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ps, nil
}

func (sess *session) getPresenceByLocation(ctx context.Context, args []json.RawMessage) (interface{}, error) {
	var docType, docID string
	if err := decodeArgs(args, &docType, &docID); err != nil {
		return nil, err
	}
	loc := corecontent.Document{Type: docType, ID: docID}
	if _, err := sess.checkReadPresence(ctx, corepresence.Presence{Location: loc}); err != nil {
		return nil, err
	}
	ps, err := sess.server.cfg.Presence.GetPresenceByLocation(ctx, loc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ps, nil
}

func (sess *session) streamPresenceBySessionID(ctx context.Context, args []json.RawMessage) (rpc.Stream, error) {
	var sessionID string
	if err := decodeArgs(args, &sessionID); err != nil {
		return nil, err
	}
	if _, err := sess.checkReadPresence(ctx, corepresence.Presence{SessionID: sessionID}); err != nil {
		return nil, err
	}
	stream, err := sess.server.cfg.Presence.StreamPresenceBySessionID(ctx, sessionID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return presenceSource{stream: stream}, nil
}

func (sess *session) streamPresenceByUserID(ctx context.Context, args []json.RawMessage) (rpc.Stream, error) {
	var userID string
	if err := decodeArgs(args, &userID); err != nil {
		return nil, err
	}
	if _, err := sess.checkReadPresence(ctx, corepresence.Presence{UserID: userID}); err != nil {
		return nil, err
	}
	stream, err := sess.server.cfg.Presence.StreamPresenceByUserID(ctx, userID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return presenceSource{stream: stream}, nil
}

func (sess *session) streamPresenceByLocation(ctx context.Context, args []json.RawMessage) (rpc.Stream, error) {
	var docType, docID string
	if err := decodeArgs(args, &docType, &docID); err != nil {
		return nil, err
	}
	loc := corecontent.Document{Type: docType, ID: docID}
	if _, err := sess.checkReadPresence(ctx, corepresence.Presence{Location: loc}); err != nil {
		return nil, err
	}
	stream, err := sess.server.cfg.Presence.StreamPresenceByLocation(ctx, loc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return presenceSource{stream: stream}, nil
}

// presenceSource adapts a PresenceStream to the connection's Stream
// contract.
type presenceSource struct {
	stream *presence.PresenceStream
}

func (s presenceSource) Recv() (interface{}, error) {
	change, ok := <-s.stream.Changes()
	if !ok {
		if err := s.stream.Wait(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return change, nil
}

func (s presenceSource) Close() error {
	return s.stream.Close()
}

// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package api

import (
	"context"
	"io"

	"github.com/juju/errors"

	corecontent "github.com/coedit/coedit/core/content"
	"github.com/coedit/coedit/rpc"
)

// ContentClient calls the content service.
type ContentClient struct {
	proxy *rpc.Proxy
}

// RegisterSchema stores the schema and returns the canonical stored
// form. Registering an already known schema is a no-op.
func (c *ContentClient) RegisterSchema(ctx context.Context, schema corecontent.Schema) (corecontent.Schema, error) {
	var stored corecontent.Schema
	err := c.proxy.Call(ctx, "registerSchema", []interface{}{schema}, &stored)
	return stored, errors.Trace(err)
}

// GetSchema fetches the schema with the given hash, or nil if the
// server does not know it.
func (c *ContentClient) GetSchema(ctx context.Context, hash string) (*corecontent.Schema, error) {
	var schema *corecontent.Schema
	err := c.proxy.Call(ctx, "getSchema", []interface{}{hash}, &schema)
	return schema, errors.Trace(err)
}

// GetSnapshot fetches the document's state at the given version, or the
// current state for MaxVersion.
func (c *ContentClient) GetSnapshot(ctx context.Context, doc corecontent.Document, version int64) (corecontent.Snapshot, error) {
	var snapshot corecontent.Snapshot
	err := c.proxy.Call(ctx, "getSnapshot", []interface{}{doc.Type, doc.ID, version}, &snapshot)
	return snapshot, errors.Trace(err)
}

// SubmitOperation appends the operation and returns it as stored, with
// any server-assigned fields filled in.
func (c *ContentClient) SubmitOperation(ctx context.Context, op corecontent.Operation) (corecontent.Operation, error) {
	var stored corecontent.Operation
	err := c.proxy.Call(ctx, "submitOperation", []interface{}{op}, &stored)
	return stored, errors.Trace(err)
}

// StreamOperations subscribes to the document's operations in the half
// open version range [versionStart, versionEnd).
func (c *ContentClient) StreamOperations(ctx context.Context, doc corecontent.Document, versionStart, versionEnd int64) (*OperationWatcher, error) {
	stream, err := c.proxy.CallStream(ctx, "streamOperations", []interface{}{
		doc.Type, doc.ID, versionStart, versionEnd,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &OperationWatcher{stream: stream}, nil
}

// OperationWatcher yields the operations of one subscription in version
// order.
type OperationWatcher struct {
	stream *rpc.ClientStream
}

// Next blocks for the next operation. It returns io.EOF once the
// subscribed range is exhausted.
func (w *OperationWatcher) Next() (corecontent.Operation, error) {
	var op corecontent.Operation
	if err := w.stream.Recv(&op); err != nil {
		if err == io.EOF {
			return corecontent.Operation{}, io.EOF
		}
		return corecontent.Operation{}, errors.Trace(err)
	}
	return op, nil
}

// Close cancels the subscription.
func (w *OperationWatcher) Close() error {
	return errors.Trace(w.stream.Close())
}

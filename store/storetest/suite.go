// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package storetest holds a conformance suite run against every
// ContentStore implementation.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"

	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	corecontent "github.com/coedit/coedit/core/content"
	"github.com/coedit/coedit/store"
)

// ConformanceSuite exercises the ContentStore contract. Implementation
// packages embed it and set NewStore in SetUpTest.
type ConformanceSuite struct {
	jujutesting.IsolationSuite

	NewStore func(c *gc.C) store.ContentStore
}

func (s *ConformanceSuite) ctx() context.Context {
	return context.Background()
}

func testSchema(c *gc.C, typeName string) corecontent.Schema {
	data := json.RawMessage(`{"fields":["body"]}`)
	return corecontent.Schema{
		Type: typeName,
		Hash: corecontent.CreateSchemaHash(typeName, data),
		Data: data,
	}
}

func testOp(doc corecontent.Document, version int64, schema string) corecontent.Operation {
	return corecontent.Operation{
		Key:     fmt.Sprintf("%s-op-%d", doc.ID, version),
		Type:    doc.Type,
		ID:      doc.ID,
		Version: version,
		Schema:  schema,
		Data:    json.RawMessage(fmt.Sprintf(`{"add":%d}`, version)),
	}
}

func (s *ConformanceSuite) TestStoreSchemaIdempotent(c *gc.C) {
	st := s.NewStore(c)
	schema := testSchema(c, "rich-text")
	schema.Meta = corecontent.Metadata{"user": "alice"}

	stored, err := st.StoreSchema(s.ctx(), schema)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(stored.Hash, gc.Equals, schema.Hash)

	// A second store with different metadata returns the canonical
	// first-stored schema.
	again := schema
	again.Meta = corecontent.Metadata{"user": "bob"}
	stored, err = st.StoreSchema(s.ctx(), again)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(stored.Meta["user"], gc.Equals, "alice")
}

func (s *ConformanceSuite) TestLoadSchemaMissing(c *gc.C) {
	st := s.NewStore(c)
	schema, err := st.LoadSchema(s.ctx(), "no-such-hash")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(schema, gc.IsNil)
}

func (s *ConformanceSuite) TestLoadSchemaRoundTrip(c *gc.C) {
	st := s.NewStore(c)
	schema := testSchema(c, "rich-text")
	_, err := st.StoreSchema(s.ctx(), schema)
	c.Assert(err, jc.ErrorIsNil)

	loaded, err := st.LoadSchema(s.ctx(), schema.Hash)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(loaded, gc.NotNil)
	c.Check(loaded.Type, gc.Equals, "rich-text")
	c.Check(string(loaded.Data), gc.Equals, string(schema.Data))
}

func (s *ConformanceSuite) TestStoreOperationSequence(c *gc.C) {
	st := s.NewStore(c)
	doc := corecontent.Document{Type: "rich-text", ID: "doc-1"}
	schema := testSchema(c, "rich-text")

	for v := int64(1); v <= 3; v++ {
		c.Assert(st.StoreOperation(s.ctx(), testOp(doc, v, schema.Hash)), jc.ErrorIsNil)
	}
}

func (s *ConformanceSuite) TestStoreOperationVersionConflict(c *gc.C) {
	st := s.NewStore(c)
	doc := corecontent.Document{Type: "rich-text", ID: "doc-1"}
	schema := testSchema(c, "rich-text")
	c.Assert(st.StoreOperation(s.ctx(), testOp(doc, 1, schema.Hash)), jc.ErrorIsNil)
	c.Assert(st.StoreOperation(s.ctx(), testOp(doc, 2, schema.Hash)), jc.ErrorIsNil)

	// Stale version: reports the current maximum.
	err := st.StoreOperation(s.ctx(), testOp(doc, 2, schema.Hash))
	c.Assert(corecontent.IsAlreadyExists(err), jc.IsTrue)
	current, ok := corecontent.VersionConflict(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(current, gc.Equals, int64(2))

	// Gap ahead of the sequence is rejected the same way.
	err = st.StoreOperation(s.ctx(), testOp(doc, 4, schema.Hash))
	current, ok = corecontent.VersionConflict(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(current, gc.Equals, int64(2))

	// The sequence is untouched by the failures.
	c.Assert(st.StoreOperation(s.ctx(), testOp(doc, 3, schema.Hash)), jc.ErrorIsNil)
}

func (s *ConformanceSuite) TestStoreOperationDuplicateKey(c *gc.C) {
	st := s.NewStore(c)
	doc := corecontent.Document{Type: "rich-text", ID: "doc-1"}
	schema := testSchema(c, "rich-text")
	op := testOp(doc, 1, schema.Hash)
	c.Assert(st.StoreOperation(s.ctx(), op), jc.ErrorIsNil)

	dup := testOp(doc, 2, schema.Hash)
	dup.Key = op.Key
	err := st.StoreOperation(s.ctx(), dup)
	c.Assert(corecontent.IsAlreadyExists(err), jc.IsTrue)
	_, ok := corecontent.VersionConflict(err)
	c.Check(ok, jc.IsFalse)
}

func (s *ConformanceSuite) TestDocumentsSequenceIndependently(c *gc.C) {
	st := s.NewStore(c)
	schema := testSchema(c, "rich-text")
	a := corecontent.Document{Type: "rich-text", ID: "doc-a"}
	b := corecontent.Document{Type: "rich-text", ID: "doc-b"}
	c.Assert(st.StoreOperation(s.ctx(), testOp(a, 1, schema.Hash)), jc.ErrorIsNil)
	c.Assert(st.StoreOperation(s.ctx(), testOp(a, 2, schema.Hash)), jc.ErrorIsNil)
	c.Assert(st.StoreOperation(s.ctx(), testOp(b, 1, schema.Hash)), jc.ErrorIsNil)
}

func (s *ConformanceSuite) TestLoadOperationsRange(c *gc.C) {
	st := s.NewStore(c)
	doc := corecontent.Document{Type: "rich-text", ID: "doc-1"}
	schema := testSchema(c, "rich-text")
	for v := int64(1); v <= 5; v++ {
		c.Assert(st.StoreOperation(s.ctx(), testOp(doc, v, schema.Hash)), jc.ErrorIsNil)
	}

	ops, err := st.LoadOperations(s.ctx(), doc, 2, 5)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ops, gc.HasLen, 3)
	for i, op := range ops {
		c.Check(op.Version, gc.Equals, int64(i+2))
	}

	// Half-open: end is exclusive, ranges past the log are clipped.
	ops, err = st.LoadOperations(s.ctx(), doc, 4, 100)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ops, gc.HasLen, 2)

	// Empty and inverted ranges yield nothing.
	ops, err = st.LoadOperations(s.ctx(), doc, 3, 3)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ops, gc.HasLen, 0)
	ops, err = st.LoadOperations(s.ctx(), doc, 4, 2)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ops, gc.HasLen, 0)
}

func (s *ConformanceSuite) TestLoadOperationsUnknownDocument(c *gc.C) {
	st := s.NewStore(c)
	doc := corecontent.Document{Type: "rich-text", ID: "missing"}
	ops, err := st.LoadOperations(s.ctx(), doc, 1, 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ops, gc.HasLen, 0)
}

func (s *ConformanceSuite) TestStoreSnapshotDuplicate(c *gc.C) {
	st := s.NewStore(c)
	doc := corecontent.Document{Type: "rich-text", ID: "doc-1"}
	schema := testSchema(c, "rich-text")
	snapshot := corecontent.Snapshot{
		Type: doc.Type, ID: doc.ID, Version: 10,
		Schema: schema.Hash, Data: json.RawMessage(`{"sum":55}`),
	}
	c.Assert(st.StoreSnapshot(s.ctx(), snapshot), jc.ErrorIsNil)
	err := st.StoreSnapshot(s.ctx(), snapshot)
	c.Assert(corecontent.IsAlreadyExists(err), jc.IsTrue)
}

func (s *ConformanceSuite) TestLoadSnapshotGreatestAtMost(c *gc.C) {
	st := s.NewStore(c)
	doc := corecontent.Document{Type: "rich-text", ID: "doc-1"}
	schema := testSchema(c, "rich-text")
	for _, v := range []int64{10, 20, 30} {
		snapshot := corecontent.Snapshot{
			Type: doc.Type, ID: doc.ID, Version: v,
			Schema: schema.Hash, Data: json.RawMessage(fmt.Sprintf(`{"sum":%d}`, v)),
		}
		c.Assert(st.StoreSnapshot(s.ctx(), snapshot), jc.ErrorIsNil)
	}

	for _, t := range []struct {
		atMost int64
		expect int64
	}{
		{atMost: 10, expect: 10},
		{atMost: 25, expect: 20},
		{atMost: 30, expect: 30},
		{atMost: 1000, expect: 30},
	} {
		snapshot, err := st.LoadSnapshot(s.ctx(), doc, t.atMost)
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(snapshot, gc.NotNil)
		c.Check(snapshot.Version, gc.Equals, t.expect)
	}

	snapshot, err := st.LoadSnapshot(s.ctx(), doc, 9)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(snapshot, gc.IsNil)
}

func (s *ConformanceSuite) TestLoadSnapshotIsolatedPerDocument(c *gc.C) {
	st := s.NewStore(c)
	schema := testSchema(c, "rich-text")
	a := corecontent.Document{Type: "rich-text", ID: "doc-a"}
	b := corecontent.Document{Type: "rich-text", ID: "doc-b"}
	c.Assert(st.StoreSnapshot(s.ctx(), corecontent.Snapshot{
		Type: a.Type, ID: a.ID, Version: 10, Schema: schema.Hash,
	}), jc.ErrorIsNil)

	snapshot, err := st.LoadSnapshot(s.ctx(), b, 100)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(snapshot, gc.IsNil)
}

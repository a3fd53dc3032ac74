// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package content_test

import (
	"encoding/json"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/coedit/coedit/core/content"
)

type contentSuite struct{}

var _ = gc.Suite(&contentSuite{})

func (*contentSuite) TestDocumentValidate(c *gc.C) {
	c.Check(content.Document{Type: "rich-text", ID: "doc-1"}.Validate(), jc.ErrorIsNil)
	c.Check(content.Document{Type: "", ID: "doc-1"}.Validate(), jc.ErrorIs, errors.NotValid)
	c.Check(content.Document{Type: "rich-text", ID: ""}.Validate(), jc.ErrorIs, errors.NotValid)
}

func (*contentSuite) TestDocumentString(c *gc.C) {
	doc := content.Document{Type: "rich-text", ID: "doc-1"}
	c.Check(doc.String(), gc.Equals, "rich-text:doc-1")
}

func (*contentSuite) TestSchemaValidate(c *gc.C) {
	data := json.RawMessage(`{"nodes":["text"]}`)
	schema := content.Schema{
		Type: "rich-text",
		Hash: content.CreateSchemaHash("rich-text", data),
		Data: data,
	}
	c.Check(schema.Validate(), jc.ErrorIsNil)

	schema.Hash = "bogus"
	err := schema.Validate()
	c.Check(content.IsInvalidEntity(err), jc.IsTrue)
	c.Check(err, gc.ErrorMatches, "invalid schema: hash")
}

func (*contentSuite) TestOperationValidate(c *gc.C) {
	op := content.Operation{
		Key:     "op-1",
		Type:    "rich-text",
		ID:      "doc-1",
		Version: 1,
		Schema:  "abc",
	}
	c.Check(op.Validate(), jc.ErrorIsNil)

	bad := op
	bad.Version = 0
	c.Check(content.IsInvalidEntity(bad.Validate()), jc.IsTrue)

	bad = op
	bad.Key = ""
	c.Check(bad.Validate(), gc.ErrorMatches, "invalid operation: key")

	bad = op
	bad.Schema = ""
	c.Check(bad.Validate(), gc.ErrorMatches, "invalid operation: schema")
}

func (*contentSuite) TestEmptySnapshot(c *gc.C) {
	snap := content.EmptySnapshot(content.Document{Type: "rich-text", ID: "doc-1"})
	c.Check(snap.Version, gc.Equals, content.MinVersion)
	c.Check(snap.Schema, gc.Equals, "")
	c.Check(snap.Data, gc.IsNil)
	c.Check(snap.Validate(), jc.ErrorIsNil)
}

func (*contentSuite) TestClampVersionRange(c *gc.C) {
	start, end, empty := content.ClampVersionRange(-3, content.MaxVersion+10)
	c.Check(start, gc.Equals, int64(0))
	c.Check(end, gc.Equals, content.MaxVersion)
	c.Check(empty, jc.IsFalse)

	_, _, empty = content.ClampVersionRange(5, 5)
	c.Check(empty, jc.IsTrue)

	_, _, empty = content.ClampVersionRange(5, 4)
	c.Check(empty, jc.IsTrue)
}

type hashSuite struct{}

var _ = gc.Suite(&hashSuite{})

func (*hashSuite) TestDeterministic(c *gc.C) {
	a := content.CreateSchemaHash("rich-text", []byte(`{"a":1}`))
	b := content.CreateSchemaHash("rich-text", []byte(`{"a":1}`))
	c.Check(a, gc.Equals, b)
}

func (*hashSuite) TestSensitiveToTypeAndData(c *gc.C) {
	base := content.CreateSchemaHash("rich-text", []byte("abc"))
	c.Check(content.CreateSchemaHash("rich-text", []byte("abd")), gc.Not(gc.Equals), base)
	c.Check(content.CreateSchemaHash("plain-text", []byte("abc")), gc.Not(gc.Equals), base)
}

func (*hashSuite) TestNoFieldShiftCollision(c *gc.C) {
	// "ab" + "c" must not hash like "a" + "bc".
	c.Check(
		content.CreateSchemaHash("ab", []byte("c")),
		gc.Not(gc.Equals),
		content.CreateSchemaHash("a", []byte("bc")),
	)
}

type errorsSuite struct{}

var _ = gc.Suite(&errorsSuite{})

func (*errorsSuite) TestAlreadyExists(c *gc.C) {
	err := content.NewAlreadyExists("operation", "version", int64(9))
	c.Check(err, jc.ErrorIs, errors.AlreadyExists)
	c.Check(content.IsAlreadyExists(err), jc.IsTrue)
	c.Check(err, gc.ErrorMatches, "operation already exists: version=9")

	v, ok := content.VersionConflict(err)
	c.Check(ok, jc.IsTrue)
	c.Check(v, gc.Equals, int64(9))

	_, ok = content.VersionConflict(content.NewAlreadyExists("operation", "key", nil))
	c.Check(ok, jc.IsFalse)
}

func (*errorsSuite) TestVersionConflictTraced(c *gc.C) {
	err := errors.Trace(content.NewAlreadyExists("operation", "version", 4))
	v, ok := content.VersionConflict(err)
	c.Check(ok, jc.IsTrue)
	c.Check(v, gc.Equals, int64(4))
}

func (*errorsSuite) TestEntityTooLarge(c *gc.C) {
	err := content.NewEntityTooLarge("snapshot", 2048, 1024)
	c.Check(content.IsEntityTooLarge(err), jc.IsTrue)
	c.Check(err, gc.ErrorMatches, "snapshot too large: 2048 bytes exceeds limit of 1024")
}

func (*errorsSuite) TestUnsupportedType(c *gc.C) {
	err := content.NewUnsupportedType("pixel-art")
	c.Check(err, jc.ErrorIs, errors.NotSupported)
	c.Check(content.IsUnsupportedType(err), jc.IsTrue)
}

func (*errorsSuite) TestAssert(c *gc.C) {
	err := content.NewAssert("tail out of sync at version %d", 3)
	c.Check(content.IsAssert(err), jc.IsTrue)
	c.Check(err, gc.ErrorMatches, "assertion failed: tail out of sync at version 3")
}

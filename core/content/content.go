// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package content holds the value types shared by the document-content
// pipeline: schemas, operations and snapshots, together with the version
// domain and the schema hash function. The types here are plain data;
// behaviour lives in the content backend.
package content

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
)

// Document identifies a synchronised resource as a (type, id) pair.
type Document struct {
	Type string
	ID   string
}

// String implements fmt.Stringer, and doubles as the topic suffix used
// when publishing confirmed operations.
func (d Document) String() string {
	return d.Type + ":" + d.ID
}

// Validate returns an error unless both components are non-empty.
func (d Document) Validate() error {
	if d.Type == "" {
		return errors.NotValidf("document with empty type")
	}
	if d.ID == "" {
		return errors.NotValidf("document with empty id")
	}
	return nil
}

// Metadata is free-form entity metadata. The backend treats it as opaque;
// well-known keys ("user", "session", "time") are set by the apiserver.
type Metadata map[string]interface{}

// Copy returns a shallow copy of the metadata.
func (m Metadata) Copy() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Schema describes the valid content of a document type. Schemas are
// immutable once stored and addressed by their hash, which is a function
// of (Type, Data) only.
type Schema struct {
	Type string          `json:"type"`
	Hash string          `json:"hash"`
	Data json.RawMessage `json:"data,omitempty"`
	Meta Metadata        `json:"meta,omitempty"`
}

// Validate checks the schema for structural validity, including that the
// hash matches the (type, data) digest when set.
func (s Schema) Validate() error {
	if s.Type == "" {
		return NewInvalidEntity("schema", s, "type")
	}
	if s.Hash == "" {
		return NewInvalidEntity("schema", s, "hash")
	}
	if s.Hash != CreateSchemaHash(s.Type, s.Data) {
		return NewInvalidEntity("schema", s, "hash")
	}
	return nil
}

// Operation is an atomic, version-bearing mutation of one document.
// For each document, versions form a gapless sequence starting at 1.
type Operation struct {
	Key     string          `json:"key"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	Schema  string          `json:"schema"`
	Data    json.RawMessage `json:"data,omitempty"`
	Meta    Metadata        `json:"meta,omitempty"`
}

// Document returns the document the operation belongs to.
func (op Operation) Document() Document {
	return Document{Type: op.Type, ID: op.ID}
}

// Validate checks the operation for structural validity. The version
// sequencing rule is enforced by the store, not here.
func (op Operation) Validate() error {
	if op.Key == "" {
		return NewInvalidEntity("operation", op, "key")
	}
	if err := op.Document().Validate(); err != nil {
		return NewInvalidEntity("operation", op, "id")
	}
	if op.Version < MinVersion+1 || op.Version > MaxVersion {
		return NewInvalidEntity("operation", op, "version")
	}
	if op.Schema == "" {
		return NewInvalidEntity("operation", op, "schema")
	}
	return nil
}

// Snapshot is the materialised state of one document at a version.
// Version 0 is the empty snapshot; snapshots are always derivable from
// the operation log alone.
type Snapshot struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	Schema  string          `json:"schema"`
	Data    json.RawMessage `json:"data,omitempty"`
	Meta    Metadata        `json:"meta,omitempty"`
}

// EmptySnapshot returns the version-0 snapshot of the given document.
func EmptySnapshot(doc Document) Snapshot {
	return Snapshot{
		Type:    doc.Type,
		ID:      doc.ID,
		Version: MinVersion,
		Schema:  "",
		Data:    nil,
	}
}

// Document returns the document the snapshot belongs to.
func (s Snapshot) Document() Document {
	return Document{Type: s.Type, ID: s.ID}
}

// Validate checks the snapshot for structural validity.
func (s Snapshot) Validate() error {
	if err := s.Document().Validate(); err != nil {
		return NewInvalidEntity("snapshot", s, "id")
	}
	if s.Version < MinVersion || s.Version > MaxVersion {
		return NewInvalidEntity("snapshot", s, "version")
	}
	if s.Version > MinVersion && s.Schema == "" {
		return NewInvalidEntity("snapshot", s, "schema")
	}
	return nil
}

// stamp is set by the apiserver on submitted entities; kept here so the
// core package owns all well-known metadata keys.
const (
	MetaUser    = "user"
	MetaSession = "session"
	MetaTime    = "time"
)

// StampMeta returns a copy of meta with the standard submission keys set.
func StampMeta(meta Metadata, user, session string, now time.Time) Metadata {
	out := meta.Copy()
	if out == nil {
		out = make(Metadata)
	}
	out[MetaUser] = user
	out[MetaSession] = session
	out[MetaTime] = now.UTC().Format(time.RFC3339Nano)
	return out
}

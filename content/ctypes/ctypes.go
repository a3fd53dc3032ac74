// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ctypes ships the built-in content types: a numeric counter
// whose operations accumulate, and a raw document whose operations
// replace its content wholesale.
package ctypes

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/juju/errors"

	"github.com/coedit/coedit/content"
	corecontent "github.com/coedit/coedit/core/content"
)

// schemaSet is the registered-schema bookkeeping shared by the types.
type schemaSet struct {
	mu      sync.RWMutex
	schemas map[string]corecontent.Schema
}

func newSchemaSet() *schemaSet {
	return &schemaSet{schemas: make(map[string]corecontent.Schema)}
}

// HasSchema implements content.Type.
func (s *schemaSet) HasSchema(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.schemas[hash]
	return ok
}

// RegisterSchema implements content.Type. Re-registration of a known
// hash is a no-op.
func (s *schemaSet) RegisterSchema(schema corecontent.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[schema.Hash] = schema
	return nil
}

// Counter is a content type whose snapshot data is a JSON integer and
// whose operation data is an increment added to it.
type Counter struct {
	*schemaSet
}

var _ content.Type = (*Counter)(nil)

// NewCounter returns a counter type.
func NewCounter() *Counter {
	return &Counter{schemaSet: newSchemaSet()}
}

// Name implements content.Type.
func (*Counter) Name() string {
	return "counter"
}

// ValidateSchema implements content.Type. Counter schemas carry no
// structural data beyond optionally valid JSON.
func (*Counter) ValidateSchema(schema corecontent.Schema) (corecontent.Schema, error) {
	if len(schema.Data) > 0 && !json.Valid(schema.Data) {
		return corecontent.Schema{}, corecontent.NewInvalidEntity("schema", schema, "data")
	}
	return schema, nil
}

// Apply implements content.Type.
func (c *Counter) Apply(prior corecontent.Snapshot, op corecontent.Operation) (corecontent.Snapshot, error) {
	total, err := counterValue(prior.Data)
	if err != nil {
		return corecontent.Snapshot{}, errors.Annotatef(err, "counter %s snapshot data", prior.Document())
	}
	delta, err := counterValue(op.Data)
	if err != nil {
		return corecontent.Snapshot{}, corecontent.NewInvalidEntity("operation", op, "data")
	}
	return corecontent.Snapshot{
		Type:    op.Type,
		ID:      op.ID,
		Version: op.Version,
		Schema:  op.Schema,
		Data:    json.RawMessage(strconv.FormatInt(total+delta, 10)),
		Meta:    op.Meta.Copy(),
	}, nil
}

func counterValue(data json.RawMessage) (int64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	var value int64
	if err := json.Unmarshal(data, &value); err != nil {
		return 0, errors.Trace(err)
	}
	return value, nil
}

// Raw is a content type whose operations replace the document content.
type Raw struct {
	*schemaSet
}

var _ content.Type = (*Raw)(nil)

// NewRaw returns a raw type.
func NewRaw() *Raw {
	return &Raw{schemaSet: newSchemaSet()}
}

// Name implements content.Type.
func (*Raw) Name() string {
	return "raw"
}

// ValidateSchema implements content.Type.
func (*Raw) ValidateSchema(schema corecontent.Schema) (corecontent.Schema, error) {
	if len(schema.Data) > 0 && !json.Valid(schema.Data) {
		return corecontent.Schema{}, corecontent.NewInvalidEntity("schema", schema, "data")
	}
	return schema, nil
}

// Apply implements content.Type.
func (*Raw) Apply(prior corecontent.Snapshot, op corecontent.Operation) (corecontent.Snapshot, error) {
	if len(op.Data) > 0 && !json.Valid(op.Data) {
		return corecontent.Snapshot{}, corecontent.NewInvalidEntity("operation", op, "data")
	}
	data := make(json.RawMessage, len(op.Data))
	copy(data, op.Data)
	return corecontent.Snapshot{
		Type:    op.Type,
		ID:      op.ID,
		Version: op.Version,
		Schema:  op.Schema,
		Data:    data,
		Meta:    op.Meta.Copy(),
	}, nil
}

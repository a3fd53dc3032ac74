// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package content implements the content backend: the content-type
// registry, the document cache and the operation streams that together
// turn the durable operation log into live collaborative documents.
package content

import (
	"sync"

	"github.com/juju/loggo"

	corecontent "github.com/coedit/coedit/core/content"
)

var logger = loggo.GetLogger("coedit.content")

// Type gives the backend the semantics of one document type: how to
// validate its schemas and how to fold an operation into a snapshot.
// Implementations must be safe for concurrent use.
type Type interface {
	// Name returns the type name, used as the Document.Type key.
	Name() string

	// ValidateSchema checks a schema structurally and returns its
	// canonical form. Returns an InvalidEntityError when the schema
	// data does not describe valid content for this type.
	ValidateSchema(schema corecontent.Schema) (corecontent.Schema, error)

	// HasSchema reports whether the schema with the given hash has
	// been registered with this type.
	HasSchema(hash string) bool

	// RegisterSchema makes the schema available for operations that
	// reference its hash. Registering the same hash twice is a no-op.
	RegisterSchema(schema corecontent.Schema) error

	// Apply folds op into prior and returns the snapshot at
	// op.Version. The backend has already checked the sequencing and
	// identity rules and handled schema advances, so Apply only sees
	// operations whose schema matches the prior snapshot (or an empty
	// prior).
	Apply(prior corecontent.Snapshot, op corecontent.Operation) (corecontent.Snapshot, error)
}

// Registry maps type names to their Type implementations.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Type
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Type)}
}

// Register adds the type. A second registration of the same name fails
// with an AlreadyExistsError.
func (r *Registry) Register(t Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, ok := r.types[name]; ok {
		return corecontent.NewAlreadyExists("content type", "name", name)
	}
	r.types[name] = t
	return nil
}

// Get returns the type with the given name, or an UnsupportedTypeError.
func (r *Registry) Get(name string) (Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.types[name]; ok {
		return t, nil
	}
	return nil, corecontent.NewUnsupportedType(name)
}

// Names returns the registered type names, for introspection.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}

// applyOperation enforces the sequencing, identity and schema-advance
// rules before delegating to the content type. A schema advance carries
// the prior data unchanged and requires the operation to be empty; the
// content-type transform is not invoked in that case.
func applyOperation(t Type, prior corecontent.Snapshot, op corecontent.Operation) (corecontent.Snapshot, error) {
	if op.Version != prior.Version+1 {
		return corecontent.Snapshot{}, corecontent.NewAssert(
			"applying operation version %d to snapshot version %d", op.Version, prior.Version)
	}
	if op.Type != prior.Type || op.ID != prior.ID {
		return corecontent.Snapshot{}, corecontent.NewAssert(
			"applying operation for %s to snapshot of %s", op.Document(), prior.Document())
	}
	if prior.Version > corecontent.MinVersion && op.Schema != prior.Schema {
		if len(op.Data) != 0 {
			return corecontent.Snapshot{}, corecontent.NewInvalidEntity("operation", op, "data")
		}
		advanced := prior
		advanced.Version = op.Version
		advanced.Schema = op.Schema
		advanced.Meta = op.Meta.Copy()
		return advanced, nil
	}
	next, err := t.Apply(prior, op)
	if err != nil {
		return corecontent.Snapshot{}, err
	}
	if next.Version != op.Version {
		return corecontent.Snapshot{}, corecontent.NewAssert(
			"content type %q produced snapshot version %d for operation version %d",
			t.Name(), next.Version, op.Version)
	}
	return next, nil
}

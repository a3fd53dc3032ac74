// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package store defines the durable persistence contract of the content
// pipeline: schemas, the append-only operation log and periodic
// snapshots.
package store

import (
	"context"

	corecontent "github.com/coedit/coedit/core/content"
)

// ContentStore is the durable store consulted by the content backend.
//
// Implementations must make StoreOperation atomic with respect to the
// per-document version sequence: conflict-driven catch-up is only
// correct if a failed append implies the store already holds a gapless
// prefix up to the reported current maximum.
type ContentStore interface {
	// StoreSchema persists the schema. It is idempotent on the schema
	// hash and returns the canonical stored schema.
	StoreSchema(ctx context.Context, schema corecontent.Schema) (corecontent.Schema, error)

	// LoadSchema returns the schema with the given hash, or nil if it
	// has never been stored.
	LoadSchema(ctx context.Context, hash string) (*corecontent.Schema, error)

	// StoreOperation appends the operation. It fails with an
	// AlreadyExistsError carrying key "version" and the current
	// maximum version unless op.Version == currentMax+1, and with key
	// "key" on a duplicate operation key.
	StoreOperation(ctx context.Context, op corecontent.Operation) error

	// LoadOperations returns the operations of the document with
	// versionStart <= version < versionEnd, in ascending order.
	LoadOperations(ctx context.Context, doc corecontent.Document, versionStart, versionEnd int64) ([]corecontent.Operation, error)

	// StoreSnapshot persists the snapshot. A snapshot already stored
	// at the same (type, id, version) fails with AlreadyExistsError;
	// callers treat that as informational.
	StoreSnapshot(ctx context.Context, snapshot corecontent.Snapshot) error

	// LoadSnapshot returns the stored snapshot with the greatest
	// version <= versionAtMost, or nil if there is none.
	LoadSnapshot(ctx context.Context, doc corecontent.Document, versionAtMost int64) (*corecontent.Snapshot, error)
}

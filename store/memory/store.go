// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package memory provides an in-memory ContentStore, used by tests and
// as the default store of throwaway deployments.
package memory

import (
	"context"
	"sync"

	corecontent "github.com/coedit/coedit/core/content"
	"github.com/coedit/coedit/store"
)

// Store is a mutex-guarded in-memory ContentStore.
type Store struct {
	mu        sync.Mutex
	schemas   map[string]corecontent.Schema
	ops       map[corecontent.Document][]corecontent.Operation
	opKeys    map[string]struct{}
	snapshots map[corecontent.Document]map[int64]corecontent.Snapshot
}

var _ store.ContentStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		schemas:   make(map[string]corecontent.Schema),
		ops:       make(map[corecontent.Document][]corecontent.Operation),
		opKeys:    make(map[string]struct{}),
		snapshots: make(map[corecontent.Document]map[int64]corecontent.Snapshot),
	}
}

// StoreSchema implements store.ContentStore.
func (s *Store) StoreSchema(_ context.Context, schema corecontent.Schema) (corecontent.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.schemas[schema.Hash]; ok {
		return existing, nil
	}
	s.schemas[schema.Hash] = schema
	return schema, nil
}

// LoadSchema implements store.ContentStore.
func (s *Store) LoadSchema(_ context.Context, hash string) (*corecontent.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if schema, ok := s.schemas[hash]; ok {
		return &schema, nil
	}
	return nil, nil
}

// StoreOperation implements store.ContentStore. The sequence check and
// the append happen under one lock, making the append atomic with
// respect to the document's version sequence.
func (s *Store) StoreOperation(_ context.Context, op corecontent.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := op.Document()
	current := int64(len(s.ops[doc]))
	if op.Version != current+1 {
		return corecontent.NewAlreadyExists("operation", "version", current)
	}
	if _, ok := s.opKeys[op.Key]; ok {
		return corecontent.NewAlreadyExists("operation", "key", op.Key)
	}
	s.ops[doc] = append(s.ops[doc], op)
	s.opKeys[op.Key] = struct{}{}
	return nil
}

// LoadOperations implements store.ContentStore.
func (s *Store) LoadOperations(_ context.Context, doc corecontent.Document, versionStart, versionEnd int64) ([]corecontent.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.ops[doc]
	if versionStart < 1 {
		versionStart = 1
	}
	if versionEnd > int64(len(all))+1 {
		versionEnd = int64(len(all)) + 1
	}
	if versionStart >= versionEnd {
		return nil, nil
	}
	out := make([]corecontent.Operation, versionEnd-versionStart)
	copy(out, all[versionStart-1:versionEnd-1])
	return out, nil
}

// StoreSnapshot implements store.ContentStore.
func (s *Store) StoreSnapshot(_ context.Context, snapshot corecontent.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := snapshot.Document()
	byVersion := s.snapshots[doc]
	if byVersion == nil {
		byVersion = make(map[int64]corecontent.Snapshot)
		s.snapshots[doc] = byVersion
	}
	if _, ok := byVersion[snapshot.Version]; ok {
		return corecontent.NewAlreadyExists("snapshot", "version", snapshot.Version)
	}
	byVersion[snapshot.Version] = snapshot
	return nil
}

// LoadSnapshot implements store.ContentStore.
func (s *Store) LoadSnapshot(_ context.Context, doc corecontent.Document, versionAtMost int64) (*corecontent.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *corecontent.Snapshot
	for version, snapshot := range s.snapshots[doc] {
		if version > versionAtMost {
			continue
		}
		if best == nil || version > best.Version {
			copied := snapshot
			best = &copied
		}
	}
	return best, nil
}

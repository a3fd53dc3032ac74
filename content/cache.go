// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package content

import (
	"context"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"

	corecontent "github.com/coedit/coedit/core/content"
	"github.com/coedit/coedit/pubsub"
	"github.com/coedit/coedit/store"
)

// OperationTopic returns the bus topic confirmed operations of the
// document are published on.
func OperationTopic(doc corecontent.Document) string {
	return "operation:" + doc.String()
}

type cacheConfig struct {
	store  store.ContentStore
	bus    pubsub.Bus
	clock  clock.Clock
	ttl    time.Duration
	limit  int
	warnf  func(format string, args ...interface{})
	should func(corecontent.Snapshot) bool
}

// documentCache holds the hot per-document state: the current snapshot
// and a bounded tail of the operations that produced it. Entries are
// loaded lazily, refreshed on access and evicted by TTL unless pinned
// by a live stream.
type documentCache struct {
	cfg     cacheConfig
	submits *kmutex.Kmutex

	mu      sync.Mutex
	entries map[corecontent.Document]*cacheEntry
}

// cacheEntry state is guarded by mu; all critical sections are short.
// Store I/O happens outside the lock, serialised for writers by the
// cache's per-document submit lock.
type cacheEntry struct {
	doc corecontent.Document

	mu         sync.Mutex
	loaded     bool
	loading    chan struct{}
	snapshot   corecontent.Snapshot
	tail       []tailOperation
	pins       int
	lastAccess time.Time
}

type tailOperation struct {
	op    corecontent.Operation
	added time.Time
}

func newDocumentCache(cfg cacheConfig) *documentCache {
	return &documentCache{
		cfg:     cfg,
		submits: kmutex.New(),
		entries: make(map[corecontent.Document]*cacheEntry),
	}
}

func (c *documentCache) entry(doc corecontent.Document) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[doc]
	if !ok {
		e = &cacheEntry{doc: doc, lastAccess: c.cfg.clock.Now()}
		c.entries[doc] = e
	}
	return e
}

// ensure returns the entry for doc with its snapshot and tail loaded.
// Concurrent misses coalesce: one caller loads from the store while the
// rest wait on the loading gate.
func (c *documentCache) ensure(ctx context.Context, t Type, doc corecontent.Document) (*cacheEntry, error) {
	e := c.entry(doc)
	e.mu.Lock()
	for {
		if e.loaded {
			e.lastAccess = c.cfg.clock.Now()
			e.mu.Unlock()
			return e, nil
		}
		if e.loading == nil {
			e.loading = make(chan struct{})
			break
		}
		gate := e.loading
		e.mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		}
		e.mu.Lock()
	}
	e.mu.Unlock()

	snapshot, tail, err := c.loadCurrent(ctx, t, doc)

	e.mu.Lock()
	close(e.loading)
	e.loading = nil
	if err == nil {
		e.snapshot = snapshot
		e.tail = tail
		e.loaded = true
		e.lastAccess = c.cfg.clock.Now()
	}
	e.mu.Unlock()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return e, nil
}

// loadCurrent rebuilds the latest snapshot of doc from the store: the
// greatest persisted snapshot plus every operation beyond it.
func (c *documentCache) loadCurrent(ctx context.Context, t Type, doc corecontent.Document) (corecontent.Snapshot, []tailOperation, error) {
	base, err := c.cfg.store.LoadSnapshot(ctx, doc, corecontent.MaxVersion)
	if err != nil {
		return corecontent.Snapshot{}, nil, errors.Trace(err)
	}
	snapshot := corecontent.EmptySnapshot(doc)
	if base != nil {
		snapshot = *base
	}
	ops, err := c.cfg.store.LoadOperations(ctx, doc, snapshot.Version+1, corecontent.MaxVersion+1)
	if err != nil {
		return corecontent.Snapshot{}, nil, errors.Trace(err)
	}
	now := c.cfg.clock.Now()
	var tail []tailOperation
	for _, op := range ops {
		snapshot, err = applyOperation(t, snapshot, op)
		if err != nil {
			return corecontent.Snapshot{}, nil, errors.Annotatef(err, "rebuilding %s", doc)
		}
		tail = append(tail, tailOperation{op: op, added: now})
	}
	if len(tail) > c.cfg.limit {
		tail = tail[len(tail)-c.cfg.limit:]
	}
	return snapshot, tail, nil
}

// getSnapshot returns the snapshot of doc at version min(atMost, current).
// The current snapshot is served from the cache; older views are folded
// from the store on demand and not cached.
func (c *documentCache) getSnapshot(ctx context.Context, t Type, doc corecontent.Document, atMost int64) (corecontent.Snapshot, error) {
	if atMost <= corecontent.MinVersion {
		return corecontent.EmptySnapshot(doc), nil
	}
	if atMost > corecontent.MaxVersion {
		atMost = corecontent.MaxVersion
	}
	e, err := c.ensure(ctx, t, doc)
	if err != nil {
		return corecontent.Snapshot{}, errors.Trace(err)
	}
	e.mu.Lock()
	current := e.snapshot
	e.mu.Unlock()
	if atMost >= current.Version {
		return current, nil
	}

	base, err := c.cfg.store.LoadSnapshot(ctx, doc, atMost)
	if err != nil {
		return corecontent.Snapshot{}, errors.Trace(err)
	}
	snapshot := corecontent.EmptySnapshot(doc)
	if base != nil {
		snapshot = *base
	}
	ops, err := c.cfg.store.LoadOperations(ctx, doc, snapshot.Version+1, atMost+1)
	if err != nil {
		return corecontent.Snapshot{}, errors.Trace(err)
	}
	for _, op := range ops {
		snapshot, err = applyOperation(t, snapshot, op)
		if err != nil {
			return corecontent.Snapshot{}, errors.Annotatef(err, "rebuilding %s at version %d", doc, atMost)
		}
	}
	if snapshot.Version != atMost {
		return corecontent.Snapshot{}, corecontent.NewAssert(
			"rebuilt %s to version %d, wanted %d", doc, snapshot.Version, atMost)
	}
	return snapshot, nil
}

// submit appends op to the document. Submits to one document are
// serialised on the per-document lock; losing a version race triggers
// catch-up before the conflict error is returned.
func (c *documentCache) submit(ctx context.Context, t Type, op corecontent.Operation) error {
	doc := op.Document()
	key := doc.String()
	c.submits.Lock(key)
	defer c.submits.Unlock(key)

	e, err := c.ensure(ctx, t, doc)
	if err != nil {
		return errors.Trace(err)
	}
	e.mu.Lock()
	current := e.snapshot
	e.mu.Unlock()
	if op.Version != current.Version+1 {
		// The cache may be behind another writer; refresh from the
		// store before rejecting.
		if err := c.catchUp(ctx, t, e); err != nil {
			return errors.Trace(err)
		}
		e.mu.Lock()
		current = e.snapshot
		e.mu.Unlock()
		if op.Version != current.Version+1 {
			return corecontent.NewAlreadyExists("operation", "version", current.Version)
		}
	}

	next, err := applyOperation(t, current, op)
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.cfg.store.StoreOperation(ctx, op); err != nil {
		if _, conflict := corecontent.VersionConflict(err); conflict {
			if cerr := c.catchUp(ctx, t, e); cerr != nil {
				c.cfg.warnf("catch-up for %s failed: %v", doc, cerr)
			}
		}
		return errors.Trace(err)
	}

	c.commit(e, next, op)
	// Emission is decoupled from delivery: Publish queues to every
	// current subscriber in order and returns.
	c.cfg.bus.Publish(OperationTopic(doc), op)

	if c.cfg.should(next) {
		if err := c.cfg.store.StoreSnapshot(ctx, next); err != nil {
			if !corecontent.IsAlreadyExists(err) {
				c.cfg.warnf("storing snapshot %s@%d: %v", doc, next.Version, err)
			}
		}
	}
	return nil
}

// commit installs the applied snapshot and appends op to the tail,
// trimming it to the configured bound.
func (c *documentCache) commit(e *cacheEntry, next corecontent.Snapshot, op corecontent.Operation) {
	now := c.cfg.clock.Now()
	e.mu.Lock()
	e.snapshot = next
	e.tail = append(e.tail, tailOperation{op: op, added: now})
	if len(e.tail) > c.cfg.limit {
		e.tail = e.tail[len(e.tail)-c.cfg.limit:]
	}
	e.lastAccess = now
	e.mu.Unlock()
}

// catchUp pulls operations the store holds beyond the cached version,
// folds them into the entry and publishes each to subscribers. Caller
// holds the per-document submit lock.
func (c *documentCache) catchUp(ctx context.Context, t Type, e *cacheEntry) error {
	e.mu.Lock()
	current := e.snapshot
	e.mu.Unlock()
	ops, err := c.cfg.store.LoadOperations(ctx, e.doc, current.Version+1, corecontent.MaxVersion+1)
	if err != nil {
		return errors.Trace(err)
	}
	for _, op := range ops {
		next, err := applyOperation(t, current, op)
		if err != nil {
			return errors.Annotatef(err, "catching up %s", e.doc)
		}
		c.commit(e, next, op)
		c.cfg.bus.Publish(OperationTopic(e.doc), op)
		current = next
	}
	return nil
}

// pin marks the entry referenced by a live stream, excluding it from
// TTL eviction.
func (c *documentCache) pin(e *cacheEntry) {
	e.mu.Lock()
	e.pins++
	e.mu.Unlock()
}

// unpin releases a stream's reference. The TTL countdown restarts from
// the moment the last stream leaves.
func (c *documentCache) unpin(e *cacheEntry) {
	e.mu.Lock()
	e.pins--
	e.lastAccess = c.cfg.clock.Now()
	e.mu.Unlock()
}

// evictExpired drops entries unreferenced for longer than the TTL and
// trims aged operations from surviving tails. Called from the backend's
// eviction tick.
func (c *documentCache) evictExpired(now time.Time) {
	c.mu.Lock()
	entries := make(map[corecontent.Document]*cacheEntry, len(c.entries))
	for doc, e := range c.entries {
		entries[doc] = e
	}
	c.mu.Unlock()

	cutoff := now.Add(-c.cfg.ttl)
	for doc, e := range entries {
		e.mu.Lock()
		for len(e.tail) > 0 && e.tail[0].added.Before(cutoff) {
			e.tail = e.tail[1:]
		}
		expired := e.loaded && e.loading == nil && e.pins == 0 && e.lastAccess.Before(cutoff)
		e.mu.Unlock()
		if !expired {
			continue
		}
		c.mu.Lock()
		if c.entries[doc] == e {
			delete(c.entries, doc)
			logger.Tracef("evicted %s", doc)
		}
		c.mu.Unlock()
	}
}

// report describes the cache for worker introspection.
func (c *documentCache) report() map[string]interface{} {
	c.mu.Lock()
	entries := make(map[corecontent.Document]*cacheEntry, len(c.entries))
	for doc, e := range c.entries {
		entries[doc] = e
	}
	c.mu.Unlock()

	docs := make(map[string]interface{}, len(entries))
	for doc, e := range entries {
		e.mu.Lock()
		docs[doc.String()] = map[string]interface{}{
			"version": e.snapshot.Version,
			"tail":    len(e.tail),
			"pins":    e.pins,
		}
		e.mu.Unlock()
	}
	return map[string]interface{}{
		"entries":   len(docs),
		"documents": docs,
	}
}

// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package content

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	corecontent "github.com/coedit/coedit/core/content"
	"github.com/coedit/coedit/pubsub"
	"github.com/coedit/coedit/store"
)

// Reference defaults for the cache and retention policies.
const (
	DefaultCacheTTL         = 10 * time.Second
	DefaultCacheLimit       = 50
	DefaultEvictionInterval = time.Second
	DefaultMaxSchemaSize    = 1 << 20
	DefaultMaxOperationSize = 256 << 10
	DefaultSnapshotInterval = 10
)

// ErrStopped is returned by backend operations after Kill.
const ErrStopped = errors.ConstError("content backend stopped")

// DefaultShouldStoreSnapshot persists every tenth version.
func DefaultShouldStoreSnapshot(s corecontent.Snapshot) bool {
	return s.Version%DefaultSnapshotInterval == 0
}

// BackendConfig holds the collaborators and policies of a Backend.
type BackendConfig struct {
	Registry *Registry
	Store    store.ContentStore
	Bus      pubsub.Bus
	Clock    clock.Clock

	// CacheTTL is how long an unpinned, untouched cache entry
	// survives; CacheLimit bounds the cached operation tail;
	// EvictionInterval is the eviction tick.
	CacheTTL         time.Duration
	CacheLimit       int
	EvictionInterval time.Duration

	// MaxSchemaSize and MaxOperationSize cap entity data sizes.
	MaxSchemaSize    int
	MaxOperationSize int

	// ShouldStoreSnapshot decides, after each successful submit,
	// whether the new snapshot is persisted. Defaults to every tenth
	// version.
	ShouldStoreSnapshot func(corecontent.Snapshot) bool

	// OnWarning and OnError observe non-fatal trouble, such as failed
	// snapshot persistence. Either may be nil.
	OnWarning func(message string)
	OnError   func(err error)
}

// Validate returns an error unless the required collaborators are set.
func (c BackendConfig) Validate() error {
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Bus == nil {
		return errors.NotValidf("nil Bus")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Backend is the content service: schema registration, snapshot reads,
// operation submission and operation streams, on top of a ContentStore,
// a Bus and the content-type registry. It is a worker; Kill stops the
// eviction loop and every live stream.
type Backend struct {
	catacomb catacomb.Catacomb
	cfg      BackendConfig
	cache    *documentCache

	mu      sync.Mutex
	schemas map[string]corecontent.Schema
	streams map[*OperationStream]struct{}
}

// NewBackend validates the config, fills in policy defaults and starts
// the backend worker.
func NewBackend(cfg BackendConfig) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheLimit <= 0 {
		cfg.CacheLimit = DefaultCacheLimit
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = DefaultEvictionInterval
	}
	if cfg.MaxSchemaSize <= 0 {
		cfg.MaxSchemaSize = DefaultMaxSchemaSize
	}
	if cfg.MaxOperationSize <= 0 {
		cfg.MaxOperationSize = DefaultMaxOperationSize
	}
	if cfg.ShouldStoreSnapshot == nil {
		cfg.ShouldStoreSnapshot = DefaultShouldStoreSnapshot
	}
	b := &Backend{
		cfg:     cfg,
		schemas: make(map[string]corecontent.Schema),
		streams: make(map[*OperationStream]struct{}),
	}
	b.cache = newDocumentCache(cacheConfig{
		store:  cfg.Store,
		bus:    cfg.Bus,
		clock:  cfg.Clock,
		ttl:    cfg.CacheTTL,
		limit:  cfg.CacheLimit,
		warnf:  b.warnf,
		should: cfg.ShouldStoreSnapshot,
	})
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &b.catacomb,
		Work: b.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return b, nil
}

// Kill implements worker.Worker.
func (b *Backend) Kill() {
	b.catacomb.Kill(nil)
}

// Wait implements worker.Worker.
func (b *Backend) Wait() error {
	return b.catacomb.Wait()
}

// Report returns introspection details, worker-report style.
func (b *Backend) Report() map[string]interface{} {
	b.mu.Lock()
	schemas := len(b.schemas)
	b.mu.Unlock()
	return map[string]interface{}{
		"schemas": schemas,
		"cache":   b.cache.report(),
	}
}

func (b *Backend) loop() error {
	for {
		select {
		case <-b.catacomb.Dying():
			b.mu.Lock()
			streams := make([]*OperationStream, 0, len(b.streams))
			for s := range b.streams {
				streams = append(streams, s)
			}
			b.mu.Unlock()
			for _, s := range streams {
				s.Kill()
			}
			for _, s := range streams {
				_ = s.Wait()
			}
			return b.catacomb.ErrDying()
		case <-b.cfg.Clock.After(b.cfg.EvictionInterval):
			b.cache.evictExpired(b.cfg.Clock.Now())
		}
	}
}

func (b *Backend) alive() error {
	select {
	case <-b.catacomb.Dying():
		return ErrStopped
	default:
		return nil
	}
}

func (b *Backend) warnf(format string, args ...interface{}) {
	logger.Warningf(format, args...)
	if b.cfg.OnWarning != nil {
		b.cfg.OnWarning(errors.Errorf(format, args...).Error())
	}
}

func (b *Backend) errorf(err error) {
	logger.Errorf("%v", err)
	if b.cfg.OnError != nil {
		b.cfg.OnError(err)
	}
}

// RegisterSchema validates the schema against its content type and
// stores it. Registration is idempotent on the schema hash; the stored
// canonical schema is returned.
func (b *Backend) RegisterSchema(ctx context.Context, schema corecontent.Schema) (corecontent.Schema, error) {
	if err := b.alive(); err != nil {
		return corecontent.Schema{}, err
	}
	if size := len(schema.Data); size > b.cfg.MaxSchemaSize {
		return corecontent.Schema{}, corecontent.NewEntityTooLarge("schema", size, b.cfg.MaxSchemaSize)
	}
	if err := schema.Validate(); err != nil {
		return corecontent.Schema{}, errors.Trace(err)
	}
	t, err := b.cfg.Registry.Get(schema.Type)
	if err != nil {
		return corecontent.Schema{}, errors.Trace(err)
	}
	canonical, err := t.ValidateSchema(schema)
	if err != nil {
		return corecontent.Schema{}, errors.Trace(err)
	}
	stored, err := b.cfg.Store.StoreSchema(ctx, canonical)
	if err != nil {
		return corecontent.Schema{}, errors.Trace(err)
	}
	if err := t.RegisterSchema(stored); err != nil {
		return corecontent.Schema{}, errors.Trace(err)
	}
	b.mu.Lock()
	b.schemas[stored.Hash] = stored
	b.mu.Unlock()
	return stored, nil
}

// GetSchema returns the schema with the given hash, consulting the
// in-memory cache before the store.
func (b *Backend) GetSchema(ctx context.Context, hash string) (corecontent.Schema, error) {
	if err := b.alive(); err != nil {
		return corecontent.Schema{}, err
	}
	b.mu.Lock()
	cached, ok := b.schemas[hash]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}
	loaded, err := b.cfg.Store.LoadSchema(ctx, hash)
	if err != nil {
		return corecontent.Schema{}, errors.Trace(err)
	}
	if loaded == nil {
		return corecontent.Schema{}, errors.NotFoundf("schema %q", hash)
	}
	b.mu.Lock()
	b.schemas[hash] = *loaded
	b.mu.Unlock()
	return *loaded, nil
}

// ensureSchema makes the schema known to the content type, loading it
// from the store when necessary.
func (b *Backend) ensureSchema(ctx context.Context, t Type, hash string) error {
	if t.HasSchema(hash) {
		return nil
	}
	schema, err := b.GetSchema(ctx, hash)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(t.RegisterSchema(schema))
}

// GetSnapshot returns the snapshot of doc at the greatest version not
// exceeding the given one. Version 0, like a document with no
// operations, yields the empty snapshot.
func (b *Backend) GetSnapshot(ctx context.Context, doc corecontent.Document, version int64) (corecontent.Snapshot, error) {
	if err := b.alive(); err != nil {
		return corecontent.Snapshot{}, err
	}
	if err := doc.Validate(); err != nil {
		return corecontent.Snapshot{}, errors.Trace(err)
	}
	t, err := b.cfg.Registry.Get(doc.Type)
	if err != nil {
		return corecontent.Snapshot{}, errors.Trace(err)
	}
	snapshot, err := b.cache.getSnapshot(ctx, t, doc, version)
	if err != nil {
		return corecontent.Snapshot{}, errors.Trace(err)
	}
	return snapshot, nil
}

// SubmitOperation validates and appends op, publishes it to the
// document's subscribers and applies the snapshot-retention policy. An
// operation submitted without a key is assigned one. The returned
// operation is the one appended.
//
// A version conflict returns an AlreadyExistsError carrying the store's
// current maximum version; by the time it returns, operations the store
// held beyond the cached version have been published to subscribers.
func (b *Backend) SubmitOperation(ctx context.Context, op corecontent.Operation) (corecontent.Operation, error) {
	if err := b.alive(); err != nil {
		return corecontent.Operation{}, err
	}
	if op.Key == "" {
		op.Key = uuid.New().String()
	}
	if size := len(op.Data); size > b.cfg.MaxOperationSize {
		return corecontent.Operation{}, corecontent.NewEntityTooLarge("operation", size, b.cfg.MaxOperationSize)
	}
	if err := op.Validate(); err != nil {
		return corecontent.Operation{}, errors.Trace(err)
	}
	t, err := b.cfg.Registry.Get(op.Type)
	if err != nil {
		return corecontent.Operation{}, errors.Trace(err)
	}
	if err := b.ensureSchema(ctx, t, op.Schema); err != nil {
		return corecontent.Operation{}, errors.Trace(err)
	}
	if err := b.cache.submit(ctx, t, op); err != nil {
		return corecontent.Operation{}, errors.Trace(err)
	}
	return op, nil
}

// StreamOperations returns a stream of the confirmed operations of doc
// with versions in [versionStart, versionEnd). The stream is owned by
// the backend: destroying the backend closes it.
func (b *Backend) StreamOperations(ctx context.Context, doc corecontent.Document, versionStart, versionEnd int64) (*OperationStream, error) {
	if err := b.alive(); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	t, err := b.cfg.Registry.Get(doc.Type)
	if err != nil {
		return nil, errors.Trace(err)
	}
	start, end, _ := corecontent.ClampVersionRange(versionStart, versionEnd)
	s, err := newOperationStream(ctx, b.cache, t, doc, start, end)
	if err != nil {
		return nil, errors.Trace(err)
	}
	b.mu.Lock()
	b.streams[s] = struct{}{}
	b.mu.Unlock()
	go b.reap(s)
	if err := b.alive(); err != nil {
		// Lost the race with Kill; the dying loop may have missed it.
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// reap waits for a stream to finish, forgets it and surfaces abnormal
// deaths through the OnError hook. A stream dying on an internal error
// does not take the backend down with it.
func (b *Backend) reap(s *OperationStream) {
	err := s.Wait()
	b.mu.Lock()
	delete(b.streams, s)
	b.mu.Unlock()
	if err != nil {
		b.errorf(errors.Annotatef(err, "operation stream for %s", s.Document()))
	}
}

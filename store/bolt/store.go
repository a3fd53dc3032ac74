// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package bolt implements the ContentStore on a bbolt database file.
//
// Layout:
//
//	schema        hash -> schema JSON
//	operation     type \x00 id \x00 bigEndian(version) -> operation JSON
//	operationKey  op key -> nil (duplicate detection)
//	operationHead type \x00 id -> bigEndian(current max version)
//	snapshot      type \x00 id \x00 bigEndian(version) -> snapshot JSON
//
// All writes of one append happen inside a single update transaction,
// which gives StoreOperation the atomicity the ContentStore contract
// requires.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	bbolt "go.etcd.io/bbolt"

	corecontent "github.com/coedit/coedit/core/content"
	"github.com/coedit/coedit/store"
)

var logger = loggo.GetLogger("coedit.store.bolt")

var (
	schemaBucket       = []byte("schema")
	operationBucket    = []byte("operation")
	operationKeyBucket = []byte("operationKey")
	headBucket         = []byte("operationHead")
	snapshotBucket     = []byte("snapshot")
)

// Store is a ContentStore persisted in a single bbolt file.
type Store struct {
	db *bbolt.DB
}

var _ store.ContentStore = (*Store)(nil)

// Open opens (creating if necessary) the database at path and ensures
// the buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, errors.Annotatef(err, "opening content store %q", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			schemaBucket, operationBucket, operationKeyBucket, headBucket, snapshotBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Trace(err)
	}
	logger.Debugf("opened content store %q", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return errors.Trace(s.db.Close())
}

// docPrefix is the key prefix of all versioned entries of a document.
func docPrefix(doc corecontent.Document) []byte {
	buf := make([]byte, 0, len(doc.Type)+len(doc.ID)+2)
	buf = append(buf, doc.Type...)
	buf = append(buf, 0)
	buf = append(buf, doc.ID...)
	buf = append(buf, 0)
	return buf
}

func versionKey(doc corecontent.Document, version int64) []byte {
	buf := docPrefix(doc)
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(version))
	return append(buf, v[:]...)
}

// headKey omits the trailing separator so it never collides with a
// version key prefix scan.
func headKey(doc corecontent.Document) []byte {
	buf := docPrefix(doc)
	return buf[:len(buf)-1]
}

// StoreSchema implements store.ContentStore.
func (s *Store) StoreSchema(_ context.Context, schema corecontent.Schema) (corecontent.Schema, error) {
	var stored corecontent.Schema
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(schemaBucket)
		if existing := bucket.Get([]byte(schema.Hash)); existing != nil {
			return errors.Trace(json.Unmarshal(existing, &stored))
		}
		data, err := json.Marshal(schema)
		if err != nil {
			return errors.Trace(err)
		}
		stored = schema
		return errors.Trace(bucket.Put([]byte(schema.Hash), data))
	})
	if err != nil {
		return corecontent.Schema{}, errors.Trace(err)
	}
	return stored, nil
}

// LoadSchema implements store.ContentStore.
func (s *Store) LoadSchema(_ context.Context, hash string) (*corecontent.Schema, error) {
	var schema *corecontent.Schema
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(schemaBucket).Get([]byte(hash))
		if data == nil {
			return nil
		}
		schema = &corecontent.Schema{}
		return errors.Trace(json.Unmarshal(data, schema))
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return schema, nil
}

// StoreOperation implements store.ContentStore. The version check, the
// append and the head update share one transaction.
func (s *Store) StoreOperation(_ context.Context, op corecontent.Operation) error {
	doc := op.Document()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		heads := tx.Bucket(headBucket)
		var current int64
		if raw := heads.Get(headKey(doc)); raw != nil {
			current = int64(binary.BigEndian.Uint64(raw))
		}
		if op.Version != current+1 {
			return corecontent.NewAlreadyExists("operation", "version", current)
		}
		keys := tx.Bucket(operationKeyBucket)
		if keys.Get([]byte(op.Key)) != nil {
			return corecontent.NewAlreadyExists("operation", "key", op.Key)
		}
		data, err := json.Marshal(op)
		if err != nil {
			return errors.Trace(err)
		}
		if err := tx.Bucket(operationBucket).Put(versionKey(doc, op.Version), data); err != nil {
			return errors.Trace(err)
		}
		if err := keys.Put([]byte(op.Key), []byte{}); err != nil {
			return errors.Trace(err)
		}
		var head [8]byte
		binary.BigEndian.PutUint64(head[:], uint64(op.Version))
		return errors.Trace(heads.Put(headKey(doc), head[:]))
	})
	return errors.Trace(err)
}

// LoadOperations implements store.ContentStore.
func (s *Store) LoadOperations(_ context.Context, doc corecontent.Document, versionStart, versionEnd int64) ([]corecontent.Operation, error) {
	if versionStart < 1 {
		versionStart = 1
	}
	if versionStart >= versionEnd {
		return nil, nil
	}
	var ops []corecontent.Operation
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(operationBucket).Cursor()
		prefix := docPrefix(doc)
		end := versionKey(doc, versionEnd)
		for k, v := cursor.Seek(versionKey(doc, versionStart)); k != nil; k, v = cursor.Next() {
			if !bytes.HasPrefix(k, prefix) || bytes.Compare(k, end) >= 0 {
				break
			}
			var op corecontent.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return errors.Trace(err)
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ops, nil
}

// StoreSnapshot implements store.ContentStore.
func (s *Store) StoreSnapshot(_ context.Context, snapshot corecontent.Snapshot) error {
	doc := snapshot.Document()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(snapshotBucket)
		key := versionKey(doc, snapshot.Version)
		if bucket.Get(key) != nil {
			return corecontent.NewAlreadyExists("snapshot", "version", snapshot.Version)
		}
		data, err := json.Marshal(snapshot)
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(bucket.Put(key, data))
	})
	return errors.Trace(err)
}

// LoadSnapshot implements store.ContentStore. Seeking just past the
// requested version and stepping back lands on the greatest stored
// snapshot at or below it.
func (s *Store) LoadSnapshot(_ context.Context, doc corecontent.Document, versionAtMost int64) (*corecontent.Snapshot, error) {
	var snapshot *corecontent.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(snapshotBucket).Cursor()
		prefix := docPrefix(doc)
		k, v := cursor.Seek(versionKey(doc, versionAtMost))
		if k == nil || !bytes.HasPrefix(k, prefix) || bytes.Compare(k, versionKey(doc, versionAtMost)) > 0 {
			k, v = cursor.Prev()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}
		snapshot = &corecontent.Snapshot{}
		return errors.Trace(json.Unmarshal(v, snapshot))
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return snapshot, nil
}

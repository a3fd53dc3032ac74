// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package content

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/collections/deque"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	corecontent "github.com/coedit/coedit/core/content"
)

const (
	// streamBuffer bounds the delivery channel; a slow consumer pauses
	// delivery, it never drops.
	streamBuffer = 16

	// streamLoadBatch pages store back-fill reads.
	streamLoadBatch = 100
)

// OperationStream delivers the confirmed operations of one document
// with versions in [versionStart, versionEnd), strictly ascending and
// gapless: first from the store and cache tail, then live from the bus.
// The changes channel closes once versionEnd-1 has been delivered, the
// stream is killed, or the backend shuts down.
type OperationStream struct {
	tomb tomb.Tomb

	doc        corecontent.Document
	next       int64
	end        int64
	changes    chan corecontent.Operation
	unregister func()

	mu      sync.Mutex
	pending *deque.Deque
	wake    chan struct{}
}

// newOperationStream registers a subscriber with the cache and starts
// its delivery goroutine. The bus subscription is set up before the
// tail is captured, so an operation committed after the capture is
// always queued; the per-stream version cursor drops the overlap.
func newOperationStream(ctx context.Context, c *documentCache, t Type, doc corecontent.Document, start, end int64) (*OperationStream, error) {
	s := &OperationStream{
		doc:     doc,
		end:     end,
		changes: make(chan corecontent.Operation, streamBuffer),
		pending: deque.New(),
		wake:    make(chan struct{}, 1),
	}
	s.next = start
	if s.next < corecontent.MinVersion+1 {
		s.next = corecontent.MinVersion + 1
	}
	if s.next >= end {
		// Empty range: end immediately.
		s.tomb.Go(func() error {
			close(s.changes)
			return nil
		})
		return s, nil
	}

	e, err := c.ensure(ctx, t, doc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	unsubscribe := c.cfg.bus.Subscribe(OperationTopic(doc), s.enqueue)
	c.pin(e)
	s.unregister = func() {
		unsubscribe()
		c.unpin(e)
	}

	e.mu.Lock()
	tailLow := e.snapshot.Version + 1
	if n := len(e.tail); n > 0 {
		tailLow = e.tail[0].op.Version
	}
	var captured []corecontent.Operation
	for _, item := range e.tail {
		if item.op.Version >= s.next && item.op.Version < end {
			captured = append(captured, item.op)
		}
	}
	e.mu.Unlock()

	storeTo := tailLow
	if storeTo > end {
		storeTo = end
	}
	s.tomb.Go(func() error {
		return s.loop(c, captured, storeTo)
	})
	return s, nil
}

// Changes returns the delivery channel. It closes when the stream ends
// for any reason; Wait reports whether that was an error.
func (s *OperationStream) Changes() <-chan corecontent.Operation {
	return s.changes
}

// Document returns the document the stream follows.
func (s *OperationStream) Document() corecontent.Document {
	return s.doc
}

// Kill implements worker.Worker.
func (s *OperationStream) Kill() {
	s.tomb.Kill(nil)
}

// Wait implements worker.Worker.
func (s *OperationStream) Wait() error {
	return s.tomb.Wait()
}

// Close stops the stream and waits for its goroutine to exit.
func (s *OperationStream) Close() error {
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

// enqueue is the bus handler. It accepts in-process Operation payloads
// and the JSON payloads a remote bus delivers.
func (s *OperationStream) enqueue(_ string, data interface{}) {
	var op corecontent.Operation
	switch payload := data.(type) {
	case corecontent.Operation:
		op = payload
	case json.RawMessage:
		if err := json.Unmarshal(payload, &op); err != nil {
			logger.Warningf("discarding undecodable operation for %s: %v", s.doc, err)
			return
		}
	default:
		logger.Warningf("discarding unexpected payload %T for %s", data, s.doc)
		return
	}
	s.mu.Lock()
	s.pending.PushBack(op)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *OperationStream) pop() (corecontent.Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.pending.PopFront()
	if !ok {
		return corecontent.Operation{}, false
	}
	return item.(corecontent.Operation), true
}

func (s *OperationStream) loop(c *documentCache, captured []corecontent.Operation, storeTo int64) error {
	defer s.unregister()
	defer close(s.changes)
	ctx := s.tomb.Context(nil)

	// Phase one: operations below the captured tail from the store.
	for s.next < storeTo {
		batchEnd := s.next + streamLoadBatch
		if batchEnd > storeTo {
			batchEnd = storeTo
		}
		ops, err := c.cfg.store.LoadOperations(ctx, s.doc, s.next, batchEnd)
		if err != nil {
			return errors.Trace(err)
		}
		if len(ops) == 0 {
			return corecontent.NewAssert(
				"store holds no operations for %s in [%d, %d)", s.doc, s.next, batchEnd)
		}
		for _, op := range ops {
			if op.Version != s.next {
				return corecontent.NewAssert(
					"store returned version %d for %s, wanted %d", op.Version, s.doc, s.next)
			}
			if !s.deliver(op) {
				return tomb.ErrDying
			}
			s.next++
		}
	}

	// Phase two: the tail captured at registration.
	for _, op := range captured {
		if op.Version < s.next {
			continue
		}
		if op.Version != s.next {
			return corecontent.NewAssert(
				"cache tail version %d for %s, wanted %d", op.Version, s.doc, s.next)
		}
		if !s.deliver(op) {
			return tomb.ErrDying
		}
		s.next++
	}

	// Phase three: live operations from the bus.
	for s.next < s.end {
		op, ok := s.pop()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.tomb.Dying():
				return tomb.ErrDying
			}
		}
		if op.Version < s.next {
			continue
		}
		if op.Version != s.next {
			return corecontent.NewAssert(
				"published version %d for %s, wanted %d", op.Version, s.doc, s.next)
		}
		if !s.deliver(op) {
			return tomb.ErrDying
		}
		s.next++
	}
	return nil
}

func (s *OperationStream) deliver(op corecontent.Operation) bool {
	select {
	case s.changes <- op:
		return true
	case <-s.tomb.Dying():
		return false
	}
}

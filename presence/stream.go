// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package presence

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/collections/deque"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	corepresence "github.com/coedit/coedit/core/presence"
	"github.com/coedit/coedit/pubsub"
)

const streamBuffer = 16

// PresenceStream delivers the current presence records of one topic
// followed by live changes, until closed. Delivery is at-least-once: a
// change racing the initial query can be observed both as initial state
// and as a change.
type PresenceStream struct {
	tomb        tomb.Tomb
	changes     chan Change
	unsubscribe func()

	mu      sync.Mutex
	pending *deque.Deque
	wake    chan struct{}
}

// newPresenceStream subscribes to the topic before running the initial
// query, so a change arriving during set-up is never lost.
func newPresenceStream(bus pubsub.Bus, topic string, query queryFunc) *PresenceStream {
	s := &PresenceStream{
		changes: make(chan Change, streamBuffer),
		pending: deque.New(),
		wake:    make(chan struct{}, 1),
	}
	s.unsubscribe = bus.Subscribe(topic, s.enqueue)
	s.tomb.Go(func() error {
		return s.loop(query)
	})
	return s
}

type queryFunc func(ctx context.Context) ([]corepresence.Presence, error)

// Changes returns the delivery channel; it closes when the stream ends.
func (s *PresenceStream) Changes() <-chan Change {
	return s.changes
}

// Kill implements worker.Worker.
func (s *PresenceStream) Kill() {
	s.tomb.Kill(nil)
}

// Wait implements worker.Worker.
func (s *PresenceStream) Wait() error {
	return s.tomb.Wait()
}

// Close stops the stream and waits for its goroutine to exit.
func (s *PresenceStream) Close() error {
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

func (s *PresenceStream) enqueue(_ string, data interface{}) {
	var change Change
	switch payload := data.(type) {
	case Change:
		change = payload
	case json.RawMessage:
		if err := json.Unmarshal(payload, &change); err != nil {
			logger.Warningf("discarding undecodable presence change: %v", err)
			return
		}
	default:
		logger.Warningf("discarding unexpected presence payload %T", data)
		return
	}
	s.mu.Lock()
	s.pending.PushBack(change)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *PresenceStream) pop() (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.pending.PopFront()
	if !ok {
		return Change{}, false
	}
	return item.(Change), true
}

func (s *PresenceStream) loop(query queryFunc) error {
	defer s.unsubscribe()
	defer close(s.changes)
	initial, err := query(s.tomb.Context(nil))
	if err != nil {
		return errors.Trace(err)
	}
	for _, p := range initial {
		if !s.deliver(Change{Kind: ChangeUpdated, Presence: p}) {
			return tomb.ErrDying
		}
	}
	for {
		change, ok := s.pop()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.tomb.Dying():
				return tomb.ErrDying
			}
		}
		if !s.deliver(change) {
			return tomb.ErrDying
		}
	}
}

func (s *PresenceStream) deliver(change Change) bool {
	select {
	case s.changes <- change:
		return true
	case <-s.tomb.Dying():
		return false
	}
}

// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package pubsub

import (
	"sync"

	"github.com/juju/collections/deque"
)

// Hub is the in-process Bus. Each subscriber drains its own pending
// queue on a dedicated goroutine, so publishers never block on slow
// consumers and per-topic delivery order follows publish order.
type Hub struct {
	lifecycle Lifecycle

	mutex  sync.Mutex
	topics map[string][]*subscriber
	closed bool
}

// NewHub returns an empty hub with no lifecycle callbacks.
func NewHub() *Hub {
	return NewHubWithLifecycle(Lifecycle{})
}

// NewHubWithLifecycle returns an empty hub that reports topic
// activation and deactivation through the given callbacks.
func NewHubWithLifecycle(lifecycle Lifecycle) *Hub {
	return &Hub{
		lifecycle: lifecycle,
		topics:    make(map[string][]*subscriber),
	}
}

// Subscribe implements Bus.
func (h *Hub) Subscribe(topic string, handler Handler) func() {
	if topic == "" || handler == nil {
		return func() {}
	}
	sub := &subscriber{
		topic:   topic,
		handler: handler,
		pending: deque.New(),
		data:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return func() {}
	}
	existing := h.topics[topic]
	h.topics[topic] = append(existing, sub)
	first := len(existing) == 0
	h.mutex.Unlock()

	go sub.loop()
	if first {
		h.lifecycle.active(topic)
	}

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(sub) })
	}
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mutex.Lock()
	subs := h.topics[sub.topic]
	for i, s := range subs {
		if s == sub {
			h.topics[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	last := len(h.topics[sub.topic]) == 0
	if last {
		delete(h.topics, sub.topic)
	}
	h.mutex.Unlock()

	sub.stop()
	if last {
		h.lifecycle.inactive(sub.topic)
	}
}

// Publish implements Bus. The returned channel closes once every
// subscriber current at the time of the call has run its handler.
func (h *Hub) Publish(topic string, data interface{}) <-chan struct{} {
	h.mutex.Lock()
	subs := append([]*subscriber(nil), h.topics[topic]...)
	h.mutex.Unlock()

	done := make(chan struct{})
	if len(subs) == 0 {
		close(done)
		return done
	}
	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, sub := range subs {
		sub.queue(envelope{topic: topic, data: data, wg: &wg})
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// Close stops all subscribers. Pending messages are acknowledged but
// not delivered.
func (h *Hub) Close() {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return
	}
	h.closed = true
	var all []*subscriber
	for _, subs := range h.topics {
		all = append(all, subs...)
	}
	h.topics = make(map[string][]*subscriber)
	h.mutex.Unlock()
	for _, sub := range all {
		sub.stop()
	}
}

type envelope struct {
	topic string
	data  interface{}
	wg    *sync.WaitGroup
}

type subscriber struct {
	topic   string
	handler Handler

	mutex   sync.Mutex
	pending *deque.Deque

	data     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscriber) queue(env envelope) {
	s.mutex.Lock()
	select {
	case <-s.done:
		// Stopped subscribers acknowledge without delivery so that
		// Publish waiters are not stranded.
		s.mutex.Unlock()
		env.wg.Done()
		return
	default:
	}
	s.pending.PushBack(env)
	s.mutex.Unlock()
	select {
	case s.data <- struct{}{}:
	default:
	}
}

func (s *subscriber) loop() {
	for {
		s.mutex.Lock()
		item, ok := s.pending.PopFront()
		s.mutex.Unlock()
		if ok {
			env := item.(envelope)
			select {
			case <-s.done:
				env.wg.Done()
				continue
			default:
			}
			s.handler(env.topic, env.data)
			env.wg.Done()
			continue
		}
		select {
		case <-s.data:
		case <-s.done:
			s.drain()
			return
		}
	}
}

func (s *subscriber) drain() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for {
		item, ok := s.pending.PopFront()
		if !ok {
			return
		}
		item.(envelope).wg.Done()
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

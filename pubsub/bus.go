// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pubsub provides topic-based fan-out of confirmed operations
// and presence changes. Two implementations share the Bus contract: an
// in-process hub and a Redis-backed bus for cross-process delivery.
package pubsub

import "github.com/juju/loggo"

var logger = loggo.GetLogger("coedit.pubsub")

// Handler receives messages published on a subscribed topic. Handlers
// for one subscriber run sequentially in publish order; a slow handler
// delays its own subscriber only.
type Handler func(topic string, data interface{})

// Bus is topic-string based publish/subscribe. Delivery is asynchronous
// with respect to the publisher's call site: Publish returns a channel
// that is closed once every subscriber current at publish time has
// processed the message (for remote buses, once the message has been
// handed to the broker).
type Bus interface {
	// Subscribe registers the handler for the topic and returns an
	// idempotent unsubscribe function.
	Subscribe(topic string, handler Handler) func()

	// Publish sends data to all current subscribers of topic.
	Publish(topic string, data interface{}) <-chan struct{}
}

// Lifecycle is notified when a topic gains its first subscriber and
// when its last subscriber leaves. Used by presence streams to
// lazy-load only while someone is watching.
type Lifecycle struct {
	OnActive   func(topic string)
	OnInactive func(topic string)
}

func (l Lifecycle) active(topic string) {
	if l.OnActive != nil {
		l.OnActive(topic)
	}
}

func (l Lifecycle) inactive(topic string) {
	if l.OnInactive != nil {
		l.OnInactive(topic)
	}
}

// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/redis/go-redis/v9"
)

// RedisBusConfig holds the dependencies of a RedisBus.
type RedisBusConfig struct {
	// Client is the redis connection to publish and subscribe on.
	Client *redis.Client

	// Prefix namespaces the bus's channels within the redis keyspace.
	Prefix string

	// Lifecycle, when set, is notified of topic activation changes of
	// the local subscriber population.
	Lifecycle Lifecycle

	// Clock is used for receive-loop retry backoff.
	Clock clock.Clock
}

// Validate returns an error if the config is unusable.
func (c RedisBusConfig) Validate() error {
	if c.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// RedisBus is a Bus carried over Redis PUB/SUB so that multiple
// backend processes observe each other's messages. Payloads cross the
// wire as JSON; local handlers therefore receive json.RawMessage data
// regardless of the published value's type. Delivery is asynchronous:
// the channel returned by Publish closes once the message has been
// handed to Redis, not once remote subscribers have run.
type RedisBus struct {
	config RedisBusConfig
	hub    *Hub
	ps     *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisBus connects a bus over the given redis client.
func NewRedisBus(config RedisBusConfig) (*RedisBus, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
	// Subscribe with no channels: channels are added as local
	// subscribers arrive.
	b.ps = config.Client.Subscribe(ctx)
	b.hub = NewHubWithLifecycle(Lifecycle{
		OnActive:   b.topicActive,
		OnInactive: b.topicInactive,
	})
	go b.receive()
	return b, nil
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(topic string, handler Handler) func() {
	return b.hub.Subscribe(topic, handler)
}

// Publish implements Bus.
func (b *RedisBus) Publish(topic string, data interface{}) <-chan struct{} {
	done := make(chan struct{})
	payload, err := json.Marshal(data)
	if err != nil {
		logger.Errorf("cannot marshal message for topic %q: %v", topic, err)
		close(done)
		return done
	}
	go func() {
		defer close(done)
		if err := b.config.Client.Publish(b.ctx, b.channel(topic), payload).Err(); err != nil {
			logger.Errorf("cannot publish on topic %q: %v", topic, err)
		}
	}()
	return done
}

// Close stops the receive loop and the local hub.
func (b *RedisBus) Close() error {
	b.cancel()
	err := b.ps.Close()
	b.hub.Close()
	return errors.Trace(err)
}

func (b *RedisBus) channel(topic string) string {
	if b.config.Prefix == "" {
		return topic
	}
	return b.config.Prefix + ":" + topic
}

func (b *RedisBus) topic(channel string) string {
	if b.config.Prefix == "" {
		return channel
	}
	return channel[len(b.config.Prefix)+1:]
}

func (b *RedisBus) topicActive(topic string) {
	if err := b.ps.Subscribe(b.ctx, b.channel(topic)); err != nil {
		logger.Errorf("cannot subscribe to %q: %v", topic, err)
	}
	b.config.Lifecycle.active(topic)
}

func (b *RedisBus) topicInactive(topic string) {
	if err := b.ps.Unsubscribe(b.ctx, b.channel(topic)); err != nil {
		logger.Errorf("cannot unsubscribe from %q: %v", topic, err)
	}
	b.config.Lifecycle.inactive(topic)
}

// receive pumps broker messages into the local hub, retrying with
// backoff when the broker connection misbehaves.
func (b *RedisBus) receive() {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			ch := b.ps.Channel()
			for msg := range ch {
				b.hub.Publish(b.topic(msg.Channel), json.RawMessage(msg.Payload))
			}
			// The channel closes when the PubSub is closed; treat an
			// unexpected close as retryable.
			select {
			case <-b.ctx.Done():
				return nil
			default:
				return errors.New("receive channel closed")
			}
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		BackoffFunc: retry.DoubleDelay,
		Clock:       b.config.Clock,
		Stop:        b.ctx.Done(),
	})
	if err != nil && !retry.IsRetryStopped(err) {
		logger.Errorf("redis receive loop terminated: %v", err)
	}
}

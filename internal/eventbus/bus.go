// Package eventbus provides the kernel's internal publish/subscribe bus.
// Delivery to a subscriber is asynchronous and ordered per topic: each
// subscription owns a buffered channel drained by one consumer goroutine,
// so a slow handler delays only itself. Handlers that panic are recovered
// and logged without affecting other subscribers.
package eventbus

import (
	"sync"

	"github.com/ordo-sh/ordo/internal/log"
)

// Wildcard subscribes to every topic.
const Wildcard = "*"

// subscriberBuffer is each subscription's queue capacity. Publishes to a
// full queue are dropped with a warning rather than blocking the publisher.
const subscriberBuffer = 1024

// Event is one published message.
type Event struct {
	Topic   string
	Payload any
}

// Handler consumes events for one subscription.
type Handler func(evt Event)

// Token identifies a subscription for cancellation.
type Token uint64

type subscription struct {
	token   Token
	topic   string
	handler Handler
	ch      chan Event
}

// Bus is the kernel-wide event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	wild   []*subscription
	byTok  map[Token]*subscription
	next   Token
	closed bool
	wg     sync.WaitGroup
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:  make(map[string][]*subscription),
		byTok: make(map[Token]*subscription),
	}
}

// Subscribe registers a handler for a topic (or Wildcard for all topics)
// and returns a token that cancels the subscription when passed to
// Unsubscribe. Handlers for one topic run in subscription order under
// PublishSync and receive events in publish order under Publish.
func (b *Bus) Subscribe(topic string, handler Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}

	b.next++
	sub := &subscription{
		token:   b.next,
		topic:   topic,
		handler: handler,
		ch:      make(chan Event, subscriberBuffer),
	}

	if topic == Wildcard {
		b.wild = append(b.wild, sub)
	} else {
		b.subs[topic] = append(b.subs[topic], sub)
	}
	b.byTok[sub.token] = sub

	b.wg.Add(1)
	log.SafeGo("eventbus.consume", func() {
		defer b.wg.Done()
		for evt := range sub.ch {
			invoke(sub.handler, evt)
		}
	})

	return sub.token
}

// Unsubscribe cancels a subscription. Events already queued for it are
// still delivered; the consumer goroutine exits after draining.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byTok[token]
	if !ok {
		return
	}
	delete(b.byTok, token)

	if sub.topic == Wildcard {
		b.wild = remove(b.wild, sub)
	} else {
		b.subs[sub.topic] = remove(b.subs[sub.topic], sub)
		if len(b.subs[sub.topic]) == 0 {
			delete(b.subs, sub.topic)
		}
	}
	close(sub.ch)
}

// Publish delivers an event asynchronously to every subscriber of the topic
// and every wildcard subscriber.
func (b *Bus) Publish(topic string, payload any) {
	evt := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		b.send(sub, evt)
	}
	for _, sub := range b.wild {
		b.send(sub, evt)
	}
}

// PublishSync delivers an event inline, in subscription order, returning
// after every handler has run. Used on critical paths and in tests.
func (b *Bus) PublishSync(topic string, payload any) {
	evt := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs[topic])+len(b.wild))
	if !b.closed {
		targets = append(targets, b.subs[topic]...)
		targets = append(targets, b.wild...)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		invoke(sub.handler, evt)
	}
}

// Close stops accepting publishes, closes every subscription, and waits for
// queued events to finish delivery.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.byTok {
		close(sub.ch)
	}
	b.subs = make(map[string][]*subscription)
	b.wild = nil
	b.byTok = make(map[Token]*subscription)
	b.mu.Unlock()

	b.wg.Wait()
}

// SubscriberCount reports the number of live subscriptions, for status
// surfaces and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byTok)
}

// send enqueues without blocking; a full subscriber queue drops the event.
func (b *Bus) send(sub *subscription, evt Event) {
	select {
	case sub.ch <- evt:
	default:
		log.Warn(log.CatBus, "subscriber queue full, dropping event",
			"topic", evt.Topic, "token", sub.token)
	}
}

// invoke runs one handler with panic isolation.
func invoke(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBus, "event handler panic recovered",
				"topic", evt.Topic, "panic", r)
		}
	}()
	h(evt)
}

func remove(list []*subscription, target *subscription) []*subscription {
	for i, sub := range list {
		if sub == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

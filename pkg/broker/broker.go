// Package broker relays published envelopes to the current subscribers of a
// topic. Topics are created lazily and garbage-collected after a retention
// window once no subscriber or publisher remains. There is no buffering:
// a subscriber added after a publish never sees that message.
package broker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"simbus/pkg/protocol"
)

// Subscriber is one delivery endpoint. Enqueue must not block: the server's
// per-connection queue applies its own drop-oldest policy and reports false
// only when the endpoint is gone.
type Subscriber interface {
	ID() string
	Enqueue(e *protocol.Envelope) bool
}

// Options tune broker housekeeping. Zero values get defaults.
type Options struct {
	// Retention is how long an empty topic survives before collection.
	Retention time.Duration
	// SweepInterval is how often the janitor looks for empty topics.
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = o.Retention / 2
	}
	return o
}

type topic struct {
	subscribers map[string]Subscriber
	publishers  map[string]struct{}
	emptySince  time.Time // zero while either set is non-empty
}

func (t *topic) markEmpty(now time.Time) {
	if len(t.subscribers) == 0 && len(t.publishers) == 0 {
		if t.emptySince.IsZero() {
			t.emptySince = now
		}
	} else {
		t.emptySince = time.Time{}
	}
}

// Broker guards the topic table with a single lock; fan-out happens on a
// snapshot taken under it, so a slow subscriber never holds the table.
type Broker struct {
	mu      sync.Mutex
	topics  map[string]*topic
	opts    Options
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func New(opts Options) *Broker {
	b := &Broker{
		topics:  make(map[string]*topic),
		opts:    opts.withDefaults(),
		closeCh: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.janitor()
	return b
}

// Close stops the janitor. Subscriptions are not torn down; the owner drops
// endpoints as their connections die.
func (b *Broker) Close() {
	select {
	case <-b.closeCh:
		return
	default:
	}
	close(b.closeCh)
	b.wg.Wait()
}

func (b *Broker) getOrCreate(name string) *topic {
	t := b.topics[name]
	if t == nil {
		t = &topic{subscribers: make(map[string]Subscriber), publishers: make(map[string]struct{})}
		b.topics[name] = t
		zap.L().Debug("topic created", zap.String("topic", name))
	}
	return t
}

// Subscribe adds sub to the topic, creating it lazily. Re-subscribing with
// the same ID replaces the previous endpoint.
func (b *Broker) Subscribe(topicName string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.getOrCreate(topicName)
	t.subscribers[sub.ID()] = sub
	t.emptySince = time.Time{}
	zap.L().Info("subscribed", zap.String("topic", topicName), zap.String("endpoint", sub.ID()),
		zap.Int("subscribers", len(t.subscribers)))
}

// Unsubscribe removes the endpoint from one topic. Idempotent.
func (b *Broker) Unsubscribe(topicName, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[topicName]
	if t == nil {
		return
	}
	if _, ok := t.subscribers[id]; !ok {
		return
	}
	delete(t.subscribers, id)
	t.markEmpty(time.Now())
	zap.L().Info("unsubscribed", zap.String("topic", topicName), zap.String("endpoint", id))
}

// Advertise records publisher intent on a topic (informational; keeps the
// topic alive against GC).
func (b *Broker) Advertise(topicName, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.getOrCreate(topicName)
	t.publishers[id] = struct{}{}
	t.emptySince = time.Time{}
}

// DropEndpoint removes the endpoint from every topic, as subscriber and
// publisher. Called when its connection dies.
func (b *Broker) DropEndpoint(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for name, t := range b.topics {
		_, wasSub := t.subscribers[id]
		_, wasPub := t.publishers[id]
		if !wasSub && !wasPub {
			continue
		}
		delete(t.subscribers, id)
		delete(t.publishers, id)
		t.markEmpty(now)
		zap.L().Debug("endpoint dropped from topic", zap.String("topic", name), zap.String("endpoint", id))
	}
}

// Publish fans the envelope out to the subscriber set current at the time of
// the call. Enqueue failures are logged and isolated per subscriber; the
// publish path never blocks on a slow endpoint.
func (b *Broker) Publish(e *protocol.Envelope) {
	b.mu.Lock()
	t := b.topics[e.Topic]
	if t == nil || len(t.subscribers) == 0 {
		b.mu.Unlock()
		return
	}
	subs := make([]Subscriber, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.Enqueue(e) {
			zap.L().Debug("delivery skipped, endpoint gone",
				zap.String("topic", e.Topic), zap.String("endpoint", s.ID()))
		}
	}
}

// Topics returns the current topic names (diagnostics).
func (b *Broker) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.topics))
	for name := range b.topics {
		out = append(out, name)
	}
	return out
}

func (b *Broker) janitor() {
	defer b.wg.Done()
	tick := time.NewTicker(b.opts.SweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-b.closeCh:
			return
		case now := <-tick.C:
			b.collect(now)
		}
	}
}

func (b *Broker) collect(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, t := range b.topics {
		if !t.emptySince.IsZero() && now.Sub(t.emptySince) >= b.opts.Retention {
			delete(b.topics, name)
			zap.L().Debug("topic collected", zap.String("topic", name))
		}
	}
}

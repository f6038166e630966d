// Package broadcast is the topic fan-out used to deliver status and chat events
// to every connection that joined a topic, on this node or any other.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("broadcast: bus closed")

// Handler receives a raw payload published to a subscribed topic.
type Handler func(payload []byte)

// Subscription is a joined topic. Unsubscribe is idempotent.
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// Bus publishes payloads to topics and delivers them to local subscribers.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler Handler) (Subscription, error)
	Close() error
}

// PublishJSON encodes v and publishes it.
func PublishJSON(ctx context.Context, bus Bus, topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event for %s: %w", topic, err)
	}
	return bus.Publish(ctx, topic, payload)
}

// subscriberQueueSize bounds the payloads buffered for one queued handler.
// Further payloads are dropped until it catches up.
const subscriberQueueSize = 256

// subscriber is one local handler. With a queue it runs on its own goroutine,
// so a slow handler only delays itself.
type subscriber struct {
	handler Handler
	queue   chan []byte
}

func (s *subscriber) run() {
	for payload := range s.queue {
		s.handler(payload)
	}
}

// registry keeps the local handlers per topic. Transports call add/remove to
// learn when the first handler of a topic appears or the last one leaves.
type registry struct {
	mu        sync.RWMutex
	next      uint64
	queueSize int
	handlers  map[string]map[uint64]*subscriber
}

// newRegistry delivers inline on the dispatching goroutine.
func newRegistry() *registry {
	return &registry{handlers: make(map[string]map[uint64]*subscriber)}
}

// newQueuedRegistry gives every handler a bounded queue and a goroutine.
func newQueuedRegistry(queueSize int) *registry {
	r := newRegistry()
	r.queueSize = queueSize
	return r
}

func (r *registry) add(topic string, h Handler) (id uint64, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	hs, ok := r.handlers[topic]
	if !ok {
		hs = make(map[uint64]*subscriber)
		r.handlers[topic] = hs
	}
	sub := &subscriber{handler: h}
	if r.queueSize > 0 {
		sub.queue = make(chan []byte, r.queueSize)
		go sub.run()
	}
	hs[r.next] = sub
	return r.next, !ok
}

func (r *registry) remove(topic string, id uint64) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, ok := r.handlers[topic]
	if !ok {
		return false
	}
	sub, ok := hs[id]
	if !ok {
		return false
	}
	if sub.queue != nil {
		close(sub.queue)
	}
	delete(hs, id)
	if len(hs) == 0 {
		delete(r.handlers, topic)
		return true
	}
	return false
}

// dispatch hands payload to every handler of topic. Queued handlers never
// block it; a full queue counts as dropped.
func (r *registry) dispatch(topic string, payload []byte) (delivered, dropped int) {
	var inline []Handler
	r.mu.RLock()
	for _, sub := range r.handlers[topic] {
		if sub.queue == nil {
			inline = append(inline, sub.handler)
			continue
		}
		select {
		case sub.queue <- payload:
			delivered++
		default:
			dropped++
		}
	}
	r.mu.RUnlock()

	for _, h := range inline {
		h(payload)
	}
	return delivered + len(inline), dropped
}

// closeAll removes every handler and stops their goroutines.
func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, hs := range r.handlers {
		for _, sub := range hs {
			if sub.queue != nil {
				close(sub.queue)
			}
		}
	}
	r.handlers = make(map[string]map[uint64]*subscriber)
}

func (r *registry) topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

func (r *registry) count(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[topic])
}

type subscription struct {
	topic  string
	once   sync.Once
	cancel func() error
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.cancel() })
	return err
}

// MemoryBus delivers synchronously inside Publish. It is the single-node
// backend and the one used in tests.
type MemoryBus struct {
	reg    *registry
	mu     sync.RWMutex
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{reg: newRegistry()}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	b.reg.dispatch(topic, payload)
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	id, _ := b.reg.add(topic, handler)
	return &subscription{
		topic: topic,
		cancel: func() error {
			b.reg.remove(topic, id)
			return nil
		},
	}, nil
}

// Subscribers reports how many local handlers joined topic.
func (b *MemoryBus) Subscribers(topic string) int {
	return b.reg.count(topic)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"chorus/pkg/metrics"
	"chorus/pkg/utils"
)

// NATSBus fans out over core NATS subjects, one NATS subscription per topic
// with at least one local handler. Handlers are queued as on RedisBus.
type NATSBus struct {
	conn   *nats.Conn
	logger *utils.Logger
	reg    *registry

	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool
}

// DialNATS connects to url and returns a bus owning the connection.
func DialNATS(url string, logger *utils.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("chorus-broadcast"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATSBus(nc, logger), nil
}

func NewNATSBus(conn *nats.Conn, logger *utils.Logger) *NATSBus {
	return &NATSBus{
		conn:   conn,
		logger: logger.With("component", "nats_bus"),
		reg:    newQueuedRegistry(subscriberQueueSize),
		subs:   make(map[string]*nats.Subscription),
	}
}

func (b *NATSBus) Publish(_ context.Context, topic string, payload []byte) error {
	if err := b.conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	id, first := b.reg.add(topic, handler)
	if first {
		sub, err := b.conn.Subscribe(topic, func(m *nats.Msg) {
			if _, dropped := b.reg.dispatch(m.Subject, m.Data); dropped > 0 {
				metrics.BroadcastDropped.Add(float64(dropped))
				b.logger.Warn("Dropped message for slow subscribers", "topic", m.Subject, "dropped", dropped)
			}
		})
		if err != nil {
			b.reg.remove(topic, id)
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		b.subs[topic] = sub
	}

	return &subscription{
		topic: topic,
		cancel: func() error {
			b.mu.Lock()
			defer b.mu.Unlock()
			if !b.reg.remove(topic, id) {
				return nil
			}
			sub, ok := b.subs[topic]
			if !ok {
				return nil
			}
			delete(b.subs, topic)
			if err := sub.Unsubscribe(); err != nil {
				return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
			}
			return nil
		},
	}, nil
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe on close", "topic", topic, "error", err)
		}
	}
	b.subs = map[string]*nats.Subscription{}
	b.conn.Close()
	b.reg.closeAll()
	return nil
}

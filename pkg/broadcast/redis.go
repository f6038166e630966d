package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"chorus/pkg/metrics"
	"chorus/pkg/utils"
)

// RedisBus fans out over Redis pub/sub. One PubSub connection is shared by the
// whole process; a Redis channel is subscribed while at least one local handler
// holds it. Each handler drains its own bounded queue.
type RedisBus struct {
	client *redis.Client
	logger *utils.Logger
	reg    *registry

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
	closed bool
}

func NewRedisBus(client *redis.Client, logger *utils.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		logger: logger.With("component", "redis_bus"),
		reg:    newQueuedRegistry(subscriberQueueSize),
		done:   make(chan struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	id, first := b.reg.add(topic, handler)
	if first {
		if err := b.subscribeLocked(topic); err != nil {
			b.reg.remove(topic, id)
			return nil, err
		}
	}

	return &subscription{
		topic: topic,
		cancel: func() error {
			b.mu.Lock()
			defer b.mu.Unlock()
			if !b.reg.remove(topic, id) || b.closed || b.pubsub == nil {
				return nil
			}
			if err := b.pubsub.Unsubscribe(context.Background(), topic); err != nil {
				return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
			}
			return nil
		},
	}, nil
}

func (b *RedisBus) subscribeLocked(topic string) error {
	ctx := context.Background()
	if b.pubsub == nil {
		b.pubsub = b.client.Subscribe(ctx)
		go b.listen(b.pubsub.Channel())
	}
	if err := b.pubsub.Subscribe(ctx, topic); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

// listen dispatches until the PubSub is closed.
func (b *RedisBus) listen(ch <-chan *redis.Message) {
	defer close(b.done)
	for msg := range ch {
		delivered, dropped := b.reg.dispatch(msg.Channel, []byte(msg.Payload))
		if dropped > 0 {
			metrics.BroadcastDropped.Add(float64(dropped))
			b.logger.Warn("Dropped message for slow subscribers", "topic", msg.Channel, "dropped", dropped)
		}
		if delivered == 0 && dropped == 0 {
			b.logger.Debug("Dropped message without local subscribers", "topic", msg.Channel)
		}
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps := b.pubsub
	b.mu.Unlock()

	if ps == nil {
		b.reg.closeAll()
		return nil
	}
	err := ps.Close()
	<-b.done
	b.reg.closeAll()
	return err
}

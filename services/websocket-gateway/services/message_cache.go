package services

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"chorus/pkg/db"
	"chorus/pkg/metrics"
	"chorus/pkg/utils"
	"chorus/services/websocket-gateway/config"
)

// ErrPersistence wraps failures of the durable store. The cache is never
// written when it is returned.
var ErrPersistence = errors.New("message persistence failed")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageStore is the durable source of recent messages.
type MessageStore interface {
	GetRecentMessages(ctx context.Context, conversationID int64, limit int) ([]db.Message, error)
}

// PersistFunc writes a message durably and returns it as stored.
type PersistFunc func(ctx context.Context) (*db.Message, error)

// MessageCache keeps the last Window messages of each conversation in a Redis
// list, oldest first. Persistence is always written before the cache; cache
// failures degrade to reading persistence directly.
type MessageCache struct {
	redis  *redis.Client
	store  MessageStore
	cfg    config.ChatConfig
	logger *utils.Logger
}

// NewMessageCache builds a cache over store. A nil client disables caching.
func NewMessageCache(client *redis.Client, store MessageStore, cfg config.ChatConfig, logger *utils.Logger) *MessageCache {
	return &MessageCache{
		redis:  client,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "message_cache"),
	}
}

func (mc *MessageCache) Key(conversationID int64) string {
	return fmt.Sprintf("%s:%d", mc.cfg.CacheKeyPrefix, conversationID)
}

// Get returns up to limit recent messages, oldest first. limit outside
// (0, Window] means Window.
func (mc *MessageCache) Get(ctx context.Context, conversationID int64, limit int) ([]db.Message, error) {
	if limit <= 0 || limit > mc.cfg.Window {
		limit = mc.cfg.Window
	}

	if mc.redis == nil {
		metrics.MessageCache.WithLabelValues("fallback").Inc()
		return mc.load(ctx, conversationID, limit)
	}

	key := mc.Key(conversationID)
	raw, err := mc.redis.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		metrics.MessageCache.WithLabelValues("fallback").Inc()
		mc.logger.Warn("Message cache unavailable, reading persistence", "conversation_id", conversationID, "error", err)
		return mc.load(ctx, conversationID, limit)
	}

	if len(raw) > 0 {
		messages, err := decode(raw)
		if err == nil {
			metrics.MessageCache.WithLabelValues("hit").Inc()
			return messages, nil
		}
		mc.logger.Warn("Discarding unreadable message window", "conversation_id", conversationID, "error", err)
	}

	metrics.MessageCache.WithLabelValues("miss").Inc()
	messages, err := mc.load(ctx, conversationID, mc.cfg.Window)
	if err != nil {
		return nil, err
	}
	mc.repopulate(ctx, key, messages)
	return tail(messages, limit), nil
}

// Add persists a message and then appends it to the window if the window is
// cached. A cold window is left for the next Get to load in full.
func (mc *MessageCache) Add(ctx context.Context, conversationID int64, persist PersistFunc) (*db.Message, error) {
	msg, err := persist(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if mc.redis == nil {
		return msg, nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		mc.logger.Warn("Failed to encode message for cache", "message_id", msg.ID, "error", err)
		return msg, nil
	}

	key := mc.Key(conversationID)
	window := int64(mc.cfg.Window)
	_, err = mc.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPushX(ctx, key, data)
		pipe.LTrim(ctx, key, -window, -1)
		pipe.Expire(ctx, key, mc.cfg.CacheTTL)
		return nil
	})
	if err != nil {
		metrics.MessageCache.WithLabelValues("append_failed").Inc()
		mc.logger.Warn("Failed to append message to cache", "conversation_id", conversationID, "message_id", msg.ID, "error", err)
	}
	return msg, nil
}

// Invalidate drops the cached window of a conversation.
func (mc *MessageCache) Invalidate(ctx context.Context, conversationID int64) error {
	if mc.redis == nil {
		return nil
	}
	if err := mc.redis.Del(ctx, mc.Key(conversationID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate conversation %d: %w", conversationID, err)
	}
	return nil
}

func (mc *MessageCache) load(ctx context.Context, conversationID int64, limit int) ([]db.Message, error) {
	messages, err := mc.store.GetRecentMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return messages, nil
}

func (mc *MessageCache) repopulate(ctx context.Context, key string, messages []db.Message) {
	if len(messages) == 0 {
		return
	}

	values := make([]interface{}, 0, len(messages))
	for i := range messages {
		data, err := json.Marshal(&messages[i])
		if err != nil {
			mc.logger.Warn("Failed to encode message for cache", "message_id", messages[i].ID, "error", err)
			return
		}
		values = append(values, data)
	}

	window := int64(mc.cfg.Window)
	_, err := mc.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, -window, -1)
		pipe.Expire(ctx, key, mc.cfg.CacheTTL)
		return nil
	})
	if err != nil {
		mc.logger.Warn("Failed to repopulate message cache", "key", key, "error", err)
	}
}

func decode(raw []string) ([]db.Message, error) {
	messages := make([]db.Message, len(raw))
	for i, item := range raw {
		if err := json.UnmarshalFromString(item, &messages[i]); err != nil {
			return nil, err
		}
	}
	return messages, nil
}

func tail(messages []db.Message, n int) []db.Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

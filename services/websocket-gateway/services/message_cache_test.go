package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chorus/pkg/db"
	"chorus/pkg/utils"
	"chorus/services/websocket-gateway/config"
)

// memoryStore is an in-process message store.
type memoryStore struct {
	mu       sync.Mutex
	messages map[int64][]db.Message
	nextID   int64
	reads    int
	failGet  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{messages: make(map[int64][]db.Message)}
}

func (s *memoryStore) GetRecentMessages(_ context.Context, conversationID int64, limit int) ([]db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.failGet != nil {
		return nil, s.failGet
	}
	all := s.messages[conversationID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]db.Message(nil), all...), nil
}

func (s *memoryStore) create(conversationID int64, content string) *db.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg := db.Message{
		ID:             s.nextID,
		ConversationID: conversationID,
		AuthorID:       1,
		AuthorName:     "ana",
		Content:        content,
		CreatedAt:      time.Unix(1_700_000_000+s.nextID, 0).UTC(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return &msg
}

func (s *memoryStore) persist(conversationID int64, content string) PersistFunc {
	return func(context.Context) (*db.Message, error) {
		return s.create(conversationID, content), nil
	}
}

func (s *memoryStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func newTestCache(t *testing.T, window int) (*MessageCache, *memoryStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.DefaultChatConfig()
	cfg.Window = window
	store := newMemoryStore()
	return NewMessageCache(client, store, cfg, utils.NopLogger()), store, mr, client
}

func ids(messages []db.Message) []int64 {
	out := make([]int64, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

func seq(from, to int64) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestMessageCacheMissLoadsAndRepopulates(t *testing.T) {
	cache, store, mr, _ := newTestCache(t, 5)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		store.create(3, "hello")
	}

	got, err := cache.Get(ctx, 3, 5)
	require.NoError(t, err)
	require.Equal(t, seq(4, 8), ids(got))
	require.Equal(t, 1, store.readCount())

	require.Equal(t, 30*time.Minute, mr.TTL("chat:v1:3"))

	got, err = cache.Get(ctx, 3, 2)
	require.NoError(t, err)
	require.Equal(t, seq(7, 8), ids(got))
	require.Equal(t, "ana", got[0].AuthorName)
	require.Equal(t, 1, store.readCount(), "second read is served from the window")
}

func TestMessageCacheAddOnColdWindowMatchesPersistence(t *testing.T) {
	cache, store, mr, _ := newTestCache(t, 5)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		store.create(9, "old")
	}

	msg, err := cache.Add(ctx, 9, store.persist(9, "new"))
	require.NoError(t, err)
	require.EqualValues(t, 4, msg.ID)
	require.False(t, mr.Exists("chat:v1:9"), "cold window is not seeded with a partial tail")

	got, err := cache.Get(ctx, 9, 0)
	require.NoError(t, err)
	require.Equal(t, seq(1, 4), ids(got))
}

func TestMessageCacheSlidingWindow(t *testing.T) {
	cache, store, _, client := newTestCache(t, 50)
	ctx := context.Background()

	store.create(1, "first")
	_, err := cache.Get(ctx, 1, 50)
	require.NoError(t, err)

	for i := 0; i < 59; i++ {
		_, err := cache.Add(ctx, 1, store.persist(1, "msg"))
		require.NoError(t, err)
	}

	n, err := client.LLen(ctx, "chat:v1:1").Result()
	require.NoError(t, err)
	require.EqualValues(t, 50, n)

	got, err := cache.Get(ctx, 1, 50)
	require.NoError(t, err)
	require.Equal(t, seq(11, 60), ids(got))
	require.Equal(t, 1, store.readCount())
}

func TestMessageCachePersistFailureLeavesCacheUntouched(t *testing.T) {
	cache, store, _, client := newTestCache(t, 5)
	ctx := context.Background()
	store.create(2, "kept")
	_, err := cache.Get(ctx, 2, 5)
	require.NoError(t, err)

	_, err = cache.Add(ctx, 2, func(context.Context) (*db.Message, error) {
		return nil, errors.New("db down")
	})
	require.ErrorIs(t, err, ErrPersistence)

	n, err := client.LLen(ctx, "chat:v1:2").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestMessageCacheFallsBackWhenRedisDown(t *testing.T) {
	cache, store, _, client := newTestCache(t, 5)
	ctx := context.Background()
	store.create(4, "a")
	store.create(4, "b")
	require.NoError(t, client.Close())

	got, err := cache.Get(ctx, 4, 5)
	require.NoError(t, err)
	require.Equal(t, seq(1, 2), ids(got))

	msg, err := cache.Add(ctx, 4, store.persist(4, "c"))
	require.NoError(t, err)
	require.EqualValues(t, 3, msg.ID)
}

func TestMessageCacheWithoutRedis(t *testing.T) {
	store := newMemoryStore()
	cache := NewMessageCache(nil, store, config.DefaultChatConfig(), utils.NopLogger())
	ctx := context.Background()

	_, err := cache.Add(ctx, 5, store.persist(5, "x"))
	require.NoError(t, err)

	got, err := cache.Get(ctx, 5, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids(got))
	require.NoError(t, cache.Invalidate(ctx, 5))
}

func TestMessageCacheLoadFailure(t *testing.T) {
	cache, store, _, _ := newTestCache(t, 5)
	store.failGet = errors.New("db down")

	_, err := cache.Get(context.Background(), 1, 5)
	require.ErrorIs(t, err, ErrPersistence)
}

func TestMessageCacheInvalidate(t *testing.T) {
	cache, store, mr, _ := newTestCache(t, 5)
	ctx := context.Background()
	store.create(6, "a")

	_, err := cache.Get(ctx, 6, 5)
	require.NoError(t, err)
	require.True(t, mr.Exists("chat:v1:6"))

	require.NoError(t, cache.Invalidate(ctx, 6))
	require.False(t, mr.Exists("chat:v1:6"))
}

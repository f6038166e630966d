package services

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chorus/pkg/broadcast"
	"chorus/pkg/utils"
	"chorus/services/presence-service/config"
	"chorus/services/presence-service/models"
)

var epoch = time.Unix(1_700_000_000, 0)

func at(seconds int) time.Time {
	return epoch.Add(time.Duration(seconds) * time.Second)
}

type fixture struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	bus      *broadcast.MemoryBus
	presence *PresenceService
}

func newFixture(t *testing.T, mutate ...func(*config.PresenceConfig)) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.DefaultPresenceConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	require.NoError(t, cfg.Validate())

	bus := broadcast.NewMemoryBus()
	return &fixture{
		mr:       mr,
		client:   client,
		bus:      bus,
		presence: NewPresenceService(client, cfg, bus, utils.NopLogger()),
	}
}

// events records status events published on the given users' topics.
type events struct {
	mu  sync.Mutex
	got []models.StatusEvent
}

func (f *fixture) watch(t *testing.T, userIDs ...int64) *events {
	t.Helper()
	ev := &events{}
	for _, id := range userIDs {
		_, err := f.bus.Subscribe(f.presence.Topic(id), func(payload []byte) {
			var e models.StatusEvent
			require.NoError(t, json.Unmarshal(payload, &e))
			ev.mu.Lock()
			ev.got = append(ev.got, e)
			ev.mu.Unlock()
		})
		require.NoError(t, err)
	}
	return ev
}

func (e *events) all() []models.StatusEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.StatusEvent(nil), e.got...)
}

func (e *events) statuses() []models.Status {
	var out []models.Status
	for _, ev := range e.all() {
		out = append(out, ev.Status)
	}
	return out
}

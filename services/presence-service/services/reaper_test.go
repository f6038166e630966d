package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chorus/pkg/utils"
	"chorus/services/presence-service/config"
	"chorus/services/presence-service/models"
)

func newTestReaper(t *testing.T, f *fixture, opts ReaperOptions, now time.Time) *Reaper {
	t.Helper()
	r, err := NewReaper(f.presence, opts, utils.NopLogger())
	require.NoError(t, err)
	r.now = func() time.Time { return now }
	return r
}

func TestReaperMarksExpiredUserOfflineOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.watch(t, 1)

	_, err := f.presence.Heartbeat(ctx, 1, at(0))
	require.NoError(t, err)

	// At the expiry second the user is still live.
	n, err := newTestReaper(t, f, DefaultReaperOptions(), at(30)).RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	r := newTestReaper(t, f, DefaultReaperOptions(), at(31))
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.Equal(t, []models.Status{models.StatusOnline, models.StatusOffline}, ev.statuses())
	require.Equal(t, at(31).Unix(), ev.all()[1].Timestamp)

	rec, err := f.presence.Status().Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.StatusOffline, rec.Status)
	require.Equal(t, at(31), rec.UpdatedAt)
	require.Equal(t, at(31), rec.LastSeenAt)

	live, err := f.presence.Liveness().IsLive(ctx, 1, at(31))
	require.NoError(t, err)
	require.False(t, live)
}

func TestHeartbeatAfterReapComesBackOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.watch(t, 1)

	_, err := f.presence.Heartbeat(ctx, 1, at(0))
	require.NoError(t, err)

	n, err := newTestReaper(t, f, DefaultReaperOptions(), at(31)).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := f.presence.Heartbeat(ctx, 1, at(32))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.True(t, res.WentOnline)
	require.Equal(t, at(62), res.Expiry)

	require.Equal(t, []models.Status{models.StatusOnline, models.StatusOffline, models.StatusOnline}, ev.statuses())
	require.Equal(t, at(32).Unix(), ev.all()[2].Timestamp)

	eff, err := f.presence.EffectiveStatus(ctx, 1, at(33))
	require.NoError(t, err)
	require.Equal(t, models.StatusOnline, eff.Status)

	// The entry is back, so the next cycle before expiry leaves it alone.
	n, err = newTestReaper(t, f, DefaultReaperOptions(), at(40)).RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReaperLeavesLiveUsersAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.watch(t, 1, 2)

	_, err := f.presence.Heartbeat(ctx, 1, at(0))
	require.NoError(t, err)
	_, err = f.presence.Heartbeat(ctx, 2, at(0))
	require.NoError(t, err)
	_, err = f.presence.Heartbeat(ctx, 2, at(20))
	require.NoError(t, err)

	n, err := newTestReaper(t, f, DefaultReaperOptions(), at(32)).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var offline []int64
	for _, e := range ev.all() {
		if e.Status == models.StatusOffline {
			offline = append(offline, e.UserID)
		}
	}
	require.Equal(t, []int64{1}, offline)
}

func TestReaperBatchSizeSpreadsAcrossCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for id := int64(1); id <= 5; id++ {
		_, err := f.presence.Heartbeat(ctx, id, at(0))
		require.NoError(t, err)
	}

	opts := DefaultReaperOptions()
	opts.BatchSize = 2
	r := newTestReaper(t, f, opts, at(31))

	var counts []int
	for i := 0; i < 4; i++ {
		n, err := r.RunOnce(ctx)
		require.NoError(t, err)
		counts = append(counts, n)
	}
	require.Equal(t, []int{2, 2, 1, 0}, counts)
}

func TestReaperShardSelection(t *testing.T) {
	sharded := func(c *config.PresenceConfig) { c.NumShards = 3 }

	t.Run("single shard", func(t *testing.T) {
		f := newFixture(t, sharded)
		ctx := context.Background()
		for id := int64(0); id < 3; id++ {
			_, err := f.presence.Heartbeat(ctx, id, at(0))
			require.NoError(t, err)
		}

		opts := DefaultReaperOptions()
		opts.ShardID = 1
		r := newTestReaper(t, f, opts, at(31))
		require.Equal(t, []int{1}, r.Shards())

		n, err := r.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		live, _, err := f.presence.Liveness().Expiry(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, at(30), live)
	})

	t.Run("all shards", func(t *testing.T) {
		f := newFixture(t, sharded)
		ctx := context.Background()
		for id := int64(0); id < 6; id++ {
			_, err := f.presence.Heartbeat(ctx, id, at(0))
			require.NoError(t, err)
		}

		opts := DefaultReaperOptions()
		opts.AllShards = true
		r := newTestReaper(t, f, opts, at(31))
		require.Equal(t, []int{0, 1, 2}, r.Shards())

		n, err := r.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 6, n)
	})

	t.Run("out of range", func(t *testing.T) {
		f := newFixture(t, sharded)
		opts := DefaultReaperOptions()
		opts.ShardID = 3
		_, err := NewReaper(f.presence, opts, utils.NopLogger())
		require.Error(t, err)
	})

	t.Run("all shards ignored when unsharded", func(t *testing.T) {
		f := newFixture(t)
		opts := DefaultReaperOptions()
		opts.AllShards = true
		opts.ShardID = 7
		r := newTestReaper(t, f, opts, at(0))
		require.Equal(t, []int{0}, r.Shards())
	})
}

func TestReaperReportsRedisFailure(t *testing.T) {
	f := newFixture(t)
	r := newTestReaper(t, f, DefaultReaperOptions(), at(31))
	require.NoError(t, f.client.Close())

	n, err := r.RunOnce(context.Background())
	require.Error(t, err)
	require.Zero(t, n)
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	ev := f.watch(t, 1)

	_, err := f.presence.Heartbeat(ctx, 1, at(0))
	require.NoError(t, err)

	opts := DefaultReaperOptions()
	opts.PollInterval = 10 * time.Millisecond
	r := newTestReaper(t, f, opts, at(31))

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(ev.all()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
	require.Len(t, ev.all(), 2)
}

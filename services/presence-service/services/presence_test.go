package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"chorus/services/presence-service/models"
)

func TestHeartbeatPublishesOnlineOnlyOnTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.watch(t, 1)

	res, err := f.presence.Heartbeat(ctx, 1, at(0))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.True(t, res.WentOnline)
	require.Equal(t, at(30), res.Expiry)

	// Inside the minimum interval: dropped without touching liveness.
	res, err = f.presence.Heartbeat(ctx, 1, at(2))
	require.NoError(t, err)
	require.False(t, res.Accepted)
	expiry, _, err := f.presence.Liveness().Expiry(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, at(30), expiry)

	res, err = f.presence.Heartbeat(ctx, 1, at(10))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.False(t, res.WentOnline)
	require.Equal(t, at(40), res.Expiry)

	require.Equal(t, []models.Status{models.StatusOnline}, ev.statuses())
	got := ev.all()[0]
	require.Equal(t, models.EventStatusChanged, got.Type)
	require.EqualValues(t, 1, got.UserID)
	require.Equal(t, at(0).Unix(), got.Timestamp)
}

func TestHeartbeatAfterExpiryGoesOnlineAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.watch(t, 3)

	_, err := f.presence.Heartbeat(ctx, 3, at(0))
	require.NoError(t, err)
	require.NoError(t, f.presence.SetSemanticStatus(ctx, 3, models.StatusAway, at(5)))

	res, err := f.presence.Heartbeat(ctx, 3, at(100))
	require.NoError(t, err)
	require.True(t, res.WentOnline)

	eff, err := f.presence.EffectiveStatus(ctx, 3, at(100))
	require.NoError(t, err)
	require.Equal(t, models.StatusOnline, eff.Status)
	require.Equal(t, at(100).Unix(), eff.Timestamp)

	require.Equal(t, []models.Status{models.StatusOnline, models.StatusAway, models.StatusOnline}, ev.statuses())
}

func TestAwaySurvivesHeartbeatsWhileLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.presence.Heartbeat(ctx, 4, at(0))
	require.NoError(t, err)
	require.NoError(t, f.presence.SetSemanticStatus(ctx, 4, models.StatusAway, at(5)))

	_, err = f.presence.Heartbeat(ctx, 4, at(20))
	require.NoError(t, err)

	eff, err := f.presence.EffectiveStatus(ctx, 4, at(20))
	require.NoError(t, err)
	require.Equal(t, models.StatusAway, eff.Status)
	require.Equal(t, at(5).Unix(), eff.Timestamp)

	require.NoError(t, f.presence.SetSemanticStatus(ctx, 4, models.StatusOnline, at(25)))
	eff, err = f.presence.EffectiveStatus(ctx, 4, at(25))
	require.NoError(t, err)
	require.Equal(t, models.StatusOnline, eff.Status)
}

func TestEffectiveStatusOfflineWinsOverStoredStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	eff, err := f.presence.EffectiveStatus(ctx, 9, at(0))
	require.NoError(t, err)
	require.Equal(t, models.StatusOffline, eff.Status)

	_, err = f.presence.Heartbeat(ctx, 9, at(0))
	require.NoError(t, err)
	require.NoError(t, f.presence.SetSemanticStatus(ctx, 9, models.StatusAway, at(1)))

	// Expired but not yet reaped.
	eff, err = f.presence.EffectiveStatus(ctx, 9, at(31))
	require.NoError(t, err)
	require.Equal(t, models.StatusOffline, eff.Status)
	require.Equal(t, at(31).Unix(), eff.Timestamp)
}

func TestSetSemanticStatusRejectsOffline(t *testing.T) {
	f := newFixture(t)
	ev := f.watch(t, 2)

	err := f.presence.SetSemanticStatus(context.Background(), 2, models.StatusOffline, at(0))
	require.Error(t, err)
	require.Empty(t, ev.all())
}

func TestOnlineCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		_, err := f.presence.Heartbeat(ctx, id, at(0))
		require.NoError(t, err)
	}

	n, err := f.presence.OnlineCount(ctx, at(10))
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	n, err = f.presence.OnlineCount(ctx, at(31))
	require.NoError(t, err)
	require.Zero(t, n)
}

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chorus/pkg/broadcast"
	"chorus/pkg/metrics"
	"chorus/pkg/utils"
	"chorus/services/presence-service/config"
	"chorus/services/presence-service/models"
)

// StatusTopic is the bus topic carrying status events of userID.
func StatusTopic(prefix string, userID int64) string {
	return fmt.Sprintf("%s_%d_status", prefix, userID)
}

// HeartbeatResult describes what an accepted or dropped heartbeat did.
type HeartbeatResult struct {
	// Accepted is false when the heartbeat was dropped by the rate limit.
	Accepted bool
	// WentOnline is true when the user was not live before this heartbeat.
	WentOnline bool
	Expiry     time.Time
}

// PresenceService combines liveness, semantic status and the status topics.
type PresenceService struct {
	liveness *LivenessStore
	status   *StatusStore
	bus      broadcast.Bus
	cfg      config.PresenceConfig
	logger   *utils.Logger
}

func NewPresenceService(client *redis.Client, cfg config.PresenceConfig, bus broadcast.Bus, logger *utils.Logger) *PresenceService {
	return &PresenceService{
		liveness: NewLivenessStore(client, cfg),
		status:   NewStatusStore(client, cfg),
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "presence"),
	}
}

func (ps *PresenceService) Liveness() *LivenessStore { return ps.liveness }

func (ps *PresenceService) Status() *StatusStore { return ps.status }

func (ps *PresenceService) Config() config.PresenceConfig { return ps.cfg }

// Topic returns the status topic of userID.
func (ps *PresenceService) Topic(userID int64) string {
	return StatusTopic(ps.cfg.TopicPrefix, userID)
}

// Heartbeat refreshes the user's liveness. Heartbeats closer together than the
// minimum interval are dropped; the check is read-then-write, so two
// concurrent heartbeats may both pass. A user who was not live is marked
// online and an online event is published.
func (ps *PresenceService) Heartbeat(ctx context.Context, userID int64, now time.Time) (HeartbeatResult, error) {
	last, found, err := ps.status.LastHeartbeat(ctx, userID)
	if err != nil {
		ps.logger.Debug("Could not read last heartbeat, accepting", "user_id", userID, "error", err)
	} else if found && now.Sub(last) < ps.cfg.HeartbeatMinInterval {
		metrics.Heartbeats.WithLabelValues("dropped").Inc()
		ps.logger.Debug("Presence heartbeat dropped by rate limit", "user_id", userID)
		return HeartbeatResult{}, nil
	}

	wasLive, err := ps.liveness.IsLive(ctx, userID, now)
	if err != nil {
		metrics.Heartbeats.WithLabelValues("failed").Inc()
		return HeartbeatResult{}, err
	}

	expiry, err := ps.liveness.Heartbeat(ctx, userID, now)
	if err != nil {
		metrics.Heartbeats.WithLabelValues("failed").Inc()
		return HeartbeatResult{}, err
	}

	if err := ps.status.TouchHeartbeat(ctx, userID, now); err != nil {
		ps.logger.Warn("Failed to stamp last heartbeat", "user_id", userID, "error", err)
	}
	metrics.Heartbeats.WithLabelValues("accepted").Inc()

	result := HeartbeatResult{Accepted: true, Expiry: expiry}
	if wasLive {
		return result, nil
	}

	// Coming back from offline resets any stale away.
	if err := ps.status.RecordTransition(ctx, userID, models.StatusOnline, now); err != nil {
		return result, err
	}
	result.WentOnline = true
	ps.publish(ctx, userID, models.StatusOnline, now, "heartbeat")
	return result, nil
}

// SetSemanticStatus records and publishes an explicit away/online change.
// Liveness is not touched.
func (ps *PresenceService) SetSemanticStatus(ctx context.Context, userID int64, status models.Status, now time.Time) error {
	if status != models.StatusOnline && status != models.StatusAway {
		return fmt.Errorf("semantic status must be online or away, got %q", status)
	}
	if err := ps.status.SetStatus(ctx, userID, status, now); err != nil {
		return err
	}
	ps.publish(ctx, userID, status, now, "client")
	return nil
}

// EffectiveStatus resolves what subscribers should see. Expired or missing
// liveness is offline whatever the stored status says; otherwise the stored
// status applies, defaulting to online.
func (ps *PresenceService) EffectiveStatus(ctx context.Context, userID int64, now time.Time) (models.EffectiveStatus, error) {
	live, err := ps.liveness.IsLive(ctx, userID, now)
	if err != nil {
		return models.EffectiveStatus{}, err
	}
	if !live {
		return models.EffectiveStatus{UserID: userID, Status: models.StatusOffline, Timestamp: now.Unix()}, nil
	}

	eff := models.EffectiveStatus{UserID: userID, Status: models.StatusOnline, Timestamp: now.Unix()}
	rec, err := ps.status.Get(ctx, userID)
	if err != nil {
		return models.EffectiveStatus{}, err
	}
	if rec != nil {
		if rec.Status == models.StatusOnline || rec.Status == models.StatusAway {
			eff.Status = rec.Status
		}
		if !rec.UpdatedAt.IsZero() {
			eff.Timestamp = rec.UpdatedAt.Unix()
		}
	}
	return eff, nil
}

// OnlineCount counts live users across all shards.
func (ps *PresenceService) OnlineCount(ctx context.Context, now time.Time) (int64, error) {
	return ps.liveness.CountLive(ctx, now)
}

func (ps *PresenceService) publish(ctx context.Context, userID int64, status models.Status, now time.Time, origin string) {
	event := models.NewStatusEvent(userID, status, now)
	if err := broadcast.PublishJSON(ctx, ps.bus, ps.Topic(userID), event); err != nil {
		ps.logger.Error("Failed to publish status change", "user_id", userID, "status", status, "error", err)
		return
	}
	metrics.StatusTransitions.WithLabelValues(string(status), origin).Inc()
}

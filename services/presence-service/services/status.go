package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chorus/services/presence-service/config"
	"chorus/services/presence-service/models"
)

const (
	fieldStatus        = "status"
	fieldUpdatedTS     = "updated_ts"
	fieldLastSeenTS    = "last_seen_ts"
	fieldLastHeartbeat = "last_heartbeat_ts"
)

// StatusStore keeps the semantic status of each user in a hash whose TTL is
// refreshed on every write. It never consults liveness.
type StatusStore struct {
	redis *redis.Client
	cfg   config.PresenceConfig
}

func NewStatusStore(client *redis.Client, cfg config.PresenceConfig) *StatusStore {
	return &StatusStore{redis: client, cfg: cfg}
}

func (s *StatusStore) Key(userID int64) string {
	return fmt.Sprintf("%s:%d", s.cfg.StateKeyPrefix, userID)
}

// SetStatus records an explicit status change (away/active).
func (s *StatusStore) SetStatus(ctx context.Context, userID int64, status models.Status, now time.Time) error {
	return s.write(ctx, userID, fieldStatus, string(status), fieldUpdatedTS, now.Unix())
}

// RecordTransition records a liveness-driven change (online after a gap,
// offline by the reaper) and stamps last seen.
func (s *StatusStore) RecordTransition(ctx context.Context, userID int64, status models.Status, now time.Time) error {
	ts := now.Unix()
	return s.write(ctx, userID, fieldStatus, string(status), fieldUpdatedTS, ts, fieldLastSeenTS, ts)
}

// TouchHeartbeat stamps the last accepted heartbeat.
func (s *StatusStore) TouchHeartbeat(ctx context.Context, userID int64, now time.Time) error {
	return s.write(ctx, userID, fieldLastHeartbeat, now.Unix())
}

// LastHeartbeat returns the last accepted heartbeat, found=false if none was
// recorded or the stored value is unreadable.
func (s *StatusStore) LastHeartbeat(ctx context.Context, userID int64) (time.Time, bool, error) {
	raw, err := s.redis.HGet(ctx, s.Key(userID), fieldLastHeartbeat).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last heartbeat for user %d: %w", userID, err)
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(ts, 0), true, nil
}

// Get returns the stored record or nil when the user was never seen.
func (s *StatusStore) Get(ctx context.Context, userID int64) (*models.StatusRecord, error) {
	fields, err := s.redis.HGetAll(ctx, s.Key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status for user %d: %w", userID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	return &models.StatusRecord{
		UserID:          userID,
		Status:          models.Status(fields[fieldStatus]),
		UpdatedAt:       parseUnix(fields[fieldUpdatedTS]),
		LastSeenAt:      parseUnix(fields[fieldLastSeenTS]),
		LastHeartbeatAt: parseUnix(fields[fieldLastHeartbeat]),
	}, nil
}

func (s *StatusStore) write(ctx context.Context, userID int64, values ...interface{}) error {
	key := s.Key(userID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values...)
		pipe.Expire(ctx, key, s.cfg.StateTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write status for user %d: %w", userID, err)
	}
	return nil
}

func parseUnix(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chorus/services/presence-service/config"
)

// confirmOfflineScript removes a member only if its expiry is still in the
// past when the script runs, so a heartbeat landing between the reaper's scan
// and its delete keeps the user live.
//
// KEYS[1] liveness key, ARGV[1] member, ARGV[2] now (unix seconds).
// Returns 1 if removed, 0 otherwise.
var confirmOfflineScript = redis.NewScript(`
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not score then
  return 0
end
if tonumber(score) < tonumber(ARGV[2]) then
  redis.call("ZREM", KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// LivenessStore tracks user expiry timestamps in sharded sorted sets.
type LivenessStore struct {
	redis *redis.Client
	cfg   config.PresenceConfig
}

func NewLivenessStore(client *redis.Client, cfg config.PresenceConfig) *LivenessStore {
	return &LivenessStore{redis: client, cfg: cfg}
}

// ShardID maps a user to its shard.
func (s *LivenessStore) ShardID(userID int64) int {
	n := int64(s.cfg.Shards())
	return int(((userID % n) + n) % n)
}

// Key returns the sorted-set key of a shard.
func (s *LivenessStore) Key(shardID int) string {
	if s.cfg.Shards() <= 1 {
		return s.cfg.BaseKey
	}
	return fmt.Sprintf("%s:%d", s.cfg.BaseKey, shardID)
}

func (s *LivenessStore) KeyForUser(userID int64) string {
	return s.Key(s.ShardID(userID))
}

// Keys lists every shard key.
func (s *LivenessStore) Keys() []string {
	n := s.cfg.Shards()
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, s.Key(i))
	}
	return keys
}

// Heartbeat sets the user's expiry to now + heartbeat window.
func (s *LivenessStore) Heartbeat(ctx context.Context, userID int64, now time.Time) (time.Time, error) {
	expiry := now.Add(s.cfg.HeartbeatWindow).Truncate(time.Second)
	err := s.redis.ZAdd(ctx, s.KeyForUser(userID), redis.Z{
		Score:  float64(expiry.Unix()),
		Member: member(userID),
	}).Err()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to record heartbeat for user %d: %w", userID, err)
	}
	return expiry, nil
}

// Expiry returns the stored expiry, found=false when the user has no entry.
func (s *LivenessStore) Expiry(ctx context.Context, userID int64) (time.Time, bool, error) {
	score, err := s.redis.ZScore(ctx, s.KeyForUser(userID), member(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read liveness for user %d: %w", userID, err)
	}
	return time.Unix(int64(score), 0), true, nil
}

// IsLive reports whether the stored expiry is at or after now.
func (s *LivenessStore) IsLive(ctx context.Context, userID int64, now time.Time) (bool, error) {
	expiry, found, err := s.Expiry(ctx, userID)
	if err != nil || !found {
		return false, err
	}
	return expiry.Unix() >= now.Unix(), nil
}

// ReapCandidates returns up to batchSize users of key whose expiry is <= now.
func (s *LivenessStore) ReapCandidates(ctx context.Context, key string, now time.Time, batchSize int) ([]int64, error) {
	members, err := s.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.Unix(), 10),
		Offset: 0,
		Count:  int64(batchSize),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s for expired users: %w", key, err)
	}

	ids := make([]int64, 0, len(members))
	var bad []string
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			bad = append(bad, m)
			continue
		}
		ids = append(ids, id)
	}
	if len(bad) > 0 {
		// Foreign members would otherwise occupy batch slots forever.
		if err := s.redis.ZRem(ctx, key, toAny(bad)...).Err(); err != nil {
			return ids, fmt.Errorf("failed to drop malformed members from %s: %w", key, err)
		}
	}
	return ids, nil
}

// ConfirmAndRemove atomically removes userID from key if its expiry is still
// before now. It returns false without changes when a heartbeat won the race
// or the entry is already gone.
func (s *LivenessStore) ConfirmAndRemove(ctx context.Context, key string, userID int64, now time.Time) (bool, error) {
	n, err := confirmOfflineScript.Run(ctx, s.redis, []string{key}, member(userID), now.Unix()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to confirm offline for user %d: %w", userID, err)
	}
	return n == 1, nil
}

// CountLive counts users whose expiry is at or after now across all shards.
func (s *LivenessStore) CountLive(ctx context.Context, now time.Time) (int64, error) {
	min := strconv.FormatInt(now.Unix(), 10)
	pipe := s.redis.Pipeline()
	cmds := make([]*redis.IntCmd, 0, s.cfg.Shards())
	for _, key := range s.Keys() {
		cmds = append(cmds, pipe.ZCount(ctx, key, min, "+inf"))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count live users: %w", err)
	}

	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

func member(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"chorus/pkg/metrics"
	"chorus/pkg/utils"
	"chorus/services/presence-service/models"
)

// ReaperOptions configures a Reaper.
type ReaperOptions struct {
	PollInterval time.Duration
	BatchSize    int
	ShardID      int
	// AllShards reaps every shard each cycle. Ignored when there is one shard.
	AllShards bool
}

func DefaultReaperOptions() ReaperOptions {
	return ReaperOptions{
		PollInterval: time.Second,
		BatchSize:    500,
	}
}

// Reaper turns expired liveness entries into offline transitions.
type Reaper struct {
	presence *PresenceService
	opts     ReaperOptions
	shards   []int
	logger   *utils.Logger
	now      func() time.Time
}

func NewReaper(presence *PresenceService, opts ReaperOptions, logger *utils.Logger) (*Reaper, error) {
	if opts.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", opts.PollInterval)
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}

	n := presence.Config().Shards()
	var shards []int
	switch {
	case n <= 1:
		shards = []int{0}
	case opts.AllShards:
		for i := 0; i < n; i++ {
			shards = append(shards, i)
		}
	default:
		if opts.ShardID < 0 || opts.ShardID >= n {
			return nil, fmt.Errorf("shard id %d out of range [0, %d)", opts.ShardID, n)
		}
		shards = []int{opts.ShardID}
	}

	return &Reaper{
		presence: presence,
		opts:     opts,
		shards:   shards,
		logger:   logger.With("component", "reaper"),
		now:      time.Now,
	}, nil
}

// Shards lists the shards reaped each cycle.
func (r *Reaper) Shards() []int {
	return r.shards
}

// Run reaps until ctx is cancelled. A cycle in progress always completes;
// cancellation is observed between cycles.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("Starting presence reaper",
		"shards", r.shards,
		"poll_interval", r.opts.PollInterval,
		"batch_size", r.opts.BatchSize,
	)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("Reaper cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Presence reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one cycle over the configured shards and returns how many
// users were marked offline. Per-candidate failures are logged, aggregated
// into the returned error and retried on the next cycle.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	defer func() {
		metrics.ReaperCycleSeconds.Observe(time.Since(start).Seconds())
	}()

	now := r.now()
	reaped := make([]int, len(r.shards))
	errs := make([]error, len(r.shards))

	var g errgroup.Group
	for i, shard := range r.shards {
		i, shard := i, shard
		g.Go(func() error {
			reaped[i], errs[i] = r.reapShard(ctx, shard, now)
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	var result *multierror.Error
	for i := range r.shards {
		total += reaped[i]
		if errs[i] != nil {
			result = multierror.Append(result, errs[i])
		}
	}
	return total, result.ErrorOrNil()
}

func (r *Reaper) reapShard(ctx context.Context, shard int, now time.Time) (int, error) {
	liveness := r.presence.Liveness()
	key := liveness.Key(shard)
	label := strconv.Itoa(shard)

	candidates, err := liveness.ReapCandidates(ctx, key, now, r.opts.BatchSize)
	if err != nil {
		metrics.ReaperCandidates.WithLabelValues(label, "error").Inc()
		return 0, err
	}

	var result *multierror.Error
	reaped := 0
	for _, userID := range candidates {
		removed, err := liveness.ConfirmAndRemove(ctx, key, userID, now)
		if err != nil {
			metrics.ReaperCandidates.WithLabelValues(label, "error").Inc()
			r.logger.Warn("Failed to confirm offline", "user_id", userID, "shard", shard, "error", err)
			result = multierror.Append(result, err)
			continue
		}
		if !removed {
			metrics.ReaperCandidates.WithLabelValues(label, "race_lost").Inc()
			continue
		}

		if err := r.presence.Status().RecordTransition(ctx, userID, models.StatusOffline, now); err != nil {
			r.logger.Warn("Failed to record offline status", "user_id", userID, "error", err)
			result = multierror.Append(result, err)
		}
		r.presence.publish(ctx, userID, models.StatusOffline, now, "reaper")
		metrics.ReaperCandidates.WithLabelValues(label, "reaped").Inc()
		reaped++
	}

	if reaped > 0 {
		r.logger.Info("Reaped offline users", "shard", shard, "count", reaped)
	}
	return reaped, result.ErrorOrNil()
}

// Package lock provides a Redis-backed compute-with-lock helper so that a cache
// miss on an expensive value is recomputed by one caller at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"chorus/pkg/utils"
)

const keyPrefix = "lock:compute:"

// ComputeFunc produces the value to cache.
type ComputeFunc func(ctx context.Context) ([]byte, error)

type Locker struct {
	client  *redis.Client
	rs      *redsync.Redsync
	logger  *utils.Logger
	expiry  time.Duration
	wait    time.Duration
	retries int
}

// Option tunes a Locker.
type Option func(*Locker)

// WithWait sets the delay between lock attempts and before the losing re-read.
func WithWait(d time.Duration) Option {
	return func(l *Locker) { l.wait = d }
}

func New(client *redis.Client, logger *utils.Logger, opts ...Option) *Locker {
	l := &Locker{
		client:  client,
		rs:      redsync.New(goredis.NewPool(client)),
		logger:  logger.With("component", "locker"),
		expiry:  10 * time.Second,
		wait:    100 * time.Millisecond,
		retries: 5,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GetOrCompute returns the cached value at key, computing and storing it with
// ttl under a distributed lock on a miss. The cache is checked again once the
// lock is held. If the lock cannot be taken the value is re-read once and,
// still missing, computed without being stored.
func (l *Locker) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	if v, ok, err := l.get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	mutex := l.rs.NewMutex(keyPrefix+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.retries),
		redsync.WithRetryDelay(l.wait),
	)

	if err := mutex.LockContext(ctx); err != nil {
		l.logger.Warn("Could not acquire compute lock", "key", key, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.wait):
		}
		if v, ok, err := l.get(ctx, key); err == nil && ok {
			return v, nil
		}
		return compute(ctx)
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			l.logger.Warn("Failed to release compute lock", "key", key, "error", err)
		}
	}()

	if v, ok, err := l.get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	v, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.client.Set(ctx, key, v, ttl).Err(); err != nil {
		l.logger.Warn("Failed to store computed value", "key", key, "error", err)
	}
	return v, nil
}

func (l *Locker) get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := l.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, true, nil
}

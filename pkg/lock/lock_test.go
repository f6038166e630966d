package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chorus/pkg/utils"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, utils.NopLogger(), WithWait(10*time.Millisecond)), mr
}

func TestGetOrComputeCachesValue(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	var calls int32
	compute := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("42"), nil
	}

	v, err := l.GetOrCompute(ctx, "presence:online_count", time.Minute, compute)
	require.NoError(t, err)
	require.Equal(t, "42", string(v))

	v, err = l.GetOrCompute(ctx, "presence:online_count", time.Minute, compute)
	require.NoError(t, err)
	require.Equal(t, "42", string(v))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	stored, err := mr.Get("presence:online_count")
	require.NoError(t, err)
	require.Equal(t, "42", stored)
	require.False(t, mr.Exists(keyPrefix+"presence:online_count"))
}

func TestGetOrComputeConcurrentCallersComputeOnce(t *testing.T) {
	l, _ := newTestLocker(t)
	l.retries = 100
	ctx := context.Background()

	var calls int32
	compute := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return []byte("v"), nil
	}

	var wg sync.WaitGroup
	results := make([]string, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := l.GetOrCompute(ctx, "hot", time.Minute, compute)
			results[i], errs[i] = string(v), err
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, "v", results[i])
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

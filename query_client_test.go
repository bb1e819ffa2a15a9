package klayquery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() QueryConfig {
	return QueryConfig{
		Kind:       "fetch",
		StaleTime:  time.Minute,
		CacheTime:  time.Minute,
		Retry:      NoRetry,
		RetryDelay: ConstantDelay(time.Millisecond),
	}
}

func TestQueryClientFetchCachesFreshData(t *testing.T) {
	qc := NewQueryClient()
	var calls atomic.Int32
	fn := func(context.Context) (any, error) {
		return calls.Add(1), nil
	}

	for i := 0; i < 3; i++ {
		data, err := qc.Fetch(context.Background(), Key{"a"}, testConfig(), fn)
		require.NoError(t, err)
		assert.EqualValues(t, 1, data)
	}
	assert.EqualValues(t, 1, calls.Load())

	cfg := testConfig()
	cfg.Force = true
	data, err := qc.Fetch(context.Background(), Key{"a"}, cfg, fn)
	require.NoError(t, err)
	assert.EqualValues(t, 2, data)
}

func TestQueryClientDeduplicatesConcurrentFetches(t *testing.T) {
	qc := NewQueryClient()
	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "done", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := qc.Fetch(context.Background(), Key{"shared"}, testConfig(), fn)
			assert.NoError(t, err)
			results[i] = data
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, r := range results {
		assert.Equal(t, "done", r)
	}
}

func TestQueryClientRetry(t *testing.T) {
	qc := NewQueryClient()
	boom := errors.New("boom")
	var calls atomic.Int32
	fn := func(context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, boom
		}
		return "ok", nil
	}

	cfg := testConfig()
	cfg.Retry = RetryCount(2)
	data, err := qc.Fetch(context.Background(), Key{"a"}, cfg, fn)
	require.NoError(t, err)
	assert.Equal(t, "ok", data)
	assert.EqualValues(t, 3, calls.Load())

	state, ok := qc.GetQueryState(Key{"a"})
	require.True(t, ok)
	assert.Zero(t, state.FailureCount)
	assert.Equal(t, StatusSuccess, state.Status)
}

func TestQueryClientErrorKeepsPreviousData(t *testing.T) {
	qc := NewQueryClient()
	_, err := qc.Fetch(context.Background(), Key{"a"}, testConfig(), func(context.Context) (any, error) {
		return "first", nil
	})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Force = true
	boom := errors.New("boom")
	_, err = qc.Fetch(context.Background(), Key{"a"}, cfg, func(context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	state, _ := qc.GetQueryState(Key{"a"})
	assert.Equal(t, StatusError, state.Status)
	assert.Equal(t, "first", state.Data)
	assert.ErrorIs(t, state.Err, boom)
	assert.Equal(t, 1, state.FailureCount)
}

func TestQueryClientContextCancelDuringRetry(t *testing.T) {
	qc := NewQueryClient()
	cfg := testConfig()
	cfg.Retry = RetryCount(10)
	cfg.RetryDelay = ConstantDelay(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := qc.Fetch(ctx, Key{"a"}, cfg, func(context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueryClientFollowerOutlivesCancelledCaller(t *testing.T) {
	qc := NewQueryClient()
	key := Key{"shared"}
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fn := func(ctx context.Context) (any, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return "value", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	waiters := func() int {
		qc.mu.Lock()
		defer qc.mu.Unlock()
		if fl := qc.flights[key.Hash()]; fl != nil {
			return fl.waiters
		}
		return 0
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := qc.Fetch(firstCtx, key, testConfig(), fn)
		firstErr <- err
	}()
	<-started

	type result struct {
		data any
		err  error
	}
	second := make(chan result, 1)
	go func() {
		data, err := qc.Fetch(context.Background(), key, testConfig(), fn)
		second <- result{data, err}
	}()
	require.Eventually(t, func() bool { return waiters() == 2 }, time.Second, time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "value", res.data)

	state, ok := qc.GetQueryState(key)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, state.Status)
	assert.Equal(t, 0, waiters())
}

func TestQueryClientLastCallerCancelStopsQuery(t *testing.T) {
	qc := NewQueryClient()
	started := make(chan struct{})
	stopped := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _ = qc.Fetch(ctx, Key{"a"}, testConfig(), func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			close(stopped)
			return nil, ctx.Err()
		})
	}()
	<-started
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("query function was not cancelled")
	}
}

func TestQueryClientCollectsUnobservedEntries(t *testing.T) {
	qc := NewQueryClient()
	cfg := testConfig()
	cfg.CacheTime = 50 * time.Millisecond

	_, err := qc.Fetch(context.Background(), Key{"a"}, cfg, func(context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, qc.Len())
	assert.Eventually(t, func() bool { return qc.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueryClientKeepsObservedEntries(t *testing.T) {
	qc := NewQueryClient()
	cfg := testConfig()
	cfg.CacheTime = 10 * time.Millisecond

	qc.acquire(Key{"a"})
	_, err := qc.Fetch(context.Background(), Key{"a"}, cfg, func(context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, qc.Len())

	qc.release(Key{"a"})
	assert.Eventually(t, func() bool { return qc.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueryClientForeverIsNeverCollected(t *testing.T) {
	qc := NewQueryClient()
	qc.updateQueryData(Key{"a"}, Forever, Forever, true, func(any) any { return 1 })

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, qc.Len())
	assert.False(t, qc.IsStale(Key{"a"}))
}

func TestQueryClientInvalidateQueries(t *testing.T) {
	qc := NewQueryClient()
	qc.SetQueryData(Key{"users", 1}, "ada")
	qc.SetQueryData(Key{"users", 2}, "grace")
	qc.SetQueryData(Key{"posts", 1}, "hello")

	n := qc.InvalidateQueries(Key{"users"})
	assert.Equal(t, 2, n)

	state, _ := qc.GetQueryState(Key{"users", 1})
	assert.True(t, state.IsInvalidated)
	state, _ = qc.GetQueryState(Key{"posts", 1})
	assert.False(t, state.IsInvalidated)
}

func TestQueryClientRefetchQueriesOnlyObserved(t *testing.T) {
	qc := NewQueryClient()
	var observed, unobserved atomic.Int32

	qc.acquire(Key{"users", 1})
	defer qc.release(Key{"users", 1})
	_, err := qc.Fetch(context.Background(), Key{"users", 1}, testConfig(), func(context.Context) (any, error) {
		return observed.Add(1), nil
	})
	require.NoError(t, err)
	_, err = qc.Fetch(context.Background(), Key{"users", 2}, testConfig(), func(context.Context) (any, error) {
		return unobserved.Add(1), nil
	})
	require.NoError(t, err)

	require.NoError(t, qc.RefetchQueries(context.Background(), Key{"users"}))
	assert.EqualValues(t, 2, observed.Load())
	assert.EqualValues(t, 1, unobserved.Load())

	require.NoError(t, qc.RefetchQuery(context.Background(), Key{"users", 2}))
	assert.EqualValues(t, 2, unobserved.Load())
	assert.ErrorIs(t, qc.RefetchQuery(context.Background(), Key{"missing"}), ErrNoData)
}

func TestQueryClientRemove(t *testing.T) {
	qc := NewQueryClient()
	qc.SetQueryData(Key{"users", 1}, "ada")
	qc.SetQueryData(Key{"users", 2}, "grace")
	qc.SetQueryData(Key{"posts", 1}, "hello")

	assert.True(t, qc.RemoveQuery(Key{"posts", 1}))
	assert.False(t, qc.RemoveQuery(Key{"posts", 1}))
	assert.Equal(t, 2, qc.RemoveQueries(Key{"users"}))
	assert.Zero(t, qc.Len())

	qc.SetQueryData(Key{"a"}, 1)
	qc.Clear()
	assert.Zero(t, qc.Len())
}

func TestQueryClientRemovedDuringFetchIsNotCached(t *testing.T) {
	qc := NewQueryClient()
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error)
	go func() {
		_, err := qc.Fetch(context.Background(), Key{"a"}, testConfig(), func(context.Context) (any, error) {
			close(started)
			<-release
			return "late", nil
		})
		done <- err
	}()

	<-started
	qc.RemoveQuery(Key{"a"})
	close(release)
	require.NoError(t, <-done)

	_, ok := qc.GetQueryData(Key{"a"})
	assert.False(t, ok)
}

func TestQueryClientUpdateQueryData(t *testing.T) {
	qc := NewQueryClient()
	qc.SetQueryData(Key{"count"}, 1)
	qc.UpdateQueryData(Key{"count"}, func(old any) any { return old.(int) + 1 })

	data, ok := qc.GetQueryData(Key{"count"})
	require.True(t, ok)
	assert.Equal(t, 2, data)
	assert.True(t, qc.IsStale(Key{"count"}), "data written without a stale time is stale at once")
}

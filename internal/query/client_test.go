package query

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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// newTestClient returns a client on a fake clock whose retry waits are
// recorded instead of slept.
func newTestClient(p Policy) (*Client, *fakeClock, *[]time.Duration) {
	clock := newFakeClock()
	var waits []time.Duration
	c := NewClient(p,
		WithClock(clock.Now),
		WithSleep(func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}),
	)
	return c, clock, &waits
}

func counter(calls *int32, v any) QueryFunc {
	return func(context.Context) (any, error) {
		atomic.AddInt32(calls, 1)
		return v, nil
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 5*time.Minute, p.StaleTime)
	assert.Equal(t, 10*time.Minute, p.GCTime)
	assert.Equal(t, 1, p.QueryRetry)
	assert.Equal(t, 1, p.MutationRetry)
	assert.False(t, p.RefetchOnWindowFocus)
	assert.False(t, p.RefetchOnReconnect)
	assert.NoError(t, p.Validate())
}

func TestPolicyNormalize(t *testing.T) {
	p := Policy{QueryRetry: -3, RetryDelayMin: time.Second, RetryDelayMax: time.Millisecond}
	p.Normalize()
	assert.Equal(t, 5*time.Minute, p.StaleTime)
	assert.Equal(t, 10*time.Minute, p.GCTime)
	assert.Equal(t, 0, p.QueryRetry)
	assert.Equal(t, 30*time.Second, p.RetryDelayMax)
	assert.Equal(t, "@every 1m", p.GCSchedule)

	slow := Policy{RetryDelayMin: time.Minute, RetryDelayMax: time.Second}
	slow.Normalize()
	assert.Equal(t, time.Minute, slow.RetryDelayMax)

	bad := DefaultPolicy()
	bad.GCSchedule = "every minute please"
	assert.Error(t, bad.Validate())
}

func TestQueryFreshWithinStaleTime(t *testing.T) {
	c, clock, _ := newTestClient(DefaultPolicy())
	ctx := context.Background()
	var calls int32

	v, err := c.Query(ctx, "subscriptions", counter(&calls, "a"))
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	clock.Advance(4*time.Minute + 59*time.Second)
	v, err = c.Query(ctx, "subscriptions", counter(&calls, "b"))
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	assert.EqualValues(t, 1, calls)

	clock.Advance(time.Second)
	v, err = c.Query(ctx, "subscriptions", counter(&calls, "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.EqualValues(t, 2, calls)

	st := c.Stats()
	assert.Equal(t, 1, st.Hits)
	assert.Equal(t, 2, st.Misses)
	assert.Equal(t, 1, st.Entries)
}

func TestQueryRetriesOnceThenFails(t *testing.T) {
	c, _, waits := newTestClient(DefaultPolicy())
	boom := errors.New("backend down")
	var calls int32

	_, err := c.Query(context.Background(), "events", func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.EqualValues(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Second}, *waits)

	st := c.Stats()
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, 2, st.Fetches)
	assert.Equal(t, 0, st.Entries)
}

func TestQueryRetrySucceeds(t *testing.T) {
	c, _, _ := newTestClient(DefaultPolicy())
	var calls int32

	v, err := c.Query(context.Background(), "events", func(context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("flaky")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 0, c.Stats().Failures)
}

func TestFailedRefetchKeepsOldValue(t *testing.T) {
	c, clock, _ := newTestClient(DefaultPolicy())
	ctx := context.Background()
	var calls int32
	_, err := c.Query(ctx, "k", counter(&calls, "old"))
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	_, err = c.Query(ctx, "k", func(context.Context) (any, error) { return nil, errors.New("nope") })
	require.Error(t, err)

	v, ok := c.Peek("k")
	assert.True(t, ok)
	assert.Equal(t, "old", v)
}

func TestRetentionWindow(t *testing.T) {
	c, clock, _ := newTestClient(DefaultPolicy())
	ctx := context.Background()
	var calls int32

	_, err := c.Query(ctx, "a", counter(&calls, 1))
	require.NoError(t, err)
	_, err = c.Query(ctx, "b", counter(&calls, 2))
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	_, err = c.Query(ctx, "b", counter(&calls, 2)) // touch b
	require.NoError(t, err)

	clock.Advance(6*time.Minute + time.Second)
	assert.Equal(t, 1, c.GC())

	_, okA := c.Peek("a")
	_, okB := c.Peek("b")
	assert.False(t, okA)
	assert.True(t, okB)
}

func TestInvalidateByPrefix(t *testing.T) {
	c, _, _ := newTestClient(DefaultPolicy())
	ctx := context.Background()
	var calls int32

	for _, k := range []string{"events/2025-01", "events/2025-02", "eventsx", "subscriptions"} {
		_, err := c.Query(ctx, k, counter(&calls, k))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Invalidate("events"))

	_, err := c.Query(ctx, "events/2025-01", counter(&calls, "new"))
	require.NoError(t, err)
	_, err = c.Query(ctx, "eventsx", counter(&calls, "new"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, calls)

	assert.Equal(t, 1, c.Remove("subscriptions"))
	_, ok := c.Peek("subscriptions")
	assert.False(t, ok)
}

func TestMutateRetriesAndInvalidates(t *testing.T) {
	c, _, waits := newTestClient(DefaultPolicy())
	ctx := context.Background()
	var calls int32
	_, err := c.Query(ctx, "subscriptions", counter(&calls, "list"))
	require.NoError(t, err)

	var attempts int32
	v, err := c.Mutate(ctx, func(context.Context) (any, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, errors.New("conflict")
		}
		return "created", nil
	}, "subscriptions")
	require.NoError(t, err)
	assert.Equal(t, "created", v)
	assert.EqualValues(t, 2, attempts)
	assert.Len(t, *waits, 1)

	_, err = c.Query(ctx, "subscriptions", counter(&calls, "list2"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls)

	attempts = 0
	_, err = c.Mutate(ctx, func(context.Context) (any, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("still broken")
	})
	require.Error(t, err)
	assert.EqualValues(t, 2, attempts)
}

func TestConcurrentQueriesShareFetch(t *testing.T) {
	c, _, _ := newTestClient(DefaultPolicy())
	release := make(chan struct{})
	var calls int32

	fn := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Query(context.Background(), "shared", fn)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls)
	for _, r := range results {
		assert.Equal(t, "v", r)
	}
}

func TestNotifyDisabledByDefault(t *testing.T) {
	c, clock, _ := newTestClient(DefaultPolicy())
	ctx := context.Background()
	var calls int32
	_, err := c.Query(ctx, "k", counter(&calls, 1))
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 0, c.Notify(ctx, TriggerWindowFocus))
	assert.Equal(t, 0, c.Notify(ctx, TriggerReconnect))
	assert.EqualValues(t, 1, calls)
}

func TestNotifyRefetchesStaleWhenEnabled(t *testing.T) {
	p := DefaultPolicy()
	p.RefetchOnReconnect = true
	c, clock, _ := newTestClient(p)
	ctx := context.Background()
	var calls int32
	_, err := c.Query(ctx, "stale", counter(&calls, 1))
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)
	_, err = c.Query(ctx, "fresh", counter(&calls, 2))
	require.NoError(t, err)

	assert.Equal(t, 1, c.Notify(ctx, TriggerReconnect))
	assert.Equal(t, 0, c.Notify(ctx, TriggerWindowFocus))
	assert.EqualValues(t, 3, calls)
}

func TestFetchTyped(t *testing.T) {
	c, _, _ := newTestClient(DefaultPolicy())
	ctx := context.Background()

	got, err := Fetch(ctx, c, "nums", func(context.Context) ([]int, error) { return []int{1, 2}, nil })
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)

	_, err = Fetch(ctx, c, "nums", func(context.Context) (string, error) { return "x", nil })
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	c := NewClient(DefaultPolicy())
	require.NoError(t, c.Start())
	require.NoError(t, c.Start())
	c.Stop()
	c.Stop()
}

func TestRetryStopsOnCanceledContext(t *testing.T) {
	c := NewClient(DefaultPolicy())
	var calls int32

	done, cancelDone := context.WithCancel(context.Background())
	cancelDone()
	_, err := c.Query(done, "k", counter(&calls, 1))
	require.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, calls)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = c.Query(ctx, "k", func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		cancel()
		return nil, errors.New("fail")
	})
	require.ErrorIs(t, err, context.Canceled)

	// the retry wait is cut short once nobody is waiting
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestInvalidateDuringFetch(t *testing.T) {
	c, _, _ := newTestClient(DefaultPolicy())
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})

	slow := func(context.Context) (any, error) {
		close(started)
		<-release
		return "before-write", nil
	}
	first := make(chan any, 1)
	go func() {
		v, _ := c.Query(ctx, "subscriptions", slow)
		first <- v
	}()
	<-started

	_, err := c.Mutate(ctx, func(context.Context) (any, error) { return "ok", nil }, "subscriptions")
	require.NoError(t, err)

	// a query issued after the write does not join the older fetch
	v, err := c.Query(ctx, "subscriptions", func(context.Context) (any, error) { return "after-write", nil })
	require.NoError(t, err)
	assert.Equal(t, "after-write", v)

	close(release)
	assert.Equal(t, "before-write", <-first)

	v, err = c.Query(ctx, "subscriptions", func(context.Context) (any, error) { return "refetched", nil })
	require.NoError(t, err)
	assert.Equal(t, "after-write", v)
}

func TestInvalidateBeforeFetchStores(t *testing.T) {
	c, _, _ := newTestClient(DefaultPolicy())
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Query(ctx, "subscriptions", func(context.Context) (any, error) {
			close(started)
			<-release
			return "before-write", nil
		})
	}()
	<-started
	c.Invalidate("subscriptions")
	close(release)
	<-done

	v, ok := c.Peek("subscriptions")
	require.True(t, ok)
	assert.Equal(t, "before-write", v)

	var calls int32
	v, err := c.Query(ctx, "subscriptions", counter(&calls, "after-write"))
	require.NoError(t, err)
	assert.Equal(t, "after-write", v)
	assert.EqualValues(t, 1, calls)
}

func TestCanceledCallerDoesNotCancelSharedFetch(t *testing.T) {
	c, _, _ := newTestClient(DefaultPolicy())
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	fn := func(ctx context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return "v", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Query(ctxA, "k", fn)
		errA <- err
	}()
	<-started

	resB := make(chan any, 1)
	go func() {
		v, err := c.Query(context.Background(), "k", fn)
		assert.NoError(t, err)
		resB <- v
	}()
	require.Eventually(t, func() bool { return c.Stats().Misses == 2 }, time.Second, 5*time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)
	close(release)
	assert.Equal(t, "v", <-resB)
	assert.EqualValues(t, 1, calls)
	assert.Equal(t, 0, c.Stats().Failures)
}

func TestPermanentErrorNotRetried(t *testing.T) {
	c, _, waits := newTestClient(DefaultPolicy())
	sentinel := errors.New("duplicate")
	var attempts int32
	_, err := c.Mutate(context.Background(), func(context.Context) (any, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, Permanent(sentinel)
	})
	require.ErrorIs(t, err, sentinel)
	assert.EqualValues(t, 1, attempts)
	assert.Empty(t, *waits)
	assert.NoError(t, Permanent(nil))
}

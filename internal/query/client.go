package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	appLog "subdash/internal/log"
)

// QueryFunc loads the value for one query key.
type QueryFunc func(ctx context.Context) (any, error)

// MutationFunc performs one write.
type MutationFunc func(ctx context.Context) (any, error)

// Trigger is an application event that may cause stale queries to refetch.
type Trigger int

const (
	TriggerWindowFocus Trigger = iota
	TriggerReconnect
)

func (t Trigger) String() string {
	switch t {
	case TriggerWindowFocus:
		return "window_focus"
	case TriggerReconnect:
		return "reconnect"
	}
	return "unknown"
}

// Stats counts what the client has done since it was built.
type Stats struct {
	Hits      int
	Misses    int
	Fetches   int // attempts, retries included
	Failures  int // terminal failures surfaced to callers
	Evictions int
	Entries   int
}

type entry struct {
	value       any
	fn          QueryFunc
	fetchedAt   time.Time
	lastUsed    time.Time
	invalidated bool
}

// Client is the shared data-fetching client. Build one in the composition
// root and pass it to whoever issues queries; it is safe for concurrent use.
type Client struct {
	policy Policy
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	entries map[string]*entry
	stats   Stats

	// gen is bumped by Invalidate and Remove. A fetch that started under an
	// older generation cannot store its result as fresh.
	gen      map[string]uint64
	inflight map[string]int
	calls    map[string]*call

	flight singleflight.Group

	cronMu sync.Mutex
	cron   *cron.Cron
}

// call is the context shared fetches for one key run under. It outlives any
// single caller and is cancelled once no caller is waiting.
type call struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

type Option func(*Client)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithSleep replaces the retry wait, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

func NewClient(p Policy, opts ...Option) *Client {
	p.Normalize()
	c := &Client{
		policy:  p,
		now:     time.Now,
		sleep:   sleepCtx,
		entries:  make(map[string]*entry),
		gen:      make(map[string]uint64),
		inflight: make(map[string]int),
		calls:    make(map[string]*call),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Policy() Policy {
	return c.policy
}

// Query returns the cached value for key while it is fresh. Otherwise it
// calls fn, retrying up to Policy.QueryRetry times, and caches the result.
// Concurrent calls for the same key share one fetch. A caller whose ctx ends
// stops waiting without cancelling the fetch for the others.
func (c *Client) Query(ctx context.Context, key string, fn QueryFunc) (any, error) {
	if key == "" {
		return nil, errors.New("query: empty key")
	}
	if fn == nil {
		return nil, errors.New("query: nil fetch function")
	}

	now := c.now()
	c.mu.Lock()
	e := c.entries[key]
	if e != nil && now.Sub(e.lastUsed) > c.policy.GCTime {
		delete(c.entries, key)
		c.stats.Evictions++
		e = nil
	}
	if e != nil && c.freshLocked(e, now) {
		e.lastUsed = now
		c.stats.Hits++
		v, age := e.value, now.Sub(e.fetchedAt)
		c.mu.Unlock()
		appLog.Debug("query cache hit", "key", key, "age", age.String())
		return v, nil
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("query %s: %w", key, err)
	}
	c.stats.Misses++
	cl := c.calls[key]
	if cl == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		cl = &call{ctx: fctx, cancel: cancel}
		c.calls[key] = cl
	}
	cl.waiters++
	c.mu.Unlock()
	defer c.leave(key, cl)

	ch := c.flight.DoChan(key, func() (any, error) {
		return c.fetch(cl.ctx, key, fn)
	})
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("query %s: %w", key, ctx.Err())
	}
}

// leave drops one waiter and cancels the shared fetch when none are left.
func (c *Client) leave(key string, cl *call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl.waiters--
	if cl.waiters > 0 {
		return
	}
	cl.cancel()
	if c.calls[key] == cl {
		delete(c.calls, key)
		c.flight.Forget(key)
	}
}

// Fetch is a typed wrapper around Client.Query.
func Fetch[T any](ctx context.Context, c *Client, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.Query(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("query %q: cached value is %T", key, v)
	}
	return t, nil
}

func (c *Client) fetch(ctx context.Context, key string, fn QueryFunc) (any, error) {
	c.mu.Lock()
	startGen := c.gen[key]
	c.inflight[key]++
	c.mu.Unlock()

	v, err := c.withRetry(ctx, "query "+key, c.policy.QueryRetry, fn)

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key]--; c.inflight[key] <= 0 {
		delete(c.inflight, key)
	}
	if err != nil {
		return nil, err
	}
	stale := c.gen[key] != startGen
	if old := c.entries[key]; stale && old != nil && !old.invalidated {
		// a newer fetch already stored a fresh value
		return v, nil
	}
	c.entries[key] = &entry{
		value:       v,
		fn:          fn,
		fetchedAt:   now,
		lastUsed:    now,
		invalidated: stale,
	}
	if stale {
		appLog.Debug("query result predates invalidation", "key", key)
	}
	return v, nil
}

// Mutate runs fn, retrying up to Policy.MutationRetry times. Results are
// not cached. On success every key under the given prefixes is invalidated.
func (c *Client) Mutate(ctx context.Context, fn MutationFunc, invalidate ...string) (any, error) {
	if fn == nil {
		return nil, errors.New("mutation: nil function")
	}
	v, err := c.withRetry(ctx, "mutation", c.policy.MutationRetry, QueryFunc(fn))
	if err != nil {
		return nil, err
	}
	if len(invalidate) > 0 {
		c.Invalidate(invalidate...)
	}
	return v, nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. errors.Is and errors.As still
// see the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (c *Client) withRetry(ctx context.Context, op string, retries int, fn QueryFunc) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			wait := retryablehttp.DefaultBackoff(c.policy.RetryDelayMin, c.policy.RetryDelayMax, attempt-1, nil)
			appLog.Debug("retrying", "op", op, "attempt", attempt, "wait", wait.String())
			if err := c.sleep(ctx, wait); err != nil {
				lastErr = err
				break
			}
		}

		c.mu.Lock()
		c.stats.Fetches++
		c.mu.Unlock()

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.As(err, new(*permanentError)) {
			break
		}
	}

	c.mu.Lock()
	c.stats.Failures++
	c.mu.Unlock()
	appLog.Error("giving up", lastErr, "op", op)
	return nil, fmt.Errorf("%s: %w", op, lastErr)
}

// Invalidate marks every entry whose key equals a prefix, or starts with
// prefix + "/", as stale. The next Query for it refetches, and fetches
// already running for those keys cannot store their result as fresh.
func (c *Client) Invalidate(prefixes ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if matchesAny(key, prefixes) {
			e.invalidated = true
			c.gen[key]++
			n++
		}
	}
	c.supersedeInflightLocked(prefixes)
	if n > 0 {
		appLog.Debug("query cache invalidated", "prefixes", strings.Join(prefixes, ","), "count", n)
	}
	return n
}

// Remove drops entries under the given prefixes immediately.
func (c *Client) Remove(prefixes ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.entries {
		if matchesAny(key, prefixes) {
			delete(c.entries, key)
			c.gen[key]++
			n++
		}
	}
	c.supersedeInflightLocked(prefixes)
	return n
}

// supersedeInflightLocked bumps the generation of running fetches under the
// prefixes and detaches them from singleflight, so the next Query starts a
// new fetch instead of joining the old one.
func (c *Client) supersedeInflightLocked(prefixes []string) {
	for key := range c.inflight {
		if !matchesAny(key, prefixes) {
			continue
		}
		if _, ok := c.entries[key]; !ok {
			c.gen[key]++
		}
		c.flight.Forget(key)
	}
}

// Peek returns a cached value without fetching or touching its timestamps.
func (c *Client) Peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Notify reacts to a refetch trigger. Stale entries are refetched only when
// the policy enables that trigger. It returns how many entries refetched.
func (c *Client) Notify(ctx context.Context, t Trigger) int {
	enabled := false
	switch t {
	case TriggerWindowFocus:
		enabled = c.policy.RefetchOnWindowFocus
	case TriggerReconnect:
		enabled = c.policy.RefetchOnReconnect
	}
	if !enabled {
		appLog.Debug("refetch trigger ignored", "trigger", t.String())
		return 0
	}

	now := c.now()
	type job struct {
		key string
		fn  QueryFunc
	}
	var jobs []job
	c.mu.Lock()
	for key, e := range c.entries {
		if !c.freshLocked(e, now) {
			jobs = append(jobs, job{key, e.fn})
		}
	}
	c.mu.Unlock()

	n := 0
	for _, j := range jobs {
		if _, err := c.Query(ctx, j.key, j.fn); err == nil {
			n++
		}
	}
	return n
}

// GC evicts entries unused for longer than Policy.GCTime.
func (c *Client) GC() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if now.Sub(e.lastUsed) > c.policy.GCTime {
			delete(c.entries, key)
			n++
		}
	}
	c.stats.Evictions += n
	if n > 0 {
		appLog.Debug("query cache gc", "evicted", n, "remaining", len(c.entries))
	}
	return n
}

// Start schedules GC on Policy.GCSchedule. Calling it twice is a no-op.
func (c *Client) Start() error {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()
	if c.cron != nil {
		return nil
	}
	cr := cron.New()
	if _, err := cr.AddFunc(c.policy.GCSchedule, func() { c.GC() }); err != nil {
		return fmt.Errorf("query: schedule gc: %w", err)
	}
	cr.Start()
	c.cron = cr
	appLog.Info("query cache gc scheduled", "schedule", c.policy.GCSchedule, "gc_time", c.policy.GCTime.String())
	return nil
}

// Stop halts the GC schedule and waits for a running sweep to finish.
func (c *Client) Stop() {
	c.cronMu.Lock()
	cr := c.cron
	c.cron = nil
	c.cronMu.Unlock()
	if cr != nil {
		<-cr.Stop().Done()
	}
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

func (c *Client) freshLocked(e *entry, now time.Time) bool {
	return !e.invalidated && now.Sub(e.fetchedAt) < c.policy.StaleTime
}

func matchesAny(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if key == p || strings.HasPrefix(key, p+"/") {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

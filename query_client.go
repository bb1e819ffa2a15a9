package klayquery

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTime is how long unobserved data written without an explicit
// cache time is kept.
const DefaultCacheTime = 5 * time.Minute

// QueryConfig controls one QueryClient.Fetch call.
type QueryConfig struct {
	// Kind labels metrics: "fetch", "paginate", "infinite".
	Kind       string
	StaleTime  time.Duration
	CacheTime  time.Duration
	Retry      RetryFunc
	RetryDelay RetryDelayFunc
	// Force skips the freshness check and replaces any in-flight fetch.
	Force bool
	// Refetch replaces the forced call of fn that RefetchQueries and
	// RefetchQuery run for the entry.
	Refetch func(ctx context.Context) error
}

// QueryClientOption configures a QueryClient.
type QueryClientOption func(*QueryClient)

// WithQueryLogger sets the logger for cache activity
func WithQueryLogger(logger Logger) QueryClientOption {
	return func(qc *QueryClient) {
		qc.logger = logger
	}
}

// WithQueryMetrics sets the collector for cache metrics
func WithQueryMetrics(mc *MetricsCollector) QueryClientOption {
	return func(qc *QueryClient) {
		qc.metrics = mc
	}
}

// WithDefaultCacheTime sets the cache time of entries written by SetQueryData
func WithDefaultCacheTime(d time.Duration) QueryClientOption {
	return func(qc *QueryClient) {
		qc.defaultCacheTime = d
	}
}

// WithShardCount sets the number of store shards
func WithShardCount(n int) QueryClientOption {
	return func(qc *QueryClient) {
		qc.store = newQueryStore(n)
	}
}

// QueryClient is a keyed query cache. It returns fresh data without calling
// the query function, runs at most one query function per key at a time,
// retries failures per the caller's policy, and drops entries nobody
// observes once their cache time elapses. It is safe for concurrent use.
type QueryClient struct {
	store            *queryStore
	group            singleflight.Group
	logger           Logger
	metrics          *MetricsCollector
	defaultCacheTime time.Duration

	mu        sync.Mutex
	observers map[string]int
	subs      map[string]map[*Subscription]struct{}
	flights   map[string]*flight
}

// flight is the context shared by the callers of one in-flight query. It
// outlives any single caller and is cancelled once all of them have left.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewQueryClient returns an empty cache.
func NewQueryClient(options ...QueryClientOption) *QueryClient {
	qc := &QueryClient{
		store:            newQueryStore(16),
		defaultCacheTime: DefaultCacheTime,
		observers:        make(map[string]int),
		subs:             make(map[string]map[*Subscription]struct{}),
		flights:          make(map[string]*flight),
	}
	for _, option := range options {
		option(qc)
	}
	return qc
}

// Fetch returns the data for key, calling fn when the cached data is missing,
// stale or cfg.Force is set. Concurrent callers for the same key share one
// call of fn.
func (qc *QueryClient) Fetch(ctx context.Context, key Key, cfg QueryConfig, fn QueryFunc) (any, error) {
	hash := key.Hash()
	entry, created := qc.store.getOrCreate(key, hash, cfg.StaleTime, cfg.CacheTime)
	if created {
		qc.metrics.RecordCacheEntries(qc.store.len())
	}

	entry.mu.Lock()
	entry.staleTime = cfg.StaleTime
	entry.cacheTime = cfg.CacheTime
	if cfg.Refetch != nil {
		entry.refetch = cfg.Refetch
	} else {
		forced := cfg
		forced.Force = true
		entry.refetch = func(ctx context.Context) error {
			_, err := qc.Fetch(ctx, key, forced, fn)
			return err
		}
	}
	state := entry.state
	stale := entry.isStaleLocked(time.Now())
	entry.mu.Unlock()

	if !cfg.Force && state.HasData() && !stale {
		qc.metrics.RecordCacheHit(cfg.Kind)
		if qc.logger != nil {
			qc.logger.Debug("Cache hit", "key", hash)
		}
		return state.Data, nil
	}
	qc.metrics.RecordCacheMiss(cfg.Kind)

	if cfg.Force {
		qc.group.Forget(hash)
	}
	fl := qc.joinFlight(ctx, hash, cfg.Force)
	defer qc.leaveFlight(hash, fl)
	ch := qc.group.DoChan(hash, func() (any, error) {
		return qc.run(fl.ctx, entry, cfg, fn)
	})

	select {
	case res := <-ch:
		if res.Shared {
			qc.metrics.RecordSharedFetch(cfg.Kind)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// joinFlight returns the shared context for the in-flight query of hash,
// starting a new one when none is running or fresh is set.
func (qc *QueryClient) joinFlight(ctx context.Context, hash string, fresh bool) *flight {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	fl, ok := qc.flights[hash]
	if !ok || fresh {
		shared, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{ctx: shared, cancel: cancel}
		qc.flights[hash] = fl
	}
	fl.waiters++
	return fl
}

// leaveFlight drops a caller and cancels the query once nobody waits on it.
func (qc *QueryClient) leaveFlight(hash string, fl *flight) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if qc.flights[hash] == fl {
		delete(qc.flights, hash)
		// a cancelled call must not be joined by the next caller
		qc.group.Forget(hash)
	}
}

func (qc *QueryClient) run(ctx context.Context, entry *queryEntry, cfg QueryConfig, fn QueryFunc) (any, error) {
	entry.mu.Lock()
	entry.generation++
	gen := entry.generation
	entry.state.IsFetching = true
	if entry.state.Status == StatusIdle {
		entry.state.Status = StatusLoading
	}
	entry.stopGCLocked()
	entry.mu.Unlock()

	failures := 0
	for {
		data, err := fn(ctx)
		if err == nil {
			qc.resolve(entry, gen, data)
			qc.metrics.RecordQueryFetch(cfg.Kind, "success")
			return data, nil
		}

		failures++
		if ctx.Err() != nil || cfg.Retry == nil || !cfg.Retry(failures, err) {
			qc.reject(entry, gen, err, failures)
			qc.metrics.RecordQueryFetch(cfg.Kind, "error")
			return nil, err
		}

		delay := DefaultRetryDelay
		if cfg.RetryDelay != nil {
			delay = cfg.RetryDelay(failures, err)
		}
		if qc.logger != nil {
			qc.logger.Info("Scheduling retry", "key", entry.hash, "failures", failures, "delay", delay, "error", err.Error())
		}
		qc.metrics.RecordQueryRetry(cfg.Kind, failures)

		entry.mu.Lock()
		entry.state.FailureCount = failures
		entry.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			qc.reject(entry, gen, ctx.Err(), failures)
			qc.metrics.RecordQueryFetch(cfg.Kind, "error")
			return nil, ctx.Err()
		}
	}
}

func (qc *QueryClient) resolve(entry *queryEntry, gen uint64, data any) {
	entry.mu.Lock()
	if gen != entry.generation {
		entry.mu.Unlock()
		return
	}
	entry.state.Data = data
	entry.state.Err = nil
	entry.state.Status = StatusSuccess
	entry.state.UpdatedAt = time.Now()
	entry.state.FailureCount = 0
	entry.state.IsFetching = false
	entry.state.IsInvalidated = false
	state := entry.state
	entry.mu.Unlock()

	if !qc.store.holds(entry) {
		return
	}
	qc.notify(entry.hash, QueryEvent{Type: EventUpdated, State: state})
	qc.maybeCollect(entry)
}

func (qc *QueryClient) reject(entry *queryEntry, gen uint64, err error, failures int) {
	entry.mu.Lock()
	if gen != entry.generation {
		entry.mu.Unlock()
		return
	}
	entry.state.Err = err
	entry.state.Status = StatusError
	entry.state.ErrorUpdatedAt = time.Now()
	entry.state.FailureCount = failures
	entry.state.IsFetching = false
	state := entry.state
	entry.mu.Unlock()

	if qc.logger != nil {
		qc.logger.Warn("Query failed", "key", entry.hash, "failures", failures, "error", err.Error())
	}
	if !qc.store.holds(entry) {
		return
	}
	qc.notify(entry.hash, QueryEvent{Type: EventErrored, State: state})
	qc.maybeCollect(entry)
}

// GetQueryData returns the cached data for key.
func (qc *QueryClient) GetQueryData(key Key) (any, bool) {
	entry, ok := qc.store.get(key.Hash())
	if !ok {
		return nil, false
	}
	state := entry.snapshot()
	return state.Data, state.HasData()
}

// GetQueryState returns a snapshot of the entry for key.
func (qc *QueryClient) GetQueryState(key Key) (QueryState, bool) {
	entry, ok := qc.store.get(key.Hash())
	if !ok {
		return QueryState{Key: key, Status: StatusIdle}, false
	}
	return entry.snapshot(), true
}

// IsStale reports whether the entry for key would be refetched by Fetch.
func (qc *QueryClient) IsStale(key Key) bool {
	entry, ok := qc.store.get(key.Hash())
	if !ok {
		return true
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.isStaleLocked(time.Now())
}

// SetQueryData stores data under key as if it had just been fetched.
func (qc *QueryClient) SetQueryData(key Key, data any) {
	qc.UpdateQueryData(key, func(any) any { return data })
}

// UpdateQueryData replaces the data under key with fn(old).
func (qc *QueryClient) UpdateQueryData(key Key, fn func(old any) any) {
	qc.updateQueryData(key, 0, qc.defaultCacheTime, false, fn)
}

// updateQueryData writes data; explicit times apply only when override is set
// or the entry is new.
func (qc *QueryClient) updateQueryData(key Key, staleTime, cacheTime time.Duration, override bool, fn func(old any) any) {
	entry, created := qc.store.getOrCreate(key, key.Hash(), staleTime, cacheTime)

	entry.mu.Lock()
	if override || created {
		entry.staleTime = staleTime
		entry.cacheTime = cacheTime
	}
	entry.generation++
	entry.state.Data = fn(entry.state.Data)
	entry.state.Err = nil
	entry.state.Status = StatusSuccess
	entry.state.UpdatedAt = time.Now()
	entry.state.IsFetching = false
	entry.state.IsInvalidated = false
	state := entry.state
	entry.mu.Unlock()

	qc.notify(entry.hash, QueryEvent{Type: EventUpdated, State: state})
	qc.maybeCollect(entry)
	qc.metrics.RecordCacheEntries(qc.store.len())
}

// InvalidateQueries marks every entry under prefix stale.
func (qc *QueryClient) InvalidateQueries(prefix Key) int {
	entries := qc.store.match(prefix)
	for _, entry := range entries {
		entry.mu.Lock()
		entry.state.IsInvalidated = true
		state := entry.state
		entry.mu.Unlock()
		qc.notify(entry.hash, QueryEvent{Type: EventInvalidated, State: state})
	}
	return len(entries)
}

// RefetchQueries refetches, concurrently, the observed entries under prefix
// that were populated by Fetch.
func (qc *QueryClient) RefetchQueries(ctx context.Context, prefix Key) error {
	p := pool.New().WithErrors().WithContext(ctx)
	for _, entry := range qc.store.match(prefix) {
		if !qc.isObserved(entry.hash) {
			continue
		}
		entry.mu.Lock()
		refetch := entry.refetch
		entry.mu.Unlock()
		if refetch == nil {
			continue
		}
		p.Go(refetch)
	}
	return p.Wait()
}

// RefetchQuery refetches exactly key, observed or not. It fails with
// ErrNoData when the entry was never populated by Fetch.
func (qc *QueryClient) RefetchQuery(ctx context.Context, key Key) error {
	entry, ok := qc.store.get(key.Hash())
	if !ok {
		return ErrNoData
	}
	entry.mu.Lock()
	refetch := entry.refetch
	entry.mu.Unlock()
	if refetch == nil {
		return ErrNoData
	}
	return refetch(ctx)
}

// RemoveQueries drops every entry under prefix.
func (qc *QueryClient) RemoveQueries(prefix Key) int {
	entries := qc.store.match(prefix)
	for _, entry := range entries {
		qc.removeEntry(entry)
	}
	return len(entries)
}

// RemoveQuery drops the entry for exactly key.
func (qc *QueryClient) RemoveQuery(key Key) bool {
	entry, ok := qc.store.get(key.Hash())
	if !ok {
		return false
	}
	return qc.removeEntry(entry)
}

// Clear drops every entry.
func (qc *QueryClient) Clear() {
	qc.RemoveQueries(Key{})
}

// Len returns the number of cached entries.
func (qc *QueryClient) Len() int {
	return qc.store.len()
}

func (qc *QueryClient) removeEntry(entry *queryEntry) bool {
	if !qc.store.remove(entry) {
		return false
	}
	qc.group.Forget(entry.hash)

	entry.mu.Lock()
	entry.stopGCLocked()
	state := entry.state
	entry.mu.Unlock()

	qc.notify(entry.hash, QueryEvent{Type: EventRemoved, State: state})
	qc.metrics.RecordCacheEntries(qc.store.len())
	if qc.logger != nil {
		qc.logger.Debug("Query removed", "key", entry.hash)
	}
	return true
}

// acquire registers an observer of key; observed entries are never collected.
func (qc *QueryClient) acquire(key Key) {
	hash := key.Hash()
	qc.mu.Lock()
	qc.observers[hash]++
	qc.mu.Unlock()

	if entry, ok := qc.store.get(hash); ok {
		entry.mu.Lock()
		entry.stopGCLocked()
		entry.mu.Unlock()
	}
}

// release drops an observer and schedules collection of the entry when it
// was the last one.
func (qc *QueryClient) release(key Key) {
	hash := key.Hash()
	qc.mu.Lock()
	qc.observers[hash]--
	if qc.observers[hash] <= 0 {
		delete(qc.observers, hash)
	}
	qc.mu.Unlock()

	if entry, ok := qc.store.get(hash); ok {
		qc.maybeCollect(entry)
	}
}

func (qc *QueryClient) isObserved(hash string) bool {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.observers[hash] > 0
}

// maybeCollect removes an unobserved entry after its cache time.
func (qc *QueryClient) maybeCollect(entry *queryEntry) {
	if qc.isObserved(entry.hash) {
		return
	}

	entry.mu.Lock()
	if entry.state.IsFetching || entry.cacheTime == Forever {
		entry.mu.Unlock()
		return
	}
	cacheTime := entry.cacheTime
	entry.stopGCLocked()
	if cacheTime > 0 {
		entry.gcTimer = time.AfterFunc(cacheTime, func() {
			qc.collect(entry)
		})
		entry.mu.Unlock()
		return
	}
	entry.mu.Unlock()
	qc.collect(entry)
}

func (qc *QueryClient) collect(entry *queryEntry) {
	if qc.isObserved(entry.hash) {
		return
	}
	entry.mu.Lock()
	fetching := entry.state.IsFetching
	entry.mu.Unlock()
	if fetching {
		return
	}
	qc.removeEntry(entry)
}

func (qc *QueryClient) notify(hash string, event QueryEvent) {
	qc.mu.Lock()
	subs := make([]*Subscription, 0, len(qc.subs[hash]))
	for sub := range qc.subs[hash] {
		subs = append(subs, sub)
	}
	qc.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(event)
	}
}

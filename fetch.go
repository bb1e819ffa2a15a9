package klayquery

import (
	"context"
	"net/http"
	"sync"
)

// FetchProps describes a keyed GET.
type FetchProps struct {
	URL       string
	Name      Key
	Params    map[string]any
	Query     map[string]any
	Version   int
	IsGeneral bool
	// Silent keeps failures away from the client's error handler.
	Silent    bool
	Options   QueryOptions
	OnSuccess func(*Response)
	OnError   func(error)
}

// FetchResult is a snapshot of a fetch handle. Data and Schema are taken
// from the decoded response body.
type FetchResult struct {
	QueryState
	Response *Response
	Data     any
	Schema   any
}

func newFetchResult(state QueryState) FetchResult {
	result := FetchResult{QueryState: state}
	if resp, ok := state.Data.(*Response); ok && resp != nil {
		result.Response = resp
		result.Data = resp.Data
		result.Schema = resp.Schema
	}
	return result
}

// requestTemplate is the static part of a handle's request. Dynamic params
// are merged over it on every call.
type requestTemplate struct {
	method    string
	url       string
	version   int
	isGeneral bool
	params    map[string]any
	query     map[string]any
	header    map[string]string
	silent    bool
}

func (t requestTemplate) build(dynamic *DynamicParams, extraQuery map[string]any) *Request {
	r := &Request{
		Method:    t.method,
		URL:       t.url,
		Version:   t.version,
		IsGeneral: t.isGeneral,
		Params:    mergeValues(t.params),
		Query:     mergeValues(t.query),
		Header:    t.header,
		Silent:    t.silent,
	}
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	if dynamic != nil {
		r.Params = mergeValues(r.Params, dynamic.Params)
		r.Query = mergeValues(r.Query, dynamic.Query)
	}
	if len(extraQuery) > 0 {
		r.Query = mergeValues(r.Query, extraQuery)
	}
	return r
}

// FetchQuery is a handle on one cached GET. The cache key is the handle's
// name; dynamic params change the request, not the key.
type FetchQuery struct {
	client   *Client
	qc       *QueryClient
	key      Key
	template requestTemplate
	opts     ResolvedOptions
	props    FetchProps

	mu      sync.Mutex
	dynamic *DynamicParams
	closed  bool
}

// UseFetch creates a fetch handle. It registers the handle as an observer of
// its key until Close. Nothing is requested until Load, Refetch or Fetch.
func (h *Hooks) UseFetch(props FetchProps) *FetchQuery {
	env := h.env()
	opts := h.fetchOptions(props.Options).resolveInto(defaultResolved(false))

	key := Name(props.Name...)
	if len(key) == 0 || key.IsSentinel() {
		key = sentinelKey()
		opts.StaleTime = 0
		opts.CacheTime = 0
	}

	q := &FetchQuery{
		client: env.client,
		qc:     env.queryClient,
		key:    key,
		template: requestTemplate{
			url:       props.URL,
			version:   props.Version,
			isGeneral: props.IsGeneral,
			params:    props.Params,
			query:     props.Query,
			silent:    props.Silent,
		},
		opts:  opts,
		props: props,
	}
	q.qc.acquire(key)
	return q
}

// Key returns the cache key of the handle.
func (q *FetchQuery) Key() Key {
	return q.key
}

// Options returns the resolved options of the handle.
func (q *FetchQuery) Options() ResolvedOptions {
	return q.opts
}

// Result returns the current cached state.
func (q *FetchQuery) Result() FetchResult {
	state, _ := q.qc.GetQueryState(q.key)
	return newFetchResult(state)
}

// Load fetches when the handle is enabled and the cached data is missing or
// stale. A disabled handle returns the cached state untouched.
func (q *FetchQuery) Load(ctx context.Context) (FetchResult, error) {
	if !q.opts.Enabled {
		if q.isClosed() {
			return FetchResult{}, ErrClosed
		}
		return q.Result(), nil
	}
	return q.run(ctx, false)
}

// Refetch requests the data now, replacing any fetch in flight.
func (q *FetchQuery) Refetch(ctx context.Context) (FetchResult, error) {
	return q.run(ctx, true)
}

// Fetch replaces the dynamic params. When any value is supplied the query is
// refetched once with the new request.
func (q *FetchQuery) Fetch(ctx context.Context, params, query map[string]any) (FetchResult, error) {
	dynamic := &DynamicParams{Params: params, Query: query}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return FetchResult{}, ErrClosed
	}
	q.dynamic = dynamic
	q.mu.Unlock()

	if dynamic.IsEmpty() {
		return q.Result(), nil
	}
	return q.run(ctx, true)
}

// Refresh drops the cached data for the handle's key.
func (q *FetchQuery) Refresh() {
	q.qc.RemoveQuery(q.key)
}

// Close releases the key; the data is then kept for the cache time.
func (q *FetchQuery) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.qc.release(q.key)
}

func (q *FetchQuery) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *FetchQuery) request() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.template.build(q.dynamic, nil)
}

func (q *FetchQuery) run(ctx context.Context, force bool) (FetchResult, error) {
	if q.isClosed() {
		return FetchResult{}, ErrClosed
	}
	cfg := q.opts.queryConfig("fetch")
	cfg.Force = force

	data, err := q.qc.Fetch(ctx, q.key, cfg, func(ctx context.Context) (any, error) {
		return q.client.Do(ctx, q.request())
	})
	if err != nil {
		if q.props.OnError != nil {
			q.props.OnError(err)
		}
		return q.Result(), err
	}
	if resp, ok := data.(*Response); ok && q.props.OnSuccess != nil {
		q.props.OnSuccess(resp)
	}
	return q.Result(), nil
}

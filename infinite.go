package klayquery

import (
	"context"
	"sync"
)

// InfiniteData is the cached value of an infinite query: every loaded page
// with the param it was requested with.
type InfiniteData struct {
	Pages      []*Response
	PageParams []any
}

func (d *InfiniteData) clone() *InfiniteData {
	if d == nil {
		return &InfiniteData{}
	}
	return &InfiniteData{
		Pages:      append([]*Response(nil), d.Pages...),
		PageParams: append([]any(nil), d.PageParams...),
	}
}

// NextPageParamFunc computes the param of the page after last. It returns
// false when there is no next page.
type NextPageParamFunc func(last *Response, lastParam any, pages []*Response) (any, bool)

// InfiniteProps describes a GET whose pages accumulate under one key.
type InfiniteProps struct {
	URL string
	// Name defaults to Key{URL}.
	Name      Key
	Params    map[string]any
	Query     map[string]any
	Version   int
	IsGeneral bool
	Silent    bool
	// PageParam is the query parameter carrying the page param.
	PageParam        string
	InitialPageParam any
	GetNextPageParam NextPageParamFunc
	Options          InfiniteQueryOptions
	OnSuccess        func(*Response)
	OnError          func(error)
}

// InfiniteResult is a snapshot of an infinite query.
type InfiniteResult struct {
	QueryState
	Data        *InfiniteData
	HasNextPage bool
}

// InfiniteQuery is a handle on an accumulating list of pages.
type InfiniteQuery struct {
	client   *Client
	qc       *QueryClient
	key      Key
	template requestTemplate
	opts     ResolvedOptions
	props    InfiniteProps

	// pageMu serialises page-changing fetches so appends never interleave.
	pageMu sync.Mutex

	mu      sync.Mutex
	dynamic *DynamicParams
	closed  bool
}

// UseInfinite creates an infinite handle observing its key.
func (h *Hooks) UseInfinite(props InfiniteProps) *InfiniteQuery {
	env := h.env()
	opts := h.infiniteOptions(props.Options).resolve()

	key := Name(props.Name...)
	if len(key) == 0 {
		key = Key{props.URL}
	}
	if props.PageParam == "" {
		props.PageParam = DefaultPageParam
	}
	if props.InitialPageParam == nil {
		props.InitialPageParam = 1
	}
	if props.GetNextPageParam == nil {
		props.GetNextPageParam = DefaultNextPageParam
	}

	q := &InfiniteQuery{
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
func (q *InfiniteQuery) Key() Key {
	return q.key
}

// Options returns the resolved options of the handle.
func (q *InfiniteQuery) Options() ResolvedOptions {
	return q.opts
}

// Result returns the loaded pages.
func (q *InfiniteQuery) Result() InfiniteResult {
	state, _ := q.qc.GetQueryState(q.key)
	result := InfiniteResult{QueryState: state}
	if data, ok := state.Data.(*InfiniteData); ok && data != nil {
		result.Data = data
		_, result.HasNextPage = q.nextParam(data)
	}
	return result
}

// HasNextPage reports whether FetchNextPage would request a page.
func (q *InfiniteQuery) HasNextPage() bool {
	return q.Result().HasNextPage
}

// Load fetches the first page when enabled and nothing fresh is cached. Stale
// data is refetched page by page.
func (q *InfiniteQuery) Load(ctx context.Context) (InfiniteResult, error) {
	if !q.opts.Enabled {
		if q.isClosed() {
			return InfiniteResult{}, ErrClosed
		}
		return q.Result(), nil
	}
	return q.run(ctx, false, q.refetchPages)
}

// Refetch requests every loaded page again, in order.
func (q *InfiniteQuery) Refetch(ctx context.Context) (InfiniteResult, error) {
	return q.run(ctx, true, q.refetchPages)
}

// FetchNextPage appends the page after the last loaded one. With no pages
// loaded it loads the first page.
func (q *InfiniteQuery) FetchNextPage(ctx context.Context) (InfiniteResult, error) {
	current := q.Result()
	if current.Data == nil || len(current.Data.Pages) == 0 {
		return q.run(ctx, true, q.refetchPages)
	}
	if !current.HasNextPage {
		return current, ErrNoNextPage
	}
	return q.run(ctx, true, q.appendNextPage)
}

// Fetch replaces the dynamic params. When any value is supplied the loaded
// pages are dropped and the first page is fetched with the new request.
func (q *InfiniteQuery) Fetch(ctx context.Context, params, query map[string]any) (InfiniteResult, error) {
	dynamic := &DynamicParams{Params: params, Query: query}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return InfiniteResult{}, ErrClosed
	}
	q.dynamic = dynamic
	q.mu.Unlock()

	if dynamic.IsEmpty() {
		return q.Result(), nil
	}
	return q.run(ctx, true, q.firstPage)
}

// Refresh drops every loaded page.
func (q *InfiniteQuery) Refresh() {
	q.qc.RemoveQuery(q.key)
}

// Close releases the key.
func (q *InfiniteQuery) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.qc.release(q.key)
}

func (q *InfiniteQuery) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *InfiniteQuery) run(ctx context.Context, force bool, load func(context.Context) (any, error)) (InfiniteResult, error) {
	if q.isClosed() {
		return InfiniteResult{}, ErrClosed
	}
	if err := q.fetch(ctx, force, load); err != nil {
		if q.props.OnError != nil {
			q.props.OnError(err)
		}
		return q.Result(), err
	}

	result := q.Result()
	if q.props.OnSuccess != nil && result.Data != nil && len(result.Data.Pages) > 0 {
		q.props.OnSuccess(result.Data.Pages[len(result.Data.Pages)-1])
	}
	return result, nil
}

// fetch runs load through the cache, one page operation at a time. Cache-wide
// refetches of the key reload the loaded pages rather than appending one.
func (q *InfiniteQuery) fetch(ctx context.Context, force bool, load func(context.Context) (any, error)) error {
	q.pageMu.Lock()
	defer q.pageMu.Unlock()

	cfg := q.opts.queryConfig("infinite")
	cfg.Force = force
	cfg.Refetch = q.refetchAll
	_, err := q.qc.Fetch(ctx, q.key, cfg, load)
	return err
}

func (q *InfiniteQuery) refetchAll(ctx context.Context) error {
	return q.fetch(ctx, true, q.refetchPages)
}

func (q *InfiniteQuery) cached() *InfiniteData {
	data, _ := q.qc.GetQueryData(q.key)
	pages, _ := data.(*InfiniteData)
	return pages
}

func (q *InfiniteQuery) fetchPage(ctx context.Context, param any) (*Response, error) {
	q.mu.Lock()
	r := q.template.build(q.dynamic, map[string]any{q.props.PageParam: param})
	q.mu.Unlock()
	return q.client.Do(ctx, r)
}

func (q *InfiniteQuery) firstPage(ctx context.Context) (any, error) {
	resp, err := q.fetchPage(ctx, q.props.InitialPageParam)
	if err != nil {
		return nil, err
	}
	return &InfiniteData{Pages: []*Response{resp}, PageParams: []any{q.props.InitialPageParam}}, nil
}

// refetchPages reloads the pages that are cached, or the first page when
// none are.
func (q *InfiniteQuery) refetchPages(ctx context.Context) (any, error) {
	current := q.cached()
	if current == nil || len(current.PageParams) == 0 {
		return q.firstPage(ctx)
	}
	out := &InfiniteData{}
	for _, param := range current.PageParams {
		resp, err := q.fetchPage(ctx, param)
		if err != nil {
			return nil, err
		}
		out.Pages = append(out.Pages, resp)
		out.PageParams = append(out.PageParams, param)
	}
	return out, nil
}

func (q *InfiniteQuery) appendNextPage(ctx context.Context) (any, error) {
	current := q.cached()
	if current == nil || len(current.Pages) == 0 {
		return q.firstPage(ctx)
	}
	param, ok := q.nextParam(current)
	if !ok {
		return current, nil
	}
	resp, err := q.fetchPage(ctx, param)
	if err != nil {
		return nil, err
	}
	out := current.clone()
	out.Pages = append(out.Pages, resp)
	out.PageParams = append(out.PageParams, param)
	if limit := q.opts.MaxPages; limit > 0 && len(out.Pages) > limit {
		drop := len(out.Pages) - limit
		out.Pages = out.Pages[drop:]
		out.PageParams = out.PageParams[drop:]
	}
	return out, nil
}

func (q *InfiniteQuery) nextParam(data *InfiniteData) (any, bool) {
	if data == nil || len(data.Pages) == 0 {
		return nil, false
	}
	last := len(data.Pages) - 1
	return q.props.GetNextPageParam(data.Pages[last], data.PageParams[last], data.Pages)
}

// DefaultNextPageParam increments a numeric page param while the last page
// returned items and, when the response reports a page count, pages remain.
func DefaultNextPageParam(last *Response, lastParam any, _ []*Response) (any, bool) {
	n, ok := toInt(lastParam)
	if !ok || last == nil {
		return nil, false
	}
	if items, ok := pageItems(last.Data); ok && len(items) == 0 {
		return nil, false
	}
	if count, ok := DefaultPageCount(last, 0); ok && n >= count {
		return nil, false
	}
	return n + 1, true
}

// pageItems finds the list of items in a page body: the body itself when it
// is an array, otherwise the first array member among the usual names.
func pageItems(data any) ([]any, bool) {
	switch v := data.(type) {
	case []any:
		return v, true
	case map[string]any:
		for _, field := range []string{"items", "data", "results", "content"} {
			if items, ok := v[field].([]any); ok {
				return items, true
			}
		}
	}
	return nil, false
}

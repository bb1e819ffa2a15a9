package klayquery

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"sync"
)

// Default query parameter names of paginated requests.
const (
	DefaultPageParam     = "page"
	DefaultPageSizeParam = "pageSize"
)

// PageCountFunc returns the total number of pages reported by a response.
type PageCountFunc func(resp *Response, pageSize int) (int, bool)

// PaginateProps describes a page-numbered GET.
type PaginateProps struct {
	URL string
	// Name defaults to Key{URL}; each page is cached under Name + page + size.
	Name          Key
	Params        map[string]any
	Query         map[string]any
	Version       int
	IsGeneral     bool
	Silent        bool
	Page          int
	PageParam     string
	PageSizeParam string
	PageCount     PageCountFunc
	Options       PaginateQueryOptions
	OnSuccess     func(*Response)
	OnError       func(error)
}

// PaginateResult is a snapshot of the current page.
type PaginateResult struct {
	FetchResult
	Page      int
	PageSize  int
	PageCount int
	// HasPageCount is false when the response does not report a total.
	HasPageCount bool
	// IsPreviousData is set while an earlier page is shown in place of the
	// current one.
	IsPreviousData bool
}

// PaginateQuery is a handle on a paginated resource.
type PaginateQuery struct {
	client    *Client
	qc        *QueryClient
	name      Key
	template  requestTemplate
	opts      ResolvedOptions
	props     PaginateProps
	pageCount PageCountFunc

	// observeMu orders page switches against Close so the observed page
	// is always the one released.
	observeMu sync.Mutex

	mu       sync.Mutex
	page     int
	dynamic  *DynamicParams
	previous *PaginateResult
	closed   bool
}

// UsePaginate creates a paginated handle observing its current page.
func (h *Hooks) UsePaginate(props PaginateProps) *PaginateQuery {
	env := h.env()
	opts := h.paginateOptions(props.Options).resolve()

	name := Name(props.Name...)
	if len(name) == 0 {
		name = Key{props.URL}
	}
	if props.PageParam == "" {
		props.PageParam = DefaultPageParam
	}
	if props.PageSizeParam == "" {
		props.PageSizeParam = DefaultPageSizeParam
	}
	pageCount := props.PageCount
	if pageCount == nil {
		pageCount = DefaultPageCount
	}
	page := props.Page
	if page < 1 {
		page = 1
	}

	q := &PaginateQuery{
		client: env.client,
		qc:     env.queryClient,
		name:   name,
		template: requestTemplate{
			url:       props.URL,
			version:   props.Version,
			isGeneral: props.IsGeneral,
			params:    props.Params,
			query:     props.Query,
			silent:    props.Silent,
		},
		opts:      opts,
		props:     props,
		pageCount: pageCount,
		page:      page,
	}
	q.qc.acquire(q.pageKey(page))
	return q
}

// Name returns the key prefix shared by every page.
func (q *PaginateQuery) Name() Key {
	return q.name
}

// Page returns the current page number.
func (q *PaginateQuery) Page() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.page
}

// Key returns the cache key of the current page.
func (q *PaginateQuery) Key() Key {
	return q.pageKey(q.Page())
}

// Options returns the resolved options of the handle.
func (q *PaginateQuery) Options() ResolvedOptions {
	return q.opts
}

func (q *PaginateQuery) pageKey(page int) Key {
	return q.name.Append(page, q.opts.PageSize)
}

// Result returns the current page, or the last loaded page flagged
// IsPreviousData when KeepPreviousData is on and the current page has no data.
func (q *PaginateQuery) Result() PaginateResult {
	q.mu.Lock()
	page := q.page
	previous := q.previous
	q.mu.Unlock()

	state, _ := q.qc.GetQueryState(q.pageKey(page))
	if !state.HasData() && q.opts.KeepPreviousData && previous != nil && previous.Page != page {
		result := *previous
		result.QueryState.IsFetching = state.IsFetching
		result.IsPreviousData = true
		return result
	}
	return q.result(page, state)
}

func (q *PaginateQuery) result(page int, state QueryState) PaginateResult {
	result := PaginateResult{
		FetchResult: newFetchResult(state),
		Page:        page,
		PageSize:    q.opts.PageSize,
	}
	if result.Response != nil {
		result.PageCount, result.HasPageCount = q.pageCount(result.Response, q.opts.PageSize)
	}
	return result
}

// Load fetches the current page when enabled and missing or stale.
func (q *PaginateQuery) Load(ctx context.Context) (PaginateResult, error) {
	if !q.opts.Enabled {
		if q.isClosed() {
			return PaginateResult{}, ErrClosed
		}
		return q.Result(), nil
	}
	return q.run(ctx, q.Page(), false)
}

// Refetch requests the current page now.
func (q *PaginateQuery) Refetch(ctx context.Context) (PaginateResult, error) {
	return q.run(ctx, q.Page(), true)
}

// SetPage moves to page and loads it.
func (q *PaginateQuery) SetPage(ctx context.Context, page int) (PaginateResult, error) {
	if page < 1 {
		page = 1
	}
	q.observeMu.Lock()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.observeMu.Unlock()
		return PaginateResult{}, ErrClosed
	}
	old := q.page
	q.page = page
	q.mu.Unlock()

	if old != page {
		q.qc.acquire(q.pageKey(page))
		q.qc.release(q.pageKey(old))
	}
	q.observeMu.Unlock()
	return q.Load(ctx)
}

// NextPage moves forward one page. It fails with ErrNoNextPage when the
// current page is known to be the last.
func (q *PaginateQuery) NextPage(ctx context.Context) (PaginateResult, error) {
	current := q.Result()
	if current.HasPageCount && current.Page >= current.PageCount {
		return current, ErrNoNextPage
	}
	return q.SetPage(ctx, q.Page()+1)
}

// PreviousPage moves back one page.
func (q *PaginateQuery) PreviousPage(ctx context.Context) (PaginateResult, error) {
	page := q.Page()
	if page <= 1 {
		return q.Result(), ErrNoPreviousPage
	}
	return q.SetPage(ctx, page-1)
}

// Fetch replaces the dynamic params. Cached pages were built from the old
// params, so when any value is supplied every page is invalidated and the
// current one refetched.
func (q *PaginateQuery) Fetch(ctx context.Context, params, query map[string]any) (PaginateResult, error) {
	dynamic := &DynamicParams{Params: params, Query: query}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return PaginateResult{}, ErrClosed
	}
	q.dynamic = dynamic
	q.mu.Unlock()

	if dynamic.IsEmpty() {
		return q.Result(), nil
	}
	q.qc.InvalidateQueries(q.name)
	return q.run(ctx, q.Page(), true)
}

// Refresh drops every cached page of the handle.
func (q *PaginateQuery) Refresh() {
	q.mu.Lock()
	q.previous = nil
	q.mu.Unlock()
	q.qc.RemoveQueries(q.name)
}

// Close releases the current page.
func (q *PaginateQuery) Close() {
	q.observeMu.Lock()
	defer q.observeMu.Unlock()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	page := q.page
	q.mu.Unlock()
	q.qc.release(q.pageKey(page))
}

func (q *PaginateQuery) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *PaginateQuery) request(page int) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.template.build(q.dynamic, map[string]any{
		q.props.PageParam:     page,
		q.props.PageSizeParam: q.opts.PageSize,
	})
}

func (q *PaginateQuery) run(ctx context.Context, page int, force bool) (PaginateResult, error) {
	if q.isClosed() {
		return PaginateResult{}, ErrClosed
	}
	cfg := q.opts.queryConfig("paginate")
	cfg.Force = force
	key := q.pageKey(page)

	data, err := q.qc.Fetch(ctx, key, cfg, func(ctx context.Context) (any, error) {
		return q.client.Do(ctx, q.request(page))
	})
	if err != nil {
		if q.props.OnError != nil {
			q.props.OnError(err)
		}
		return q.Result(), err
	}

	state, _ := q.qc.GetQueryState(key)
	loaded := q.result(page, state)
	q.mu.Lock()
	q.previous = &loaded
	q.mu.Unlock()

	if resp, ok := data.(*Response); ok && q.props.OnSuccess != nil {
		q.props.OnSuccess(resp)
	}
	return q.Result(), nil
}

// DefaultPageCount reads "totalPages" or "pageCount" from a JSON object body,
// or derives the count from "total" or "count" and the page size. A "meta"
// object is searched when the top level has none of them.
func DefaultPageCount(resp *Response, pageSize int) (int, bool) {
	if resp == nil {
		return 0, false
	}
	obj, ok := resp.Data.(map[string]any)
	if !ok {
		return 0, false
	}
	if n, ok := pageCountFrom(obj, pageSize); ok {
		return n, true
	}
	if meta, ok := obj["meta"].(map[string]any); ok {
		return pageCountFrom(meta, pageSize)
	}
	return 0, false
}

func pageCountFrom(obj map[string]any, pageSize int) (int, bool) {
	for _, field := range []string{"totalPages", "pageCount"} {
		if n, ok := toInt(obj[field]); ok {
			return n, true
		}
	}
	if pageSize <= 0 {
		return 0, false
	}
	for _, field := range []string{"total", "count"} {
		if n, ok := toInt(obj[field]); ok {
			return int(math.Ceil(float64(n) / float64(pageSize))), true
		}
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

package klayquery

import (
	"context"
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfiniteFetchNextPage(t *testing.T) {
	api := newPagedAPI(t, 3)
	q := newTestHooks(t, api).UseInfinite(InfiniteProps{URL: "/feed", Name: Key{"feed"}})
	defer q.Close()
	ctx := context.Background()

	result, err := q.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, result.Data)
	assert.Len(t, result.Data.Pages, 1)
	assert.Equal(t, []any{1}, result.Data.PageParams)
	assert.True(t, result.HasNextPage)

	_, err = q.FetchNextPage(ctx)
	require.NoError(t, err)
	result, err = q.FetchNextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, result.Data.PageParams)
	assert.False(t, result.HasNextPage)
	assert.False(t, q.HasNextPage())

	_, err = q.FetchNextPage(ctx)
	assert.ErrorIs(t, err, ErrNoNextPage)
	assert.Equal(t, []string{"/feed?page=1", "/feed?page=2", "/feed?page=3"}, api.requestURIs())
}

func TestInfiniteRefetchAllPagesInOrder(t *testing.T) {
	api := newPagedAPI(t, 5)
	q := newTestHooks(t, api).UseInfinite(InfiniteProps{URL: "/feed"})
	defer q.Close()
	ctx := context.Background()

	_, err := q.FetchNextPage(ctx)
	require.NoError(t, err)
	_, err = q.FetchNextPage(ctx)
	require.NoError(t, err)

	result, err := q.Refetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, result.Data.PageParams)
	assert.Equal(t, []string{"/feed?page=1", "/feed?page=2", "/feed?page=1", "/feed?page=2"}, api.requestURIs())
}

func TestInfiniteMaxPages(t *testing.T) {
	api := newPagedAPI(t, 10)
	q := newTestHooks(t, api).UseInfinite(InfiniteProps{
		URL:     "/feed",
		Options: InfiniteQueryOptions{MaxPages: Int(2)},
	})
	defer q.Close()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := q.FetchNextPage(ctx)
		require.NoError(t, err)
	}
	result := q.Result()
	assert.Equal(t, []any{3, 4}, result.Data.PageParams)
	assert.Len(t, result.Data.Pages, 2)
}

func TestInfiniteStopsOnEmptyPage(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("cursor"))
		items := []any{}
		if page < 2 {
			items = append(items, page)
		}
		writeJSON(t, w, items)
	})
	q := newTestHooks(t, api).UseInfinite(InfiniteProps{URL: "/feed", PageParam: "cursor", InitialPageParam: 0})
	defer q.Close()
	ctx := context.Background()

	_, err := q.Load(ctx)
	require.NoError(t, err)
	_, err = q.FetchNextPage(ctx)
	require.NoError(t, err)
	result, err := q.FetchNextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{0, 1, 2}, result.Data.PageParams)
	assert.False(t, result.HasNextPage)
}

func TestInfiniteCustomNextPageParam(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		next := ""
		if r.URL.Query().Get("after") == "" {
			next = "abc"
		}
		writeJSON(t, w, map[string]any{"items": []any{1}, "next": next})
	})
	q := newTestHooks(t, api).UseInfinite(InfiniteProps{
		URL:              "/feed",
		PageParam:        "after",
		InitialPageParam: "",
		GetNextPageParam: func(last *Response, _ any, _ []*Response) (any, bool) {
			next, _ := last.Data.(map[string]any)["next"].(string)
			return next, next != ""
		},
	})
	defer q.Close()
	ctx := context.Background()

	_, err := q.Load(ctx)
	require.NoError(t, err)
	result, err := q.FetchNextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"", "abc"}, result.Data.PageParams)
	assert.False(t, result.HasNextPage)
	assert.Equal(t, "/feed?after=abc", api.lastURI())
}

func TestInfiniteDynamicParamsRestart(t *testing.T) {
	api := newPagedAPI(t, 5)
	q := newTestHooks(t, api).UseInfinite(InfiniteProps{URL: "/feed"})
	defer q.Close()
	ctx := context.Background()

	_, err := q.FetchNextPage(ctx)
	require.NoError(t, err)
	_, err = q.FetchNextPage(ctx)
	require.NoError(t, err)

	result, err := q.Fetch(ctx, nil, map[string]any{"status": "open"})
	require.NoError(t, err)
	assert.Equal(t, []any{1}, result.Data.PageParams)
	assert.Equal(t, "/feed?page=1&status=open", api.lastURI())

	q.Refresh()
	assert.Nil(t, q.Result().Data)
}

func TestInfiniteInvalidationReloadsLoadedPages(t *testing.T) {
	api := newPagedAPI(t, 5)
	h := newTestHooks(t, api)
	q := h.UseInfinite(InfiniteProps{URL: "/feed", Name: Key{"feed"}})
	defer q.Close()
	ctx := context.Background()

	_, err := q.Load(ctx)
	require.NoError(t, err)
	_, err = q.FetchNextPage(ctx)
	require.NoError(t, err)

	m := h.UsePost(PostProps{URL: "/items", Invalidates: []Key{{"feed"}}})
	_, err = m.Mutate(ctx, map[string]any{"title": "new"})
	require.NoError(t, err)

	result := q.Result()
	require.NotNil(t, result.Data)
	assert.Len(t, result.Data.Pages, 2)
	assert.Equal(t, []any{1, 2}, result.Data.PageParams)
	assert.Equal(t, []string{
		"/feed?page=1", "/feed?page=2",
		"/items",
		"/feed?page=1", "/feed?page=2",
	}, api.requestURIs())
}

func TestInfiniteRefetchQueryKeepsDynamicParams(t *testing.T) {
	api := newPagedAPI(t, 5)
	h := newTestHooks(t, api)
	q := h.UseInfinite(InfiniteProps{URL: "/feed"})
	defer q.Close()
	ctx := context.Background()

	_, err := q.Fetch(ctx, nil, map[string]any{"status": "open"})
	require.NoError(t, err)
	_, err = q.FetchNextPage(ctx)
	require.NoError(t, err)

	require.NoError(t, h.QueryClient().RefetchQuery(ctx, q.Key()))
	assert.Equal(t, []any{1, 2}, q.Result().Data.PageParams)
	assert.Equal(t, "/feed?page=2&status=open", api.lastURI())
	assert.Len(t, api.requestURIs(), 4)
}

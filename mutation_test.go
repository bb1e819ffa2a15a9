package klayquery

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutationSendsBody(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, contentTypeJSON, r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Idempotent"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		writeJSON(t, w, map[string]any{"created": body["title"]})
	})
	m := newTestHooks(t, api).UsePost(PostProps{URL: "/lists/{list}/todos", Params: map[string]any{"list": 7}})

	resp, err := m.MutateWith(context.Background(), MutateRequest{
		Body:   map[string]any{"title": "write tests"},
		Query:  map[string]any{"notify": true},
		Header: map[string]string{"X-Idempotent": "yes"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, map[string]any{"created": "write tests"}, resp.Data)
	assert.Equal(t, "/lists/7/todos?notify=true", api.lastURI())

	state := m.State()
	assert.Equal(t, StatusSuccess, state.Status)
	assert.Same(t, resp, state.Data)
	assert.False(t, state.SubmittedAt.IsZero())

	m.Reset()
	assert.Equal(t, StatusIdle, m.State().Status)
}

func TestMutationMethod(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})
	m := newTestHooks(t, api).UsePost(PostProps{URL: "/todos/1", Method: http.MethodDelete})

	resp, err := m.Mutate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Nil(t, resp.Data)
}

func TestMutationErrorIsNotRetriedByDefault(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	var gotErr error
	m := newTestHooks(t, api).UsePost(PostProps{URL: "/todos", OnError: func(err error) { gotErr = err }})

	_, err := m.Mutate(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.EqualValues(t, 1, api.calls.Load())
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(gotErr))

	state := m.State()
	assert.Equal(t, StatusError, state.Status)
	assert.Equal(t, 1, state.FailureCount)
}

func TestMutationRetry(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	m := newTestHooks(t, api).UsePost(PostProps{
		URL:     "/todos",
		Options: MutationOptions{Retry: RetryCount(2), RetryDelay: ConstantDelay(time.Millisecond)},
	})

	_, err := m.Mutate(context.Background(), nil)
	require.Error(t, err)
	assert.EqualValues(t, 3, api.calls.Load())
	assert.Equal(t, 3, m.State().FailureCount)
}

func TestMutationInvalidatesQueries(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"method": r.Method})
	})
	h := newTestHooks(t, api)

	todos := h.UseFetch(FetchProps{URL: "/todos", Name: Key{"todos", "open"}, Options: QueryOptions{Enabled: Bool(true)}})
	defer todos.Close()
	_, err := todos.Load(context.Background())
	require.NoError(t, err)

	h.QueryClient().SetQueryData(Key{"todos", "closed"}, "unobserved")

	var succeeded bool
	m := h.UsePost(PostProps{
		URL:         "/todos",
		Invalidates: []Key{{"todos"}},
		OnSuccess:   func(*Response) { succeeded = true },
	})
	_, err = m.Mutate(context.Background(), map[string]any{"title": "x"})
	require.NoError(t, err)
	assert.True(t, succeeded)

	assert.EqualValues(t, 3, api.calls.Load(), "the observed query is refetched")
	assert.False(t, h.QueryClient().IsStale(Key{"todos", "open"}))
	state, _ := h.QueryClient().GetQueryState(Key{"todos", "closed"})
	assert.True(t, state.IsInvalidated)
}

package klayquery

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryModifierData(t *testing.T) {
	m := NewHooks().UseModifyQuery(ModifyQueryProps{Name: Key{"settings", nil}})
	assert.Equal(t, Key{"settings"}, m.Key())

	_, ok := m.Data()
	assert.False(t, ok)
	assert.Equal(t, StatusIdle, m.State().Status)

	m.SetData(map[string]any{"theme": "dark"})
	data, ok := m.Data()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"theme": "dark"}, data)

	m.Update(func(old any) any {
		next := map[string]any{}
		for k, v := range old.(map[string]any) {
			next[k] = v
		}
		next["lang"] = "en"
		return next
	})
	data, _ = m.Data()
	assert.Equal(t, map[string]any{"theme": "dark", "lang": "en"}, data)
	assert.Equal(t, StatusSuccess, m.State().Status)

	assert.Equal(t, 1, m.Invalidate())
	assert.True(t, m.State().IsInvalidated)

	assert.True(t, m.Remove())
	assert.False(t, m.Remove())
}

func TestQueryModifierUpdateResponseData(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"name": "ada", "schema": "user"})
	})
	h := newTestHooks(t, api)
	q := h.UseFetch(FetchProps{URL: "/me", Name: Key{"me"}})
	defer q.Close()
	_, err := q.Refetch(context.Background())
	require.NoError(t, err)

	m := h.UseModifyQuery(ModifyQueryProps{Name: Key{"me"}})
	err = m.UpdateResponseData(func(data any) any {
		obj := data.(map[string]any)
		return map[string]any{"name": "grace", "schema": obj["schema"]}
	})
	require.NoError(t, err)

	result := q.Result()
	assert.Equal(t, map[string]any{"name": "grace", "schema": "user"}, result.Data)
	assert.Equal(t, "user", result.Schema)
	assert.JSONEq(t, `{"name":"grace","schema":"user"}`, string(result.Response.Body))

	require.NoError(t, m.Refetch(context.Background()))
	assert.EqualValues(t, 2, api.calls.Load())
	assert.Equal(t, "ada", q.Result().Data.(map[string]any)["name"])
}

func TestQueryModifierUpdateResponseDataErrors(t *testing.T) {
	h := NewHooks()
	m := h.UseModifyQuery(ModifyQueryProps{Name: Key{"missing"}})
	assert.ErrorIs(t, m.UpdateResponseData(func(any) any { return nil }), ErrNoData)

	m.SetData("plain")
	assert.ErrorIs(t, m.UpdateResponseData(func(any) any { return nil }), ErrNoData)
	assert.ErrorIs(t, m.Refetch(context.Background()), ErrNoData)
}

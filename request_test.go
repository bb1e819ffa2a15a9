package klayquery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeValues(t *testing.T) {
	base := map[string]any{"a": 1, "nested": map[string]any{"x": 1, "y": 2}}
	over := map[string]any{"b": 2, "nested": map[string]any{"y": 3}}

	got := mergeValues(base, nil, over)
	assert.Equal(t, map[string]any{
		"a":      1,
		"b":      2,
		"nested": map[string]any{"x": 1, "y": 3},
	}, got)
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, base["nested"], "inputs are not modified")
	assert.Nil(t, mergeValues(nil, map[string]any{}))
}

func TestAllocateParams(t *testing.T) {
	tests := []struct {
		name     string
		template string
		params   map[string]any
		want     string
	}{
		{"braces", "/users/{id}/posts/{post}", map[string]any{"id": 1, "post": "p"}, "/users/1/posts/p"},
		{"colon", "/users/:id", map[string]any{"id": 7}, "/users/7"},
		{"colon prefix of longer name", "/:identifier/:id", map[string]any{"id": 7}, "/:identifier/7"},
		{"port is not a param", "http://localhost:port/:port", map[string]any{"port": 9}, "http://localhost:port/9"},
		{"escaped", "/files/{name}", map[string]any{"name": "a/b"}, "/files/a%2Fb"},
		{"nil value kept", "/users/{id}", map[string]any{"id": nil}, "/users/{id}"},
		{"no params", "/users/{id}", nil, "/users/{id}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, allocateParams(tt.template, tt.params))
		})
	}
}

func TestEncodeQuery(t *testing.T) {
	values := encodeQuery(map[string]any{
		"ids":   []int{1, 2},
		"q":     "go",
		"skip":  nil,
		"exact": true,
	})
	assert.Equal(t, "exact=true&ids=1&ids=2&q=go", values.Encode())
}

func TestDynamicParamsIsEmpty(t *testing.T) {
	var nilParams *DynamicParams
	assert.True(t, nilParams.IsEmpty())
	assert.True(t, (&DynamicParams{Query: map[string]any{}}).IsEmpty())
	assert.False(t, (&DynamicParams{Params: map[string]any{"id": 1}}).IsEmpty())
}

func TestRequestTemplateBuild(t *testing.T) {
	tmpl := requestTemplate{
		url:    "/todos/{list}",
		params: map[string]any{"list": 1},
		query:  map[string]any{"status": "open", "limit": 10},
		silent: true,
	}
	r := tmpl.build(&DynamicParams{Query: map[string]any{"status": "done"}}, map[string]any{"page": 2})

	assert.Equal(t, "GET", r.Method)
	assert.Equal(t, map[string]any{"list": 1}, r.Params)
	assert.Equal(t, map[string]any{"status": "done", "limit": 10, "page": 2}, r.Query)
	assert.True(t, r.Silent)
	assert.Equal(t, map[string]any{"status": "open", "limit": 10}, tmpl.query)
}

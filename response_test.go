package klayquery

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResponseDecodesJSON(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantData    any
	}{
		{"json content type", "application/json; charset=utf-8", `{"a":1}`, map[string]any{"a": float64(1)}},
		{"json suffix", "application/problem+json", `{"title":"x"}`, map[string]any{"title": "x"}},
		{"sniffed array", "", ` [1,2]`, []any{float64(1), float64(2)}},
		{"plain text", "text/plain", "hello", nil},
		{"broken json", "application/json", "{", nil},
		{"empty", "application/json", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.contentType != "" {
				header.Set("Content-Type", tt.contentType)
			}
			resp := newResponse(http.StatusOK, header, []byte(tt.body))
			assert.Equal(t, tt.wantData, resp.Data)
			assert.Equal(t, tt.body, string(resp.Body))
		})
	}
}

func TestResponseSchema(t *testing.T) {
	resp := newResponse(http.StatusOK, http.Header{}, []byte(`{"schema":{"fields":["id"]},"rows":[]}`))
	assert.Equal(t, map[string]any{"fields": []any{"id"}}, resp.Schema)
}

func TestResponseDecode(t *testing.T) {
	resp := newResponse(http.StatusOK, http.Header{}, []byte(`{"id":7,"name":"ada"}`))
	var user struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, resp.Decode(&user))
	assert.Equal(t, 7, user.ID)

	var n int
	err := resp.Decode(&n)
	assert.ErrorIs(t, err, &ClientError{Type: ErrorTypeDecode})

	var nilResp *Response
	assert.ErrorIs(t, nilResp.Decode(&n), ErrNoData)
}

func TestResponseWithData(t *testing.T) {
	header := http.Header{}
	header.Set("X-Version", "1")
	resp := newResponse(http.StatusAccepted, header, []byte(`{"n":1,"schema":"s"}`))

	updated, err := resp.WithData(map[string]any{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, updated.StatusCode)
	assert.Equal(t, "1", updated.Header.Get("X-Version"))
	assert.Equal(t, "s", updated.Schema)
	assert.JSONEq(t, `{"n":2}`, string(updated.Body))
	assert.Equal(t, map[string]any{"n": float64(1)}, resp.Data, "the original is unchanged")

	updated.Header.Set("X-Version", "2")
	assert.Equal(t, "1", resp.Header.Get("X-Version"))

	_, err = resp.WithData(func() {})
	assert.Error(t, err)
}

func TestDecodeData(t *testing.T) {
	type todo struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
	}

	fromResp, err := DecodeData[todo](newResponse(http.StatusOK, http.Header{}, []byte(`{"id":1,"title":"a"}`)))
	require.NoError(t, err)
	assert.Equal(t, todo{ID: 1, Title: "a"}, fromResp)

	fromMap, err := DecodeData[todo](map[string]any{"id": 2, "title": "b"})
	require.NoError(t, err)
	assert.Equal(t, todo{ID: 2, Title: "b"}, fromMap)

	same, err := DecodeData[todo](todo{ID: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, same.ID)

	_, err = DecodeData[todo](nil)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = DecodeData[todo]([]any{1})
	assert.ErrorIs(t, err, &ClientError{Type: ErrorTypeDecode})
}

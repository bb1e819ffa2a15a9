package klayquery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
)

// Response is a fully read HTTP response. It is what fetch, paginate and
// infinite queries store in the cache.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Data is the decoded JSON body, nil when the body is not JSON.
	Data any
	// Schema is the "schema" member of a JSON object body.
	Schema any
}

func newResponse(statusCode int, header http.Header, body []byte) *Response {
	resp := &Response{
		StatusCode: statusCode,
		Header:     header,
		Body:       body,
	}
	if len(body) == 0 || !looksLikeJSON(header, body) {
		return resp
	}
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return resp
	}
	resp.Data = data
	if obj, ok := data.(map[string]any); ok {
		resp.Schema = obj["schema"]
	}
	return resp
}

func looksLikeJSON(header http.Header, body []byte) bool {
	if ct := header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err == nil && (mediaType == "application/json" || bytes.HasSuffix([]byte(mediaType), []byte("+json"))) {
			return true
		}
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if r == nil {
		return ErrNoData
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &ClientError{Type: ErrorTypeDecode, Message: "failed to decode response body", Cause: err, StatusCode: r.StatusCode}
	}
	return nil
}

// WithData returns a copy of r whose Data (and Body) are replaced by data.
func (r *Response) WithData(data any) (*Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("klayquery: encode response data: %w", err)
	}
	out := &Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: body, Data: data}
	if r != nil {
		out.StatusCode = r.StatusCode
		out.Header = r.Header.Clone()
		out.Schema = r.Schema
	}
	return out, nil
}

// DecodeData decodes a cached value into T. It accepts a *Response, or any
// JSON-compatible value such as the result of a persist or modify call.
func DecodeData[T any](v any) (T, error) {
	var out T
	switch src := v.(type) {
	case nil:
		return out, ErrNoData
	case T:
		return src, nil
	case *Response:
		err := src.Decode(&out)
		return out, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("klayquery: encode value: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, &ClientError{Type: ErrorTypeDecode, Message: "failed to decode value", Cause: err}
	}
	return out, nil
}

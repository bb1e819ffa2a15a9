package klayquery

import (
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"
)

// SilentHeader marks a request whose failure must not reach the client's
// error handler.
const SilentHeader = "Silent"

// Request describes one HTTP call made through a Client.
type Request struct {
	Method string
	// URL is a path or absolute URL; "{name}" and ":name" segments are
	// replaced from Params.
	URL       string
	Version   int
	IsGeneral bool
	Params    map[string]any
	Query     map[string]any
	Body      any
	Header    map[string]string
	Silent    bool
}

// DynamicParams are params and query values supplied after a handle was
// created. They are merged over the handle's base values.
type DynamicParams struct {
	Params map[string]any
	Query  map[string]any
}

// IsEmpty reports whether no dynamic value was supplied.
func (d *DynamicParams) IsEmpty() bool {
	return d == nil || (len(d.Params) == 0 && len(d.Query) == 0)
}

// mergeValues merges maps left to right into a new map; nested maps are
// merged recursively.
func mergeValues(sets ...map[string]any) map[string]any {
	var out map[string]any
	for _, set := range sets {
		if len(set) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(set))
		}
		for k, v := range set {
			if src, ok := v.(map[string]any); ok {
				if dst, ok := out[k].(map[string]any); ok {
					out[k] = mergeValues(dst, src)
					continue
				}
				out[k] = mergeValues(src)
				continue
			}
			out[k] = v
		}
	}
	return out
}

// allocateParams substitutes path parameters into a URL template.
func allocateParams(template string, params map[string]any) string {
	if len(params) == 0 {
		return template
	}
	out := template
	for name, value := range params {
		if value == nil {
			continue
		}
		escaped := url.PathEscape(fmt.Sprint(value))
		out = strings.ReplaceAll(out, "{"+name+"}", escaped)
		out = replaceColonParam(out, name, escaped)
	}
	return out
}

func replaceColonParam(path, name, value string) string {
	token := ":" + name
	var b strings.Builder
	for {
		idx := strings.Index(path, token)
		if idx < 0 {
			b.WriteString(path)
			return b.String()
		}
		end := idx + len(token)
		// ":id" must not match the start of ":identifier"
		if end < len(path) && isParamChar(path[end]) {
			b.WriteString(path[:end])
			path = path[end:]
			continue
		}
		// "http://host:8080" has no path parameter
		if idx > 0 && path[idx-1] != '/' {
			b.WriteString(path[:end])
			path = path[end:]
			continue
		}
		b.WriteString(path[:idx])
		b.WriteString(value)
		path = path[end:]
	}
}

func isParamChar(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// encodeQuery renders query values; slices become repeated keys and nil
// values are skipped.
func encodeQuery(query map[string]any) url.Values {
	values := url.Values{}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := query[k]
		if v == nil {
			continue
		}
		rv := reflect.ValueOf(v)
		if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
			for i := 0; i < rv.Len(); i++ {
				values.Add(k, fmt.Sprint(rv.Index(i).Interface()))
			}
			continue
		}
		values.Set(k, fmt.Sprint(v))
	}
	return values
}

// resolveURL joins the template with the configured base URL and version.
func (c *Client) resolveURL(r *Request) (string, error) {
	path := allocateParams(r.URL, r.Params)

	var full string
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		full = path
	} else {
		base := c.baseURL
		if r.IsGeneral && c.generalURL != "" {
			base = c.generalURL
		}
		full = strings.TrimRight(base, "/")
		if r.Version > 0 {
			full += "/" + fmt.Sprintf(c.versionFormat, r.Version)
		}
		if path != "" {
			full += "/" + strings.TrimLeft(path, "/")
		}
	}

	u, err := url.Parse(full)
	if err != nil {
		return "", &ClientError{Type: ErrorTypeValidation, Message: "invalid request url", Cause: err, URL: full}
	}
	if len(r.Query) > 0 {
		q := u.Query()
		for k, vs := range encodeQuery(r.Query) {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

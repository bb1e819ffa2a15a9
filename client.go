package klayquery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// DefaultMaxResponseSize caps how much of a response body the client reads.
const DefaultMaxResponseSize int64 = 10 << 20

// Client is the HTTP client every hook issues its requests through. It
// resolves URL templates against versioned base URLs, attaches auth and the
// silent flag, runs the middleware chain and reads the response fully. It is
// safe for concurrent use.
type Client struct {
	httpClient      *http.Client
	baseURL         string
	generalURL      string
	versionFormat   string
	headers         map[string]string
	tokenSource     oauth2.TokenSource
	timeout         time.Duration
	maxResponseSize int64
	middleware      []Middleware
	metrics         *MetricsCollector
	logger          Logger
	errorHandler    func(*ClientError)
	requestIDGen    func() string
	validationError error
}

// NewClient constructs a Client using the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError for errors.
func NewClient(options ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		versionFormat:   "v%d",
		headers:         map[string]string{"User-Agent": UserAgent()},
		timeout:         30 * time.Second,
		maxResponseSize: DefaultMaxResponseSize,
		middleware:      []Middleware{},
		requestIDGen:    uuid.NewString,
	}

	for _, option := range options {
		option(client)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// Get performs a GET of path against the base URL.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, URL: path})
}

// Post sends body as JSON unless it is already a []byte, string or io.Reader.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, URL: path, Body: body})
}

// GetJSON performs a GET and decodes the response body into v.
func (c *Client) GetJSON(ctx context.Context, path string, v any) error {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	return resp.Decode(v)
}

// Do executes r. Non-2xx responses are returned as a *ClientError carrying
// the read response.
func (c *Client) Do(ctx context.Context, r *Request) (*Response, error) {
	start := time.Now()
	requestID := c.requestIDGen()

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	fullURL, err := c.resolveURL(r)
	if err != nil {
		return nil, c.fail(err.(*ClientError), r, requestID, method, start)
	}

	body, contentType, err := encodeBody(r.Body)
	if err != nil {
		return nil, c.fail(&ClientError{Type: ErrorTypeValidation, Message: "failed to encode request body", Cause: err}, r, requestID, method, start)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, c.fail(&ClientError{Type: ErrorTypeValidation, Message: "failed to build request", Cause: err}, r, requestID, method, start)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range r.Header {
		req.Header.Set(k, v)
	}
	req.Header.Set(SilentHeader, strconv.FormatBool(r.Silent))
	if err := c.authorize(req); err != nil {
		return nil, c.fail(&ClientError{Type: ErrorTypeValidation, Message: "failed to obtain access token", Cause: err}, r, requestID, method, start)
	}

	endpoint := getEndpointFromRequest(req)
	if c.logger != nil {
		c.logger.Debug("Starting request", "requestID", requestID, "method", method, "url", fullURL)
	}
	c.metrics.RecordRequestStart(method, endpoint)
	httpResp, err := c.executeMiddleware(req)
	c.metrics.RecordRequestEnd(method, endpoint)

	if err != nil {
		errType := ErrorTypeNetwork
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			errType = ErrorTypeTimeout
		}
		c.metrics.RecordRequest(method, endpoint, 0, time.Since(start))
		c.metrics.RecordError(errType, method, endpoint)
		return nil, c.fail(&ClientError{Type: errType, Message: "network request failed", Cause: err, URL: fullURL}, r, requestID, method, start)
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxResponseSize+1))
	_ = httpResp.Body.Close()
	c.metrics.RecordRequest(method, endpoint, httpResp.StatusCode, time.Since(start))
	if err != nil {
		c.metrics.RecordError(ErrorTypeNetwork, method, endpoint)
		return nil, c.fail(&ClientError{Type: ErrorTypeNetwork, Message: "failed to read response body", Cause: err, URL: fullURL, StatusCode: httpResp.StatusCode}, r, requestID, method, start)
	}
	if int64(len(data)) > c.maxResponseSize {
		c.metrics.RecordError(ErrorTypeDecode, method, endpoint)
		return nil, c.fail(&ClientError{
			Type:       ErrorTypeDecode,
			Message:    fmt.Sprintf("response body exceeds %d bytes", c.maxResponseSize),
			URL:        fullURL,
			StatusCode: httpResp.StatusCode,
		}, r, requestID, method, start)
	}

	resp := newResponse(httpResp.StatusCode, httpResp.Header, data)
	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		if c.logger != nil {
			c.logger.Debug("Request completed", "requestID", requestID, "status", httpResp.StatusCode, "duration", time.Since(start))
		}
		return resp, nil
	}

	errType := ErrorTypeClient
	if httpResp.StatusCode >= 500 {
		errType = ErrorTypeServer
	}
	c.metrics.RecordError(errType, method, endpoint)
	return resp, c.fail(&ClientError{
		Type:       errType,
		Message:    http.StatusText(httpResp.StatusCode),
		URL:        fullURL,
		StatusCode: httpResp.StatusCode,
		Response:   resp,
	}, r, requestID, method, start)
}

// fail completes err and reports it unless the request is silent.
func (c *Client) fail(err *ClientError, r *Request, requestID, method string, start time.Time) *ClientError {
	err.RequestID = requestID
	err.Method = method
	err.Silent = r.Silent
	err.Timestamp = time.Now()
	err.Duration = time.Since(start)
	if err.URL == "" {
		err.URL = r.URL
	}

	if c.logger != nil {
		c.logger.Warn("Request failed", "requestID", requestID, "method", method, "url", err.URL, "type", err.Type, "status", err.StatusCode, "silent", r.Silent)
	}
	if !r.Silent && c.errorHandler != nil {
		c.errorHandler(err)
	}
	return err
}

func (c *Client) authorize(req *http.Request) error {
	if req.Header.Get("Authorization") != "" {
		return nil
	}
	if c.tokenSource == nil {
		req.Header.Set("Authorization", "")
		return nil
	}
	token, err := c.tokenSource.Token()
	if err != nil {
		return err
	}
	if token == nil || token.AccessToken == "" {
		req.Header.Set("Authorization", "")
		return nil
	}
	token.SetAuthHeader(req)
	return nil
}

func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case io.Reader:
		return b, "", nil
	case []byte:
		return bytes.NewReader(b), "application/octet-stream", nil
	case string:
		return strings.NewReader(b), "text/plain; charset=utf-8", nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(data), "application/json", nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// Metrics returns the client's collector, nil when metrics are off.
func (c *Client) Metrics() *MetricsCollector {
	return c.metrics
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var problems []string

	if c.httpClient == nil {
		problems = append(problems, "HTTP client cannot be nil")
	}
	if c.timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if c.maxResponseSize <= 0 {
		problems = append(problems, "max response size must be positive")
	}
	if c.timeout > 10*time.Minute {
		problems = append(problems, "timeout > 10m may cause requests to hang for too long")
	}
	if !strings.Contains(c.versionFormat, "%d") {
		problems = append(problems, "versionFormat must contain %d")
	}
	if c.requestIDGen == nil {
		problems = append(problems, "request ID generator cannot be nil")
	}
	for i, middleware := range c.middleware {
		if middleware == nil {
			problems = append(problems, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	if len(problems) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", problems),
		}
	}

	return nil
}

func getEndpointFromRequest(req *http.Request) string {
	if req.URL == nil {
		return "unknown"
	}

	host := req.URL.Host
	path := req.URL.Path

	var builder strings.Builder
	builder.WriteString(host)

	if path != "" && path != "/" {
		builder.WriteString(path)
	} else {
		builder.WriteByte('/')
	}

	return builder.String()
}

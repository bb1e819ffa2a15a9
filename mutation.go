package klayquery

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// PostProps describes a mutating request.
type PostProps struct {
	URL string
	// Method defaults to POST.
	Method    string
	Params    map[string]any
	Query     map[string]any
	Header    map[string]string
	Version   int
	IsGeneral bool
	Silent    bool
	// Invalidates lists key prefixes marked stale, and refetched when
	// observed, after every successful mutation.
	Invalidates []Key
	Options     MutationOptions
	OnSuccess   func(*Response)
	OnError     func(error)
}

// MutateRequest carries the per-call parts of a mutation; Params, Query and
// Header are merged over the handle's.
type MutateRequest struct {
	Body   any
	Params map[string]any
	Query  map[string]any
	Header map[string]string
}

// MutationState is the outcome of the last mutation.
type MutationState struct {
	Status       QueryStatus
	Data         *Response
	Err          error
	FailureCount int
	SubmittedAt  time.Time
}

// Mutation sends uncached requests. Calls are not deduplicated.
type Mutation struct {
	client   *Client
	qc       *QueryClient
	template requestTemplate
	opts     ResolvedOptions
	props    PostProps

	mu    sync.Mutex
	state MutationState
}

// UsePost creates a mutation handle.
func (h *Hooks) UsePost(props PostProps) *Mutation {
	env := h.env()
	method := props.Method
	if method == "" {
		method = http.MethodPost
	}
	return &Mutation{
		client: env.client,
		qc:     env.queryClient,
		template: requestTemplate{
			method:    method,
			url:       props.URL,
			version:   props.Version,
			isGeneral: props.IsGeneral,
			params:    props.Params,
			query:     props.Query,
			header:    props.Header,
			silent:    props.Silent,
		},
		opts:  h.postOptions(props.Options).resolve(),
		props: props,
	}
}

// Options returns the resolved options of the handle.
func (m *Mutation) Options() ResolvedOptions {
	return m.opts
}

// State returns the outcome of the last mutation.
func (m *Mutation) State() MutationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset returns the handle to idle.
func (m *Mutation) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = MutationState{Status: StatusIdle}
}

// Mutate sends body.
func (m *Mutation) Mutate(ctx context.Context, body any) (*Response, error) {
	return m.MutateWith(ctx, MutateRequest{Body: body})
}

// MutateWith sends one request, retrying per the handle's policy.
func (m *Mutation) MutateWith(ctx context.Context, req MutateRequest) (*Response, error) {
	r := m.template.build(&DynamicParams{Params: req.Params, Query: req.Query}, nil)
	r.Body = req.Body
	if len(req.Header) > 0 {
		header := make(map[string]string, len(m.template.header)+len(req.Header))
		for k, v := range m.template.header {
			header[k] = v
		}
		for k, v := range req.Header {
			header[k] = v
		}
		r.Header = header
	}

	m.mu.Lock()
	m.state = MutationState{Status: StatusLoading, SubmittedAt: time.Now()}
	m.mu.Unlock()

	resp, failures, err := m.attempt(ctx, r)

	m.mu.Lock()
	m.state.FailureCount = failures
	if err != nil {
		m.state.Status = StatusError
		m.state.Err = err
	} else {
		m.state.Status = StatusSuccess
		m.state.Data = resp
	}
	m.mu.Unlock()

	if err != nil {
		if m.props.OnError != nil {
			m.props.OnError(err)
		}
		return nil, err
	}

	m.invalidate(ctx)
	if m.props.OnSuccess != nil {
		m.props.OnSuccess(resp)
	}
	return resp, nil
}

func (m *Mutation) attempt(ctx context.Context, r *Request) (*Response, int, error) {
	failures := 0
	for {
		resp, err := m.client.Do(ctx, r)
		if err == nil {
			return resp, failures, nil
		}
		failures++
		if ctx.Err() != nil || !m.opts.Retry(failures, err) {
			return nil, failures, err
		}

		timer := time.NewTimer(m.opts.RetryDelay(failures, err))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, failures, ctx.Err()
		}
	}
}

func (m *Mutation) invalidate(ctx context.Context) {
	for _, prefix := range m.props.Invalidates {
		m.qc.InvalidateQueries(prefix)
		if err := m.qc.RefetchQueries(ctx, prefix); err != nil && m.client.logger != nil {
			m.client.logger.Warn("Refetch after mutation failed", "prefix", prefix.String(), "error", err.Error())
		}
	}
}

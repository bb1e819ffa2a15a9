package klayquery

import (
	"context"
	"net/http"
	"time"
)

// Middleware wraps the transport of every request issued by a Client.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Option configures a Client.
type Option func(*Client)

// QueryFunc produces the data stored under a query key.
type QueryFunc func(ctx context.Context) (any, error)

// RetryFunc decides whether a failed query is attempted again. failureCount
// is 1 after the first failure.
type RetryFunc func(failureCount int, err error) bool

// RetryDelayFunc returns how long to wait before the next attempt.
type RetryDelayFunc func(failureCount int, err error) time.Duration

// QueryStatus is the lifecycle state of a cache entry.
type QueryStatus int

const (
	StatusIdle QueryStatus = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s QueryStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// QueryState is a snapshot of a cache entry.
type QueryState struct {
	Key            Key
	Data           any
	Err            error
	Status         QueryStatus
	UpdatedAt      time.Time
	ErrorUpdatedAt time.Time
	FailureCount   int
	IsFetching     bool
	IsInvalidated  bool
}

// HasData reports whether the entry has ever been populated.
func (s QueryState) HasData() bool {
	return !s.UpdatedAt.IsZero()
}

// EventType classifies a QueryEvent.
type EventType int

const (
	EventUpdated EventType = iota
	EventErrored
	EventInvalidated
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventUpdated:
		return "updated"
	case EventErrored:
		return "errored"
	case EventInvalidated:
		return "invalidated"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// QueryEvent is delivered to subscribers when a cache entry changes.
type QueryEvent struct {
	Type  EventType
	State QueryState
}

// Forever disables staleness or garbage collection when used as a stale or
// cache time.
const Forever time.Duration = 1<<63 - 1

// Duration returns a pointer to d, for optional option fields.
func Duration(d time.Duration) *time.Duration {
	return &d
}

// Bool returns a pointer to b, for optional option fields.
func Bool(b bool) *bool {
	return &b
}

// Int returns a pointer to n, for optional option fields.
func Int(n int) *int {
	return &n
}

package klayquery

import "time"

// Built-in defaults applied beneath every configured option set.
const (
	DefaultFetchStaleTime = 3 * time.Minute
	DefaultFetchCacheTime = 10 * time.Minute
	DefaultPageSize       = 10
)

// QueryOptions holds optional query settings. Nil fields are unset and leave
// the value from a lower-precedence set in place.
type QueryOptions struct {
	StaleTime  *time.Duration
	CacheTime  *time.Duration
	Retry      RetryFunc
	RetryDelay RetryDelayFunc
	Enabled    *bool
}

// Merge returns o overridden by every field set in over.
func (o QueryOptions) Merge(over QueryOptions) QueryOptions {
	if over.StaleTime != nil {
		o.StaleTime = over.StaleTime
	}
	if over.CacheTime != nil {
		o.CacheTime = over.CacheTime
	}
	if over.Retry != nil {
		o.Retry = over.Retry
	}
	if over.RetryDelay != nil {
		o.RetryDelay = over.RetryDelay
	}
	if over.Enabled != nil {
		o.Enabled = over.Enabled
	}
	return o
}

// PaginateQueryOptions adds page settings to QueryOptions.
type PaginateQueryOptions struct {
	QueryOptions
	// KeepPreviousData shows the last loaded page while a new one loads.
	KeepPreviousData *bool
	PageSize         *int
}

// Merge returns o overridden by every field set in over.
func (o PaginateQueryOptions) Merge(over PaginateQueryOptions) PaginateQueryOptions {
	o.QueryOptions = o.QueryOptions.Merge(over.QueryOptions)
	if over.KeepPreviousData != nil {
		o.KeepPreviousData = over.KeepPreviousData
	}
	if over.PageSize != nil {
		o.PageSize = over.PageSize
	}
	return o
}

// InfiniteQueryOptions adds a retained page cap to QueryOptions.
type InfiniteQueryOptions struct {
	QueryOptions
	// MaxPages drops the oldest pages beyond this count; zero keeps all.
	MaxPages *int
}

// Merge returns o overridden by every field set in over.
func (o InfiniteQueryOptions) Merge(over InfiniteQueryOptions) InfiniteQueryOptions {
	o.QueryOptions = o.QueryOptions.Merge(over.QueryOptions)
	if over.MaxPages != nil {
		o.MaxPages = over.MaxPages
	}
	return o
}

// MutationOptions holds optional mutation settings.
type MutationOptions struct {
	Retry      RetryFunc
	RetryDelay RetryDelayFunc
}

// Merge returns o overridden by every field set in over.
func (o MutationOptions) Merge(over MutationOptions) MutationOptions {
	if over.Retry != nil {
		o.Retry = over.Retry
	}
	if over.RetryDelay != nil {
		o.RetryDelay = over.RetryDelay
	}
	return o
}

// ResolvedOptions are the concrete settings a handle runs with.
type ResolvedOptions struct {
	StaleTime        time.Duration
	CacheTime        time.Duration
	Retry            RetryFunc
	RetryDelay       RetryDelayFunc
	Enabled          bool
	KeepPreviousData bool
	PageSize         int
	MaxPages         int
}

func defaultResolved(enabled bool) ResolvedOptions {
	return ResolvedOptions{
		StaleTime:        DefaultFetchStaleTime,
		CacheTime:        DefaultFetchCacheTime,
		Retry:            DefaultRetry,
		RetryDelay:       ConstantDelay(DefaultRetryDelay),
		Enabled:          enabled,
		KeepPreviousData: true,
		PageSize:         DefaultPageSize,
	}
}

func (o QueryOptions) resolveInto(r ResolvedOptions) ResolvedOptions {
	if o.StaleTime != nil {
		r.StaleTime = *o.StaleTime
	}
	if o.CacheTime != nil {
		r.CacheTime = *o.CacheTime
	}
	if o.Retry != nil {
		r.Retry = o.Retry
	}
	if o.RetryDelay != nil {
		r.RetryDelay = o.RetryDelay
	}
	if o.Enabled != nil {
		r.Enabled = *o.Enabled
	}
	return r
}

func (o PaginateQueryOptions) resolve() ResolvedOptions {
	r := o.QueryOptions.resolveInto(defaultResolved(true))
	if o.KeepPreviousData != nil {
		r.KeepPreviousData = *o.KeepPreviousData
	}
	if o.PageSize != nil && *o.PageSize > 0 {
		r.PageSize = *o.PageSize
	}
	return r
}

func (o InfiniteQueryOptions) resolve() ResolvedOptions {
	r := o.QueryOptions.resolveInto(defaultResolved(true))
	if o.MaxPages != nil && *o.MaxPages > 0 {
		r.MaxPages = *o.MaxPages
	}
	return r
}

func (o MutationOptions) resolve() ResolvedOptions {
	r := ResolvedOptions{Retry: NoRetry, RetryDelay: ConstantDelay(DefaultRetryDelay)}
	if o.Retry != nil {
		r.Retry = o.Retry
	}
	if o.RetryDelay != nil {
		r.RetryDelay = o.RetryDelay
	}
	return r
}

func (r ResolvedOptions) queryConfig(kind string) QueryConfig {
	return QueryConfig{
		Kind:       kind,
		StaleTime:  r.StaleTime,
		CacheTime:  r.CacheTime,
		Retry:      r.Retry,
		RetryDelay: r.RetryDelay,
	}
}

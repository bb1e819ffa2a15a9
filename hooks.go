package klayquery

import "sync"

// ConfigureOptions lists the defaults Configure may replace. Nil fields are
// left untouched; a non-nil option set replaces the previous set wholesale.
type ConfigureOptions struct {
	Client               *Client
	QueryClient          *QueryClient
	PersistStore         PersistStore
	QueryOptions         *QueryOptions
	FetchQueryOptions    *QueryOptions
	PaginateQueryOptions *PaginateQueryOptions
	InfiniteQueryOptions *InfiniteQueryOptions
	MutationOptions      *MutationOptions
}

// Hooks produces query handles that share a client, a query cache and
// per-family default options. Call-site options take precedence over family
// defaults, which take precedence over the shared QueryOptions.
type Hooks struct {
	mu                   sync.RWMutex
	client               *Client
	queryClient          *QueryClient
	persistStore         PersistStore
	queryOptions         QueryOptions
	fetchQueryOptions    QueryOptions
	paginateQueryOptions PaginateQueryOptions
	infiniteQueryOptions InfiniteQueryOptions
	mutationOptions      MutationOptions
}

// NewHooks returns a factory with a default Client and an empty QueryClient.
func NewHooks() *Hooks {
	return &Hooks{
		client:      NewClient(),
		queryClient: NewQueryClient(),
	}
}

// Configure overwrites the defaults present in options.
func (h *Hooks) Configure(options ConfigureOptions) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if options.Client != nil {
		h.client = options.Client
	}
	if options.QueryClient != nil {
		h.queryClient = options.QueryClient
	}
	if options.PersistStore != nil {
		h.persistStore = options.PersistStore
	}
	if options.QueryOptions != nil {
		h.queryOptions = *options.QueryOptions
	}
	if options.FetchQueryOptions != nil {
		h.fetchQueryOptions = *options.FetchQueryOptions
	}
	if options.PaginateQueryOptions != nil {
		h.paginateQueryOptions = *options.PaginateQueryOptions
	}
	if options.InfiniteQueryOptions != nil {
		h.infiniteQueryOptions = *options.InfiniteQueryOptions
	}
	if options.MutationOptions != nil {
		h.mutationOptions = *options.MutationOptions
	}
}

// Client returns the configured HTTP client.
func (h *Hooks) Client() *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client
}

// QueryClient returns the configured query cache.
func (h *Hooks) QueryClient() *QueryClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.queryClient
}

// hookEnv is what a handle captures from the factory when it is created.
type hookEnv struct {
	client       *Client
	queryClient  *QueryClient
	persistStore PersistStore
}

func (h *Hooks) env() hookEnv {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return hookEnv{client: h.client, queryClient: h.queryClient, persistStore: h.persistStore}
}

func (h *Hooks) fetchOptions(callSite QueryOptions) QueryOptions {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.queryOptions.Merge(h.fetchQueryOptions).Merge(callSite)
}

func (h *Hooks) paginateOptions(callSite PaginateQueryOptions) PaginateQueryOptions {
	h.mu.RLock()
	defer h.mu.RUnlock()
	base := PaginateQueryOptions{QueryOptions: h.queryOptions}
	return base.Merge(h.paginateQueryOptions).Merge(callSite)
}

func (h *Hooks) infiniteOptions(callSite InfiniteQueryOptions) InfiniteQueryOptions {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.infiniteQueryOptions.Merge(callSite)
}

func (h *Hooks) postOptions(callSite MutationOptions) MutationOptions {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mutationOptions.Merge(callSite)
}

var defaultHooks = NewHooks()

// Default returns the process-wide factory used by the package-level functions.
func Default() *Hooks {
	return defaultHooks
}

// Configure overwrites the process-wide defaults present in options.
func Configure(options ConfigureOptions) {
	defaultHooks.Configure(options)
}

// UseFetch creates a fetch handle on the process-wide factory.
func UseFetch(props FetchProps) *FetchQuery {
	return defaultHooks.UseFetch(props)
}

// UsePaginate creates a paginated handle on the process-wide factory.
func UsePaginate(props PaginateProps) *PaginateQuery {
	return defaultHooks.UsePaginate(props)
}

// UseInfinite creates an infinite handle on the process-wide factory.
func UseInfinite(props InfiniteProps) *InfiniteQuery {
	return defaultHooks.UseInfinite(props)
}

// UsePost creates a mutation on the process-wide factory.
func UsePost(props PostProps) *Mutation {
	return defaultHooks.UsePost(props)
}

// UseModifyQuery creates a cache modifier on the process-wide factory.
func UseModifyQuery(props ModifyQueryProps) *QueryModifier {
	return defaultHooks.UseModifyQuery(props)
}

// UsePersist creates a persister on the process-wide factory.
func UsePersist() *Persister {
	return defaultHooks.UsePersist()
}

// UseSubscribeQuery subscribes to a key on the process-wide factory.
func UseSubscribeQuery(props SubscribeQueryProps) *Subscription {
	return defaultHooks.UseSubscribeQuery(props)
}

// UseSubscribeQuery subscribes to changes of props.Name without fetching.
func (h *Hooks) UseSubscribeQuery(props SubscribeQueryProps) *Subscription {
	return h.env().queryClient.Subscribe(props.Name, props.OnChange, props.Buffer)
}

// Package klayquery provides data-fetching handles over an HTTP client and a
// keyed query cache:
//
//   - UseFetch: cached GET with dynamic params and refresh
//   - UsePaginate: one cache entry per page, keep-previous-data
//   - UseInfinite: pages accumulated under one key
//   - UsePost: uncached mutations that invalidate cached queries
//   - UseModifyQuery: direct reads and writes of cache entries
//   - UsePersist: values that never go stale, optionally mirrored to memcache
//   - UseSubscribeQuery: change notifications for a key
//
// Every handle reads the process-wide defaults set with Configure, or those of
// a private Hooks created with NewHooks. Concurrent requests for one key share
// a single HTTP call; failed queries retry once after 5s unless the response
// was a 404 or a 500.
//
// Typical usage:
//
//	klayquery.Configure(klayquery.ConfigureOptions{
//	    Client: klayquery.NewClient(
//	        klayquery.WithBaseURL("https://api.example.com"),
//	        klayquery.WithBearerToken(token),
//	    ),
//	})
//	users := klayquery.UseFetch(klayquery.FetchProps{
//	    URL:     "/users/{id}",
//	    Name:    klayquery.Key{"user", id},
//	    Params:  map[string]any{"id": id},
//	    Version: 1,
//	})
//	defer users.Close()
//	result, err := users.Refetch(ctx)
//
// Fetches without a Name are never cached. Handles are safe for concurrent
// use; Close releases the key so its data is collected after the cache time.
package klayquery

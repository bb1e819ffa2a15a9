package klayquery

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ambiyansyah-risyal/klayquery/internal/backoff"
)

// DefaultRetryDelay is the wait between attempts of a failed query.
const DefaultRetryDelay = 5 * time.Second

// DefaultRetry never retries 404 and 500 responses and otherwise allows a
// single retry.
func DefaultRetry(failureCount int, err error) bool {
	switch StatusCode(err) {
	case http.StatusNotFound, http.StatusInternalServerError:
		return false
	}
	return failureCount <= 1
}

// NoRetry never retries.
func NoRetry(int, error) bool {
	return false
}

// RetryCount retries up to n times.
func RetryCount(n int) RetryFunc {
	return func(failureCount int, _ error) bool {
		return failureCount <= n
	}
}

// ConstantDelay waits d between attempts.
func ConstantDelay(d time.Duration) RetryDelayFunc {
	return strategyDelay(backoff.Constant(d))
}

// ExponentialDelay doubles the wait after each failure starting at initial,
// capped at max, with 10% jitter.
func ExponentialDelay(initial, max time.Duration) RetryDelayFunc {
	return strategyDelay(backoff.Exponential{Initial: initial, Max: max, Multiplier: 2, Jitter: 0.1})
}

// DecorrelatedDelay spreads retries of many clients apart.
func DecorrelatedDelay(initial, max time.Duration) RetryDelayFunc {
	return strategyDelay(backoff.Decorrelated{Initial: initial, Max: max})
}

func strategyDelay(s backoff.Strategy) RetryDelayFunc {
	return func(failureCount int, _ error) time.Duration {
		return s.Delay(failureCount)
	}
}

// RetryAfterDelay honours a Retry-After header on the failed response and
// falls back to fallback otherwise.
func RetryAfterDelay(fallback RetryDelayFunc) RetryDelayFunc {
	return func(failureCount int, err error) time.Duration {
		var clientErr *ClientError
		if errors.As(err, &clientErr) && clientErr.Response != nil {
			if d := parseRetryAfter(clientErr.Response.Header.Get("Retry-After")); d > 0 {
				return d
			}
		}
		return fallback(failureCount, err)
	}
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}

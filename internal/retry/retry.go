// Package retry computes retry decisions for the execution engine:
// exponential backoff with jitter, Retry-After-aware delay computation,
// and a max-delay cap. Retries are opt-in (max_retries defaults to 0).
package retry

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aionixone/openact/internal/domain"
)

// jitterFactor bounds the uniform jitter at +/-10% of the backoff base.
// Not exposed through domain.RetryPolicy.
const jitterFactor = 0.1

// Decision is the outcome of evaluating one dispatch attempt against a
// RetryPolicy: whether to retry and, if so, after how long.
type Decision struct {
	ShouldRetry bool
	Delay       time.Duration
}

// Evaluate decides whether attempt (0-indexed, the attempt that just
// failed) should be retried under policy, given the observed status code
// (0 if the failure was a transport error rather than an HTTP response)
// and any Retry-After header value present on the response.
func Evaluate(policy domain.RetryPolicy, attempt int, statusCode int, retryAfter string) Decision {
	if attempt >= policy.MaxRetries {
		return Decision{ShouldRetry: false}
	}
	if statusCode != 0 && !isRetryableStatus(policy, statusCode) {
		return Decision{ShouldRetry: false}
	}

	if policy.RespectRetryAfter {
		if d, ok := parseRetryAfter(retryAfter); ok {
			return Decision{ShouldRetry: true, Delay: clampDelay(d, policy)}
		}
	}

	return Decision{ShouldRetry: true, Delay: calculateBackoff(policy, attempt)}
}

func isRetryableStatus(policy domain.RetryPolicy, statusCode int) bool {
	codes := policy.RetryStatusCodes
	if len(codes) == 0 {
		codes = domain.DefaultRetryPolicy().RetryStatusCodes
	}
	for _, c := range codes {
		if c == statusCode {
			return true
		}
	}
	return false
}

// calculateBackoff computes the exponential-backoff-with-jitter delay for
// attempt: base * multiplier^attempt, plus uniform jitter, then clamped
// to [0, max_delay_ms]. The clamp runs after the jitter is added so the
// returned delay never exceeds the cap.
func calculateBackoff(policy domain.RetryPolicy, attempt int) time.Duration {
	base := time.Duration(policy.BaseDelayMS) * time.Millisecond
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = domain.DefaultRetryPolicy().BackoffMultiplier
	}

	delay := float64(base) * math.Pow(multiplier, float64(attempt))
	delay += delay * jitterFactor * (rand.Float64()*2 - 1)

	maxDelay := float64(time.Duration(policy.MaxDelayMS) * time.Millisecond)
	if maxDelay <= 0 {
		maxDelay = float64(time.Duration(domain.DefaultRetryPolicy().MaxDelayMS) * time.Millisecond)
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func clampDelay(d time.Duration, policy domain.RetryPolicy) time.Duration {
	maxDelay := time.Duration(policy.MaxDelayMS) * time.Millisecond
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// parseRetryAfter parses a Retry-After header value in either of its two
// HTTP-standard forms: an integer number of seconds, or an HTTP-date.
func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

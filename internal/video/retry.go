package video

import (
	"time"

	"github.com/user/storyforge/internal/types"
)

// RetryPolicy controls how rate-limited video submissions are retried with
// linear backoff.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with 3 retries and a 10s step,
// giving delays of 10s, 20s and 30s.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 3,
		RetryDelay: 10 * time.Second,
	}
}

// ShouldRetry returns true if err is a rate-limit error and retryCount has not
// reached MaxRetries.
func (p *RetryPolicy) ShouldRetry(err error, retryCount int) bool {
	if retryCount >= p.MaxRetries {
		return false
	}
	return p.isRetryable(err)
}

// isRetryable classifies errors by provider throttling signature. Every other
// failure is terminal for the scene.
func (p *RetryPolicy) isRetryable(err error) bool {
	return types.IsRateLimit(err)
}

// Backoff returns the delay before the given retry (1-indexed):
// RetryDelay * retryCount.
func (p *RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return p.RetryDelay * time.Duration(retryCount)
}

// Retry policy for the outbox pipelines.
package domain

import (
	"math/rand"
	"time"
)

// RetryPolicy computes the re-queue delay after a retryable failure:
// min(Cap, Base*2^(attempts-1)) plus uniform jitter of up to 10%.
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultEntryBackoff is the entry index pipeline policy.
func DefaultEntryBackoff() RetryPolicy {
	return RetryPolicy{Base: 2 * time.Second, Cap: 60 * time.Second}
}

// DefaultAttachmentBackoff covers both attachment pipelines (index, parse).
func DefaultAttachmentBackoff() RetryPolicy {
	return RetryPolicy{Base: 5 * time.Second, Cap: 300 * time.Second}
}

// Delay returns the backoff for the given attempt count (1-based; the count
// already includes the attempt that just failed). Non-decreasing up to Cap.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.Cap || d < 0 {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	jitter := time.Duration(rand.Float64() * 0.1 * float64(d))
	return d + jitter
}

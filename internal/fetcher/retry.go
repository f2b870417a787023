package fetcher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

// RetryPolicy decides whether and when to retry a failed fetch.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Waiter throttles requests per destination.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy. maxRetries counts retries after
// the first attempt; zero values fall back to defaults.
func NewExponentialRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxRetries + 1,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// ShouldRetry retries temporary fetch failures until attempts run out.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var fe *ingest.FetchError
	if errors.As(err, &fe) {
		return fe.Temporary()
	}
	return false
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Retrying wraps a RawFetcher with throttling and retries.
type Retrying struct {
	next    RawFetcher
	policy  RetryPolicy
	limiter Waiter
	logger  *zap.Logger
}

// NewRetrying builds a Retrying fetcher. limiter may be nil.
func NewRetrying(next RawFetcher, policy RetryPolicy, limiter Waiter, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = NewExponentialRetryPolicy(2, 0, 0)
	}
	return &Retrying{next: next, policy: policy, limiter: limiter, logger: logger}
}

// FetchRaw implements RawFetcher.
func (r *Retrying) FetchRaw(ctx context.Context, url string) (Response, error) {
	for attempt := 1; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx, url); err != nil {
				return Response{}, fmt.Errorf("throttle %s: %w", url, err)
			}
		}
		resp, err := r.next.FetchRaw(ctx, url)
		if err == nil {
			return resp, nil
		}
		if !r.policy.ShouldRetry(err, attempt) {
			return Response{}, err
		}
		delay := r.policy.Backoff(attempt)
		r.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Response{}, fmt.Errorf("fetch %s canceled: %w", url, ctx.Err())
		case <-timer.C:
		}
	}
}

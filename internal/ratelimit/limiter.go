// Package ratelimit implements the Discord REST rate limiter
// (spec.md §4.A): per-endpoint bucket tracking from response headers,
// a global minimum-spacing pacer, and retry-with-backoff for 429/5xx
// responses. The bucket bookkeeping and Execute-style wrapper follow
// the shape of the teacher's internal/gateway/retry.go, generalized
// from a fixed attempt count to header-driven waits.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucket tracks the last known rate-limit state for one endpoint, as
// reported by Discord's X-RateLimit-* response headers.
type bucket struct {
	remaining int
	resetAt   time.Time
}

// Limiter serializes outbound Discord API calls: a global pacer
// enforces the 350ms minimum spacing between any two requests, and
// per-endpoint buckets make the limiter wait out a bucket's reset
// window before spending its last remaining call early.
type Limiter struct {
	global  *rate.Limiter
	backoff BackoffPolicy
	metrics *Metrics

	mu      sync.Mutex
	buckets map[string]*bucket
}

// GlobalMinSpacing is the minimum interval spec.md §4.A mandates
// between any two outbound requests, regardless of per-endpoint state.
const GlobalMinSpacing = 350 * time.Millisecond

// New constructs a Limiter. metrics may be nil to disable observation.
func New(metrics *Metrics) *Limiter {
	return &Limiter{
		global:  rate.NewLimiter(rate.Every(GlobalMinSpacing), 1),
		backoff: DefaultBackoffPolicy(),
		metrics: metrics,
		buckets: make(map[string]*bucket),
	}
}

// Wait blocks until endpoint is clear to call: the global pacer has
// spacing available and, if the bucket's last known remaining count
// was exhausted, its reset time has passed.
func (l *Limiter) Wait(ctx context.Context, endpoint string) error {
	if err := l.global.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: global wait: %w", err)
	}

	l.mu.Lock()
	b, ok := l.buckets[endpoint]
	l.mu.Unlock()
	if !ok || b.remaining > 0 {
		return nil
	}

	wait := time.Until(b.resetAt)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Update records the rate-limit state reported by a response's
// headers against endpoint, so future Wait calls respect it.
func (l *Limiter) Update(endpoint string, header http.Header) {
	remaining, hasRemaining := parseInt(header.Get("X-RateLimit-Remaining"))
	if !hasRemaining {
		return
	}

	var resetAt time.Time
	if resetAfter, ok := parseFloat(header.Get("X-RateLimit-Reset-After")); ok {
		resetAt = time.Now().Add(time.Duration(resetAfter * float64(time.Second)))
	} else if reset, ok := parseFloat(header.Get("X-RateLimit-Reset")); ok {
		resetAt = time.Unix(0, int64(reset*float64(time.Second)))
	} else {
		resetAt = time.Now().Add(time.Second)
	}

	l.mu.Lock()
	l.buckets[endpoint] = &bucket{remaining: remaining, resetAt: resetAt}
	l.mu.Unlock()
}

// Do is the signature of an operation retried by WithRetry. It must
// return the response so WithRetry can classify status codes and
// update bucket state; callers close the body.
type Do func(ctx context.Context) (*http.Response, error)

// WithRetry calls do, waiting on the limiter beforehand, and retries
// on 429 (honoring Retry-After verbatim), on 5xx, and on transport
// errors (both using BackoffPolicy) up to maxRetries times. Any other
// status is returned immediately. Once retries are exhausted, the last
// 429/5xx response is returned, or the last transport error wrapped.
func (l *Limiter) WithRetry(ctx context.Context, endpoint string, maxRetries int, do Do) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if err := l.Wait(ctx, endpoint); err != nil {
			return nil, err
		}

		resp, err := do(ctx)
		if err != nil {
			lastErr = err
			if attempt > maxRetries {
				break
			}
			l.metrics.observeRetry(endpoint)
			if !sleepFor(ctx, l.backoff.Delay(attempt)) {
				return nil, ctx.Err()
			}
			continue
		}

		l.Update(endpoint, resp.Header)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			l.metrics.observeRateLimited(endpoint)
			if attempt > maxRetries {
				return resp, nil
			}
			delay := retryAfterDelay(resp.Header)
			resp.Body.Close()
			l.metrics.observeRetry(endpoint)
			if !sleepFor(ctx, delay) {
				return nil, ctx.Err()
			}
			continue

		case resp.StatusCode >= 500:
			l.metrics.observeServerError(endpoint)
			if attempt > maxRetries {
				return resp, nil
			}
			resp.Body.Close()
			l.metrics.observeRetry(endpoint)
			if !sleepFor(ctx, l.backoff.Delay(attempt)) {
				return nil, ctx.Err()
			}
			continue

		default:
			return resp, nil
		}
	}
	return nil, fmt.Errorf("ratelimit: exhausted retries for %s: %w", endpoint, lastErr)
}

func retryAfterDelay(header http.Header) time.Duration {
	if v, ok := parseFloat(header.Get("Retry-After")); ok {
		return time.Duration(v * float64(time.Second))
	}
	return time.Second
}

func sleepFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func parseInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

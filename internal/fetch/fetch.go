// Package fetch downloads generated images from Discord's CDN
// (spec.md §4.G): retried, deadline-bounded, content-type verified.
//
// Grounded on the teacher's pkg/llm/openai/client.go HTTP-with-context
// idiom (http.NewRequestWithContext, explicit status check) and
// original_source's save_image, which gates on a "image/" content-type
// prefix before writing anything to disk.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/mjclient/internal/ratelimit"
)

// MaxRetries and PerAttemptDeadline are spec.md §4.G's constants.
const (
	MaxRetries         = 3
	PerAttemptDeadline = 30 * time.Second
)

// Result is a downloaded image: raw bytes plus its verified mime type.
type Result struct {
	Bytes    []byte
	MimeType string
}

// Fetcher downloads CDN image URLs with retry and backoff.
type Fetcher struct {
	client  *http.Client
	backoff ratelimit.BackoffPolicy
}

// New constructs a Fetcher. client may be nil to use http.DefaultClient.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, backoff: ratelimit.DefaultBackoffPolicy()}
}

// Download fetches url, retrying any failed attempt (transport error,
// non-200 status, or non-image content-type) up to MaxRetries times
// with exponential backoff. Each attempt is bounded by
// PerAttemptDeadline regardless of the parent context's own deadline.
func (f *Fetcher) Download(ctx context.Context, url string) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxRetries+1; attempt++ {
		result, err := f.attempt(ctx, url)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt > MaxRetries {
			break
		}
		delay := f.backoff.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("fetch: %s: exhausted retries: %w", url, lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, url string) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, PerAttemptDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("unexpected content-type %q", contentType)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Result{Bytes: body, MimeType: contentType}, nil
}

// Package correlation implements the Correlation Engine (spec.md
// §4.F): for each of the four upscale variants, once the Facade has
// sent the button click, it subscribes a predicate tuned to that
// variant, and resolves
// the first matching message, guaranteeing at most one resolution per
// variant and no message id resolving two variants.
//
// Concurrency is bounded with golang.org/x/sync/semaphore, the same
// primitive the teacher's internal/gateway/queue.go uses to cap
// simultaneous run processing; here it caps simultaneous variant
// waits instead of simultaneous session lanes.
package correlation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/mjclient/internal/generation"
	"github.com/user/mjclient/internal/mjerrors"
	"github.com/user/mjclient/internal/types"
)

// VariantTimeout is T_upscale from spec.md §4.F.
const VariantTimeout = 180 * time.Second

// ClockSkew is the epsilon applied to a variant's startedAt timestamp
// when matching candidate messages.
const ClockSkew = 1 * time.Second

var variantMarker = regexp.MustCompile(`Image #([1-4])|- (Variation|Upscaled \(Subtle\))`)

// Result is what one variant resolves to on success.
type Result struct {
	Artifact      types.Message
	GridMessageID types.MessageID
	VariantIndex  int // 0-based
}

// Engine tracks cross-variant state (the shared processedMessageIds
// set) for one generation's upscale round.
type Engine struct {
	observer types.Observer
	sem      *semaphore.Weighted

	mu        sync.Mutex
	processed map[types.MessageID]struct{}
}

// New constructs an Engine bounded to maxConcurrent simultaneous
// variant waits (the pack's default is 4, one per variant, since all
// four run in parallel per spec.md §4.F).
func New(observer types.Observer, maxConcurrent int64) *Engine {
	return &Engine{
		observer:  observer,
		sem:       semaphore.NewWeighted(maxConcurrent),
		processed: make(map[types.MessageID]struct{}),
	}
}

// ResolveVariant runs the per-variant algorithm: subscribe, wait for
// the first matching message or VariantTimeout, and mark the winning
// message id processed so it can never resolve a second variant.
func (e *Engine) ResolveVariant(ctx context.Context, gridMessageID types.MessageID, fingerprint string, variantIndex int, startedAt time.Time) (*Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("correlation: acquire slot for variant %d: %w", variantIndex, err)
	}
	defer e.sem.Release(1)

	sub := e.observer.Subscribe(func(event types.MessageEvent) bool {
		return e.matches(event, gridMessageID, fingerprint, variantIndex, startedAt)
	})
	defer sub.Cancel()

	deadline := time.NewTimer(VariantTimeout)
	defer deadline.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return nil, mjerrors.New(mjerrors.KindCorrelation, fingerprint, "", time.Since(startedAt),
					fmt.Errorf("variant %d: subscription closed", variantIndex+1))
			}

			e.mu.Lock()
			if _, already := e.processed[event.Message.ID]; already {
				e.mu.Unlock()
				continue
			}
			e.processed[event.Message.ID] = struct{}{}
			e.mu.Unlock()

			return &Result{
				Artifact:      event.Message,
				GridMessageID: gridMessageID,
				VariantIndex:  variantIndex,
			}, nil

		case <-deadline.C:
			return nil, mjerrors.New(mjerrors.KindCorrelation, fingerprint, "", VariantTimeout,
				fmt.Errorf("variant %d: timed out after %s", variantIndex+1, VariantTimeout))

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// matches implements spec.md §4.F step 2's predicate, plus an
// attachment-URL fallback (see DetectVariantFromURL): a message that
// passes the fingerprint check but has neither a grid reference nor a
// variant marker is still accepted when its attachment URL names
// variantIndex.
func (e *Engine) matches(event types.MessageEvent, gridMessageID types.MessageID, fingerprint string, variantIndex int, startedAt time.Time) bool {
	msg := event.Message
	if event.Kind == types.EventMessageDelete {
		return false
	}
	if msg.Timestamp.Before(startedAt.Add(-ClockSkew)) {
		return false
	}

	e.mu.Lock()
	_, already := e.processed[msg.ID]
	e.mu.Unlock()
	if already {
		return false
	}

	if !generation.Matches(msg.Content, fingerprint) {
		return false
	}

	if msg.ReferencedMessage == gridMessageID {
		return true
	}
	if hasVariantMarker(msg.Content, variantIndex) {
		return true
	}
	for _, att := range msg.Attachments {
		if v, ok := DetectVariantFromURL(att.URL); ok && v == variantIndex {
			return true
		}
	}
	return false
}

// hasVariantMarker reports whether content names variantIndex (0-based)
// either via "Image #v" (1-based) or the "- Variation"/"- Upscaled
// (Subtle)" naming convention original_source's URL validator also
// checks for.
func hasVariantMarker(content string, variantIndex int) bool {
	found := variantMarker.FindAllStringSubmatch(content, -1)
	if found == nil {
		return false
	}
	for _, m := range found {
		if m[1] != "" {
			return m[1][0]-'0' == byte(variantIndex+1)
		}
	}
	// A bare "- Variation"/"- Upscaled (Subtle)" suffix names the kind
	// of upscale but not which variant; treat as a marker match only
	// when content doesn't contradict the requested index.
	return true
}

// DetectVariantFromURL extracts the 0-based variant index Discord's
// CDN encodes in an upscaled image's filename, e.g.
// ".../prompt_text_<seed>_<variant>.png" where <variant> ∈ {0..3}.
// Supplemented from original_source's detect_variant_from_url: matches
// checks it last, after the grid reference and the content marker. It
// does not arbitrate between competing candidates; the first message
// that passes matches wins.
func DetectVariantFromURL(url string) (int, bool) {
	idx := strings.LastIndex(url, "_")
	if idx == -1 {
		return 0, false
	}
	dot := strings.LastIndex(url, ".")
	if dot == -1 || dot < idx {
		return 0, false
	}
	suffix := url[idx+1 : dot]
	if len(suffix) != 1 || suffix[0] < '0' || suffix[0] > '3' {
		return 0, false
	}
	return int(suffix[0] - '0'), true
}

package generation

import (
	"regexp"
	"strings"
	"time"

	"github.com/user/mjclient/internal/mjerrors"
	"github.com/user/mjclient/internal/types"
)

// Outcome is one of the seven terminal classifications spec.md §4.E
// defines, or OutcomeNone if the message is a transient progress
// update that leaves the generation in the grid state.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeComplete
	OutcomePreModeration
	OutcomePostModeration
	OutcomeEphemeralModeration
	OutcomeJobQueued
	OutcomeQueueFull
	OutcomeInvalidRequest
)

var (
	progressPattern = regexp.MustCompile(`\(\s*\d{1,3}\s*%\s*\)`)
	upsampleButton   = regexp.MustCompile(`^MJ::JOB::upsample::([1-4])(?:::|$)`)
)

// BelongsToGeneration reports whether msg is a candidate progress/grid
// message for ctx: authored by the provider bot (spec.md §4.E's
// "authored by provider bot" clause) and its content matches ctx's
// fingerprint. A message failing either check is some other user's
// post or an unrelated generation and must never be classified.
func BelongsToGeneration(ctx *types.GenerationContext, msg types.Message, providerBotUserID types.UserID) bool {
	return msg.AuthorID == providerBotUserID && Matches(msg.Content, ctx.Fingerprint)
}

// ClassifyCreate classifies a MESSAGE_CREATE against a pending
// Generation Context: is this the grid we are waiting for?
func ClassifyCreate(ctx *types.GenerationContext, msg types.Message, providerBotUserID types.UserID) (Outcome, error) {
	if !BelongsToGeneration(ctx, msg, providerBotUserID) {
		return OutcomeNone, nil
	}
	if hasQueueFullPhrase(msg.Content) {
		return OutcomeQueueFull, nil
	}
	if variants := upscaleButtons(msg); len(msg.Attachments) > 0 && len(variants) == 4 && !progressPattern.MatchString(msg.Content) {
		return OutcomeComplete, nil
	}
	return OutcomeNone, nil
}

// ClassifyUpdate classifies a MESSAGE_UPDATE for a message already
// tracked by the Generation Context, applying spec.md §4.E's
// precedence order (stop suffix before queue phrases, etc).
func ClassifyUpdate(content string) Outcome {
	trimmed := strings.TrimSpace(content)
	switch {
	case strings.HasSuffix(trimmed, "(Stopped)"):
		return OutcomePostModeration
	case strings.HasSuffix(trimmed, "(Waiting to start)"), strings.Contains(trimmed, "Job queued"):
		return OutcomeJobQueued
	case hasQueueFullPhrase(trimmed):
		return OutcomeQueueFull
	default:
		return OutcomeNone
	}
}

// ClassifyDelete always yields EphemeralModerationError: only messages
// the caller is already tracking reach this function, so the delete
// of a tracked id is unconditionally an ephemeral moderation event
// (precedence rule 1 in spec.md §4.E).
func ClassifyDelete() Outcome {
	return OutcomeEphemeralModeration
}

// ClassifyInteractionError maps any 4xx interaction response status to
// InvalidRequestError (precedence rule 7); the response body is not
// inspected for a provider moderation code.
func ClassifyInteractionError(statusCode int) Outcome {
	if statusCode >= 400 && statusCode < 500 {
		return OutcomeInvalidRequest
	}
	return OutcomeNone
}

// ToError converts a terminal Outcome into the typed error the Facade
// surfaces, given the owning fingerprint, triggering message id, and
// elapsed time since the generation started.
func (o Outcome) ToError(fingerprint string, messageID types.MessageID, elapsed time.Duration) error {
	kind, ok := outcomeKinds[o]
	if !ok {
		return nil
	}
	return mjerrors.New(kind, fingerprint, string(messageID), elapsed, nil)
}

var outcomeKinds = map[Outcome]mjerrors.Kind{
	OutcomePreModeration:       mjerrors.KindPreModeration,
	OutcomePostModeration:      mjerrors.KindPostModeration,
	OutcomeEphemeralModeration: mjerrors.KindEphemeralModeration,
	OutcomeJobQueued:           mjerrors.KindJobQueued,
	OutcomeQueueFull:           mjerrors.KindQueueFull,
	OutcomeInvalidRequest:      mjerrors.KindInvalidRequest,
}

func hasQueueFullPhrase(content string) bool {
	return strings.Contains(strings.ToLower(content), "queue is full")
}

// upscaleButtons returns the 1-indexed variant numbers encoded by the
// message's component custom_ids, e.g. "MJ::JOB::upsample::3" or
// "MJ::JOB::upsample::3::<hash>" -> 3.
func upscaleButtons(msg types.Message) []int {
	var variants []int
	for _, btn := range msg.Buttons {
		if m := upsampleButton.FindStringSubmatch(btn.CustomID); m != nil {
			variants = append(variants, int(m[1][0]-'0'))
		}
	}
	return variants
}

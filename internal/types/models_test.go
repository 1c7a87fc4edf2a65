package types

import (
	"testing"
	"time"
)

func TestGenerationContextMarkProcessedOnce(t *testing.T) {
	g := NewGenerationContext(NewGenerationID(), "a dolphin", "a dolphin", time.Now())

	if !g.MarkProcessed(MessageID("1")) {
		t.Error("expected first mark to succeed")
	}
	if g.MarkProcessed(MessageID("1")) {
		t.Error("expected second mark of same id to fail")
	}
	if !g.MarkProcessed(MessageID("2")) {
		t.Error("expected distinct id to succeed")
	}
}

func TestGenerationContextStatusTransitions(t *testing.T) {
	g := NewGenerationContext(NewGenerationID(), "p", "p", time.Now())
	if g.Status() != StatusPending {
		t.Errorf("expected initial status pending, got %v", g.Status())
	}
	g.SetStatus(StatusAwaitingGrid)
	if g.Status() != StatusAwaitingGrid {
		t.Errorf("expected awaitingGrid, got %v", g.Status())
	}
}

func TestSessionStateString(t *testing.T) {
	cases := map[SessionState]string{
		SessionConnecting:  "connecting",
		SessionIdentifying: "identifying",
		SessionReady:       "ready",
		SessionResuming:    "resuming",
		SessionClosed:      "closed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("state %d: got %q, want %q", state, got, want)
		}
	}
}

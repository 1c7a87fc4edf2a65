package observer

import (
	"context"
	"testing"
	"time"

	"github.com/user/mjclient/internal/types"
)

func waitForEvent(t *testing.T, sub types.Subscription, timeout time.Duration) (types.MessageEvent, bool) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		return ev, ok
	case <-time.After(timeout):
		return types.MessageEvent{}, false
	}
}

func TestObserverDeliversMatchingEvent(t *testing.T) {
	o := New()
	o.Run(context.Background())
	defer o.Stop()

	sub := o.Subscribe(func(ev types.MessageEvent) bool {
		return ev.Message.Content == "hello"
	})
	defer sub.Cancel()

	o.Publish(types.MessageEvent{
		Kind: types.EventMessageCreate,
		Message: types.Message{
			ID:        types.MessageID("1"),
			ChannelID: types.ChannelID("chan-1"),
			Content:   "hello",
			Timestamp: time.Now(),
		},
	})

	ev, ok := waitForEvent(t, sub, 3*time.Second)
	if !ok {
		t.Fatal("expected event to be delivered")
	}
	if ev.Message.Content != "hello" {
		t.Errorf("unexpected event content: %q", ev.Message.Content)
	}
}

func TestObserverDropsNonMatchingEvent(t *testing.T) {
	o := New()
	o.Run(context.Background())
	defer o.Stop()

	sub := o.Subscribe(func(ev types.MessageEvent) bool {
		return ev.Message.Content == "never matches"
	})
	defer sub.Cancel()

	o.Publish(types.MessageEvent{
		Kind: types.EventMessageCreate,
		Message: types.Message{
			ID:        types.MessageID("2"),
			ChannelID: types.ChannelID("chan-1"),
			Content:   "irrelevant",
			Timestamp: time.Now(),
		},
	})

	if _, ok := waitForEvent(t, sub, 3*time.Second); ok {
		t.Error("did not expect a non-matching event to be delivered")
	}
}

func TestObserverDedupesSameMessageIDAndKind(t *testing.T) {
	o := New()
	o.Run(context.Background())
	defer o.Stop()

	var received int
	sub := o.Subscribe(func(ev types.MessageEvent) bool { return true })
	defer sub.Cancel()

	msg := types.Message{
		ID:        types.MessageID("dup-1"),
		ChannelID: types.ChannelID("chan-1"),
		Content:   "from user session",
		Timestamp: time.Now(),
	}
	// Simulate the same dispatch arriving on both gateway sessions.
	o.Publish(types.MessageEvent{Kind: types.EventMessageCreate, Message: msg})
	o.Publish(types.MessageEvent{Kind: types.EventMessageCreate, Message: msg})

	collect := time.After(3 * time.Second)
collectLoop:
	for {
		select {
		case _, ok := <-sub.Events():
			if ok {
				received++
			}
		case <-collect:
			break collectLoop
		}
	}
	if received != 1 {
		t.Errorf("expected exactly 1 delivery after dedupe, got %d", received)
	}
}

func TestObserverCancelClosesChannel(t *testing.T) {
	o := New()
	o.Run(context.Background())
	defer o.Stop()

	sub := o.Subscribe(func(ev types.MessageEvent) bool { return true })
	sub.Cancel()

	_, ok := <-sub.Events()
	if ok {
		t.Error("expected channel to be closed after Cancel")
	}
}

func TestDedupeSetEvictsOldestBeyondCapacity(t *testing.T) {
	d := newDedupeSet(2)
	if d.seen("a") {
		t.Error("expected first sighting of a to be new")
	}
	if d.seen("b") {
		t.Error("expected first sighting of b to be new")
	}
	if d.seen("c") {
		t.Error("expected first sighting of c to be new")
	}
	// "a" should have been evicted once capacity exceeded.
	if d.seen("a") {
		t.Error("expected a to be treated as new again after eviction")
	}
}

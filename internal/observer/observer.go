// Package observer implements the Message Observer (spec.md §4.D): a
// publish-subscribe layer merging both gateway sessions, deduplicated
// by message id, with a short reorder window before release.
//
// The per-channel goroutine-plus-buffer shape is grounded on the
// teacher's internal/gateway/queue.go per-session-lane pattern,
// generalized from "one lane per session key processed FIFO" to "one
// reorder buffer per Discord channel flushed in timestamp order".
package observer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/user/mjclient/internal/types"
)

var _ types.Observer = (*Observer)(nil)

// reorderGrace is the window spec.md §4.D mandates before a buffered
// event is eligible for release.
const reorderGrace = 2 * time.Second

// dedupeCapacity is the LRU's size, per spec.md §5.
const dedupeCapacity = 10000

type subscription struct {
	id        uint64
	predicate func(types.MessageEvent) bool
	events    chan types.MessageEvent

	mu        sync.Mutex
	cancelled bool
}

func (s *subscription) Events() <-chan types.MessageEvent { return s.events }

func (s *subscription) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	close(s.events)
}

func (s *subscription) send(event types.MessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	select {
	case s.events <- event:
	default:
		// Slow subscriber: drop rather than block the channel merge.
	}
}

type bufferedEvent struct {
	event    types.MessageEvent
	queuedAt time.Time
}

// Observer merges DISPATCH-derived message events from two gateway
// sessions into one deduplicated, reordered stream.
type Observer struct {
	mu      sync.Mutex
	subs    map[uint64]*subscription
	nextID  uint64
	dedupe  *dedupeSet
	buffers map[types.ChannelID][]bufferedEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Observer. Run must be called before Publish has
// any effect on the reorder buffer's background flusher.
func New() *Observer {
	return &Observer{
		subs:    make(map[uint64]*subscription),
		dedupe:  newDedupeSet(dedupeCapacity),
		buffers: make(map[types.ChannelID][]bufferedEvent),
	}
}

// Run starts the background flusher. Call Stop to tear it down.
func (o *Observer) Run(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go o.flushLoop()
}

// Stop cancels the flusher and waits for it to exit.
func (o *Observer) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Subscribe registers a predicate and returns a cancellable
// subscription. The predicate is evaluated once per released event,
// in per-channel timestamp order.
func (o *Observer) Subscribe(predicate func(types.MessageEvent) bool) types.Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	sub := &subscription{
		id:        o.nextID,
		predicate: predicate,
		events:    make(chan types.MessageEvent, 32),
	}
	o.subs[sub.id] = sub
	return sub
}

// Publish enqueues an event from either gateway session. A repeated
// (message id, event kind) pair, such as the same dispatch seen on
// both sessions, is dropped; the rest are held
// in the owning channel's reorder buffer until flushLoop releases
// them.
func (o *Observer) Publish(event types.MessageEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	dedupeKey := fmt.Sprintf("%s:%d", event.Message.ID, event.Kind)
	if o.dedupe.seen(dedupeKey) {
		return
	}

	o.buffers[event.Message.ChannelID] = append(o.buffers[event.Message.ChannelID], bufferedEvent{
		event:    event,
		queuedAt: time.Now(),
	})
}

func (o *Observer) flushLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.flushDue()
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Observer) flushDue() {
	o.mu.Lock()
	now := time.Now()
	var released []types.MessageEvent
	for channelID, buf := range o.buffers {
		var remaining []bufferedEvent
		var ready []bufferedEvent
		for _, be := range buf {
			if now.Sub(be.queuedAt) >= reorderGrace {
				ready = append(ready, be)
			} else {
				remaining = append(remaining, be)
			}
		}
		if len(ready) > 0 {
			// Order by the creation time encoded in the snowflake id,
			// falling back to the decoded timestamp for ids that do not
			// parse as snowflakes.
			orderTime := func(m types.Message) time.Time {
				if t, err := types.SnowflakeTime(m.ID); err == nil {
					return t
				}
				return m.Timestamp
			}
			sort.Slice(ready, func(i, j int) bool {
				return orderTime(ready[i].event.Message).Before(orderTime(ready[j].event.Message))
			})
			for _, be := range ready {
				released = append(released, be.event)
			}
		}
		if len(remaining) == 0 {
			delete(o.buffers, channelID)
		} else {
			o.buffers[channelID] = remaining
		}
	}
	subs := make([]*subscription, 0, len(o.subs))
	for _, s := range o.subs {
		subs = append(subs, s)
	}
	o.mu.Unlock()

	for _, event := range released {
		for _, sub := range subs {
			if sub.predicate(event) {
				sub.send(event)
			}
		}
	}
}

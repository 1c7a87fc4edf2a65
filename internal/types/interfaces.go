package types

import "context"

// InteractionTransport sends slash-command and component-click
// interactions and polls for messages. Production code talks to
// Discord's HTTPS API; tests substitute a deterministic in-memory
// fake (spec.md §9's "ad-hoc mock mode" redesigned as an interface).
type InteractionTransport interface {
	SendSlashCommand(ctx context.Context, req InteractionRequest) error
	SendButtonInteraction(ctx context.Context, req InteractionRequest) error
	GetMessage(ctx context.Context, channelID ChannelID, messageID MessageID) (*Message, error)
	ListRecentMessages(ctx context.Context, channelID ChannelID, limit int) ([]*Message, error)
}

// EventKind distinguishes the three gateway dispatch events the
// observer fans out.
type EventKind int

const (
	EventMessageCreate EventKind = iota
	EventMessageUpdate
	EventMessageDelete
)

// MessageEvent wraps a Message with the dispatch kind that produced
// it, as delivered by the Observer to subscribers.
type MessageEvent struct {
	Kind    EventKind
	Message Message
}

// Subscription is a cancellable handle into the Observer's fan-out.
type Subscription interface {
	// Events delivers messages matching the subscription's predicate.
	Events() <-chan MessageEvent
	// Cancel unsubscribes and closes Events(). Idempotent.
	Cancel()
}

// Observer merges gateway dispatch events from both sessions,
// deduplicates by message id and event kind, and fans them out to
// predicate-filtered subscribers in snowflake order.
type Observer interface {
	Subscribe(predicate func(MessageEvent) bool) Subscription
	// Publish receives each decoded dispatch event from either gateway
	// session; the Observer owns deduplication and reordering.
	Publish(event MessageEvent)
}

// Storage persists generated artifacts and their correlated metadata
// under the naming discipline of spec.md §4.H.
type Storage interface {
	SaveGrid(ctx context.Context, data []byte, meta GridMeta) (string, error)
	SaveUpscale(ctx context.Context, data []byte, meta UpscaleMeta) (string, error)
	AppendMetadata(ctx context.Context, generationID GenerationID, entry any) error
}

// GridMeta is the metadata recorded alongside a grid image.
type GridMeta struct {
	GenerationID GenerationID
	MessageID    MessageID
	Prompt       string
	Timestamp    string // YYYYMMDD_HHMMSS, shared across one generation's files
}

// UpscaleMeta is the metadata recorded alongside one upscaled variant.
// GridMessageID is the durable proof of correlation required by
// spec.md §4.H.
type UpscaleMeta struct {
	GenerationID  GenerationID
	MessageID     MessageID
	GridMessageID MessageID
	VariantIndex  int
	Prompt        string
	Timestamp     string
}

package types

import (
	"sync"
	"time"
)

// Credentials are the opaque identifiers needed to impersonate a user
// and observe a bot inside one Discord channel. Immutable per client
// instance.
type Credentials struct {
	UserToken string
	BotToken  string
	ChannelID ChannelID
	GuildID   GuildID
}

// SessionState is the lifecycle state of one Gateway Session.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionIdentifying
	SessionReady
	SessionResuming
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionIdentifying:
		return "identifying"
	case SessionReady:
		return "ready"
	case SessionResuming:
		return "resuming"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EndpointBucket is the rate-limit state tracked per endpoint for the
// lifetime of the process.
type EndpointBucket struct {
	Remaining     int
	ResetAtEpoch  float64
	LastRequestAt time.Time
}

// InteractionRequest is the payload sent to POST /interactions for
// both slash commands and component (button) clicks.
type InteractionRequest struct {
	ApplicationID string
	Type          int // 2 = application command, 3 = message component
	ChannelID     ChannelID
	GuildID       GuildID
	SessionID     SessionID
	MessageID     MessageID // set for component interactions
	Nonce         string
	Data          InteractionData
}

// InteractionData is the `data` object of an InteractionRequest.
type InteractionData struct {
	Version       string
	CommandID     string
	CommandName   string
	CommandType   int
	Options       []InteractionOption
	ComponentType int
	CustomID      string
}

// InteractionOption is one named argument of a slash command.
type InteractionOption struct {
	Name  string
	Type  int
	Value string
}

// Attachment is a file attached to a Message.
type Attachment struct {
	ID          string
	URL         string
	ContentType string
}

// ComponentButton is one button inside a Message's action row.
type ComponentButton struct {
	Type     int
	Label    string
	CustomID string
}

// Message is the subset of the Discord message payload the client
// needs, decoded from gateway DISPATCH events or HTTP responses.
type Message struct {
	ID                 MessageID
	ChannelID          ChannelID
	AuthorID           UserID
	Content            string
	Timestamp          time.Time
	Attachments        []Attachment
	Buttons            []ComponentButton
	Flags              int
	ReferencedMessage  MessageID // message_reference.message_id, if present
	Deleted            bool
}

// UpscaleButton is one of the four U1..U4 buttons on a grid message.
type UpscaleButton struct {
	MessageID    MessageID
	CustomID     string
	Label        string // "U1".."U4"
	VariantIndex int    // 0..3
}

// GenerationStatus is the state of a GenerationContext.
type GenerationStatus int

const (
	StatusPending GenerationStatus = iota
	StatusAwaitingGrid
	StatusGrid
	StatusAwaitingUpscales
	StatusComplete
	StatusFailed
)

func (s GenerationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAwaitingGrid:
		return "awaitingGrid"
	case StatusGrid:
		return "grid"
	case StatusAwaitingUpscales:
		return "awaitingUpscales"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// GenerationContext tracks one call to Generate from submission through
// the resolution of any upscale futures spawned from its grid.
type GenerationContext struct {
	ID                GenerationID
	Prompt            string
	Fingerprint       string
	StartedAt         time.Time
	GridMessageID     MessageID
	Buttons           [4]UpscaleButton

	mu                sync.Mutex
	status            GenerationStatus
	processedMessages map[MessageID]struct{}
}

// NewGenerationContext creates a fresh context for a prompt, ready to
// be advanced through the state machine.
func NewGenerationContext(id GenerationID, prompt, fingerprint string, startedAt time.Time) *GenerationContext {
	return &GenerationContext{
		ID:                id,
		Prompt:            prompt,
		Fingerprint:       fingerprint,
		StartedAt:         startedAt,
		status:            StatusPending,
		processedMessages: make(map[MessageID]struct{}),
	}
}

// Status returns the current status under lock.
func (g *GenerationContext) Status() GenerationStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// SetStatus transitions the context to a new status.
func (g *GenerationContext) SetStatus(s GenerationStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = s
}

// MarkProcessed records a message id as dispatched, returning false if
// it was already recorded (the caller must not re-dispatch it).
func (g *GenerationContext) MarkProcessed(id MessageID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, seen := g.processedMessages[id]; seen {
		return false
	}
	g.processedMessages[id] = struct{}{}
	return true
}

// ArtifactKind distinguishes a grid image from an upscaled variant.
type ArtifactKind int

const (
	ArtifactGrid ArtifactKind = iota
	ArtifactUpscale
)

func (k ArtifactKind) String() string {
	if k == ArtifactGrid {
		return "grid"
	}
	return "upscale"
}

// Artifact is a downloaded image plus the metadata proving its
// provenance back to a grid.
type Artifact struct {
	Bytes         []byte
	MimeType      string
	Kind          ArtifactKind
	VariantIndex  int // only meaningful when Kind == ArtifactUpscale
	GridMessageID MessageID
	Prompt        string
	Timestamp     time.Time
	SourceURL     string
}

// Package client implements the Client Facade (spec.md §4.I): the
// single entry point wiring the gateway pair, interaction transport,
// observer, generation state machine, correlation engine, fetcher,
// and storage adapter into initialize/generate/upscaleAll/close.
//
// Grounded on the teacher's internal/gateway/gateway.go New/Start/Stop
// orchestration shape and cmd/gopherclaw/main.go's wiring order
// (stores -> provider -> runtime -> gateway -> adapter), generalized
// to this domain's stores -> transport -> observer -> gateway order.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/user/mjclient/internal/config"
	"github.com/user/mjclient/internal/correlation"
	"github.com/user/mjclient/internal/fetch"
	"github.com/user/mjclient/internal/gateway"
	"github.com/user/mjclient/internal/generation"
	"github.com/user/mjclient/internal/mjerrors"
	"github.com/user/mjclient/internal/observer"
	"github.com/user/mjclient/internal/ratelimit"
	"github.com/user/mjclient/internal/storage"
	"github.com/user/mjclient/internal/transport"
	"github.com/user/mjclient/internal/types"
)

// Deadlines from spec.md §5. Declared as vars, not consts, so tests
// can shrink them rather than waiting out the real windows.
var (
	GenerateDeadline    = 600 * time.Second
	UpscaleAllDeadline  = 240 * time.Second
	PreModerationWindow = 30 * time.Second // T_pre
)

// imagineCommand is the Midjourney bot's registered /imagine slash
// command identity, the same known-working {id, version} pair
// original_source's client hardcodes as a fallback when the dynamic
// command lookup is unavailable.
const (
	imagineCommandID      = "938956540159881230"
	imagineCommandVersion = "1166847114203123795"
)

// GenerateResult is what a successful Generate call returns.
type GenerateResult struct {
	GenerationID  types.GenerationID
	GridMessageID types.MessageID
	ImageURL      string
	StoredPath    string
	Buttons       [4]types.UpscaleButton
}

// UpscaleResult is what one resolved variant of UpscaleAll returns.
type UpscaleResult struct {
	VariantIndex  int
	GridMessageID types.MessageID
	ImageURL      string
	StoredPath    string
	Err           error
}

// Client is the Facade spec.md §4.I describes: generate is serialized
// across the instance; upscaleAll's four variants run in parallel,
// bounded by a semaphore; close tears down sessions before readers
// before subscriptions, in that order.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	transport   types.InteractionTransport
	observer    *observer.Observer
	correlation *correlation.Engine
	fetcher     *fetch.Fetcher
	storage     types.Storage

	providerBotUserID types.UserID
	commandID         string
	commandVersion    string

	pair *gateway.Pair

	generateMu sync.Mutex // serializes Generate, per spec §5

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// guildDiscoverer and commandVersionRefresher are optional transport
// capabilities: the production transport.Transport implements both,
// but test fakes need not, so Initialize type-asserts rather than
// requiring them on types.InteractionTransport.
type guildDiscoverer interface {
	DiscoverGuildID(ctx context.Context, channelID types.ChannelID) (types.GuildID, error)
}

type commandVersionRefresher interface {
	RefreshCommandVersion(ctx context.Context) (id, version string, err error)
}

// New constructs a Client. httpClient may be nil to use
// http.DefaultClient. store must be supplied by the caller (a
// FilesystemStorage, GridFSStorage, or S3Storage), keeping the Facade
// agnostic to which Storage variant is in play.
func New(cfg *config.Config, httpClient *http.Client, store types.Storage, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := ratelimit.NewMetrics(nil)
	limiter := ratelimit.New(metrics)
	obs := observer.New()
	return &Client{
		cfg:               cfg,
		logger:            logger,
		transport:         transport.New(httpClient, limiter, cfg.DiscordUserToken),
		observer:          obs,
		correlation:       correlation.New(obs, 4),
		fetcher:           fetch.New(httpClient),
		storage:           store,
		providerBotUserID: types.UserID(cfg.ProviderBotUserID),
		commandID:         imagineCommandID,
		commandVersion:    imagineCommandVersion,
	}
}

// Initialize performs the original's two-step discovery (guild id,
// then command version) before opening either gateway session, then
// starts the observer's reorder flusher. It blocks until both sessions
// reach READY, or returns a fatal *mjerrors.Error (e.g. AuthError on a
// 4004 close) without retrying.
func (c *Client) Initialize(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.closeOnce = sync.Once{}

	if c.cfg.GuildID == "" {
		if gd, ok := c.transport.(guildDiscoverer); ok {
			guildID, err := gd.DiscoverGuildID(c.ctx, types.ChannelID(c.cfg.ChannelID))
			if err != nil {
				c.cancel()
				return fmt.Errorf("client: discover guild id: %w", err)
			}
			c.cfg.GuildID = string(guildID)
		}
	}

	if cr, ok := c.transport.(commandVersionRefresher); ok {
		if id, version, err := cr.RefreshCommandVersion(c.ctx); err == nil {
			c.commandID, c.commandVersion = id, version
		} else {
			c.logger.Warn("command version refresh failed, falling back to known-good version", "error", err)
		}
	}

	c.observer.Run(c.ctx)

	c.pair = gateway.NewPair(c.cfg.DiscordUserToken, c.cfg.DiscordBotToken, c.onDispatch, c.logger)
	if err := c.pair.Start(c.ctx); err != nil {
		c.observer.Stop()
		return err
	}
	return nil
}

// sessionID returns the user gateway session's current session_id, or
// "" before Initialize/newForTest has wired a pair.
func (c *Client) sessionID() types.SessionID {
	if c.pair == nil {
		return ""
	}
	return types.SessionID(c.pair.SessionID())
}

// Close tears down the client in the hierarchical order spec.md §5
// mandates: session tickers and websocket readers first (gateway.Pair
// owns both), then outstanding subscriptions and futures (the
// observer's flusher). Idempotent: a second Close is a no-op.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.pair != nil {
			c.pair.Stop()
		}
		c.observer.Stop()
	})
}

// onDispatch decodes a raw gateway DISPATCH payload into a
// types.MessageEvent and publishes it to the observer. Unknown event
// types are logged and dropped, per spec §9's redesign note on
// explicit decoders replacing dynamic attribute access.
func (c *Client) onDispatch(eventType string, data json.RawMessage) {
	event, ok := decodeDispatch(eventType, data)
	if !ok {
		c.logger.Debug("dropping unhandled dispatch event", "event_type", eventType)
		return
	}
	c.observer.Publish(event)
}

// Generate runs one full generation: submit the slash command, wait
// for the grid (or a terminal moderation/queue outcome), and return
// the grid's artifact location. Serialized across the Client, per
// spec §5 ("generate is serialized across the client").
func (c *Client) Generate(ctx context.Context, prompt string) (*GenerateResult, error) {
	c.generateMu.Lock()
	defer c.generateMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, GenerateDeadline)
	defer cancel()

	startedAt := time.Now()
	fingerprint := generation.Fingerprint(prompt)
	genID := types.NewGenerationID()
	genCtx := types.NewGenerationContext(genID, prompt, fingerprint, startedAt)

	sub := c.observer.Subscribe(func(event types.MessageEvent) bool {
		return event.Message.ChannelID == types.ChannelID(c.cfg.ChannelID)
	})
	defer sub.Cancel()

	req := types.InteractionRequest{
		ChannelID: types.ChannelID(c.cfg.ChannelID),
		GuildID:   types.GuildID(c.cfg.GuildID),
		SessionID: c.sessionID(),
		Data: types.InteractionData{
			CommandID:   c.commandID,
			CommandName: "imagine",
			CommandType: 1,
			Version:     c.commandVersion,
			Options:     []types.InteractionOption{{Name: "prompt", Type: 3, Value: prompt}},
		},
	}
	if err := c.transport.SendSlashCommand(ctx, req); err != nil {
		if mjerrors.IsInvalidRequest(err) {
			return nil, err
		}
		return nil, fmt.Errorf("client: send imagine command: %w", err)
	}

	preModerationDeadline := time.NewTimer(PreModerationWindow)
	defer preModerationDeadline.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return nil, fmt.Errorf("client: observer subscription closed while awaiting grid")
			}
			switch event.Kind {
			case types.EventMessageCreate:
				// MarkProcessed guards CREATE only: a repeat grid for
				// the same fingerprint (open question #2) must still
				// mark its id so it can never later be mistaken for an
				// upscale reply, but an UPDATE/DELETE on an id already
				// seen as a CREATE is a legitimate state transition,
				// not a redelivery, and must not be swallowed here.
				if !genCtx.MarkProcessed(event.Message.ID) {
					continue
				}
				if genCtx.GridMessageID == "" {
					// Not yet tracking a message: only a CREATE authored
					// by the provider bot whose content matches this
					// generation's fingerprint can start tracking.
					if !generation.BelongsToGeneration(genCtx, event.Message, c.providerBotUserID) {
						continue
					}
					genCtx.GridMessageID = event.Message.ID
				} else if event.Message.ID != genCtx.GridMessageID {
					// A CREATE for some other message entirely; never
					// classify it against this generation.
					continue
				}
				outcome, err := generation.ClassifyCreate(genCtx, event.Message, c.providerBotUserID)
				if err != nil {
					return nil, err
				}
				if outcome == generation.OutcomeQueueFull {
					return nil, generation.OutcomeQueueFull.ToError(fingerprint, event.Message.ID, time.Since(startedAt))
				}
				if outcome == generation.OutcomeComplete {
					return c.completeGrid(ctx, genCtx, event.Message)
				}
				preModerationDeadline.Reset(PreModerationWindow)

			case types.EventMessageUpdate:
				// spec.md §4.E requires this be an update to the
				// already-tracked message, never an unrelated message
				// elsewhere in the channel that happens to end in a
				// matching suffix.
				if genCtx.GridMessageID == "" || event.Message.ID != genCtx.GridMessageID {
					continue
				}
				outcome := generation.ClassifyUpdate(event.Message.Content)
				if outcome != generation.OutcomeNone && outcome != generation.OutcomeJobQueued {
					return nil, outcome.ToError(fingerprint, event.Message.ID, time.Since(startedAt))
				}

			case types.EventMessageDelete:
				// Same rule as UPDATE: only the delete of the tracked
				// id is an ephemeral moderation event (spec.md §4.E).
				if genCtx.GridMessageID == "" || event.Message.ID != genCtx.GridMessageID {
					continue
				}
				outcome := generation.ClassifyDelete()
				return nil, outcome.ToError(fingerprint, event.Message.ID, time.Since(startedAt))
			}

		case <-preModerationDeadline.C:
			return nil, generation.OutcomePreModeration.ToError(fingerprint, "", time.Since(startedAt))

		case <-ctx.Done():
			return nil, mjerrors.New(mjerrors.KindDeadline, fingerprint, "", time.Since(startedAt), ctx.Err())
		}
	}
}

// completeGrid downloads and stores the grid artifact once the state
// machine reaches the complete(grid ready) transition.
func (c *Client) completeGrid(ctx context.Context, genCtx *types.GenerationContext, msg types.Message) (*GenerateResult, error) {
	genCtx.SetStatus(types.StatusGrid)
	genCtx.GridMessageID = msg.ID

	var buttons [4]types.UpscaleButton
	for _, btn := range msg.Buttons {
		idx, ok := buttonVariantIndex(btn.CustomID)
		if !ok {
			continue
		}
		buttons[idx] = types.UpscaleButton{MessageID: msg.ID, CustomID: btn.CustomID, Label: btn.Label, VariantIndex: idx}
	}
	genCtx.Buttons = buttons

	if len(msg.Attachments) == 0 {
		return nil, fmt.Errorf("client: grid message %s has no attachment", msg.ID)
	}
	imageURL := msg.Attachments[0].URL

	result, err := c.fetcher.Download(ctx, imageURL)
	if err != nil {
		return nil, fmt.Errorf("client: download grid image: %w", err)
	}

	ts := storage.Timestamp(msg.Timestamp)
	path, err := c.storage.SaveGrid(ctx, result.Bytes, types.GridMeta{
		GenerationID: genCtx.ID,
		MessageID:    msg.ID,
		Prompt:       genCtx.Prompt,
		Timestamp:    ts,
	})
	if err != nil {
		return nil, fmt.Errorf("client: save grid: %w", err)
	}

	genCtx.SetStatus(types.StatusAwaitingUpscales)
	return &GenerateResult{
		GenerationID:  genCtx.ID,
		GridMessageID: msg.ID,
		ImageURL:      imageURL,
		StoredPath:    path,
		Buttons:       buttons,
	}, nil
}

// UpscaleAll clicks all four U1..U4 buttons and resolves each
// variant's correlated reply in parallel, bounded by the correlation
// engine's semaphore. Each variant's result (success or per-variant
// error) is returned independently; one variant's failure does not
// abort its siblings, per spec §4.F step 4.
func (c *Client) UpscaleAll(ctx context.Context, genID types.GenerationID, fingerprint string, gridMessageID types.MessageID, buttons [4]types.UpscaleButton) []UpscaleResult {
	ctx, cancel := context.WithTimeout(ctx, UpscaleAllDeadline)
	defer cancel()

	results := make([]UpscaleResult, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.upscaleVariant(ctx, genID, fingerprint, gridMessageID, buttons[i])
		}()
	}
	wg.Wait()

	record := map[string]any{"gridMessageId": string(gridMessageID), "variants": results}
	if err := c.storage.AppendMetadata(ctx, genID, record); err != nil {
		c.logger.Warn("failed to append consolidated generation record", "generation_id", genID, "error", err)
	}
	return results
}

func (c *Client) upscaleVariant(ctx context.Context, genID types.GenerationID, fingerprint string, gridMessageID types.MessageID, button types.UpscaleButton) UpscaleResult {
	startedAt := time.Now()
	req := types.InteractionRequest{
		MessageID: gridMessageID,
		SessionID: c.sessionID(),
		Data: types.InteractionData{
			ComponentType: 2,
			CustomID:      button.CustomID,
		},
	}
	if err := c.transport.SendButtonInteraction(ctx, req); err != nil {
		return UpscaleResult{VariantIndex: button.VariantIndex, GridMessageID: gridMessageID, Err: err}
	}

	result, err := c.correlation.ResolveVariant(ctx, gridMessageID, fingerprint, button.VariantIndex, startedAt)
	if err != nil {
		return UpscaleResult{VariantIndex: button.VariantIndex, GridMessageID: gridMessageID, Err: err}
	}

	if len(result.Artifact.Attachments) == 0 {
		return UpscaleResult{VariantIndex: button.VariantIndex, GridMessageID: gridMessageID,
			Err: fmt.Errorf("client: variant %d reply has no attachment", button.VariantIndex+1)}
	}
	imageURL := result.Artifact.Attachments[0].URL

	downloaded, err := c.fetcher.Download(ctx, imageURL)
	if err != nil {
		return UpscaleResult{VariantIndex: button.VariantIndex, GridMessageID: gridMessageID,
			Err: fmt.Errorf("client: download variant %d: %w", button.VariantIndex+1, err)}
	}

	ts := storage.Timestamp(result.Artifact.Timestamp)
	path, err := c.storage.SaveUpscale(ctx, downloaded.Bytes, types.UpscaleMeta{
		GenerationID:  genID,
		MessageID:     result.Artifact.ID,
		GridMessageID: gridMessageID,
		VariantIndex:  button.VariantIndex,
		Timestamp:     ts,
	})
	if err != nil {
		return UpscaleResult{VariantIndex: button.VariantIndex, GridMessageID: gridMessageID,
			Err: fmt.Errorf("client: save variant %d: %w", button.VariantIndex+1, err)}
	}

	return UpscaleResult{VariantIndex: button.VariantIndex, GridMessageID: gridMessageID, ImageURL: imageURL, StoredPath: path}
}

// newForTest wires a Client directly to a fake transport and a
// running observer, bypassing Initialize's gateway pair so tests can
// publish synthetic dispatch events without a real websocket. Kept
// here rather than in _test.go since it touches every unexported
// field the constructor sets.
func newForTest(cfg *config.Config, it types.InteractionTransport, obs *observer.Observer, store types.Storage, httpClient *http.Client) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	providerBotUserID := types.UserID(cfg.ProviderBotUserID)
	c := &Client{
		cfg:               cfg,
		logger:            slog.Default(),
		transport:         it,
		observer:          obs,
		correlation:       correlation.New(obs, 4),
		fetcher:           fetch.New(httpClient),
		storage:           store,
		providerBotUserID: providerBotUserID,
		commandID:         imagineCommandID,
		commandVersion:    imagineCommandVersion,
		ctx:               ctx,
		cancel:            cancel,
	}
	obs.Run(ctx)
	return c
}

// buttonVariantIndex extracts the 0-based variant index from an
// upscale button's custom_id, e.g. "MJ::JOB::upsample::3::<hash>" -> 2.
func buttonVariantIndex(customID string) (int, bool) {
	for i, prefix := range []string{"MJ::JOB::upsample::1", "MJ::JOB::upsample::2", "MJ::JOB::upsample::3", "MJ::JOB::upsample::4"} {
		if len(customID) >= len(prefix) && customID[:len(prefix)] == prefix {
			return i, true
		}
	}
	return 0, false
}

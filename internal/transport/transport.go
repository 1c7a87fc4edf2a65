// Package transport implements the Interaction Transport (spec.md
// §4.C): sendSlashCommand, sendButtonInteraction, getMessage, and
// listRecentMessages, all routed through the rate limiter keyed by a
// canonical endpoint template.
//
// Grounded on original_source's midjourney/client.py for payload
// shapes (type=2/3 interactions, nonce, session_id) and the teacher's
// pkg/llm/openai/client.go for the general HTTP-with-context idiom
// (http.NewRequestWithContext, explicit header setup, JSON decode,
// status code checks).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/user/mjclient/internal/mjerrors"
	"github.com/user/mjclient/internal/ratelimit"
	"github.com/user/mjclient/internal/types"
)

const (
	apiBase = "https://discord.com/api/v10"

	// ApplicationID is Midjourney's bot application id, the same
	// constant original_source's client.py hardcodes.
	ApplicationID = "936929561302675456"

	interactionsEndpoint  = "/interactions"
	channelsEndpointGroup = "/channels/{channel.id}"
)

var _ types.InteractionTransport = (*Transport)(nil)

// Transport issues Discord REST calls on behalf of the user token,
// through the shared rate limiter.
type Transport struct {
	client     *http.Client
	limiter    *ratelimit.Limiter
	userToken  string
	baseURL    string
	nonce      atomic.Int64
	maxRetries int
}

// New constructs a Transport against Discord's production API.
// client may be nil to use http.DefaultClient.
func New(client *http.Client, limiter *ratelimit.Limiter, userToken string) *Transport {
	return NewWithBaseURL(client, limiter, userToken, apiBase)
}

// NewWithBaseURL constructs a Transport against a custom base URL,
// letting tests point it at an httptest.Server instead of Discord.
func NewWithBaseURL(client *http.Client, limiter *ratelimit.Limiter, userToken, baseURL string) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &Transport{client: client, limiter: limiter, userToken: userToken, baseURL: baseURL, maxRetries: 3}
}

func (t *Transport) nextNonce() string {
	return strconv.FormatInt(t.nonce.Add(1), 10)
}

func (t *Transport) do(ctx context.Context, method, url, endpointTemplate string, body any, expectStatus int) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	resp, err := t.limiter.WithRetry(ctx, endpointTemplate, t.maxRetries, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("transport: build request: %w", err)
		}
		req.Header.Set("Authorization", t.userToken)
		req.Header.Set("Content-Type", "application/json")
		return t.client.Do(req)
	})
	if err != nil {
		return nil, mjerrors.New(mjerrors.KindTransientNetwork, "", "", 0, err)
	}

	if resp.StatusCode != expectStatus {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, mjerrors.New(mjerrors.KindInvalidRequest, "", "", 0,
				fmt.Errorf("transport: %s %s: status %d: %s", method, url, resp.StatusCode, body))
		}
		return nil, fmt.Errorf("transport: %s %s: unexpected status %d: %s", method, url, resp.StatusCode, body)
	}
	return resp, nil
}

// SendSlashCommand POSTs an interaction of type=2 (application
// command). session_id must be the user gateway session's id.
func (t *Transport) SendSlashCommand(ctx context.Context, req types.InteractionRequest) error {
	req.Type = 2
	req.ApplicationID = ApplicationID
	req.Nonce = t.nextNonce()

	payload := buildInteractionPayload(req)
	resp, err := t.do(ctx, http.MethodPost, t.baseURL+interactionsEndpoint, interactionsEndpoint, payload, http.StatusNoContent)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// SendButtonInteraction POSTs an interaction of type=3 (message
// component), used for U1..U4 upscale clicks.
func (t *Transport) SendButtonInteraction(ctx context.Context, req types.InteractionRequest) error {
	req.Type = 3
	req.ApplicationID = ApplicationID
	req.Nonce = t.nextNonce()

	payload := buildInteractionPayload(req)
	resp, err := t.do(ctx, http.MethodPost, t.baseURL+interactionsEndpoint, interactionsEndpoint, payload, http.StatusNoContent)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// GetMessage fetches a single message by id.
func (t *Transport) GetMessage(ctx context.Context, channelID types.ChannelID, messageID types.MessageID) (*types.Message, error) {
	url := fmt.Sprintf("%s/channels/%s/messages/%s", t.baseURL, channelID, messageID)
	resp, err := t.do(ctx, http.MethodGet, url, channelsEndpointGroup+"/messages/{message.id}", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("transport: decode message: %w", err)
	}
	msg := wire.toMessage()
	return &msg, nil
}

// ListRecentMessages fetches up to limit messages from channelID,
// newest first.
func (t *Transport) ListRecentMessages(ctx context.Context, channelID types.ChannelID, limit int) ([]*types.Message, error) {
	wire, err := t.listRecentMessagesRaw(ctx, channelID, limit)
	if err != nil {
		return nil, err
	}
	messages := make([]*types.Message, 0, len(wire))
	for _, w := range wire {
		m := w.toMessage()
		messages = append(messages, &m)
	}
	return messages, nil
}

func (t *Transport) listRecentMessagesRaw(ctx context.Context, channelID types.ChannelID, limit int) ([]wireMessage, error) {
	url := fmt.Sprintf("%s/channels/%s/messages?limit=%d", t.baseURL, channelID, limit)
	resp, err := t.do(ctx, http.MethodGet, url, channelsEndpointGroup+"/messages", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire []wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("transport: decode messages: %w", err)
	}
	return wire, nil
}

// DiscoverGuildID resolves a channel's guild id, first via a direct
// channel lookup and falling back to scanning a single recent message
// for its guild context if the channel lookup omits it. Supplemented
// from original_source's guild-discovery fallback chain.
func (t *Transport) DiscoverGuildID(ctx context.Context, channelID types.ChannelID) (types.GuildID, error) {
	url := fmt.Sprintf("%s/channels/%s", t.baseURL, channelID)
	resp, err := t.do(ctx, http.MethodGet, url, channelsEndpointGroup, nil, http.StatusOK)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var wire struct {
		GuildID string `json:"guild_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", fmt.Errorf("transport: decode channel: %w", err)
	}
	if wire.GuildID != "" {
		return types.GuildID(wire.GuildID), nil
	}

	// Fallback: GET /channels/{id}/messages?limit=1 in case the
	// channel lookup's payload omitted guild_id (DM-shaped responses,
	// or a future API change); a single recent message still carries
	// its own guild_id in Discord's actual wire format.
	messages, err := t.listRecentMessagesRaw(ctx, channelID, 1)
	if err != nil || len(messages) == 0 || messages[0].GuildID == "" {
		return "", fmt.Errorf("transport: could not discover guild id for channel %s", channelID)
	}
	return types.GuildID(messages[0].GuildID), nil
}

// RefreshCommandVersion fetches the bot's registered /imagine command
// and returns its current {id, version}. Called once at initialize
// and cached by the caller; sendSlashCommand never refetches per call,
// unlike original_source's per-send refetch (a workaround for its
// lack of a persistent session, which this client already has via the
// gateway session's lifetime cache).
func (t *Transport) RefreshCommandVersion(ctx context.Context) (id, version string, err error) {
	url := fmt.Sprintf("%s/applications/%s/commands", t.baseURL, ApplicationID)
	resp, err := t.do(ctx, http.MethodGet, url, "/applications/{application.id}/commands", nil, http.StatusOK)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var commands []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&commands); err != nil {
		return "", "", fmt.Errorf("transport: decode commands: %w", err)
	}
	for _, cmd := range commands {
		if cmd.Name == "imagine" {
			return cmd.ID, cmd.Version, nil
		}
	}
	return "", "", fmt.Errorf("transport: imagine command not found in application command list")
}

type wireButton struct {
	Type     int    `json:"type"`
	Label    string `json:"label"`
	CustomID string `json:"custom_id"`
}

type wireComponentRow struct {
	Components []wireButton `json:"components"`
}

type wireAttachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

type wireAuthor struct {
	ID string `json:"id"`
}

type wireMessageReference struct {
	MessageID string `json:"message_id"`
}

type wireMessage struct {
	ID               string                 `json:"id"`
	ChannelID        string                 `json:"channel_id"`
	Content          string                 `json:"content"`
	Timestamp        time.Time              `json:"timestamp"`
	Author           wireAuthor             `json:"author"`
	Attachments      []wireAttachment       `json:"attachments"`
	Components       []wireComponentRow     `json:"components"`
	Flags            int                    `json:"flags"`
	MessageReference *wireMessageReference  `json:"message_reference"`
	GuildID          string                 `json:"guild_id"`
}

func (w wireMessage) toMessage() types.Message {
	msg := types.Message{
		ID:        types.MessageID(w.ID),
		ChannelID: types.ChannelID(w.ChannelID),
		AuthorID:  types.UserID(w.Author.ID),
		Content:   w.Content,
		Timestamp: w.Timestamp,
		Flags:     w.Flags,
	}
	for _, a := range w.Attachments {
		msg.Attachments = append(msg.Attachments, types.Attachment{ID: a.ID, URL: a.URL, ContentType: a.ContentType})
	}
	for _, row := range w.Components {
		for _, b := range row.Components {
			msg.Buttons = append(msg.Buttons, types.ComponentButton{Type: b.Type, Label: b.Label, CustomID: b.CustomID})
		}
	}
	if w.MessageReference != nil {
		msg.ReferencedMessage = types.MessageID(w.MessageReference.MessageID)
	}
	return msg
}

func buildInteractionPayload(req types.InteractionRequest) map[string]any {
	payload := map[string]any{
		"type":           req.Type,
		"application_id": req.ApplicationID,
		"guild_id":       string(req.GuildID),
		"channel_id":     string(req.ChannelID),
		"session_id":     string(req.SessionID),
		"nonce":          req.Nonce,
	}
	data := map[string]any{}
	if req.Data.CommandID != "" {
		data["version"] = req.Data.Version
		data["id"] = req.Data.CommandID
		data["name"] = req.Data.CommandName
		data["type"] = req.Data.CommandType
		var options []map[string]any
		for _, opt := range req.Data.Options {
			options = append(options, map[string]any{"type": opt.Type, "name": opt.Name, "value": opt.Value})
		}
		data["options"] = options
	}
	if req.Data.ComponentType != 0 {
		data["component_type"] = req.Data.ComponentType
		data["custom_id"] = req.Data.CustomID
	}
	payload["data"] = data
	if req.MessageID != "" {
		payload["message_id"] = string(req.MessageID)
		payload["message_flags"] = 0
	}
	return payload
}

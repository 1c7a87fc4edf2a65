package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/user/mjclient/internal/config"
	"github.com/user/mjclient/internal/mjerrors"
	"github.com/user/mjclient/internal/observer"
	"github.com/user/mjclient/internal/storage"
	"github.com/user/mjclient/internal/types"
)

// fakeTransport is the deterministic in-memory InteractionTransport
// spec.md §9's redesign note calls for in place of an ad-hoc mock
// switch. Each hook runs in its own goroutine so it can publish
// synthetic gateway events without blocking the caller the way a real
// Discord round trip wouldn't either.
type fakeTransport struct {
	mu             sync.Mutex
	onSlashCommand func(req types.InteractionRequest)
	onButtonClick  func(req types.InteractionRequest)
}

var _ types.InteractionTransport = (*fakeTransport)(nil)

func (f *fakeTransport) SendSlashCommand(ctx context.Context, req types.InteractionRequest) error {
	f.mu.Lock()
	hook := f.onSlashCommand
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return nil
}

func (f *fakeTransport) SendButtonInteraction(ctx context.Context, req types.InteractionRequest) error {
	f.mu.Lock()
	hook := f.onButtonClick
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return nil
}

func (f *fakeTransport) GetMessage(ctx context.Context, channelID types.ChannelID, messageID types.MessageID) (*types.Message, error) {
	return nil, fmt.Errorf("fakeTransport: GetMessage not wired for this test")
}

func (f *fakeTransport) ListRecentMessages(ctx context.Context, channelID types.ChannelID, limit int) ([]*types.Message, error) {
	return nil, nil
}

func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-image-bytes-" + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testBotUserID is the provider bot's configured user id for every
// test in this file; synthetic messages simulating a genuine bot
// reply set AuthorID to this value so BelongsToGeneration's author
// check passes the way it would against the real provider bot.
const testBotUserID = types.UserID("bot-1")

func testConfig() *config.Config {
	return &config.Config{ChannelID: "chan-1", GuildID: "guild-1", ProviderBotUserID: string(testBotUserID)}
}

func gridButtons() []types.ComponentButton {
	return []types.ComponentButton{
		{Type: 2, Label: "U1", CustomID: "MJ::JOB::upsample::1"},
		{Type: 2, Label: "U2", CustomID: "MJ::JOB::upsample::2"},
		{Type: 2, Label: "U3", CustomID: "MJ::JOB::upsample::3"},
		{Type: 2, Label: "U4", CustomID: "MJ::JOB::upsample::4"},
	}
}

// TestGenerateHappyPath covers spec §8's scenario 1: a grid with four
// buttons arrives within the generate window and the Facade returns
// its downloaded, stored location.
func TestGenerateHappyPath(t *testing.T) {
	imgSrv := newImageServer(t)
	cfg := testConfig()
	store := storage.NewFilesystemStorage(t.TempDir())
	obs := observer.New()

	const gridID = types.MessageID("grid-1")
	ft := &fakeTransport{}
	ft.onSlashCommand = func(req types.InteractionRequest) {
		go obs.Publish(types.MessageEvent{
			Kind: types.EventMessageCreate,
			Message: types.Message{
				ID:          gridID,
				ChannelID:   "chan-1",
				AuthorID:    testBotUserID,
				Content:     "**a dolphin** - <@user> (fast)",
				Timestamp:   time.Now(),
				Attachments: []types.Attachment{{ID: "a1", URL: imgSrv.URL + "/grid.png", ContentType: "image/png"}},
				Buttons:     gridButtons(),
			},
		})
	}

	c := newForTest(cfg, ft, obs, store, imgSrv.Client())
	defer c.Close()

	result, err := c.Generate(context.Background(), "a dolphin")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.GridMessageID != gridID {
		t.Errorf("expected grid message id %s, got %s", gridID, result.GridMessageID)
	}
	if result.StoredPath == "" {
		t.Errorf("expected a stored path")
	}
	for i, btn := range result.Buttons {
		if btn.VariantIndex != i {
			t.Errorf("button %d has VariantIndex %d", i, btn.VariantIndex)
		}
	}
}

// TestGeneratePreModerationTimeout covers spec §8's scenario 2: the
// bot never responds, so the T_pre window elapses and PreModerationError
// is returned.
func TestGeneratePreModerationTimeout(t *testing.T) {
	old := PreModerationWindow
	PreModerationWindow = 100 * time.Millisecond
	defer func() { PreModerationWindow = old }()

	cfg := testConfig()
	store := storage.NewFilesystemStorage(t.TempDir())
	obs := observer.New()
	ft := &fakeTransport{} // no hooks: the bot never replies

	c := newForTest(cfg, ft, obs, store, nil)
	defer c.Close()

	_, err := c.Generate(context.Background(), "forbidden prompt")
	if !mjerrors.IsPreModeration(err) {
		t.Fatalf("expected PreModerationError, got %v", err)
	}
}

// TestGeneratePostModerationStop covers spec §8's scenario 3: the bot
// emits a progress message, then updates it with the "(Stopped)"
// suffix, which must surface as PostModerationError carrying the
// tracked message id.
func TestGeneratePostModerationStop(t *testing.T) {
	cfg := testConfig()
	store := storage.NewFilesystemStorage(t.TempDir())
	obs := observer.New()

	const progressID = types.MessageID("progress-1")
	ft := &fakeTransport{}
	ft.onSlashCommand = func(req types.InteractionRequest) {
		go func() {
			obs.Publish(types.MessageEvent{
				Kind: types.EventMessageCreate,
				Message: types.Message{
					ID:        progressID,
					ChannelID: "chan-1",
					AuthorID:  testBotUserID,
					Content:   "**x** (33%)",
					Timestamp: time.Now(),
				},
			})
			time.Sleep(10 * time.Millisecond)
			obs.Publish(types.MessageEvent{
				Kind: types.EventMessageUpdate,
				Message: types.Message{
					ID:        progressID,
					ChannelID: "chan-1",
					AuthorID:  testBotUserID,
					Content:   "**x** (Stopped)",
					Timestamp: time.Now(),
				},
			})
		}()
	}

	c := newForTest(cfg, ft, obs, store, nil)
	defer c.Close()

	_, err := c.Generate(context.Background(), "x")
	if !mjerrors.IsPostModeration(err) {
		t.Fatalf("expected PostModerationError, got %v", err)
	}
	var mjErr *mjerrors.Error
	if asErr, ok := err.(*mjerrors.Error); ok {
		mjErr = asErr
	} else {
		t.Fatalf("expected *mjerrors.Error, got %T", err)
	}
	if mjErr.MessageID != string(progressID) {
		t.Errorf("expected tracked message id %s, got %s", progressID, mjErr.MessageID)
	}
}

// TestUpscaleAllBijection covers spec §8's scenario 4: four button
// clicks each resolve to a distinct, correctly indexed variant, all
// carrying the originating grid message id.
func TestUpscaleAllBijection(t *testing.T) {
	imgSrv := newImageServer(t)
	cfg := testConfig()
	store := storage.NewFilesystemStorage(t.TempDir())
	obs := observer.New()

	const gridID = types.MessageID("grid-2")
	ft := &fakeTransport{}
	ft.onButtonClick = func(req types.InteractionRequest) {
		variant, ok := buttonVariantIndex(req.Data.CustomID)
		if !ok {
			return
		}
		go obs.Publish(types.MessageEvent{
			Kind: types.EventMessageCreate,
			Message: types.Message{
				ID:                types.MessageID(fmt.Sprintf("upscale-%d", variant+1)),
				ChannelID:         "chan-1",
				Content:           fmt.Sprintf("**a dolphin** - Image #%d", variant+1),
				Timestamp:         time.Now(),
				ReferencedMessage: gridID,
				Attachments: []types.Attachment{{
					ID:  fmt.Sprintf("u%d", variant),
					URL: fmt.Sprintf("%s/upscale_%d.png", imgSrv.URL, variant),
				}},
			},
		})
	}

	c := newForTest(cfg, ft, obs, store, imgSrv.Client())
	defer c.Close()

	buttons := [4]types.UpscaleButton{
		{MessageID: gridID, CustomID: "MJ::JOB::upsample::1", VariantIndex: 0},
		{MessageID: gridID, CustomID: "MJ::JOB::upsample::2", VariantIndex: 1},
		{MessageID: gridID, CustomID: "MJ::JOB::upsample::3", VariantIndex: 2},
		{MessageID: gridID, CustomID: "MJ::JOB::upsample::4", VariantIndex: 3},
	}
	results := c.UpscaleAll(context.Background(), types.NewGenerationID(), "a dolphin", gridID, buttons)

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	seen := make(map[int]bool)
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("variant %d: unexpected error %v", r.VariantIndex, r.Err)
		}
		if r.GridMessageID != gridID {
			t.Errorf("variant %d: expected grid id %s, got %s", r.VariantIndex, gridID, r.GridMessageID)
		}
		if seen[r.VariantIndex] {
			t.Errorf("variant %d resolved more than once", r.VariantIndex)
		}
		seen[r.VariantIndex] = true
	}
	for i := 0; i < 4; i++ {
		if !seen[i] {
			t.Errorf("variant %d never resolved", i)
		}
	}
}

// TestUpscaleDoesNotCrossGenerations covers spec §8's scenario 5: one
// generation's upscale round must never resolve a reply that belongs
// to a different generation's grid, even if it arrives while the round
// is still open. The reply here references a foreign grid id and
// carries that other generation's prompt, so it fails the fingerprint
// check in correlation.matches and no variant resolves through the
// Facade.
func TestUpscaleDoesNotCrossGenerations(t *testing.T) {
	imgSrv := newImageServer(t)
	cfg := testConfig()
	store := storage.NewFilesystemStorage(t.TempDir())
	obs := observer.New()

	const gridA = types.MessageID("grid-a")
	const gridB = types.MessageID("grid-b")

	ft := &fakeTransport{}
	ft.onButtonClick = func(req types.InteractionRequest) {
		// Always answers for generation B's grid, regardless of which
		// generation clicked, simulating a late/misrouted reply.
		go obs.Publish(types.MessageEvent{
			Kind: types.EventMessageCreate,
			Message: types.Message{
				ID:                types.MessageID("upscale-foreign"),
				ChannelID:         "chan-1",
				Content:           "**b prompt** - Image #1",
				Timestamp:         time.Now(),
				ReferencedMessage: gridB,
				Attachments:       []types.Attachment{{ID: "u1", URL: imgSrv.URL + "/u1.png"}},
			},
		})
	}

	c := newForTest(cfg, ft, obs, store, imgSrv.Client())
	defer c.Close()

	buttons := [4]types.UpscaleButton{
		{MessageID: gridA, CustomID: "MJ::JOB::upsample::1", VariantIndex: 0},
		{MessageID: gridA, CustomID: "MJ::JOB::upsample::2", VariantIndex: 1},
		{MessageID: gridA, CustomID: "MJ::JOB::upsample::3", VariantIndex: 2},
		{MessageID: gridA, CustomID: "MJ::JOB::upsample::4", VariantIndex: 3},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	results := c.UpscaleAll(ctx, types.NewGenerationID(), "a prompt", gridA, buttons)

	for _, r := range results {
		if r.Err == nil {
			t.Errorf("variant %d: expected no resolution for a foreign-grid reply, got %+v", r.VariantIndex, r)
		}
	}
}

// TestInitializeCloseIdempotent exercises the idempotence law spec §8
// asks for: repeated Initialize/Close cycles must not panic or hang.
// Since Initialize normally opens a real gateway.Pair (out of scope
// for this in-process fake), this drives the same teardown path
// Initialize/Close share via newForTest plus a manual second Close.
func TestInitializeCloseIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	store := storage.NewFilesystemStorage(t.TempDir())

	for i := 0; i < 2; i++ {
		obs := observer.New()
		ft := &fakeTransport{}
		c := newForTest(cfg, ft, obs, store, nil)
		c.Close()
		c.Close() // must be a no-op, not a double-close panic
	}
}

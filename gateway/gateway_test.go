package gateway

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyterm/polyterm/agent"
	"github.com/polyterm/polyterm/commands"
	"github.com/polyterm/polyterm/copytrading"
	"github.com/polyterm/polyterm/credentials"
	"github.com/polyterm/polyterm/execution"
	"github.com/polyterm/polyterm/feeds"
	"github.com/polyterm/polyterm/internal/config"
	"github.com/polyterm/polyterm/internal/profile"
	"github.com/polyterm/polyterm/internal/ratelimit"
	"github.com/polyterm/polyterm/menu"
	"github.com/polyterm/polyterm/metrics"
	"github.com/polyterm/polyterm/pairing"
	"github.com/polyterm/polyterm/plugin/chat"
	"github.com/polyterm/polyterm/plugin/chat/channels"
	"github.com/polyterm/polyterm/session"
	"github.com/polyterm/polyterm/store"
	"github.com/polyterm/polyterm/store/db/sqlite"
)

type sentMsg struct {
	text    string
	buttons [][]chat.Button
}

type editMsg struct {
	messageID string
	text      string
}

// fakeChannel records sends and edits for assertions.
type fakeChannel struct {
	mu    sync.Mutex
	sends []sentMsg
	edits []editMsg
}

func (f *fakeChannel) Name() string                    { return "fake" }
func (f *fakeChannel) Platform() chat.Platform         { return chat.PlatformWebchat }
func (f *fakeChannel) Start(ctx context.Context) error { return nil }
func (f *fakeChannel) Stop() error                     { return nil }
func (f *fakeChannel) Healthy() bool                   { return true }

func (f *fakeChannel) Send(ctx context.Context, out *chat.Outgoing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentMsg{text: out.Text, buttons: out.Buttons})
	return nil
}

func (f *fakeChannel) EditMessage(ctx context.Context, chatID, messageID, text string, buttons [][]chat.Button, mode chat.ParseMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editMsg{messageID: messageID, text: text})
	return nil
}

func (f *fakeChannel) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sends))
	for i, s := range f.sends {
		out[i] = s.text
	}
	return out
}

func (f *fakeChannel) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits)
}

// fakeAgent answers every ask with a canned string.
type fakeAgent struct {
	answer string
}

func (a *fakeAgent) Ask(ctx context.Context, sess *session.Session, text string) (string, error) {
	return a.answer, nil
}

func (a *fakeAgent) AskStream(ctx context.Context, sess *session.Session, text string) (<-chan string, <-chan error) {
	chunks := make(chan string, 1)
	errs := make(chan error, 1)
	chunks <- a.answer
	close(chunks)
	close(errs)
	return chunks, errs
}

func (a *fakeAgent) ReloadConfig(cfg agent.Config) error { return nil }
func (a *fakeAgent) ReloadSkills(dir string) error       { return nil }
func (a *fakeAgent) Dispose()                            {}

func newTestGateway(t *testing.T) (*Gateway, *fakeChannel) {
	t.Helper()
	p := &profile.Profile{
		Mode:   "demo",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "gateway_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	ticks := feeds.NewHub()
	t.Cleanup(ticks.Close)

	g := &Gateway{
		profile:  p,
		cfg:      &config.Config{},
		store:    st,
		sessions: session.NewManager(),
		registry: commands.NewRegistry(),
		metrics:  metrics.New(),
		ticks:    ticks,
		feeds:    &feedRef{},
		agent:    &fakeAgent{answer: "market looks stable"},
		notified: make(map[string]time.Time),
	}
	g.rebuild = g.rebuildRuntime
	t.Cleanup(g.sessions.Close)

	g.feeds.set(feeds.NewDemo(ticks))
	g.pairing = pairing.NewService(st, config.PairingConfig{})
	g.creds = credentials.NewMemoryManager(g.credentialProbe)
	g.copy = copytrading.NewService(st, g.creds, config.CopyTradingConfig{Enabled: true})
	g.exec = execution.NewPaper(g.feeds)
	g.menu = menu.NewService(g.feeds, g.exec, g.pairing, g.copy, g.creds, config.CopyTradingConfig{Enabled: true})
	g.limiter = ratelimit.New(100, time.Minute, true)
	t.Cleanup(func() { g.rateGate().Close() })

	g.manager = channels.NewManager(g.handleMessage)
	configureEgress(g.manager, config.RateLimitConfig{MaxRequests: 1000, WindowMs: 1000, PerUser: true})
	fake := &fakeChannel{}
	g.manager.Register(fake)
	require.NoError(t, g.manager.Start(context.Background()))
	t.Cleanup(func() { g.manager.Stop() })

	g.registerCommands()
	return g, fake
}

func dm(text string) *chat.Message {
	return &chat.Message{
		ID:       "m1",
		Platform: chat.PlatformWebchat,
		UserID:   "u1",
		ChatID:   "u1",
		ChatType: chat.ChatTypeDM,
		Text:     text,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestReloadCoalescesToOneTrailingRebuild(t *testing.T) {
	var rebuilds atomic.Int32
	g := &Gateway{}
	g.rebuild = func(reason string) {
		rebuilds.Add(1)
		time.Sleep(30 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		g.requestReload("first")
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	// Five requests land while the first rebuild is in flight.
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.requestReload("burst")
		}()
	}
	wg.Wait()
	<-done

	waitFor(t, func() bool {
		g.reloadMu.Lock()
		defer g.reloadMu.Unlock()
		return !g.reloading
	})
	assert.Equal(t, int32(2), rebuilds.Load())
}

func TestIngressDispatchesCommand(t *testing.T) {
	g, fake := newTestGateway(t)

	g.handleMessage(context.Background(), dm("/new"))

	waitFor(t, func() bool { return len(fake.sentTexts()) == 1 })
	assert.Contains(t, fake.sentTexts()[0], "new conversation")
}

func TestIngressRoutesFreeTextToAgent(t *testing.T) {
	g, fake := newTestGateway(t)

	g.handleMessage(context.Background(), dm("what do you think of the fed market?"))

	waitFor(t, func() bool { return len(fake.sentTexts()) == 1 })
	assert.Equal(t, "market looks stable", fake.sentTexts()[0])

	// The exchange landed in the session history.
	sess := g.sessions.Get("webchat", "u1", "u1")
	require.Len(t, sess.History, 2)
	assert.Equal(t, "assistant", sess.History[1].Role)
}

func TestIngressCallbackEditsCardInPlace(t *testing.T) {
	g, fake := newTestGateway(t)

	msg := dm("")
	msg.CallbackID = "cb1"
	msg.CallbackData = "menu:main"
	g.handleMessage(context.Background(), msg)

	waitFor(t, func() bool { return fake.editCount() == 1 })
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "m1", fake.edits[0].messageID)
	assert.NotEmpty(t, fake.edits[0].text)
	// Edits bypass the send queue entirely.
	assert.Empty(t, fake.sends)
}

func TestStartDeepLinkConsumesUserPairingCode(t *testing.T) {
	g, fake := newTestGateway(t)
	ctx := context.Background()

	req, err := g.pairing.CreatePairingRequest(ctx, "webchat", "u1", "u1")
	require.NoError(t, err)

	// Deep links arrive lowercased; the command must normalize.
	g.handleMessage(ctx, dm("/start "+strings.ToLower(req.Code)))
	waitFor(t, func() bool { return len(fake.sentTexts()) == 1 })
	assert.Contains(t, fake.sentTexts()[0], "Paired")

	paired, err := g.pairing.IsPaired(ctx, "webchat", "u1")
	require.NoError(t, err)
	assert.True(t, paired)

	// The code row was consumed.
	reused, err := g.pairing.ValidateCode(ctx, req.Code)
	require.NoError(t, err)
	assert.Nil(t, reused)
}

func TestStartRejectsSomeoneElsesCode(t *testing.T) {
	g, fake := newTestGateway(t)
	ctx := context.Background()

	req, err := g.pairing.CreatePairingRequest(ctx, "webchat", "other-user", "other")
	require.NoError(t, err)

	g.handleMessage(ctx, dm("/start "+req.Code))
	waitFor(t, func() bool { return len(fake.sentTexts()) == 1 })
	assert.Contains(t, fake.sentTexts()[0], "different pairing request")

	paired, err := g.pairing.IsPaired(ctx, "webchat", "u1")
	require.NoError(t, err)
	assert.False(t, paired)
}

func TestRateGateDropsAndNotifiesOnce(t *testing.T) {
	g, fake := newTestGateway(t)
	g.rateGate().Close()
	g.limiter = ratelimit.New(1, time.Minute, true)

	g.handleMessage(context.Background(), dm("first"))
	g.handleMessage(context.Background(), dm("second"))
	g.handleMessage(context.Background(), dm("third"))

	// One agent answer plus exactly one throttle notice.
	waitFor(t, func() bool { return len(fake.sentTexts()) == 2 })
	time.Sleep(50 * time.Millisecond)
	require.Len(t, fake.sentTexts(), 2)
	assert.Contains(t, fake.sentTexts()[1], "too quickly")
	assert.Equal(t, 2.0, testutil.ToFloat64(g.metrics.RateLimited))
}

func TestMenuTextInputClaimsDM(t *testing.T) {
	g, fake := newTestGateway(t)

	// Walk into the search prompt, then type a query.
	msg := dm("")
	msg.CallbackID = "cb1"
	msg.CallbackData = "search"
	g.handleMessage(context.Background(), msg)
	waitFor(t, func() bool { return fake.editCount() == 1 })

	g.handleMessage(context.Background(), dm("fed"))
	waitFor(t, func() bool { return fake.editCount() == 2 })

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Contains(t, fake.edits[1].text, "Fed")
}

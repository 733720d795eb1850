// Package gateway is the orchestrator: it owns subsystem lifecycle, wires
// channel ingress into the menu / command / agent pipeline, and rebuilds the
// short-lived runtime when the config file changes.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

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
	"github.com/polyterm/polyterm/plugin/chat/channels"
	"github.com/polyterm/polyterm/plugin/chat/channels/telegram"
	"github.com/polyterm/polyterm/plugin/chat/channels/webchat"
	"github.com/polyterm/polyterm/server"
	"github.com/polyterm/polyterm/session"
	"github.com/polyterm/polyterm/store"
	"github.com/polyterm/polyterm/store/db/postgres"
	"github.com/polyterm/polyterm/store/db/sqlite"
)

// Gateway owns every subsystem. Long-lived members (store, pairing, command
// registry, menu state, session table, webchat hub) survive hot reloads;
// feeds and channel adapters are rebuilt.
type Gateway struct {
	profile *profile.Profile
	cfg     *config.Config

	store    *store.Store
	pairing  *pairing.Service
	creds    credentials.Manager
	copy     *copytrading.Service
	sessions *session.Manager
	registry *commands.Registry
	menu     *menu.Service
	metrics  *metrics.Metrics
	hub      *webchat.Hub
	ticks    *feeds.Hub
	feeds    *feedRef
	exec     execution.Service
	agent    agent.Manager
	manager  *channels.Manager
	server   *server.Server

	limMu   sync.Mutex
	limiter *ratelimit.Limiter

	runCtx    context.Context
	runCancel context.CancelFunc

	// rebuild is swapped by tests to count runtime rebuilds.
	rebuild       func(reason string)
	reloadMu      sync.Mutex
	reloading     bool
	pendingReload bool

	watcher *watcher

	noticeMu sync.Mutex
	notified map[string]time.Time
}

// feedRef is a swap point for the current feed manager. The menu and the
// paper engine hold the ref, not the manager, so a reload can replace the
// feed underneath them atomically.
type feedRef struct {
	mu sync.RWMutex
	fm feeds.Manager
}

func (r *feedRef) get() feeds.Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fm
}

func (r *feedRef) set(fm feeds.Manager) {
	r.mu.Lock()
	r.fm = fm
	r.mu.Unlock()
}

func (r *feedRef) GetMarket(ctx context.Context, id, platform string) (*feeds.Market, error) {
	if fm := r.get(); fm != nil {
		return fm.GetMarket(ctx, id, platform)
	}
	return nil, fmt.Errorf("no feed manager available")
}

func (r *feedRef) SearchMarkets(ctx context.Context, query, platform string) ([]*feeds.Market, error) {
	if fm := r.get(); fm != nil {
		return fm.SearchMarkets(ctx, query, platform)
	}
	return nil, fmt.Errorf("no feed manager available")
}

func (r *feedRef) Subscribe() (<-chan feeds.PriceEvent, func()) {
	if fm := r.get(); fm != nil {
		return fm.Subscribe()
	}
	ch := make(chan feeds.PriceEvent)
	close(ch)
	return ch, func() {}
}

func (r *feedRef) Start(ctx context.Context) error {
	if fm := r.get(); fm != nil {
		return fm.Start(ctx)
	}
	return nil
}

func (r *feedRef) Stop() error {
	if fm := r.get(); fm != nil {
		return fm.Stop()
	}
	return nil
}

// New builds the gateway without starting anything. Run boots it.
func New(p *profile.Profile) (*Gateway, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}

	var driver store.Driver
	switch p.Driver {
	case "postgres":
		driver, err = postgres.NewDB(p)
	default:
		driver, err = sqlite.NewDB(p)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	st := store.New(driver)

	g := &Gateway{
		profile:  p,
		cfg:      cfg,
		store:    st,
		sessions: session.NewManager(),
		registry: commands.NewRegistry(),
		metrics:  metrics.New(),
		ticks:    feeds.NewHub(),
		feeds:    &feedRef{},
		notified: make(map[string]time.Time),
	}
	g.rebuild = g.rebuildRuntime

	g.pairing = pairing.NewService(st, cfg.Pairing)
	g.creds = credentials.NewMemoryManager(g.credentialProbe)
	g.copy = copytrading.NewService(st, g.creds, cfg.CopyTrading)
	g.exec = execution.NewPaper(g.feeds)
	g.menu = menu.NewService(g.feeds, g.exec, g.pairing, g.copy, g.creds, cfg.CopyTrading)
	g.limiter = newRateGate(cfg.RateLimit)
	g.manager = channels.NewManager(g.handleMessage)
	configureEgress(g.manager, cfg.RateLimit)
	g.hub = webchat.NewHub(cfg.Channels.Webchat.JWTSecret, g.pairing)
	g.server = server.New(p, st, g.pairing, g.copy, g.manager, g.hub, g.ticks, g.metrics)

	g.agent, err = agent.NewOpenAIManager(agentConfig(cfg.Agent))
	if err != nil {
		return nil, fmt.Errorf("failed to build agent: %w", err)
	}

	g.registerCommands()
	return g, nil
}

func newRateGate(cfg config.RateLimitConfig) *ratelimit.Limiter {
	return ratelimit.New(cfg.MaxRequests, time.Duration(cfg.WindowMs)*time.Millisecond, cfg.PerUser)
}

// configureEgress applies the same rate-limit settings to outbound pacing
// that the ingress gate enforces on inbound traffic.
func configureEgress(m *channels.Manager, cfg config.RateLimitConfig) {
	m.ConfigureEgress(cfg.MaxRequests, time.Duration(cfg.WindowMs)*time.Millisecond, cfg.PerUser)
}

func agentConfig(cfg config.AgentConfig) agent.Config {
	return agent.Config{
		Provider:     cfg.Provider,
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		Timeout:      cfg.TimeoutSeconds,
	}
}

// credentialProbe stands in for the execution engine's key check. Demo mode
// grants credentials so the trading flows are explorable.
func (g *Gateway) credentialProbe(ctx context.Context, walletAddress string) (*credentials.Status, error) {
	if g.profile.Mode == "demo" {
		return &credentials.Status{HasPolymarket: true, HasKalshi: true}, nil
	}
	return &credentials.Status{}, nil
}

// Run boots every subsystem in order and blocks until ctx is cancelled or
// the HTTP server fails. Shutdown is the reverse of boot.
func (g *Gateway) Run(ctx context.Context) error {
	g.runCtx, g.runCancel = context.WithCancel(ctx)
	defer g.shutdown()

	if err := g.store.Migrate(g.runCtx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	g.pairing.StartReaper(g.runCtx)

	if g.profile.SkillsDir != "" {
		if err := g.agent.ReloadSkills(g.profile.SkillsDir); err != nil {
			slog.Warn("initial skill load failed", "error", err)
		}
	}

	g.feeds.set(feeds.NewDemo(g.ticks))
	if err := g.feeds.Start(g.runCtx); err != nil {
		return fmt.Errorf("failed to start feeds: %w", err)
	}

	g.registerChannels(g.cfg)
	if err := g.manager.Start(g.runCtx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}

	serverErr := g.server.Start()

	if err := g.startWatchers(); err != nil {
		slog.Warn("config watcher unavailable, hot reload disabled", "error", err)
	}

	slog.Info("gateway running",
		"mode", g.profile.Mode,
		"addr", g.profile.Addr,
		"port", g.profile.Port,
	)

	eg, egCtx := errgroup.WithContext(g.runCtx)
	eg.Go(func() error {
		select {
		case err, ok := <-serverErr:
			if ok && err != nil {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		case <-egCtx.Done():
			return nil
		}
	})
	return eg.Wait()
}

// registerChannels builds adapters from the config and registers them with
// the manager. Called at boot and from every reload.
func (g *Gateway) registerChannels(cfg *config.Config) {
	if tg := cfg.Channels.Telegram; tg.Enabled && tg.Token != "" {
		if tg.WebhookURL == "" && g.profile.InstanceURL != "" {
			tg.WebhookURL = g.profile.InstanceURL + "/channels/telegram"
		}
		ch, err := telegram.New(tg, g.pairing, g.manager.Ingress)
		if err != nil {
			slog.Error("telegram channel unavailable", "error", err)
		} else {
			g.manager.Register(ch)
		}
	}
	if cfg.Channels.Webchat.Enabled {
		g.manager.Register(webchat.New(g.hub, g.manager.Ingress))
	}
}

// rateGate returns the current limiter; reloads swap it.
func (g *Gateway) rateGate() *ratelimit.Limiter {
	g.limMu.Lock()
	defer g.limMu.Unlock()
	return g.limiter
}

func (g *Gateway) swapRateGate(cfg config.RateLimitConfig) {
	g.limMu.Lock()
	old := g.limiter
	g.limiter = newRateGate(cfg)
	g.limMu.Unlock()
	if old != nil {
		old.Close()
	}
}

// shutdown closes subsystems in reverse boot order. Every close is logged
// rather than propagated so one failure cannot block the rest. Idempotent
// via the run context.
func (g *Gateway) shutdown() {
	g.runCancel()

	if g.watcher != nil {
		g.watcher.stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := g.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown failed", "error", err)
	}
	if err := g.manager.Stop(); err != nil {
		slog.Warn("channel shutdown failed", "error", err)
	}
	if err := g.feeds.Stop(); err != nil {
		slog.Warn("feed shutdown failed", "error", err)
	}
	g.agent.Dispose()
	g.hub.Close()
	g.ticks.Close()
	g.sessions.Close()
	g.rateGate().Close()
	g.pairing.Stop()
	if err := g.store.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
	slog.Info("gateway stopped")
}

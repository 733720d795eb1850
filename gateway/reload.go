package gateway

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polyterm/polyterm/feeds"
	"github.com/polyterm/polyterm/internal/config"
)

const (
	// configDebounce absorbs editor write bursts on the config file.
	configDebounce = 250 * time.Millisecond
	// skillsDebounce absorbs bursts under the skills directory.
	skillsDebounce = 150 * time.Millisecond
)

// watcher drives hot reload from filesystem events.
type watcher struct {
	fs   *fsnotify.Watcher
	done chan struct{}

	mu          sync.Mutex
	configTimer *time.Timer
	skillsTimer *time.Timer
}

// startWatchers begins watching the config file and the skills directory.
// Watching the parent directory survives the rename-and-replace dance most
// editors do on save.
func (g *Gateway) startWatchers() error {
	if g.profile.ConfigPath == "" && g.profile.SkillsDir == "" {
		return nil
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w := &watcher{fs: fs, done: make(chan struct{})}

	if g.profile.ConfigPath != "" {
		if err := fs.Add(filepath.Dir(g.profile.ConfigPath)); err != nil {
			slog.Warn("cannot watch config directory", "error", err)
		}
	}
	if g.profile.SkillsDir != "" {
		if _, err := os.Stat(g.profile.SkillsDir); err == nil {
			if err := fs.Add(g.profile.SkillsDir); err != nil {
				slog.Warn("cannot watch skills directory", "error", err)
			}
		}
	}

	g.watcher = w
	go g.watchLoop(w)
	return nil
}

func (w *watcher) stop() {
	close(w.done)
	w.fs.Close()
	w.mu.Lock()
	if w.configTimer != nil {
		w.configTimer.Stop()
	}
	if w.skillsTimer != nil {
		w.skillsTimer.Stop()
	}
	w.mu.Unlock()
}

func (g *Gateway) watchLoop(w *watcher) {
	configPath := filepath.Clean(g.profile.ConfigPath)
	skillsDir := g.profile.SkillsDir

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			name := filepath.Clean(ev.Name)
			switch {
			case configPath != "." && name == configPath:
				w.debounceConfig(func() { g.requestReload("config change") })
			case skillsDir != "" && strings.HasPrefix(name, filepath.Clean(skillsDir)):
				w.debounceSkills(func() {
					if err := g.agent.ReloadSkills(skillsDir); err != nil {
						slog.Warn("skill reload failed", "error", err)
					} else {
						slog.Info("skills reloaded", "dir", skillsDir)
					}
				})
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher error", "error", err)
		}
	}
}

func (w *watcher) debounceConfig(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.configTimer == nil {
		w.configTimer = time.AfterFunc(configDebounce, fn)
		return
	}
	w.configTimer.Reset(configDebounce)
}

func (w *watcher) debounceSkills(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.skillsTimer == nil {
		w.skillsTimer = time.AfterFunc(skillsDebounce, fn)
		return
	}
	w.skillsTimer.Reset(skillsDebounce)
}

// requestReload runs the rebuild, coalescing requests that arrive while one
// is in flight into exactly one trailing rebuild.
func (g *Gateway) requestReload(reason string) {
	g.reloadMu.Lock()
	if g.reloading {
		g.pendingReload = true
		g.reloadMu.Unlock()
		return
	}
	g.reloading = true
	g.reloadMu.Unlock()

	for {
		g.rebuild(reason)

		g.reloadMu.Lock()
		if !g.pendingReload {
			g.reloading = false
			g.reloadMu.Unlock()
			return
		}
		g.pendingReload = false
		g.reloadMu.Unlock()
		reason = "coalesced change"
	}
}

// rebuildRuntime replaces the short-lived runtime under a fresh config.
// Long-lived services (store, pairing, sessions, menu state, command
// registry, webchat hub) are reused; adapters and feeds are rebuilt.
func (g *Gateway) rebuildRuntime(reason string) {
	slog.Info("rebuilding runtime", "reason", reason)

	cfg, err := config.Load(g.profile.ConfigPath)
	if err != nil {
		slog.Error("config reload failed, keeping previous runtime", "error", err)
		return
	}

	// Stop order: channels first so nothing sends into a dying feed.
	if err := g.manager.Stop(); err != nil {
		slog.Warn("channel stop during reload failed", "error", err)
	}
	if err := g.feeds.Stop(); err != nil {
		slog.Warn("feed stop during reload failed", "error", err)
	}

	if err := g.agent.ReloadConfig(agentConfig(cfg.Agent)); err != nil {
		slog.Warn("agent reload failed, keeping previous provider", "error", err)
	}
	if g.profile.SkillsDir != "" {
		if err := g.agent.ReloadSkills(g.profile.SkillsDir); err != nil {
			slog.Warn("skill reload failed", "error", err)
		}
	}

	g.swapRateGate(cfg.RateLimit)
	configureEgress(g.manager, cfg.RateLimit)

	g.feeds.set(feeds.NewDemo(g.ticks))
	if err := g.feeds.Start(g.runCtx); err != nil {
		slog.Error("feed restart failed", "error", err)
	}

	// Re-register adapters. The webchat hub keeps its sockets; the new
	// adapter re-attaches to it.
	g.registerChannels(cfg)
	if err := g.manager.Start(g.runCtx); err != nil {
		slog.Error("channel restart failed", "error", err)
	}

	g.cfg = cfg
	g.metrics.Reloads.Inc()
	slog.Info("runtime rebuilt", "reason", reason)
}

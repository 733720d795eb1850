package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	// adminCacheTTL is how long a chat's admin list is trusted.
	adminCacheTTL = 5 * time.Minute
	// groupWarnInterval throttles the "pair with me" nag per chat.
	groupWarnInterval = time.Hour
)

// adminCache memoizes per-chat administrator lists behind a fetch func.
type adminCache struct {
	mu      sync.Mutex
	entries map[int64]adminEntry
	fetch   func(chatID int64) (map[int64]bool, error)
	now     func() time.Time
}

type adminEntry struct {
	ids map[int64]bool
	at  time.Time
}

func newAdminCache(fetch func(chatID int64) (map[int64]bool, error)) *adminCache {
	return &adminCache{
		entries: make(map[int64]adminEntry),
		fetch:   fetch,
		now:     time.Now,
	}
}

// isAdmin reports whether userID administers chatID. A fetch failure keeps
// any stale entry rather than locking everyone out.
func (a *adminCache) isAdmin(chatID, userID int64) bool {
	a.mu.Lock()
	entry, ok := a.entries[chatID]
	fresh := ok && a.now().Sub(entry.at) < adminCacheTTL
	a.mu.Unlock()

	if !fresh {
		ids, err := a.fetch(chatID)
		if err != nil {
			slog.Debug("admin list fetch failed", "chat_id", chatID, "error", err)
			if !ok {
				return false
			}
		} else {
			entry = adminEntry{ids: ids, at: a.now()}
			a.mu.Lock()
			a.entries[chatID] = entry
			a.mu.Unlock()
		}
	}
	return entry.ids[userID]
}

// groupWarnings throttles per-chat access warnings.
type groupWarnings struct {
	mu   sync.Mutex
	last map[int64]time.Time
	now  func() time.Time
}

func newGroupWarnings() *groupWarnings {
	return &groupWarnings{last: make(map[int64]time.Time), now: time.Now}
}

// shouldWarn reports whether a warning is due for the chat and records it.
func (g *groupWarnings) shouldWarn(chatID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.last[chatID]; ok && g.now().Sub(last) < groupWarnInterval {
		return false
	}
	g.last[chatID] = g.now()
	return true
}

// stripMention removes a leading @botname from group text.
func stripMention(text, botName string) (string, bool) {
	if botName == "" {
		return text, false
	}
	mention := "@" + botName
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(strings.ToLower(trimmed), strings.ToLower(mention)) {
		return text, false
	}
	return strings.TrimSpace(trimmed[len(mention):]), true
}

// gateGroupMessage filters group traffic. The bot only works in chats
// where it is itself an administrator; non-admin chats get at most one
// hourly nag. Past that, it only reacts when mentioned (if configured),
// and unauthorized senders get an hourly pointer to DM pairing.
func (c *Channel) gateGroupMessage(ctx context.Context, m *tgbotapi.Message, text string) (string, bool) {
	if !c.admins.isAdmin(m.Chat.ID, c.selfID) {
		if c.warnings.shouldWarn(m.Chat.ID) {
			c.reply(m.Chat.ID, "⚠️ I need to be an admin of this group before I can take orders here.")
		}
		return "", false
	}

	mentioned := false
	if c.cfg.RequireMention {
		var stripped string
		stripped, mentioned = stripMention(text, c.self)
		isCommand := strings.HasPrefix(strings.TrimSpace(text), "/")
		repliedToBot := m.ReplyToMessage != nil &&
			m.ReplyToMessage.From != nil &&
			m.ReplyToMessage.From.ID == c.selfID
		if !mentioned && !isCommand && !repliedToBot {
			return "", false
		}
		if mentioned {
			text = stripped
		}
	}

	userID := strconv.FormatInt(m.From.ID, 10)
	paired, err := c.pairing.IsPaired(ctx, "telegram", userID)
	if err != nil {
		slog.Warn("group access check failed", "error", err)
		return "", false
	}
	if paired || c.admins.isAdmin(m.Chat.ID, m.From.ID) {
		return text, true
	}

	if c.warnings.shouldWarn(m.Chat.ID) {
		c.reply(m.Chat.ID, "🔒 I only take orders from paired users here. DM me to pair.")
	}
	return "", false
}

// Package session holds per-conversation agent context. Sessions are
// in-memory and keyed by (platform, chatID, userID); idle ones are evicted.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

const (
	// maxHistory bounds the turns kept per session.
	maxHistory = 40
	// idleTTL is how long an untouched session survives.
	idleTTL = 2 * time.Hour

	sweepInterval = 10 * time.Minute
)

// Turn is one exchange entry in a session's history.
type Turn struct {
	Role    string
	Content string
	At      time.Time
}

// Session is one conversation's agent context.
type Session struct {
	ID        string
	Platform  string
	ChatID    string
	UserID    string
	History   []Turn
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Manager owns the session table.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
	stop     chan struct{}
	stopped  sync.Once
}

// NewManager creates the session table and starts the idle sweep.
func NewManager() *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func key(platform, chatID, userID string) string {
	return strings.Join([]string{platform, chatID, userID}, ":")
}

// Get returns the live session for the conversation, creating one if needed.
func (m *Manager) Get(platform, chatID, userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(platform, chatID, userID)
	if s, ok := m.sessions[k]; ok {
		s.UpdatedAt = m.now()
		return s
	}
	now := m.now()
	s := &Session{
		ID:        shortuuid.New(),
		Platform:  platform,
		ChatID:    chatID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[k] = s
	return s
}

// Append records a turn, trimming history beyond the cap.
func (m *Manager) Append(platform, chatID, userID, role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(platform, chatID, userID)
	s, ok := m.sessions[k]
	if !ok {
		return
	}
	s.History = append(s.History, Turn{Role: role, Content: content, At: m.now()})
	if len(s.History) > maxHistory {
		s.History = s.History[len(s.History)-maxHistory:]
	}
	s.UpdatedAt = m.now()
}

// Reset drops the conversation's session so the next message starts fresh.
func (m *Manager) Reset(platform, chatID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key(platform, chatID, userID))
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			cutoff := m.now().Add(-idleTTL)
			m.mu.Lock()
			for k, s := range m.sessions {
				if s.UpdatedAt.Before(cutoff) {
					delete(m.sessions, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close stops the idle sweep.
func (m *Manager) Close() {
	m.stopped.Do(func() { close(m.stop) })
}

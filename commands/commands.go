// Package commands is the slash-command registry: parse "/cmd args",
// dispatch to a handler, fall through when nothing matches.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/polyterm/polyterm/plugin/chat"
)

// Handler runs one command. A nil result with nil error means the handler
// chose to stay silent.
type Handler func(ctx context.Context, msg *chat.Message, args string) (*Reply, error)

// Reply is a handler's rendered answer.
type Reply struct {
	Text      string
	Buttons   [][]chat.Button
	ParseMode chat.ParseMode
}

type entry struct {
	handler Handler
	help    string
	hidden  bool
}

// Registry maps command names to handlers. Long-lived; survives reloads.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry with /help pre-wired.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]*entry)}
	r.Register("help", "Show available commands", r.helpHandler)
	return r
}

// Register binds a command name (without the slash) to a handler.
func (r *Registry) Register(name, help string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[strings.ToLower(name)] = &entry{handler: h, help: help}
}

// RegisterHidden binds a command that /help does not list.
func (r *Registry) RegisterHidden(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[strings.ToLower(name)] = &entry{handler: h, hidden: true}
}

// Parse splits "/cmd@bot rest of line" into (cmd, args, true). Non-command
// text returns ok=false.
func Parse(text string) (name, args string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") || len(trimmed) < 2 {
		return "", "", false
	}
	rest := trimmed[1:]
	if i := strings.IndexAny(rest, " \t\n"); i >= 0 {
		name, args = rest[:i], strings.TrimSpace(rest[i+1:])
	} else {
		name = rest
	}
	// Group chats address commands as /cmd@BotName.
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), args, true
}

// Dispatch runs the matching handler. handled is false when the text is not
// a command or no handler is registered for it.
func (r *Registry) Dispatch(ctx context.Context, msg *chat.Message) (reply *Reply, handled bool, err error) {
	name, args, ok := Parse(msg.Text)
	if !ok {
		return nil, false, nil
	}
	r.mu.RLock()
	e, found := r.entries[name]
	r.mu.RUnlock()
	if !found {
		return nil, false, nil
	}
	reply, err = e.handler(ctx, msg, args)
	if err != nil {
		return nil, true, fmt.Errorf("command /%s failed: %w", name, err)
	}
	return reply, true, nil
}

func (r *Registry) helpHandler(ctx context.Context, msg *chat.Message, args string) (*Reply, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if !e.hidden {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	r.mu.RLock()
	for _, name := range names {
		fmt.Fprintf(&sb, "/%s — %s\n", name, r.entries[name].help)
	}
	r.mu.RUnlock()
	return &Reply{Text: strings.TrimRight(sb.String(), "\n")}, nil
}

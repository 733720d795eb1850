// Package agent wraps the conversational LLM behind the gateway. Free-form
// text that no command or menu state claims ends up here.
package agent

import (
	"context"

	"github.com/polyterm/polyterm/session"
)

// Manager is the surface the gateway drives. Implementations must tolerate
// ReloadConfig and ReloadSkills at any time between calls.
type Manager interface {
	// Ask answers one user message with the session's history as context.
	Ask(ctx context.Context, sess *session.Session, text string) (string, error)
	// AskStream answers with incremental chunks. The chunk channel closes
	// when the answer is complete; a terminal failure arrives on errs.
	AskStream(ctx context.Context, sess *session.Session, text string) (chunks <-chan string, errs <-chan error)
	// ReloadConfig swaps provider settings without dropping sessions.
	ReloadConfig(cfg Config) error
	// ReloadSkills re-reads the skill prompt directory.
	ReloadSkills(dir string) error
	// Dispose releases the underlying client.
	Dispose()
}

// Config is the provider configuration for the agent.
type Config struct {
	Provider     string
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Timeout      int
}

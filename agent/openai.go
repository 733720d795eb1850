package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/polyterm/polyterm/session"
)

const defaultTimeout = 120

// openaiManager talks to any OpenAI-compatible endpoint.
type openaiManager struct {
	mu     sync.RWMutex
	client *openai.Client
	cfg    Config
	skills string
}

// NewOpenAIManager builds a Manager over an OpenAI-compatible API.
func NewOpenAIManager(cfg Config) (Manager, error) {
	m := &openaiManager{}
	if err := m.ReloadConfig(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *openaiManager) ReloadConfig(cfg Config) error {
	if cfg.Model == "" {
		return fmt.Errorf("agent model is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	switch cfg.Provider {
	case "deepseek":
		clientConfig.BaseURL = "https://api.deepseek.com"
	case "openrouter":
		clientConfig.BaseURL = "https://openrouter.ai/api/v1"
	case "ollama":
		clientConfig.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	m.mu.Lock()
	m.client = openai.NewClientWithConfig(clientConfig)
	m.cfg = cfg
	m.mu.Unlock()
	slog.Info("agent configured", "provider", cfg.Provider, "model", cfg.Model)
	return nil
}

// ReloadSkills concatenates every .md file in dir, sorted by name, into the
// skills suffix of the system prompt. A missing dir clears the skills.
func (m *openaiManager) ReloadSkills(dir string) error {
	if dir == "" {
		m.mu.Lock()
		m.skills = ""
		m.mu.Unlock()
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.skills = ""
			m.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read skills dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			slog.Warn("skipping unreadable skill file", "file", name, "error", err)
			continue
		}
		sb.WriteString(strings.TrimSpace(string(data)))
		sb.WriteString("\n\n")
	}

	m.mu.Lock()
	m.skills = strings.TrimSpace(sb.String())
	m.mu.Unlock()
	slog.Info("agent skills reloaded", "dir", dir, "files", len(names))
	return nil
}

func (m *openaiManager) buildMessages(sess *session.Session, text string) []openai.ChatCompletionMessage {
	m.mu.RLock()
	system := m.cfg.SystemPrompt
	if m.skills != "" {
		system = strings.TrimSpace(system + "\n\n" + m.skills)
	}
	m.mu.RUnlock()

	msgs := make([]openai.ChatCompletionMessage, 0, len(sess.History)+2)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, turn := range sess.History {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}
	return append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})
}

func (m *openaiManager) snapshot() (*openai.Client, Config) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client, m.cfg
}

func (m *openaiManager) Ask(ctx context.Context, sess *session.Session, text string) (string, error) {
	client, cfg := m.snapshot()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Second)
	defer cancel()

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    cfg.Model,
		Messages: m.buildMessages(sess, text),
	})
	if err != nil {
		return "", fmt.Errorf("agent chat failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty agent response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (m *openaiManager) AskStream(ctx context.Context, sess *session.Session, text string) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	client, cfg := m.snapshot()
	go func() {
		defer close(chunks)
		defer close(errs)

		ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Second)
		defer cancel()

		stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:    cfg.Model,
			Messages: m.buildMessages(sess, text),
			Stream:   true,
		})
		if err != nil {
			errs <- fmt.Errorf("agent stream failed: %w", err)
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errs <- fmt.Errorf("agent stream read failed: %w", err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				select {
				case chunks <- delta:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
	}()
	return chunks, errs
}

func (m *openaiManager) Dispose() {
	m.mu.Lock()
	m.client = nil
	m.mu.Unlock()
}

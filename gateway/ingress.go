package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/polyterm/polyterm/menu"
	"github.com/polyterm/polyterm/plugin/chat"
	"github.com/polyterm/polyterm/plugin/chat/channels"
)

// handleMessage is the single ingress sink for every channel. Routing order:
// callback dispatch, rate gate, menu text coupling, command registry, agent.
func (g *Gateway) handleMessage(ctx context.Context, msg *chat.Message) {
	platform := string(msg.Platform)
	g.metrics.MessagesIn.WithLabelValues(platform).Inc()

	if msg.IsCallback() {
		g.metrics.Callbacks.Inc()
		res := g.menu.HandleCallback(ctx, platform, msg.ChatID, msg.UserID, msg.ID, msg.CallbackData)
		g.deliverMenu(ctx, msg, res)
		return
	}

	key := platform + ":" + msg.UserID
	if rl := g.rateGate().Check(key); !rl.Allowed {
		g.metrics.RateLimited.Inc()
		g.notifyThrottled(ctx, msg, key, rl.ResetIn)
		return
	}

	// A menu screen awaiting text (search query, wallet, custom size)
	// claims the next DM before anything else sees it.
	if msg.IsDM() {
		if res, handled := g.menu.HandleTextInput(ctx, platform, msg.ChatID, msg.UserID, msg.Text); handled {
			g.deliverMenu(ctx, msg, res)
			return
		}
	}

	reply, handled, err := g.registry.Dispatch(ctx, msg)
	if err != nil {
		slog.Warn("command failed",
			"platform", platform,
			"user_id", msg.UserID,
			"error", err,
		)
		g.sendText(ctx, msg, "That command failed. Try again in a moment.")
		return
	}
	if handled {
		if reply != nil {
			g.send(ctx, msg, reply.Text, reply.Buttons, reply.ParseMode)
		}
		return
	}

	g.askAgent(ctx, msg)
}

// askAgent routes free-form text to the LLM, streaming into a draft when
// the channel supports in-place edits.
func (g *Gateway) askAgent(ctx context.Context, msg *chat.Message) {
	g.metrics.AgentRequests.Inc()
	sess := g.sessions.Get(string(msg.Platform), msg.ChatID, msg.UserID)

	ch := g.manager.Channel(msg.Platform)
	if drafter, ok := ch.(channels.Drafter); ok && ch.Healthy() {
		if g.streamAnswer(ctx, drafter, msg) {
			return
		}
	}

	answer, err := g.agent.Ask(ctx, sess, msg.Text)
	if err != nil {
		g.metrics.AgentErrors.Inc()
		slog.Warn("agent request failed", "user_id", msg.UserID, "error", err)
		g.sendText(ctx, msg, "I'm having trouble answering right now. Try again shortly.")
		return
	}
	g.recordTurns(msg, answer)
	g.sendText(ctx, msg, answer)
}

// streamAnswer edits a placeholder message as chunks arrive. Returns false
// when no draft could be opened so the caller can fall back to a plain ask.
func (g *Gateway) streamAnswer(ctx context.Context, drafter channels.Drafter, msg *chat.Message) bool {
	draft, err := drafter.NewDraft(ctx, msg.ChatID)
	if err != nil {
		slog.Debug("draft unavailable, falling back", "error", err)
		return false
	}

	sess := g.sessions.Get(string(msg.Platform), msg.ChatID, msg.UserID)
	chunks, errs := g.agent.AskStream(ctx, sess, msg.Text)

	var full strings.Builder
	for chunk := range chunks {
		draft.Append(chunk)
		full.WriteString(chunk)
	}
	if err := <-errs; err != nil {
		g.metrics.AgentErrors.Inc()
		slog.Warn("agent stream failed", "user_id", msg.UserID, "error", err)
		draft.Cancel()
		g.sendText(ctx, msg, "I'm having trouble answering right now. Try again shortly.")
		return true
	}
	if err := draft.Finish(""); err != nil {
		slog.Debug("draft finish failed", "error", err)
	}
	g.recordTurns(msg, full.String())
	g.metrics.MessagesOut.WithLabelValues(string(msg.Platform)).Inc()
	return true
}

func (g *Gateway) recordTurns(msg *chat.Message, answer string) {
	platform := string(msg.Platform)
	g.sessions.Append(platform, msg.ChatID, msg.UserID, "user", msg.Text)
	g.sessions.Append(platform, msg.ChatID, msg.UserID, "assistant", answer)
}

// deliverMenu renders a menu result: edit the existing card in place when
// possible, otherwise send a fresh message.
func (g *Gateway) deliverMenu(ctx context.Context, msg *chat.Message, res *menu.Result) {
	if res == nil {
		return
	}
	if res.EditMessageID != "" {
		err := g.manager.Edit(ctx, msg.Platform, msg.ChatID, res.EditMessageID, res.Text, res.Buttons, res.ParseMode)
		if err == nil {
			g.metrics.MessagesOut.WithLabelValues(string(msg.Platform)).Inc()
			return
		}
		slog.Debug("menu edit failed, sending fresh card", "error", err)
	}
	g.send(ctx, msg, res.Text, res.Buttons, res.ParseMode)
}

func (g *Gateway) send(ctx context.Context, msg *chat.Message, text string, buttons [][]chat.Button, mode chat.ParseMode) {
	out := &chat.Outgoing{
		Platform:  msg.Platform,
		ChatID:    msg.ChatID,
		Text:      text,
		Buttons:   buttons,
		ParseMode: mode,
	}
	if err := g.manager.Send(ctx, out); err != nil {
		slog.Warn("send failed", "platform", string(msg.Platform), "error", err)
		return
	}
	g.metrics.MessagesOut.WithLabelValues(string(msg.Platform)).Inc()
}

func (g *Gateway) sendText(ctx context.Context, msg *chat.Message, text string) {
	g.send(ctx, msg, text, nil, chat.ParseModePlain)
}

// notifyThrottled tells a rate-limited user to slow down, at most once per
// minute per user so the notice cannot itself flood the channel.
func (g *Gateway) notifyThrottled(ctx context.Context, msg *chat.Message, key string, resetIn time.Duration) {
	g.noticeMu.Lock()
	last, seen := g.notified[key]
	now := time.Now()
	if seen && now.Sub(last) < time.Minute {
		g.noticeMu.Unlock()
		return
	}
	g.notified[key] = now
	// Opportunistic cleanup of stale entries.
	for k, t := range g.notified {
		if now.Sub(t) > 10*time.Minute {
			delete(g.notified, k)
		}
	}
	g.noticeMu.Unlock()

	wait := resetIn.Round(time.Second)
	if wait <= 0 {
		wait = time.Second
	}
	g.sendText(ctx, msg, fmt.Sprintf("You're sending messages too quickly. Try again in %s.", wait))
}

package webchat

import (
	"context"
	"sync/atomic"

	"github.com/lithammer/shortuuid/v4"

	"github.com/polyterm/polyterm/plugin/chat"
	"github.com/polyterm/polyterm/plugin/chat/channels"
)

// Channel adapts the Hub to the channel interface. It is cheap to rebuild:
// a reload constructs a fresh Channel over the same Hub and the existing
// connections keep flowing.
type Channel struct {
	hub     *Hub
	healthy atomic.Bool
}

// New attaches an adapter (and its ingress) to the hub.
func New(hub *Hub, ingress channels.IngressFunc) *Channel {
	hub.SetIngress(ingress)
	return &Channel{hub: hub}
}

func (c *Channel) Name() string            { return "webchat" }
func (c *Channel) Platform() chat.Platform { return chat.PlatformWebchat }
func (c *Channel) Healthy() bool           { return c.healthy.Load() }

func (c *Channel) Start(ctx context.Context) error {
	c.healthy.Store(true)
	return nil
}

// Stop detaches the adapter. The hub and its connections stay up so a
// reloaded adapter can re-attach.
func (c *Channel) Stop() error {
	c.healthy.Store(false)
	return nil
}

// Send delivers one message frame to the target user.
func (c *Channel) Send(ctx context.Context, out *chat.Outgoing) error {
	frame := Frame{
		Type:      "message",
		ID:        shortuuid.New(),
		Text:      out.Text,
		ParseMode: string(out.ParseMode),
		Buttons:   toButtonFrames(out.Buttons),
	}
	return c.hub.SendTo(out.ChatID, frame)
}

// EditMessage replaces a previously sent frame's content in the client.
func (c *Channel) EditMessage(ctx context.Context, chatID, messageID, text string, buttons [][]chat.Button, mode chat.ParseMode) error {
	frame := Frame{
		Type:      "edit",
		ID:        messageID,
		Text:      text,
		ParseMode: string(mode),
		Buttons:   toButtonFrames(buttons),
	}
	return c.hub.SendTo(chatID, frame)
}

func toButtonFrames(rows [][]chat.Button) [][]buttonFrame {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]buttonFrame, len(rows))
	for i, row := range rows {
		frames := make([]buttonFrame, len(row))
		for j, b := range row {
			frames[j] = buttonFrame{Text: b.Text, URL: b.URL, CallbackData: b.CallbackData}
		}
		out[i] = frames
	}
	return out
}

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/polyterm/polyterm/plugin/chat/channels"
)

const (
	// draftInterval is the minimum gap between two edits of a draft.
	draftInterval = 500 * time.Millisecond
	// draftCursor marks a draft as still streaming.
	draftCursor = " ▌"
	// draftPlaceholder is the initial message content.
	draftPlaceholder = "…"
	// draftFinishAttempts bounds retries when the final flush is
	// rate limited; losing the closing edit drops answer text.
	draftFinishAttempts = 3
	// draftFinishRetryBase is the floor for the rate-limited backoff.
	draftFinishRetryBase = time.Second
)

// DraftStream streams a reply by editing one message in place. Edits are
// paced at most one per draftInterval; intermediate updates coalesce so the
// trailing edit always carries the latest text.
type DraftStream struct {
	mu          sync.Mutex
	edit        func(text string) error
	remove      func() error
	text        string
	lastFlushed string
	lastEdit    time.Time
	timer       *time.Timer
	done        bool
	interval    time.Duration
	now         func() time.Time
	sleep       func(time.Duration)
}

// NewDraft sends a placeholder message and returns a stream that edits it.
func (c *Channel) NewDraft(ctx context.Context, chatIDStr string) (channels.Draft, error) {
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad chat id %q", chatIDStr)
	}
	sent, err := c.bot.Send(tgbotapi.NewMessage(chatID, draftPlaceholder))
	if err != nil {
		return nil, classifyError(err)
	}
	messageID := sent.MessageID
	return newDraftStream(
		func(text string) error {
			edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
			_, err := c.bot.Send(edit)
			return classifyError(err)
		},
		func() error {
			_, err := c.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
			return classifyError(err)
		},
	), nil
}

func newDraftStream(edit func(string) error, remove func() error) *DraftStream {
	return &DraftStream{
		edit:     edit,
		remove:   remove,
		lastEdit: time.Time{},
		interval: draftInterval,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Append adds a chunk to the draft.
func (d *DraftStream) Append(delta string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	d.text += delta
	d.scheduleLocked()
}

// SetText replaces the whole draft body.
func (d *DraftStream) SetText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	d.text = text
	d.scheduleLocked()
}

// scheduleLocked flushes now if the pacing window has passed, otherwise
// arms one trailing timer. Multiple updates inside the window collapse
// into that single trailing edit.
func (d *DraftStream) scheduleLocked() {
	elapsed := d.now().Sub(d.lastEdit)
	if elapsed >= d.interval {
		d.flushLocked(d.text + draftCursor)
		return
	}
	if d.timer != nil {
		return
	}
	d.timer = time.AfterFunc(d.interval-elapsed, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.timer = nil
		if d.done {
			return
		}
		d.flushLocked(d.text + draftCursor)
	})
}

// flushLocked performs the edit. An unchanged body is skipped; a benign
// "not modified" from the transport counts as success.
func (d *DraftStream) flushLocked(content string) {
	if content == d.lastFlushed {
		return
	}
	if err := d.edit(content); err != nil {
		switch channels.Classify(err) {
		case channels.KindContentBenign:
		case channels.KindRateLimited:
			// Let the pacing window absorb it; the next flush retries.
			slog.Debug("draft edit rate limited", "error", err)
			return
		default:
			slog.Debug("draft edit failed", "error", err)
			return
		}
	}
	d.lastFlushed = content
	d.lastEdit = d.now()
}

// Finish pins the final text, cursor removed. With an empty finalText the
// accumulated body is flushed as-is.
func (d *DraftStream) Finish(finalText string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return nil
	}
	d.done = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if finalText == "" {
		finalText = d.text
	}
	if finalText == "" || finalText == d.lastFlushed {
		return nil
	}

	// The final flush carries text no later edit will repeat, so a rate
	// limit is waited out instead of surfaced.
	var lastErr error
	for attempt := 1; attempt <= draftFinishAttempts; attempt++ {
		err := d.edit(finalText)
		if err == nil || channels.Classify(err) == channels.KindContentBenign {
			d.lastFlushed = finalText
			return nil
		}
		if channels.Classify(err) != channels.KindRateLimited {
			return err
		}
		lastErr = err
		delay := channels.RetryAfter(err)
		if delay < draftFinishRetryBase {
			delay = draftFinishRetryBase
		}
		d.sleep(delay)
	}
	return lastErr
}

// Cancel abandons the draft and deletes the placeholder message.
func (d *DraftStream) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	d.done = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.remove != nil {
		if err := d.remove(); err != nil {
			slog.Debug("draft delete failed", "error", err)
		}
	}
}

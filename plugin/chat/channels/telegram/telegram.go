// Package telegram adapts the Telegram bot API to the channel interface:
// long-poll or webhook ingress, inline keyboards, media fan-out, streamed
// drafts, and group admin gating.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/polyterm/polyterm/internal/config"
	"github.com/polyterm/polyterm/pairing"
	"github.com/polyterm/polyterm/plugin/chat"
	"github.com/polyterm/polyterm/plugin/chat/channels"
)

// botAPI is the slice of tgbotapi.BotAPI the adapter uses; tests stub it.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetChatAdministrators(cfg tgbotapi.ChatAdministratorsConfig) ([]tgbotapi.ChatMember, error)
}

// Channel is the Telegram adapter.
type Channel struct {
	bot      botAPI
	cfg      config.TelegramConfig
	pairing  *pairing.Service
	ingress  channels.IngressFunc
	self     string
	selfID   int64
	healthy  atomic.Bool
	cancel   context.CancelFunc
	admins   *adminCache
	warnings *groupWarnings
}

// New connects the bot and verifies the token.
func New(cfg config.TelegramConfig, ps *pairing.Service, ingress channels.IngressFunc) (*Channel, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect telegram bot: %w", err)
	}
	c := newChannel(bot, cfg, ps, ingress)
	c.self = bot.Self.UserName
	c.selfID = bot.Self.ID
	return c, nil
}

func newChannel(bot botAPI, cfg config.TelegramConfig, ps *pairing.Service, ingress channels.IngressFunc) *Channel {
	c := &Channel{
		bot:      bot,
		cfg:      cfg,
		pairing:  ps,
		ingress:  ingress,
		warnings: newGroupWarnings(),
	}
	c.admins = newAdminCache(func(chatID int64) (map[int64]bool, error) {
		members, err := bot.GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{
			ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
		})
		if err != nil {
			return nil, err
		}
		ids := make(map[int64]bool, len(members))
		for _, m := range members {
			ids[m.User.ID] = true
		}
		return ids, nil
	})
	return c
}

func (c *Channel) Name() string            { return "telegram" }
func (c *Channel) Platform() chat.Platform { return chat.PlatformTelegram }
func (c *Channel) Healthy() bool           { return c.healthy.Load() }

// Start begins ingress. With a webhook URL configured the bot registers it
// and waits for HandleWebhook calls; otherwise it long-polls.
func (c *Channel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.cfg.WebhookURL != "" {
		wh, err := tgbotapi.NewWebhook(c.cfg.WebhookURL)
		if err != nil {
			return fmt.Errorf("bad webhook url: %w", err)
		}
		if _, err := c.bot.Request(wh); err != nil {
			return fmt.Errorf("failed to register webhook: %w", err)
		}
		c.healthy.Store(true)
		slog.Info("telegram webhook registered", "url", c.cfg.WebhookURL)
		return nil
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)
	c.healthy.Store(true)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					c.healthy.Store(false)
					return
				}
				c.handleUpdate(runCtx, update)
			}
		}
	}()
	return nil
}

// Stop halts polling. Idempotent.
func (c *Channel) Stop() error {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.healthy.Swap(false) {
		c.bot.StopReceivingUpdates()
	}
	return nil
}

// HandleWebhook ingests one webhook body (a single Update).
func (c *Channel) HandleWebhook(ctx context.Context, body []byte) error {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return fmt.Errorf("bad webhook payload: %w", err)
	}
	c.handleUpdate(ctx, update)
	return nil
}

func (c *Channel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		c.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		c.handleMessage(ctx, update.Message)
	}
}

func (c *Channel) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	// Ack immediately so the client stops its spinner; the real answer is
	// the message edit that follows.
	if _, err := c.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		slog.Debug("callback ack failed", "error", err)
	}
	if cb.Message == nil {
		return
	}
	msg := &chat.Message{
		ID:           strconv.Itoa(cb.Message.MessageID),
		Platform:     chat.PlatformTelegram,
		UserID:       strconv.FormatInt(cb.From.ID, 10),
		Username:     cb.From.UserName,
		ChatID:       strconv.FormatInt(cb.Message.Chat.ID, 10),
		ChatType:     chatTypeOf(cb.Message.Chat),
		CallbackID:   cb.ID,
		CallbackData: cb.Data,
		Timestamp:    time.Now(),
	}
	c.ingress(ctx, msg)
}

func (c *Channel) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}

	if m.Chat.IsGroup() || m.Chat.IsSuperGroup() {
		var ok bool
		text, ok = c.gateGroupMessage(ctx, m, text)
		if !ok {
			return
		}
	} else {
		allowed, err := c.gateDM(ctx, m, text)
		if err != nil {
			slog.Warn("dm gate failed", "error", err)
			return
		}
		if !allowed {
			return
		}
	}

	msg := &chat.Message{
		ID:        strconv.Itoa(m.MessageID),
		Platform:  chat.PlatformTelegram,
		UserID:    strconv.FormatInt(m.From.ID, 10),
		Username:  m.From.UserName,
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		ChatType:  chatTypeOf(m.Chat),
		Text:      text,
		Timestamp: time.Unix(int64(m.Date), 0),
	}
	if m.ReplyToMessage != nil {
		msg.ReplyToID = strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	msg.Attachments = extractAttachments(m)
	c.ingress(ctx, msg)
}

func chatTypeOf(ch *tgbotapi.Chat) chat.ChatType {
	if ch.IsGroup() || ch.IsSuperGroup() || ch.IsChannel() {
		return chat.ChatTypeGroup
	}
	return chat.ChatTypeDM
}

func extractAttachments(m *tgbotapi.Message) []chat.Attachment {
	var out []chat.Attachment
	if len(m.Photo) > 0 {
		best := m.Photo[len(m.Photo)-1]
		out = append(out, chat.Attachment{
			Type:    chat.AttachmentImage,
			URL:     best.FileID,
			Width:   best.Width,
			Height:  best.Height,
			Caption: m.Caption,
		})
	}
	if m.Document != nil {
		out = append(out, chat.Attachment{
			Type:     chat.AttachmentDocument,
			URL:      m.Document.FileID,
			MimeType: m.Document.MimeType,
			FileName: m.Document.FileName,
		})
	}
	if m.Voice != nil {
		out = append(out, chat.Attachment{
			Type:     chat.AttachmentVoice,
			URL:      m.Voice.FileID,
			Duration: m.Voice.Duration,
		})
	}
	return out
}

// gateDM applies the DM policy. With the pairing policy an unpaired user's
// text is first tried as a pairing code.
func (c *Channel) gateDM(ctx context.Context, m *tgbotapi.Message, text string) (bool, error) {
	userID := strconv.FormatInt(m.From.ID, 10)
	switch c.cfg.DMPolicy {
	case config.DMPolicyDisabled:
		return false, nil
	case config.DMPolicyOpen:
		return true, nil
	case config.DMPolicyAllowlist:
		for _, allowed := range c.cfg.Allowlist {
			if allowed == userID || (m.From.UserName != "" && allowed == m.From.UserName) {
				return true, nil
			}
		}
		return false, nil
	}

	// Pairing policy.
	paired, err := c.pairing.IsPaired(ctx, "telegram", userID)
	if err != nil {
		return false, err
	}
	if paired {
		return true, nil
	}

	// A /start deep link carries its own code; the command layer
	// validates and consumes it.
	if rest, ok := strings.CutPrefix(strings.TrimSpace(text), "/start"); ok {
		if pairing.CodePattern.MatchString(pairing.NormalizeCode(rest)) {
			return true, nil
		}
	}

	if pairing.CodePattern.MatchString(pairing.NormalizeCode(text)) {
		req, err := c.pairing.ValidateCode(ctx, text)
		if err != nil {
			return false, err
		}
		if req != nil && req.UserID == userID {
			c.reply(m.Chat.ID, "✅ Paired. You're in — send /start for the menu.")
			return false, nil
		}
		c.reply(m.Chat.ID, "❌ That code didn't work. Codes expire after an hour; request a fresh one.")
		return false, nil
	}

	req, err := c.pairing.CreatePairingRequest(ctx, "telegram", userID, m.From.UserName)
	switch {
	case errors.Is(err, pairing.ErrTooManyPending):
		c.reply(m.Chat.ID, "⏳ Too many pending pairing requests right now. Try again in a few minutes.")
	case err != nil:
		return false, err
	default:
		c.reply(m.Chat.ID, fmt.Sprintf(
			"🔒 This bot is private. Ask the owner to approve code *%s*, or paste an invite code here.",
			chat.EscapeMarkdown(req.Code),
		))
	}
	return false, nil
}

func (c *Channel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := c.bot.Send(msg); err != nil {
		slog.Debug("telegram reply failed", "error", err)
	}
}

// Send delivers one outbound message: text with optional inline keyboard,
// or an attachment fan-out where the first media item carries the caption.
func (c *Channel) Send(ctx context.Context, out *chat.Outgoing) error {
	chatID, err := strconv.ParseInt(out.ChatID, 10, 64)
	if err != nil {
		return &channels.ChannelError{Kind: channels.KindValidation, Err: fmt.Errorf("bad chat id %q", out.ChatID)}
	}

	if len(out.Attachments) > 0 {
		return c.sendAttachments(chatID, out)
	}

	msg := tgbotapi.NewMessage(chatID, out.Text)
	applyParseMode(&msg.ParseMode, out.ParseMode)
	if kb := buildKeyboard(out.Buttons); kb != nil {
		msg.ReplyMarkup = kb
	}
	if out.ReplyToID != "" {
		if id, err := strconv.Atoi(out.ReplyToID); err == nil {
			msg.ReplyToMessageID = id
		}
	}
	_, err = c.bot.Send(msg)
	return classifyError(err)
}

// sendAttachments fans media out one request per item. Only the first item
// carries the message text as caption; a keyboard rides the last item.
func (c *Channel) sendAttachments(chatID int64, out *chat.Outgoing) error {
	kb := buildKeyboard(out.Buttons)
	for i, att := range out.Attachments {
		if !att.HasSource() {
			continue
		}
		var file tgbotapi.RequestFileData
		if len(att.Data) > 0 {
			file = tgbotapi.FileBytes{Name: att.FileName, Bytes: att.Data}
		} else {
			file = tgbotapi.FileURL(att.URL)
		}

		caption := att.Caption
		if i == 0 && out.Text != "" {
			caption = out.Text
		}

		var payload tgbotapi.Chattable
		switch att.Type {
		case chat.AttachmentImage, chat.AttachmentSticker:
			photo := tgbotapi.NewPhoto(chatID, file)
			photo.Caption = caption
			applyParseMode(&photo.ParseMode, out.ParseMode)
			if i == len(out.Attachments)-1 && kb != nil {
				photo.ReplyMarkup = kb
			}
			payload = photo
		case chat.AttachmentVideo:
			video := tgbotapi.NewVideo(chatID, file)
			video.Caption = caption
			payload = video
		case chat.AttachmentAudio, chat.AttachmentVoice:
			audio := tgbotapi.NewAudio(chatID, file)
			audio.Caption = caption
			payload = audio
		default:
			doc := tgbotapi.NewDocument(chatID, file)
			doc.Caption = caption
			payload = doc
		}
		if _, err := c.bot.Send(payload); err != nil {
			return classifyError(err)
		}
	}
	return nil
}

// EditMessage replaces a previously sent message's text and keyboard.
func (c *Channel) EditMessage(ctx context.Context, chatIDStr, messageIDStr, text string, buttons [][]chat.Button, mode chat.ParseMode) error {
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return &channels.ChannelError{Kind: channels.KindValidation, Err: fmt.Errorf("bad chat id %q", chatIDStr)}
	}
	messageID, err := strconv.Atoi(messageIDStr)
	if err != nil {
		return &channels.ChannelError{Kind: channels.KindValidation, Err: fmt.Errorf("bad message id %q", messageIDStr)}
	}

	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	applyParseMode(&edit.ParseMode, mode)
	if kb := buildKeyboard(buttons); kb != nil {
		edit.ReplyMarkup = kb
	}
	_, err = c.bot.Send(edit)
	return classifyError(err)
}

// React sets an emoji reaction on a message. Best effort; the bot API
// method is newer than the client library, so it goes through Request.
func (c *Channel) React(ctx context.Context, chatIDStr, messageIDStr, emoji string) error {
	params := tgbotapi.Params{
		"chat_id":    chatIDStr,
		"message_id": messageIDStr,
	}
	reaction, err := json.Marshal([]map[string]string{{"type": "emoji", "emoji": emoji}})
	if err != nil {
		return err
	}
	params["reaction"] = string(reaction)
	_, err = c.bot.MakeRequest("setMessageReaction", params)
	return classifyError(err)
}

func buildKeyboard(rows [][]chat.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	var kbRows [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var kbRow []tgbotapi.InlineKeyboardButton
		for _, b := range row {
			if b.URL != "" {
				kbRow = append(kbRow, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			} else {
				kbRow = append(kbRow, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.CallbackData))
			}
		}
		kbRows = append(kbRows, kbRow)
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(kbRows...)
	return &kb
}

func applyParseMode(dst *string, mode chat.ParseMode) {
	switch mode {
	case chat.ParseModeMarkdown:
		*dst = tgbotapi.ModeMarkdown
	case chat.ParseModeMarkdownV2:
		*dst = tgbotapi.ModeMarkdownV2
	case chat.ParseModeHTML:
		*dst = tgbotapi.ModeHTML
	}
}

// classifyError maps bot API failures onto the channel error taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Code == 429:
		retryAfter := time.Duration(apiErr.RetryAfter) * time.Second
		return channels.RateLimited(retryAfter, err)
	case strings.Contains(apiErr.Message, "message is not modified"):
		return channels.Benign(err)
	case apiErr.Code == 401 || apiErr.Code == 403:
		return channels.Fatal(err)
	case apiErr.Code == 400:
		return &channels.ChannelError{Kind: channels.KindValidation, Err: err}
	}
	return err
}

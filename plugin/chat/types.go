// Package chat provides the shared message model for all channel adapters.
// Supported platforms: Telegram, browser webchat, generic HTTP webhooks.
package chat

import "time"

// Platform represents a supported chat platform.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformWebchat  Platform = "webchat"
	PlatformWebhook  Platform = "webhook"
)

// IsValid checks if the platform is valid.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformTelegram, PlatformWebchat, PlatformWebhook:
		return true
	default:
		return false
	}
}

// ChatType distinguishes direct messages from group chats.
type ChatType string

const (
	ChatTypeDM    ChatType = "dm"
	ChatTypeGroup ChatType = "group"
)

// ParseMode selects how outgoing text is rendered by the platform.
type ParseMode string

const (
	ParseModePlain      ParseMode = ""
	ParseModeMarkdown   ParseMode = "Markdown"
	ParseModeMarkdownV2 ParseMode = "MarkdownV2"
	ParseModeHTML       ParseMode = "HTML"
)

// AttachmentType tags the variant of an Attachment.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentVideo    AttachmentType = "video"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentVoice    AttachmentType = "voice"
	AttachmentDocument AttachmentType = "document"
	AttachmentSticker  AttachmentType = "sticker"
)

// Attachment carries media by URL or inline bytes, never both.
type Attachment struct {
	Type     AttachmentType
	URL      string
	Data     []byte
	MimeType string
	FileName string
	Width    int
	Height   int
	Duration int
	Caption  string
}

// HasSource reports whether the attachment carries usable media.
func (a *Attachment) HasSource() bool {
	return a.URL != "" || len(a.Data) > 0
}

// Message is an incoming message normalized across platforms. Immutable
// once constructed by an adapter.
type Message struct {
	ID          string
	Platform    Platform
	UserID      string
	Username    string
	ChatID      string
	ChatType    ChatType
	Text        string
	ReplyToID   string
	Attachments []Attachment
	Timestamp   time.Time

	// CallbackID and CallbackData are set when this message is an inline
	// button click rather than typed text. ID then names the message the
	// button was attached to.
	CallbackID   string
	CallbackData string

	// RemoteAddr is the peer address for network transports, used by
	// pairing auto-approval. Empty for bot-API platforms.
	RemoteAddr string
}

// IsDM reports whether the message arrived in a direct chat.
func (m *Message) IsDM() bool {
	return m.ChatType != ChatTypeGroup
}

// IsCallback reports whether this is an inline button click.
func (m *Message) IsCallback() bool {
	return m.CallbackID != ""
}

// Button is one inline keyboard button. Exactly one of URL and
// CallbackData is set; CallbackData is opaque and at most 64 bytes.
type Button struct {
	Text         string
	URL          string
	CallbackData string
}

// Outgoing is a message to deliver through a channel adapter. Produced
// transiently; adapters never retain it after the send.
type Outgoing struct {
	Platform    Platform
	ChatID      string
	Text        string
	ParseMode   ParseMode
	Buttons     [][]Button
	Attachments []Attachment
	ThreadID    string
	ReplyToID   string
}

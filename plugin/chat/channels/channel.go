// Package channels manages chat transport adapters: lifecycle, per-chat
// FIFO egress, rate limiting, and retry on transport back-pressure.
package channels

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/polyterm/polyterm/plugin/chat"
)

// IngressFunc receives every normalized inbound message or callback.
type IngressFunc func(ctx context.Context, msg *chat.Message)

// Channel is one transport adapter. Start must not block; Stop must be
// idempotent. Send is invoked from the manager's egress worker only.
type Channel interface {
	Name() string
	Platform() chat.Platform
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, out *chat.Outgoing) error
	// Healthy reports whether the transport is currently usable.
	Healthy() bool
}

// WebhookChannel is implemented by adapters that accept HTTP webhook
// ingress in addition to (or instead of) long polling.
type WebhookChannel interface {
	Channel
	HandleWebhook(ctx context.Context, body []byte) error
}

// Draft is an in-place streaming message: text accumulates through edits
// until Finish pins the final content.
type Draft interface {
	Append(delta string)
	SetText(text string)
	Finish(finalText string) error
	Cancel()
}

// Drafter is implemented by adapters that can stream a reply by editing a
// placeholder message.
type Drafter interface {
	NewDraft(ctx context.Context, chatID string) (Draft, error)
}

// Editor is implemented by adapters that can rewrite an already delivered
// message in place, which is how menu cards update.
type Editor interface {
	EditMessage(ctx context.Context, chatID, messageID, text string, buttons [][]chat.Button, mode chat.ParseMode) error
}

// Reactor is implemented by adapters that support message reactions.
type Reactor interface {
	React(ctx context.Context, chatID, messageID, emoji string) error
}

// ErrorKind classifies transport failures by how the caller recovers.
type ErrorKind int

const (
	// KindTransient covers network hiccups worth one more try.
	KindTransient ErrorKind = iota
	// KindRateLimited is server back-pressure (HTTP 429 or equivalent).
	KindRateLimited
	// KindContentBenign means the operation was a no-op, like an edit
	// that would not change content. Treated as success.
	KindContentBenign
	// KindValidation is a malformed request; retrying cannot help.
	KindValidation
	// KindFatal means the channel is unusable (revoked token, kicked
	// from chat).
	KindFatal
)

// ChannelError wraps a transport failure with its recovery class.
type ChannelError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel error (kind=%d): %v", e.Kind, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Classify extracts the error kind, defaulting to transient for plain errors.
func Classify(err error) ErrorKind {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// RetryAfter returns the server-requested delay, zero when none was given.
func RetryAfter(err error) time.Duration {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// RateLimited builds a back-pressure error with the server's retry hint.
func RateLimited(retryAfter time.Duration, err error) *ChannelError {
	return &ChannelError{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// Benign marks an operation that changed nothing and should count as done.
func Benign(err error) *ChannelError {
	return &ChannelError{Kind: KindContentBenign, Err: err}
}

// Fatal marks the channel as unusable.
func Fatal(err error) *ChannelError {
	return &ChannelError{Kind: KindFatal, Err: err}
}

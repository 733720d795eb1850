package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/polyterm/polyterm/plugin/chat"
)

const (
	// egressQueueSize bounds the per-channel send queue.
	egressQueueSize = 256
	// offlineQueueSize bounds messages parked while a channel is down.
	offlineQueueSize = 128
	// maxSendAttempts bounds retries on rate-limited sends.
	maxSendAttempts = 3
	// egressPacerCap bounds the per-chat pacer map; crossing it resets the
	// map rather than letting idle chats accumulate forever.
	egressPacerCap = 1024
)

// egressSettings derives outbound pacing from the shared rate-limit config.
// With perChat each chat gets its own pacer keyed chat:{id}; otherwise every
// send through the channel shares one.
type egressSettings struct {
	limit   rate.Limit
	burst   int
	perChat bool
}

func defaultEgressSettings() egressSettings {
	// One message per 250ms per channel keeps us inside bot API global
	// limits with headroom.
	return egressSettings{limit: rate.Every(250 * time.Millisecond), burst: 4}
}

// Manager owns the transport adapters. Each channel gets one egress worker
// draining a FIFO queue, so two messages to the same chat can never reorder.
type Manager struct {
	ingress IngressFunc

	mu       sync.RWMutex
	channels map[chat.Platform]*managed

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	egMu   sync.RWMutex
	egress egressSettings

	// retryBase is the floor for the rate-limited backoff.
	retryBase time.Duration
}

type managed struct {
	chMu  sync.RWMutex
	ch    Channel
	queue chan *chat.Outgoing

	pacerMu sync.Mutex
	pacers  map[string]*rate.Limiter

	offMu   sync.Mutex
	offline []*chat.Outgoing
}

// channel reads the adapter; it can be swapped by a hot reload while the
// egress worker is live.
func (mc *managed) channel() Channel {
	mc.chMu.RLock()
	defer mc.chMu.RUnlock()
	return mc.ch
}

func (mc *managed) setChannel(ch Channel) {
	mc.chMu.Lock()
	mc.ch = ch
	mc.chMu.Unlock()
}

// NewManager builds an empty manager around the ingress callback.
func NewManager(ingress IngressFunc) *Manager {
	return &Manager{
		ingress:   ingress,
		channels:  make(map[chat.Platform]*managed),
		egress:    defaultEgressSettings(),
		retryBase: time.Second,
	}
}

// ConfigureEgress applies the shared rate-limit settings to outbound
// pacing: maxRequests per window, keyed per chat when perChat is set.
// Existing pacers are dropped so the new settings take effect immediately.
func (m *Manager) ConfigureEgress(maxRequests int, window time.Duration, perChat bool) {
	if maxRequests <= 0 || window <= 0 {
		return
	}
	s := egressSettings{
		limit:   rate.Limit(float64(maxRequests) / window.Seconds()),
		burst:   maxRequests,
		perChat: perChat,
	}
	m.egMu.Lock()
	m.egress = s
	m.egMu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mc := range m.channels {
		mc.pacerMu.Lock()
		mc.pacers = make(map[string]*rate.Limiter)
		mc.pacerMu.Unlock()
	}
}

func (m *Manager) egressNow() egressSettings {
	m.egMu.RLock()
	defer m.egMu.RUnlock()
	return m.egress
}

// pacer returns the rate limiter gating sends to chatID on this channel.
func (mc *managed) pacer(s egressSettings, chatID string) *rate.Limiter {
	key := "global"
	if s.perChat {
		key = "chat:" + chatID
	}
	mc.pacerMu.Lock()
	defer mc.pacerMu.Unlock()
	if len(mc.pacers) > egressPacerCap {
		mc.pacers = make(map[string]*rate.Limiter)
	}
	lim, ok := mc.pacers[key]
	if !ok {
		lim = rate.NewLimiter(s.limit, s.burst)
		mc.pacers[key] = lim
	}
	return lim
}

// Register adds (or replaces) the adapter for its platform. Replacing keeps
// the existing egress queue so queued messages survive a hot reload.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.channels[ch.Platform()]; ok {
		existing.setChannel(ch)
		return
	}
	m.channels[ch.Platform()] = &managed{
		ch:     ch,
		pacers: make(map[string]*rate.Limiter),
		queue:  make(chan *chat.Outgoing, egressQueueSize),
	}
}

// Ingress forwards a normalized inbound message to the gateway.
func (m *Manager) Ingress(ctx context.Context, msg *chat.Message) {
	if m.ingress != nil {
		m.ingress(ctx, msg)
	}
}

// Start starts every registered channel and its egress worker.
func (m *Manager) Start(ctx context.Context) error {
	m.runCtx, m.runCancel = context.WithCancel(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for platform, mc := range m.channels {
		if err := mc.channel().Start(m.runCtx); err != nil {
			return fmt.Errorf("failed to start %s channel: %w", platform, err)
		}
		m.wg.Add(1)
		go m.egressLoop(mc)
		m.flushOffline(mc)
		slog.Info("channel started", "platform", string(platform), "name", mc.channel().Name())
	}
	return nil
}

// Stop stops the workers, then the channels. Idempotent.
func (m *Manager) Stop() error {
	if m.runCancel != nil {
		m.runCancel()
	}
	m.wg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for platform, mc := range m.channels {
		if err := mc.channel().Stop(); err != nil {
			slog.Warn("channel stop failed", "platform", string(platform), "error", err)
		}
	}
	return nil
}

// Send queues one outbound message. Messages to a down channel are parked
// in its offline queue and flushed when the channel comes back.
func (m *Manager) Send(ctx context.Context, out *chat.Outgoing) error {
	m.mu.RLock()
	mc, ok := m.channels[out.Platform]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no channel registered for platform %s", out.Platform)
	}

	if !mc.channel().Healthy() {
		m.parkOffline(mc, out)
		return nil
	}
	select {
	case mc.queue <- out:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) parkOffline(mc *managed, out *chat.Outgoing) {
	mc.offMu.Lock()
	defer mc.offMu.Unlock()
	if len(mc.offline) >= offlineQueueSize {
		// Drop the oldest; newer state supersedes it anyway.
		mc.offline = mc.offline[1:]
	}
	mc.offline = append(mc.offline, out)
	slog.Debug("message parked offline",
		"platform", string(out.Platform),
		"queued", len(mc.offline),
	)
}

func (m *Manager) flushOffline(mc *managed) {
	mc.offMu.Lock()
	parked := mc.offline
	mc.offline = nil
	mc.offMu.Unlock()
	for _, out := range parked {
		select {
		case mc.queue <- out:
		default:
			return
		}
	}
}

// egressLoop drains one channel's queue in order, pacing with the limiter
// and retrying rate-limited sends with the server's hint.
func (m *Manager) egressLoop(mc *managed) {
	defer m.wg.Done()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case out := <-mc.queue:
			if err := m.deliver(mc, out); err != nil {
				slog.Warn("message delivery failed",
					"platform", string(out.Platform),
					"chat_id", out.ChatID,
					"error", err,
				)
			}
		}
	}
}

func (m *Manager) deliver(mc *managed, out *chat.Outgoing) error {
	return m.withRetry(m.runCtx, mc, out.Platform, out.ChatID, func() error {
		return mc.channel().Send(m.runCtx, out)
	})
}

// withRetry paces one outbound call and retries rate-limited failures with
// the server's hint, never below retryBase. A benign failure is success; a
// transient fault gets one immediate retry.
func (m *Manager) withRetry(ctx context.Context, mc *managed, platform chat.Platform, chatID string, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		if err := mc.pacer(m.egressNow(), chatID).Wait(ctx); err != nil {
			return err
		}
		err := call()
		if err == nil {
			return nil
		}
		switch Classify(err) {
		case KindContentBenign:
			slog.Debug("benign send result", "platform", string(platform), "error", err)
			return nil
		case KindRateLimited:
			lastErr = err
			delay := RetryAfter(err)
			if delay < m.retryBase {
				delay = m.retryBase
			}
			slog.Debug("rate limited, backing off",
				"platform", string(platform),
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		case KindValidation, KindFatal:
			return err
		default:
			// One immediate retry for transient faults, then give up.
			if attempt >= 2 {
				return err
			}
			lastErr = err
		}
	}
	return lastErr
}

// Edit rewrites a delivered message in place under the same pacing and
// retry policy as queued sends. Edits bypass the egress queue: an edit
// replaces content rather than appending, so ordering against queued sends
// does not matter.
func (m *Manager) Edit(ctx context.Context, platform chat.Platform, chatID, messageID, text string, buttons [][]chat.Button, mode chat.ParseMode) error {
	m.mu.RLock()
	mc, ok := m.channels[platform]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no channel registered for platform %s", platform)
	}
	ed, ok := mc.channel().(Editor)
	if !ok {
		return fmt.Errorf("channel %s cannot edit messages", platform)
	}
	return m.withRetry(ctx, mc, platform, chatID, func() error {
		return ed.EditMessage(ctx, chatID, messageID, text, buttons, mode)
	})
}

// WebhookIngress routes a raw webhook body to the platform's adapter.
func (m *Manager) WebhookIngress(ctx context.Context, platform string, body []byte) error {
	m.mu.RLock()
	mc, ok := m.channels[chat.Platform(platform)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no channel registered for platform %s", platform)
	}
	wc, ok := mc.channel().(WebhookChannel)
	if !ok {
		return fmt.Errorf("channel %s does not accept webhooks", platform)
	}
	return wc.HandleWebhook(ctx, body)
}

// Health reports per-channel liveness for the deep health endpoint.
func (m *Manager) Health() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for platform, mc := range m.channels {
		out[string(platform)] = mc.channel().Healthy()
	}
	return out
}

// Channel returns the adapter for a platform, or nil.
func (m *Manager) Channel(platform chat.Platform) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mc, ok := m.channels[platform]; ok {
		return mc.channel()
	}
	return nil
}

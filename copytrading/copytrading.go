// Package copytrading manages follow configurations: which target wallets a
// user mirrors and under what size cap. Trade mirroring itself runs in the
// execution engine; this package owns the configs and their lifecycle.
package copytrading

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polyterm/polyterm/credentials"
	"github.com/polyterm/polyterm/internal/config"
	"github.com/polyterm/polyterm/pairing"
	"github.com/polyterm/polyterm/store"
)

// MaxConfigsPerWallet caps follow configs per follower wallet.
const MaxConfigsPerWallet = 10

// Sentinel failures of AddConfig.
var (
	ErrNoCredentials  = fmt.Errorf("wallet has no trading credentials")
	ErrTooManyConfigs = fmt.Errorf("too many copy-trading configs for wallet")
	ErrInvalidTarget  = fmt.Errorf("invalid target wallet address")
	ErrSelfFollow     = fmt.Errorf("cannot follow your own wallet")
)

// MirrorEvent is one mirrored trade reported by the engine.
type MirrorEvent struct {
	ConfigID     string
	TargetWallet string
	Platform     string
	TokenID      string
	Side         string
	SizeUSD      float64
	At           time.Time
}

// Stats aggregates mirroring activity for one follower wallet.
type Stats struct {
	ActiveConfigs int
	TotalConfigs  int
	TradesCopied  int
	VolumeUSD     float64
	LastTradeAt   time.Time
}

// Service owns copy-trading configs. Long-lived; survives hot reloads.
type Service struct {
	store *store.Store
	creds credentials.Manager
	cfg   config.CopyTradingConfig
	now   func() time.Time

	mu      sync.Mutex
	history map[string][]MirrorEvent
}

// NewService builds the copy-trading service.
func NewService(st *store.Store, creds credentials.Manager, cfg config.CopyTradingConfig) *Service {
	return &Service{
		store:   st,
		creds:   creds,
		cfg:     cfg,
		now:     time.Now,
		history: make(map[string][]MirrorEvent),
	}
}

// AddConfig creates a follow config for walletAddress tracking targetWallet.
// When credential checks are enabled the follower wallet must be able to
// trade on the platform.
func (s *Service) AddConfig(ctx context.Context, walletAddress, targetWallet, platform string, maxSizeUSD float64) (*store.CopyConfig, error) {
	if !pairing.WalletAddressPattern.MatchString(targetWallet) {
		return nil, ErrInvalidTarget
	}
	if targetWallet == walletAddress {
		return nil, ErrSelfFollow
	}

	if s.cfg.RequireCredentials && s.creds != nil {
		ok, err := s.creds.HasCredentials(ctx, walletAddress, platform)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNoCredentials
		}
	}

	existing, err := s.store.ListCopyConfigs(ctx, walletAddress)
	if err != nil {
		return nil, err
	}
	if len(existing) >= MaxConfigsPerWallet {
		return nil, ErrTooManyConfigs
	}
	// Following the same target twice updates the existing config.
	for _, c := range existing {
		if c.TargetWallet == targetWallet && c.Platform == platform {
			c.MaxSizeUSD = maxSizeUSD
			c.Active = true
			c.UpdatedAt = s.now()
			if err := s.store.UpsertCopyConfig(ctx, c); err != nil {
				return nil, err
			}
			return c, nil
		}
	}

	now := s.now()
	cfg := &store.CopyConfig{
		ID:            uuid.NewString(),
		WalletAddress: walletAddress,
		TargetWallet:  targetWallet,
		Platform:      platform,
		Active:        true,
		MaxSizeUSD:    maxSizeUSD,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.UpsertCopyConfig(ctx, cfg); err != nil {
		return nil, err
	}
	slog.Info("copy config added",
		"wallet", walletAddress,
		"target", targetWallet,
		"platform", platform,
	)
	return cfg, nil
}

// ListConfigs returns every config for the follower wallet.
func (s *Service) ListConfigs(ctx context.Context, walletAddress string) ([]*store.CopyConfig, error) {
	return s.store.ListCopyConfigs(ctx, walletAddress)
}

// GetConfig returns one config by id, or nil.
func (s *Service) GetConfig(ctx context.Context, id string) (*store.CopyConfig, error) {
	return s.store.GetCopyConfig(ctx, id)
}

// SetActive toggles a config on or off.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (*store.CopyConfig, error) {
	cfg, err := s.store.GetCopyConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}
	cfg.Active = active
	cfg.UpdatedAt = s.now()
	if err := s.store.UpsertCopyConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UpdateConfig applies partial changes to a config. Nil fields are left
// untouched. Returns nil when the config does not exist.
func (s *Service) UpdateConfig(ctx context.Context, id string, maxSizeUSD *float64, active *bool) (*store.CopyConfig, error) {
	cfg, err := s.store.GetCopyConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}
	if maxSizeUSD != nil && *maxSizeUSD > 0 {
		cfg.MaxSizeUSD = *maxSizeUSD
	}
	if active != nil {
		cfg.Active = *active
	}
	cfg.UpdatedAt = s.now()
	if err := s.store.UpsertCopyConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RemoveConfig deletes a config.
func (s *Service) RemoveConfig(ctx context.Context, id string) (bool, error) {
	return s.store.DeleteCopyConfig(ctx, id)
}

// RecordMirror records a mirrored trade against its config's wallet.
func (s *Service) RecordMirror(ctx context.Context, ev MirrorEvent) error {
	cfg, err := s.store.GetCopyConfig(ctx, ev.ConfigID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("copy config %s not found", ev.ConfigID)
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.mu.Lock()
	s.history[cfg.WalletAddress] = append(s.history[cfg.WalletAddress], ev)
	s.mu.Unlock()
	return nil
}

// GetStats aggregates config counts and mirroring history for a wallet.
func (s *Service) GetStats(ctx context.Context, walletAddress string) (*Stats, error) {
	configs, err := s.store.ListCopyConfigs(ctx, walletAddress)
	if err != nil {
		return nil, err
	}
	stats := &Stats{TotalConfigs: len(configs)}
	for _, c := range configs {
		if c.Active {
			stats.ActiveConfigs++
		}
	}
	s.mu.Lock()
	for _, ev := range s.history[walletAddress] {
		stats.TradesCopied++
		stats.VolumeUSD += ev.SizeUSD
		if ev.At.After(stats.LastTradeAt) {
			stats.LastTradeAt = ev.At
		}
	}
	s.mu.Unlock()
	return stats, nil
}

// History returns the most recent mirrored trades for a wallet, newest last.
func (s *Service) History(walletAddress string, limit int) []MirrorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.history[walletAddress]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]MirrorEvent, len(events))
	copy(out, events)
	return out
}

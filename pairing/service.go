// Package pairing implements access control for chat channels: short-lived
// human-entered codes, persistent trust levels, wallet bindings, and
// network-topology auto-approval.
package pairing

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/polyterm/polyterm/internal/config"
	"github.com/polyterm/polyterm/store"
)

// CodeAlphabet is A-Z and 2-9 minus the ambiguous {0, O, 1, I}: 32 symbols.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// CodeLength is the length of every pairing code.
	CodeLength = 8
	// CodeTTL is how long a pairing code stays valid.
	CodeTTL = time.Hour
	// MaxPendingPerChannel caps live pairing requests per channel.
	MaxPendingPerChannel = 3
	// reapInterval is how often expired rows are swept. Read paths also
	// check expiry, so correctness does not depend on the sweep cadence.
	reapInterval = 45 * time.Second
)

// CodePattern matches a well-formed pairing code after normalization.
var CodePattern = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{8}$`)

// TrustLevel orders users by privilege: owner ⊃ paired ⊃ stranger.
type TrustLevel string

const (
	TrustOwner    TrustLevel = "owner"
	TrustPaired   TrustLevel = "paired"
	TrustStranger TrustLevel = "stranger"
)

// Sentinel failures of CreatePairingRequest.
var (
	ErrAlreadyPaired  = fmt.Errorf("user is already paired")
	ErrTooManyPending = fmt.Errorf("too many pending pairing requests for channel")
)

// AutoApproveResult reports whether a connection was auto-approved and why.
type AutoApproveResult struct {
	Approved bool
	// Reason is "local" or "tailscale" when approved.
	Reason   string
	PeerInfo string
}

// Service owns pairing state. It is long-lived: the orchestrator constructs
// it once and it survives hot reloads.
type Service struct {
	store *store.Store
	cfg   config.PairingConfig
	now   func() time.Time

	reapCancel context.CancelFunc
}

// NewService creates a pairing service over the given store.
func NewService(st *store.Store, cfg config.PairingConfig) *Service {
	return &Service{
		store: st,
		cfg:   cfg,
		now:   time.Now,
	}
}

// NormalizeCode upper-cases and trims a user-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// generateCode mints a uniform random code over the 32-symbol alphabet,
// rejection-sampling against live user and wallet codes so no two live
// codes ever collide.
func (s *Service) generateCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 32; attempt++ {
		buf := make([]byte, CodeLength)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		code := make([]byte, CodeLength)
		for i, b := range buf {
			// 32 symbols: the low five bits index uniformly.
			code[i] = CodeAlphabet[int(b)&31]
		}
		candidate := string(code)

		if existing, err := s.store.GetPairingRequest(ctx, candidate); err != nil {
			return "", err
		} else if existing != nil {
			continue
		}
		if existing, err := s.store.GetWalletPairingCode(ctx, candidate); err != nil {
			return "", err
		} else if existing != nil {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("failed to generate unique pairing code")
}

// CreatePairingRequest mints (or re-issues) a pairing code for
// (channel, userID). Fails with ErrAlreadyPaired when the user is paired
// and ErrTooManyPending when the channel's pending cap is reached.
func (s *Service) CreatePairingRequest(ctx context.Context, channel, userID, username string) (*store.PairingRequest, error) {
	paired, err := s.store.GetPairedUser(ctx, channel, userID)
	if err != nil {
		return nil, err
	}
	if paired != nil {
		return nil, ErrAlreadyPaired
	}

	now := s.now()

	// Re-requests return the existing code while it is still valid.
	if existing, err := s.store.GetPairingRequestByUser(ctx, channel, userID); err != nil {
		return nil, err
	} else if existing != nil {
		if existing.ExpiresAt.After(now) {
			return existing, nil
		}
		if _, err := s.store.DeletePairingRequest(ctx, existing.Code); err != nil {
			return nil, err
		}
	}

	count, err := s.store.CountPairingRequests(ctx, channel, now)
	if err != nil {
		return nil, err
	}
	if count >= MaxPendingPerChannel {
		return nil, ErrTooManyPending
	}

	code, err := s.generateCode(ctx)
	if err != nil {
		return nil, err
	}
	req := &store.PairingRequest{
		Code:      code,
		Channel:   channel,
		UserID:    userID,
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(CodeTTL),
	}
	if err := s.store.UpsertPairingRequest(ctx, req); err != nil {
		return nil, err
	}
	slog.Info("pairing request created",
		"channel", channel,
		"user_id", userID,
	)
	return req, nil
}

// ValidateCode consumes a user-entered code and pairs the requesting user.
// Returns nil when the code is unknown, expired, or already consumed.
func (s *Service) ValidateCode(ctx context.Context, code string) (*store.PairingRequest, error) {
	code = NormalizeCode(code)
	if !CodePattern.MatchString(code) {
		return nil, nil
	}

	now := s.now()
	// Look up first so the paired-user row carries the requester identity.
	req, err := s.store.GetPairingRequest(ctx, code)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, nil
	}

	consumed, err := s.store.ConsumePairingRequest(ctx, code, "", now, &store.PairedUser{
		Channel:  req.Channel,
		UserID:   req.UserID,
		Username: req.Username,
		PairedAt: now,
		PairedBy: "code",
	})
	if err != nil {
		return nil, err
	}
	if consumed == nil {
		return nil, nil
	}
	slog.Info("pairing code validated",
		"channel", consumed.Channel,
		"user_id", consumed.UserID,
	)
	return consumed, nil
}

// ApproveRequest consumes the code and pairs the user. The code must
// belong to channel.
func (s *Service) ApproveRequest(ctx context.Context, channel, code string) (*store.PairingRequest, error) {
	code = NormalizeCode(code)
	now := s.now()

	req, err := s.store.GetPairingRequest(ctx, code)
	if err != nil {
		return nil, err
	}
	if req == nil || req.Channel != channel {
		return nil, nil
	}

	return s.store.ConsumePairingRequest(ctx, code, channel, now, &store.PairedUser{
		Channel:  req.Channel,
		UserID:   req.UserID,
		Username: req.Username,
		PairedAt: now,
		PairedBy: "code",
	})
}

// RejectRequest consumes the code without pairing anyone.
func (s *Service) RejectRequest(ctx context.Context, channel, code string) (bool, error) {
	code = NormalizeCode(code)
	consumed, err := s.store.ConsumePairingRequest(ctx, code, channel, s.now(), nil)
	if err != nil {
		return false, err
	}
	return consumed != nil, nil
}

// GetTrustLevel returns the user's trust level. A stranger is simply the
// absence of a paired-user row.
func (s *Service) GetTrustLevel(ctx context.Context, channel, userID string) (TrustLevel, error) {
	user, err := s.store.GetPairedUser(ctx, channel, userID)
	if err != nil {
		return TrustStranger, err
	}
	if user == nil {
		return TrustStranger, nil
	}
	if user.IsOwner {
		return TrustOwner, nil
	}
	return TrustPaired, nil
}

// IsPaired reports whether (channel, userID) has a paired-user row.
func (s *Service) IsPaired(ctx context.Context, channel, userID string) (bool, error) {
	user, err := s.store.GetPairedUser(ctx, channel, userID)
	if err != nil {
		return false, err
	}
	return user != nil, nil
}

// ListPaired returns paired users for a channel.
func (s *Service) ListPaired(ctx context.Context, channel string) ([]*store.PairedUser, error) {
	return s.store.ListPairedUsers(ctx, channel)
}

// Unpair removes the paired-user row.
func (s *Service) Unpair(ctx context.Context, channel, userID string) (bool, error) {
	return s.store.DeletePairedUser(ctx, channel, userID)
}

// tailscaleCGNAT is the carrier-grade NAT range tailscale assigns peers from.
var tailscaleCGNAT = func() *net.IPNet {
	_, n, _ := net.ParseCIDR("100.64.0.0/10")
	return n
}()

// CheckAutoApprove pairs a user without a code when the remote address
// proves proximity: loopback (same host) or a tailscale overlay peer.
func (s *Service) CheckAutoApprove(ctx context.Context, channel, userID, remoteAddress string) (AutoApproveResult, error) {
	var result AutoApproveResult
	if remoteAddress == "" {
		return result, nil
	}
	host := remoteAddress
	if h, _, err := net.SplitHostPort(remoteAddress); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return result, nil
	}

	switch {
	case s.cfg.AutoApproveLocal && (ip.IsLoopback() || ip.IsInterfaceLocalMulticast() || ip.IsLinkLocalUnicast()):
		result = AutoApproveResult{Approved: true, Reason: "local", PeerInfo: host}
	case s.cfg.AutoApproveTailscale && tailscaleCGNAT.Contains(ip) && hasTailscaleInterface():
		result = AutoApproveResult{Approved: true, Reason: "tailscale", PeerInfo: host}
	default:
		return result, nil
	}

	now := s.now()
	if err := s.store.UpsertPairedUser(ctx, &store.PairedUser{
		Channel:  channel,
		UserID:   userID,
		PairedAt: now,
		PairedBy: "auto",
		IsOwner:  s.cfg.OwnerOnAutoApprove,
	}); err != nil {
		return AutoApproveResult{}, err
	}
	slog.Info("user auto-approved",
		"channel", channel,
		"user_id", userID,
		"reason", result.Reason,
	)
	return result, nil
}

func hasTailscaleInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if strings.HasPrefix(iface.Name, "tailscale") || strings.HasPrefix(iface.Name, "ts") || iface.Name == "utun" {
			return true
		}
	}
	return false
}

// StartReaper launches the periodic sweep of expired pairing rows. Safe to
// call once; Stop cancels it.
func (s *Service) StartReaper(ctx context.Context) {
	reapCtx, cancel := context.WithCancel(ctx)
	s.reapCancel = cancel
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-reapCtx.Done():
				return
			case <-ticker.C:
				now := s.now()
				if n, err := s.store.DeleteExpiredPairingRequests(reapCtx, now); err != nil {
					slog.Warn("pairing reaper failed", "error", err)
				} else if n > 0 {
					slog.Debug("reaped expired pairing requests", "count", n)
				}
				if n, err := s.store.DeleteExpiredWalletPairingCodes(reapCtx, now); err != nil {
					slog.Warn("wallet code reaper failed", "error", err)
				} else if n > 0 {
					slog.Debug("reaped expired wallet codes", "count", n)
				}
			}
		}
	}()
}

// Stop cancels the reaper.
func (s *Service) Stop() {
	if s.reapCancel != nil {
		s.reapCancel()
		s.reapCancel = nil
	}
}

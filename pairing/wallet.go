package pairing

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/polyterm/polyterm/store"
)

// WalletAddressPattern matches an Ethereum-style hex address.
var WalletAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// CreateWalletPairingCode issues a one-hour code that a chat user can
// enter to bind the wallet to their chat identity.
func (s *Service) CreateWalletPairingCode(ctx context.Context, walletAddress string) (*store.WalletPairingCode, error) {
	code, err := s.generateCode(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	wc := &store.WalletPairingCode{
		Code:          code,
		WalletAddress: walletAddress,
		CreatedAt:     now,
		ExpiresAt:     now.Add(CodeTTL),
	}
	if err := s.store.UpsertWalletPairingCode(ctx, wc); err != nil {
		return nil, err
	}
	slog.Info("wallet pairing code created", "wallet", walletAddress)
	return wc, nil
}

// ValidateWalletPairingCode consumes the code and binds
// (channel, chatUserID) to the code's wallet. Returns nil when the code
// is unknown, expired, or already consumed.
func (s *Service) ValidateWalletPairingCode(ctx context.Context, channel, chatUserID, code string) (*store.WalletLink, error) {
	code = NormalizeCode(code)
	if !CodePattern.MatchString(code) {
		return nil, nil
	}
	now := s.now()
	link := &store.WalletLink{
		Channel:    channel,
		ChatUserID: chatUserID,
		LinkedAt:   now,
		LinkedBy:   "code",
	}
	consumed, err := s.store.ConsumeWalletPairingCode(ctx, code, now, link)
	if err != nil {
		return nil, err
	}
	if consumed == nil {
		return nil, nil
	}
	link.WalletAddress = consumed.WalletAddress
	slog.Info("wallet linked",
		"channel", channel,
		"chat_user_id", chatUserID,
		"wallet", consumed.WalletAddress,
	)
	return link, nil
}

// GetWalletForChatUser returns the wallet linked to (channel, chatUserID),
// or empty when no link exists.
func (s *Service) GetWalletForChatUser(ctx context.Context, channel, chatUserID string) (string, error) {
	link, err := s.store.GetWalletLink(ctx, channel, chatUserID)
	if err != nil {
		return "", err
	}
	if link == nil {
		return "", nil
	}
	return link.WalletAddress, nil
}

// GetChatUsersForWallet returns every chat identity linked to the wallet.
func (s *Service) GetChatUsersForWallet(ctx context.Context, walletAddress string) ([]*store.WalletLink, error) {
	return s.store.ListWalletLinksByWallet(ctx, walletAddress)
}

// UnlinkChatUser removes the wallet binding for (channel, chatUserID).
func (s *Service) UnlinkChatUser(ctx context.Context, channel, chatUserID string) (bool, error) {
	return s.store.DeleteWalletLink(ctx, channel, chatUserID)
}

// GetPairingStatus reports whether a code is still pending, for the web
// polling endpoint. A consumed or expired code reports done=true.
func (s *Service) GetPairingStatus(ctx context.Context, code string) (pending bool, err error) {
	code = NormalizeCode(code)
	wc, err := s.store.GetWalletPairingCode(ctx, code)
	if err != nil {
		return false, err
	}
	return wc != nil && wc.ExpiresAt.After(s.now()), nil
}

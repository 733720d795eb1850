package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyterm/polyterm/internal/profile"
	"github.com/polyterm/polyterm/store"
	"github.com/polyterm/polyterm/store/db/sqlite"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "polyterm_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	s := store.New(driver)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPairingRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	req := &store.PairingRequest{
		Code:      "AB23CDEF",
		Channel:   "telegram",
		UserID:    "42",
		Username:  "alice",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.UpsertPairingRequest(ctx, req))

	got, err := s.GetPairingRequest(ctx, "AB23CDEF")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "telegram", got.Channel)
	assert.Equal(t, "42", got.UserID)
	assert.WithinDuration(t, req.ExpiresAt, got.ExpiresAt, time.Second)

	byUser, err := s.GetPairingRequestByUser(ctx, "telegram", "42")
	require.NoError(t, err)
	require.NotNil(t, byUser)
	assert.Equal(t, "AB23CDEF", byUser.Code)

	count, err := s.CountPairingRequests(ctx, "telegram", now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Expired rows are excluded from the count.
	count, err = s.CountPairingRequests(ctx, "telegram", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestConsumePairingRequestIsConsumeOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.UpsertPairingRequest(ctx, &store.PairingRequest{
		Code: "QRSTUVWX", Channel: "telegram", UserID: "7",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	paired := &store.PairedUser{
		Channel: "telegram", UserID: "7", PairedAt: now, PairedBy: "code",
	}
	consumed, err := s.ConsumePairingRequest(ctx, "QRSTUVWX", "", now, paired)
	require.NoError(t, err)
	require.NotNil(t, consumed)
	assert.Equal(t, "7", consumed.UserID)

	// Row is gone, paired user exists.
	again, err := s.ConsumePairingRequest(ctx, "QRSTUVWX", "", now, paired)
	require.NoError(t, err)
	assert.Nil(t, again)

	user, err := s.GetPairedUser(ctx, "telegram", "7")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "code", user.PairedBy)
	assert.False(t, user.IsOwner)
}

func TestConsumePairingRequestChannelMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.UpsertPairingRequest(ctx, &store.PairingRequest{
		Code: "AAAA2222", Channel: "telegram", UserID: "9",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	consumed, err := s.ConsumePairingRequest(ctx, "AAAA2222", "webchat", now, nil)
	require.NoError(t, err)
	assert.Nil(t, consumed)

	// Mismatch must not consume the row.
	got, err := s.GetPairingRequest(ctx, "AAAA2222")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestConsumeExpiredPairingRequestDeletesRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.UpsertPairingRequest(ctx, &store.PairingRequest{
		Code: "EXPD2345", Channel: "telegram", UserID: "5",
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	consumed, err := s.ConsumePairingRequest(ctx, "EXPD2345", "", now, &store.PairedUser{
		Channel: "telegram", UserID: "5", PairedAt: now, PairedBy: "code",
	})
	require.NoError(t, err)
	assert.Nil(t, consumed)

	got, err := s.GetPairingRequest(ctx, "EXPD2345")
	require.NoError(t, err)
	assert.Nil(t, got, "expired row is removed by the consume attempt")

	user, err := s.GetPairedUser(ctx, "telegram", "5")
	require.NoError(t, err)
	assert.Nil(t, user, "no pairing happens for expired codes")
}

func TestDeleteExpiredPairingRequests(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.UpsertPairingRequest(ctx, &store.PairingRequest{
		Code: "LIVE2345", Channel: "telegram", UserID: "1",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, s.UpsertPairingRequest(ctx, &store.PairingRequest{
		Code: "DEAD2345", Channel: "telegram", UserID: "2",
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	n, err := s.DeleteExpiredPairingRequests(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	live, err := s.GetPairingRequest(ctx, "LIVE2345")
	require.NoError(t, err)
	assert.NotNil(t, live)
}

func TestWalletPairingCodeConsumeInsertsLink(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.UpsertWalletPairingCode(ctx, &store.WalletPairingCode{
		Code:          "WXYZ2345",
		WalletAddress: "0x00000000000000000000000000000000000000aa",
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}))

	consumed, err := s.ConsumeWalletPairingCode(ctx, "WXYZ2345", now, &store.WalletLink{
		Channel: "telegram", ChatUserID: "42", LinkedAt: now, LinkedBy: "code",
	})
	require.NoError(t, err)
	require.NotNil(t, consumed)

	link, err := s.GetWalletLink(ctx, "telegram", "42")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", link.WalletAddress)

	byWallet, err := s.ListWalletLinksByWallet(ctx, "0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	require.Len(t, byWallet, 1)
	assert.Equal(t, "42", byWallet[0].ChatUserID)

	// Second consume returns nothing.
	again, err := s.ConsumeWalletPairingCode(ctx, "WXYZ2345", now, nil)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestCopyConfigCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	cfg := &store.CopyConfig{
		ID:            "cfg1",
		WalletAddress: "0x00000000000000000000000000000000000000bb",
		TargetWallet:  "0x00000000000000000000000000000000000000cc",
		Platform:      "polymarket",
		Active:        true,
		MaxSizeUSD:    250,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.UpsertCopyConfig(ctx, cfg))

	got, err := s.GetCopyConfig(ctx, "cfg1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Active)
	assert.Equal(t, 250.0, got.MaxSizeUSD)

	cfg.Active = false
	cfg.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, s.UpsertCopyConfig(ctx, cfg))

	got, err = s.GetCopyConfig(ctx, "cfg1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	list, err := s.ListCopyConfigs(ctx, cfg.WalletAddress)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	existed, err := s.DeleteCopyConfig(ctx, "cfg1")
	require.NoError(t, err)
	assert.True(t, existed)
}

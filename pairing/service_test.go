package pairing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyterm/polyterm/internal/config"
	"github.com/polyterm/polyterm/internal/profile"
	"github.com/polyterm/polyterm/store"
	"github.com/polyterm/polyterm/store/db/sqlite"
)

func newTestService(t *testing.T, cfg config.PairingConfig) *Service {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "pairing_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return NewService(st, cfg)
}

func TestCodeAlphabetAndLength(t *testing.T) {
	s := newTestService(t, config.PairingConfig{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		code, err := s.generateCode(ctx)
		require.NoError(t, err)
		assert.Len(t, code, CodeLength)
		assert.Regexp(t, CodePattern, code)
		for _, r := range code {
			assert.NotContains(t, "0O1I", string(r))
		}
	}
}

func TestCreatePairingRequestReissuesExistingCode(t *testing.T) {
	s := newTestService(t, config.PairingConfig{})
	ctx := context.Background()

	first, err := s.CreatePairingRequest(ctx, "telegram", "42", "alice")
	require.NoError(t, err)

	second, err := s.CreatePairingRequest(ctx, "telegram", "42", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.Code, second.Code, "re-request returns the live code")
}

func TestCreatePairingRequestChannelCap(t *testing.T) {
	s := newTestService(t, config.PairingConfig{})
	ctx := context.Background()

	for i := 0; i < MaxPendingPerChannel; i++ {
		_, err := s.CreatePairingRequest(ctx, "telegram", string(rune('a'+i)), "")
		require.NoError(t, err)
	}

	_, err := s.CreatePairingRequest(ctx, "telegram", "overflow", "")
	assert.ErrorIs(t, err, ErrTooManyPending)

	// Other channels have their own budget.
	_, err = s.CreatePairingRequest(ctx, "webchat", "overflow", "")
	assert.NoError(t, err)
}

func TestCreatePairingRequestAlreadyPaired(t *testing.T) {
	s := newTestService(t, config.PairingConfig{})
	ctx := context.Background()

	req, err := s.CreatePairingRequest(ctx, "telegram", "42", "")
	require.NoError(t, err)
	validated, err := s.ValidateCode(ctx, req.Code)
	require.NoError(t, err)
	require.NotNil(t, validated)

	_, err = s.CreatePairingRequest(ctx, "telegram", "42", "")
	assert.ErrorIs(t, err, ErrAlreadyPaired)
}

func TestValidateCodeIsCaseInsensitiveAndConsumeOnce(t *testing.T) {
	s := newTestService(t, config.PairingConfig{})
	ctx := context.Background()

	req, err := s.CreatePairingRequest(ctx, "telegram", "42", "alice")
	require.NoError(t, err)

	// Wrong-case entry still validates.
	lower := " " + stringToLower(req.Code) + " "
	validated, err := s.ValidateCode(ctx, lower)
	require.NoError(t, err)
	require.NotNil(t, validated)
	assert.Equal(t, "42", validated.UserID)

	level, err := s.GetTrustLevel(ctx, "telegram", "42")
	require.NoError(t, err)
	assert.Equal(t, TrustPaired, level)

	// Consume-once: second validation returns nothing.
	again, err := s.ValidateCode(ctx, req.Code)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestValidateExpiredCode(t *testing.T) {
	s := newTestService(t, config.PairingConfig{})
	ctx := context.Background()

	req, err := s.CreatePairingRequest(ctx, "telegram", "42", "")
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	validated, err := s.ValidateCode(ctx, req.Code)
	require.NoError(t, err)
	assert.Nil(t, validated)

	level, err := s.GetTrustLevel(ctx, "telegram", "42")
	require.NoError(t, err)
	assert.Equal(t, TrustStranger, level)
}

func TestApproveRequiresChannelMatch(t *testing.T) {
	s := newTestService(t, config.PairingConfig{})
	ctx := context.Background()

	req, err := s.CreatePairingRequest(ctx, "telegram", "42", "")
	require.NoError(t, err)

	approved, err := s.ApproveRequest(ctx, "webchat", req.Code)
	require.NoError(t, err)
	assert.Nil(t, approved)

	approved, err = s.ApproveRequest(ctx, "telegram", req.Code)
	require.NoError(t, err)
	require.NotNil(t, approved)
	assert.Equal(t, "42", approved.UserID)
}

func TestRejectConsumesWithoutPairing(t *testing.T) {
	s := newTestService(t, config.PairingConfig{})
	ctx := context.Background()

	req, err := s.CreatePairingRequest(ctx, "telegram", "42", "")
	require.NoError(t, err)

	ok, err := s.RejectRequest(ctx, "telegram", req.Code)
	require.NoError(t, err)
	assert.True(t, ok)

	level, err := s.GetTrustLevel(ctx, "telegram", "42")
	require.NoError(t, err)
	assert.Equal(t, TrustStranger, level)
}

func TestCheckAutoApproveLoopback(t *testing.T) {
	s := newTestService(t, config.PairingConfig{AutoApproveLocal: true, OwnerOnAutoApprove: true})
	ctx := context.Background()

	res, err := s.CheckAutoApprove(ctx, "webchat", "u1", "127.0.0.1:51234")
	require.NoError(t, err)
	require.True(t, res.Approved)
	assert.Equal(t, "local", res.Reason)

	level, err := s.GetTrustLevel(ctx, "webchat", "u1")
	require.NoError(t, err)
	assert.Equal(t, TrustOwner, level)
}

func TestCheckAutoApproveDisabled(t *testing.T) {
	s := newTestService(t, config.PairingConfig{})
	ctx := context.Background()

	res, err := s.CheckAutoApprove(ctx, "webchat", "u1", "127.0.0.1:51234")
	require.NoError(t, err)
	assert.False(t, res.Approved)
}

func TestWalletPairingRoundTrip(t *testing.T) {
	s := newTestService(t, config.PairingConfig{})
	ctx := context.Background()
	wallet := "0x00000000000000000000000000000000000000aa"

	wc, err := s.CreateWalletPairingCode(ctx, wallet)
	require.NoError(t, err)
	assert.Regexp(t, CodePattern, wc.Code)

	link, err := s.ValidateWalletPairingCode(ctx, "telegram", "42", wc.Code)
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, wallet, link.WalletAddress)

	got, err := s.GetWalletForChatUser(ctx, "telegram", "42")
	require.NoError(t, err)
	assert.Equal(t, wallet, got)

	users, err := s.GetChatUsersForWallet(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, users, 1)

	// Re-validation returns none.
	again, err := s.ValidateWalletPairingCode(ctx, "telegram", "43", wc.Code)
	require.NoError(t, err)
	assert.Nil(t, again)

	ok, err := s.UnlinkChatUser(ctx, "telegram", "42")
	require.NoError(t, err)
	assert.True(t, ok)
}

func stringToLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// PairingRequest is a short-lived code a chat user must present (or have
// approved) to gain DM access.
type PairingRequest struct {
	Code      string
	Channel   string
	UserID    string
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// PairedUser records an approved chat user. Key is (channel, user_id).
type PairedUser struct {
	Channel  string
	UserID   string
	Username string
	PairedAt time.Time
	// PairedBy is one of "code", "allowlist", "auto", "owner".
	PairedBy string
	IsOwner  bool
}

// WalletPairingCode is a short-lived code binding a web wallet to a chat
// user. Consumed at most once.
type WalletPairingCode struct {
	Code          string
	WalletAddress string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// WalletLink binds (channel, chat_user_id) to a wallet address.
type WalletLink struct {
	Channel       string
	ChatUserID    string
	WalletAddress string
	LinkedAt      time.Time
	LinkedBy      string
}

// UpsertPairingRequest inserts or refreshes a pairing request row.
func (s *Store) UpsertPairingRequest(ctx context.Context, r *PairingRequest) error {
	query := `
		INSERT INTO pairing_requests (code, channel, user_id, username, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET
			channel = $2, user_id = $3, username = $4, created_at = $5, expires_at = $6
	`
	_, err := s.db.ExecContext(ctx, query,
		r.Code, r.Channel, r.UserID, r.Username, formatTime(r.CreatedAt), formatTime(r.ExpiresAt))
	if err != nil {
		return errors.Wrap(err, "failed to upsert pairing request")
	}
	return nil
}

func scanPairingRequest(row interface{ Scan(...any) error }) (*PairingRequest, error) {
	var r PairingRequest
	var createdAt, expiresAt string
	if err := row.Scan(&r.Code, &r.Channel, &r.UserID, &r.Username, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(createdAt)
	r.ExpiresAt = parseTime(expiresAt)
	return &r, nil
}

// GetPairingRequest returns the request for code, or nil when absent.
func (s *Store) GetPairingRequest(ctx context.Context, code string) (*PairingRequest, error) {
	query := `
		SELECT code, channel, user_id, username, created_at, expires_at
		FROM pairing_requests WHERE code = $1
	`
	r, err := scanPairingRequest(s.db.QueryRowContext(ctx, query, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get pairing request")
	}
	return r, nil
}

// GetPairingRequestByUser returns the request for (channel, userID), or nil.
func (s *Store) GetPairingRequestByUser(ctx context.Context, channel, userID string) (*PairingRequest, error) {
	query := `
		SELECT code, channel, user_id, username, created_at, expires_at
		FROM pairing_requests WHERE channel = $1 AND user_id = $2
	`
	r, err := scanPairingRequest(s.db.QueryRowContext(ctx, query, channel, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get pairing request by user")
	}
	return r, nil
}

// CountPairingRequests returns the number of unexpired requests on channel.
func (s *Store) CountPairingRequests(ctx context.Context, channel string, now time.Time) (int, error) {
	query := `SELECT COUNT(1) FROM pairing_requests WHERE channel = $1 AND expires_at > $2`
	var count int
	if err := s.db.QueryRowContext(ctx, query, channel, formatTime(now)).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count pairing requests")
	}
	return count, nil
}

// DeletePairingRequest removes a request row; returns whether a row existed.
func (s *Store) DeletePairingRequest(ctx context.Context, code string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pairing_requests WHERE code = $1`, code)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete pairing request")
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ConsumePairingRequest atomically deletes the request for code and, when
// upsert is non-nil, inserts/updates the paired user in the same
// transaction. A non-empty channel must match the stored row. Expired rows
// are deleted and reported as absent. Returns nil when nothing was
// consumed.
func (s *Store) ConsumePairingRequest(ctx context.Context, code, channel string, now time.Time, upsert *PairedUser) (*PairingRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin tx")
	}
	defer tx.Rollback()

	query := `
		SELECT code, channel, user_id, username, created_at, expires_at
		FROM pairing_requests WHERE code = $1
	`
	r, err := scanPairingRequest(tx.QueryRowContext(ctx, query, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pairing request")
	}
	if channel != "" && r.Channel != channel {
		return nil, nil
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM pairing_requests WHERE code = $1`, code)
	if err != nil {
		return nil, errors.Wrap(err, "failed to consume pairing request")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Lost the race to another consumer.
		return nil, nil
	}

	if !r.ExpiresAt.After(now) {
		// Expired: the delete stands, but nothing is paired.
		if err := tx.Commit(); err != nil {
			return nil, errors.Wrap(err, "failed to commit expiry delete")
		}
		return nil, nil
	}

	if upsert != nil {
		if err := upsertPairedUserTx(ctx, tx, upsert); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit pairing consume")
	}
	return r, nil
}

// DeleteExpiredPairingRequests removes requests past their expiry.
func (s *Store) DeleteExpiredPairingRequests(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE expires_at <= $1`, formatTime(now))
	if err != nil {
		return 0, errors.Wrap(err, "failed to reap pairing requests")
	}
	n, _ := result.RowsAffected()
	return n, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertPairedUserTx(ctx context.Context, e execer, u *PairedUser) error {
	query := `
		INSERT INTO paired_users (channel, user_id, username, paired_at, paired_by, is_owner)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel, user_id) DO UPDATE SET
			username = $3, paired_at = $4, paired_by = $5, is_owner = $6
	`
	_, err := e.ExecContext(ctx, query,
		u.Channel, u.UserID, u.Username, formatTime(u.PairedAt), u.PairedBy, boolToInt(u.IsOwner))
	if err != nil {
		return errors.Wrap(err, "failed to upsert paired user")
	}
	return nil
}

// UpsertPairedUser inserts or updates a paired user by (channel, user_id).
func (s *Store) UpsertPairedUser(ctx context.Context, u *PairedUser) error {
	return upsertPairedUserTx(ctx, s.db, u)
}

// GetPairedUser returns the paired user for (channel, userID), or nil.
func (s *Store) GetPairedUser(ctx context.Context, channel, userID string) (*PairedUser, error) {
	query := `
		SELECT channel, user_id, username, paired_at, paired_by, is_owner
		FROM paired_users WHERE channel = $1 AND user_id = $2
	`
	var u PairedUser
	var pairedAt string
	var isOwner int
	err := s.db.QueryRowContext(ctx, query, channel, userID).
		Scan(&u.Channel, &u.UserID, &u.Username, &pairedAt, &u.PairedBy, &isOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get paired user")
	}
	u.PairedAt = parseTime(pairedAt)
	u.IsOwner = isOwner != 0
	return &u, nil
}

// ListPairedUsers returns paired users, optionally filtered by channel.
func (s *Store) ListPairedUsers(ctx context.Context, channel string) ([]*PairedUser, error) {
	query := `
		SELECT channel, user_id, username, paired_at, paired_by, is_owner
		FROM paired_users
	`
	args := []any{}
	if channel != "" {
		query += ` WHERE channel = $1`
		args = append(args, channel)
	}
	query += ` ORDER BY paired_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list paired users")
	}
	defer rows.Close()

	var users []*PairedUser
	for rows.Next() {
		var u PairedUser
		var pairedAt string
		var isOwner int
		if err := rows.Scan(&u.Channel, &u.UserID, &u.Username, &pairedAt, &u.PairedBy, &isOwner); err != nil {
			return nil, errors.Wrap(err, "failed to scan paired user")
		}
		u.PairedAt = parseTime(pairedAt)
		u.IsOwner = isOwner != 0
		users = append(users, &u)
	}
	return users, rows.Err()
}

// DeletePairedUser removes a paired user; returns whether a row existed.
func (s *Store) DeletePairedUser(ctx context.Context, channel, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM paired_users WHERE channel = $1 AND user_id = $2`, channel, userID)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete paired user")
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// UpsertWalletPairingCode inserts or refreshes a wallet pairing code.
func (s *Store) UpsertWalletPairingCode(ctx context.Context, c *WalletPairingCode) error {
	query := `
		INSERT INTO wallet_pairing_codes (code, wallet_address, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET
			wallet_address = $2, created_at = $3, expires_at = $4
	`
	_, err := s.db.ExecContext(ctx, query,
		c.Code, c.WalletAddress, formatTime(c.CreatedAt), formatTime(c.ExpiresAt))
	if err != nil {
		return errors.Wrap(err, "failed to upsert wallet pairing code")
	}
	return nil
}

// GetWalletPairingCode returns the wallet code row, or nil when absent.
func (s *Store) GetWalletPairingCode(ctx context.Context, code string) (*WalletPairingCode, error) {
	query := `
		SELECT code, wallet_address, created_at, expires_at
		FROM wallet_pairing_codes WHERE code = $1
	`
	var c WalletPairingCode
	var createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx, query, code).
		Scan(&c.Code, &c.WalletAddress, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get wallet pairing code")
	}
	c.CreatedAt = parseTime(createdAt)
	c.ExpiresAt = parseTime(expiresAt)
	return &c, nil
}

// ConsumeWalletPairingCode atomically deletes the wallet code and inserts
// the wallet link in the same transaction. Expired rows are deleted and
// reported as absent.
func (s *Store) ConsumeWalletPairingCode(ctx context.Context, code string, now time.Time, link *WalletLink) (*WalletPairingCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin tx")
	}
	defer tx.Rollback()

	query := `
		SELECT code, wallet_address, created_at, expires_at
		FROM wallet_pairing_codes WHERE code = $1
	`
	var c WalletPairingCode
	var createdAt, expiresAt string
	err = tx.QueryRowContext(ctx, query, code).
		Scan(&c.Code, &c.WalletAddress, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load wallet pairing code")
	}
	c.CreatedAt = parseTime(createdAt)
	c.ExpiresAt = parseTime(expiresAt)

	result, err := tx.ExecContext(ctx, `DELETE FROM wallet_pairing_codes WHERE code = $1`, code)
	if err != nil {
		return nil, errors.Wrap(err, "failed to consume wallet pairing code")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, nil
	}

	if !c.ExpiresAt.After(now) {
		if err := tx.Commit(); err != nil {
			return nil, errors.Wrap(err, "failed to commit expiry delete")
		}
		return nil, nil
	}

	if link != nil {
		if link.WalletAddress == "" {
			link.WalletAddress = c.WalletAddress
		}
		if err := upsertWalletLinkTx(ctx, tx, link); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit wallet consume")
	}
	return &c, nil
}

// DeleteExpiredWalletPairingCodes removes wallet codes past their expiry.
func (s *Store) DeleteExpiredWalletPairingCodes(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM wallet_pairing_codes WHERE expires_at <= $1`, formatTime(now))
	if err != nil {
		return 0, errors.Wrap(err, "failed to reap wallet pairing codes")
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func upsertWalletLinkTx(ctx context.Context, e execer, l *WalletLink) error {
	query := `
		INSERT INTO wallet_links (channel, chat_user_id, wallet_address, linked_at, linked_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel, chat_user_id) DO UPDATE SET
			wallet_address = $3, linked_at = $4, linked_by = $5
	`
	_, err := e.ExecContext(ctx, query,
		l.Channel, l.ChatUserID, l.WalletAddress, formatTime(l.LinkedAt), l.LinkedBy)
	if err != nil {
		return errors.Wrap(err, "failed to upsert wallet link")
	}
	return nil
}

// UpsertWalletLink inserts or updates a wallet link.
func (s *Store) UpsertWalletLink(ctx context.Context, l *WalletLink) error {
	return upsertWalletLinkTx(ctx, s.db, l)
}

// GetWalletLink returns the link for (channel, chatUserID), or nil.
func (s *Store) GetWalletLink(ctx context.Context, channel, chatUserID string) (*WalletLink, error) {
	query := `
		SELECT channel, chat_user_id, wallet_address, linked_at, linked_by
		FROM wallet_links WHERE channel = $1 AND chat_user_id = $2
	`
	var l WalletLink
	var linkedAt string
	err := s.db.QueryRowContext(ctx, query, channel, chatUserID).
		Scan(&l.Channel, &l.ChatUserID, &l.WalletAddress, &linkedAt, &l.LinkedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get wallet link")
	}
	l.LinkedAt = parseTime(linkedAt)
	return &l, nil
}

// ListWalletLinksByWallet returns all chat users linked to a wallet.
func (s *Store) ListWalletLinksByWallet(ctx context.Context, walletAddress string) ([]*WalletLink, error) {
	query := `
		SELECT channel, chat_user_id, wallet_address, linked_at, linked_by
		FROM wallet_links WHERE wallet_address = $1 ORDER BY linked_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, walletAddress)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list wallet links")
	}
	defer rows.Close()

	var links []*WalletLink
	for rows.Next() {
		var l WalletLink
		var linkedAt string
		if err := rows.Scan(&l.Channel, &l.ChatUserID, &l.WalletAddress, &linkedAt, &l.LinkedBy); err != nil {
			return nil, errors.Wrap(err, "failed to scan wallet link")
		}
		l.LinkedAt = parseTime(linkedAt)
		links = append(links, &l)
	}
	return links, rows.Err()
}

// DeleteWalletLink removes a wallet link; returns whether a row existed.
func (s *Store) DeleteWalletLink(ctx context.Context, channel, chatUserID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM wallet_links WHERE channel = $1 AND chat_user_id = $2`, channel, chatUserID)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete wallet link")
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// CopyConfig is one copy-trading follow configuration owned by a wallet.
type CopyConfig struct {
	ID            string
	WalletAddress string
	TargetWallet  string
	Platform      string
	Active        bool
	MaxSizeUSD    float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UpsertCopyConfig inserts or updates a copy config by id.
func (s *Store) UpsertCopyConfig(ctx context.Context, c *CopyConfig) error {
	query := `
		INSERT INTO copy_configs (id, wallet_address, target_wallet, platform, active, max_size_usd, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			wallet_address = $2, target_wallet = $3, platform = $4, active = $5,
			max_size_usd = $6, updated_at = $8
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.WalletAddress, c.TargetWallet, c.Platform, boolToInt(c.Active),
		c.MaxSizeUSD, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, "failed to upsert copy config")
	}
	return nil
}

func scanCopyConfig(row interface{ Scan(...any) error }) (*CopyConfig, error) {
	var c CopyConfig
	var active int
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.WalletAddress, &c.TargetWallet, &c.Platform,
		&active, &c.MaxSizeUSD, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Active = active != 0
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// GetCopyConfig returns the config for id, or nil when absent.
func (s *Store) GetCopyConfig(ctx context.Context, id string) (*CopyConfig, error) {
	query := `
		SELECT id, wallet_address, target_wallet, platform, active, max_size_usd, created_at, updated_at
		FROM copy_configs WHERE id = $1
	`
	c, err := scanCopyConfig(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get copy config")
	}
	return c, nil
}

// ListCopyConfigs returns configs, optionally filtered by owner wallet.
func (s *Store) ListCopyConfigs(ctx context.Context, walletAddress string) ([]*CopyConfig, error) {
	query := `
		SELECT id, wallet_address, target_wallet, platform, active, max_size_usd, created_at, updated_at
		FROM copy_configs
	`
	args := []any{}
	if walletAddress != "" {
		query += ` WHERE wallet_address = $1`
		args = append(args, walletAddress)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list copy configs")
	}
	defer rows.Close()

	var configs []*CopyConfig
	for rows.Next() {
		c, err := scanCopyConfig(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan copy config")
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// DeleteCopyConfig removes a config; returns whether a row existed.
func (s *Store) DeleteCopyConfig(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM copy_configs WHERE id = $1`, id)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete copy config")
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

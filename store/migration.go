package store

// MigrationStatements is the idempotent schema shared by both drivers.
// Types are kept to TEXT/INTEGER so the same DDL runs on sqlite and
// postgres.
var MigrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS pairing_requests (
		code TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pairing_requests_channel ON pairing_requests (channel)`,
	`CREATE TABLE IF NOT EXISTS paired_users (
		channel TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		paired_at TEXT NOT NULL,
		paired_by TEXT NOT NULL,
		is_owner INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (channel, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_paired_users_channel ON paired_users (channel)`,
	`CREATE TABLE IF NOT EXISTS wallet_pairing_codes (
		code TEXT PRIMARY KEY,
		wallet_address TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS wallet_links (
		channel TEXT NOT NULL,
		chat_user_id TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		linked_at TEXT NOT NULL,
		linked_by TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (channel, chat_user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_links_wallet ON wallet_links (wallet_address)`,
	`CREATE TABLE IF NOT EXISTS copy_configs (
		id TEXT PRIMARY KEY,
		wallet_address TEXT NOT NULL,
		target_wallet TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT 'polymarket',
		active INTEGER NOT NULL DEFAULT 1,
		max_size_usd REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_copy_configs_wallet ON copy_configs (wallet_address)`,
}

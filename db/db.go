// Package db provides database connection helpers, schema migration, and small data access helpers.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection. The DSN comes from config (DB_DSN
// with the config package's default); it is never defaulted here.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the embedded-SQL fallback for deployments without versioned migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS viewer_stats (
			viewer_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			message_count BIGINT NOT NULL DEFAULT 0,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			first_seen_seq BIGINT NOT NULL,
			last_seen_seq BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS viewer_achievements (
			viewer_id TEXT NOT NULL,
			threshold INTEGER NOT NULL,
			unlocked_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (viewer_id, threshold)
		)`,
		`CREATE TABLE IF NOT EXISTS seen_messages (
			message_id TEXT PRIMARY KEY,
			seq BIGINT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_viewer_stats_rank ON viewer_stats(message_count DESC, first_seen_seq ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_seen_messages_seq ON seen_messages(seq)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// SetKV stores or updates a small operational value (heartbeats, session metadata).
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV returns the stored value for key, or empty string when absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var v string
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// UpsertOAuthToken stores or updates an OAuth token row for a provider (e.g. google).
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, provider, access, refresh string, expiry time.Time, scope string) error {
	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, updated_at)
		  VALUES($1,$2,$3,$4,$5,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    updated_at=NOW()`
	_, err := dbx.ExecContext(ctx, q, provider, access, refresh, expiry, scope)
	return err
}

// GetOAuthToken retrieves a stored token row; returns zero values if not found.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	row := dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope FROM oauth_tokens WHERE provider = $1`, provider)
	err = row.Scan(&access, &refresh, &expiry, &scope)
	if err == sql.ErrNoRows {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	return access, refresh, expiry, scope, nil
}

// TokenStoreAdapter implements youtubeapi.TokenStore on top of the oauth_tokens table.
type TokenStoreAdapter struct{ DB *sql.DB }

func (t *TokenStoreAdapter) UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, scope string) error {
	return UpsertOAuthToken(ctx, t.DB, provider, accessToken, refreshToken, expiry, scope)
}

func (t *TokenStoreAdapter) GetOAuthToken(ctx context.Context, provider string) (accessToken, refreshToken string, expiry time.Time, scope string, err error) {
	return GetOAuthToken(ctx, t.DB, provider)
}

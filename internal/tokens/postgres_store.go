package tokens

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed token store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tokenColumns = `id, service_id, name, digest, prefix, permissions, rate_limit_override,
	ip_whitelist, is_active, is_revoked, is_deleted, usage_count, last_used_at, last_used_ip,
	expires_at, created_at, updated_at, deleted_at`

func (p *PostgresStore) Create(ctx context.Context, t *Token) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO service_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, t.ID, t.ServiceID, t.Name, t.Digest, t.Prefix,
		pq.Array(t.Permissions), t.RateLimitOverride,
		pq.Array(t.IPWhitelist), t.Active, t.Revoked, t.Deleted,
		t.UsageCount, t.LastUsedAt, nullString(t.LastUsedIP),
		t.ExpiresAt, t.CreatedAt, t.UpdatedAt, t.DeletedAt)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrNameTaken
		}
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Token, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM service_tokens WHERE id = $1
	`, id)
	return scanToken(row)
}

func (p *PostgresStore) List(ctx context.Context, serviceID string) ([]*Token, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM service_tokens
		WHERE service_id = $1 AND is_deleted = false
		ORDER BY created_at DESC
	`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return collectTokens(rows)
}

func (p *PostgresStore) ListActive(ctx context.Context, serviceID string) ([]*Token, error) {
	// Creation order keeps secret resolution deterministic.
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM service_tokens
		WHERE service_id = $1 AND is_active = true AND is_revoked = false AND is_deleted = false
		ORDER BY created_at ASC
	`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tokens: %w", err)
	}
	return collectTokens(rows)
}

func (p *PostgresStore) Update(ctx context.Context, t *Token) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE service_tokens SET
			name = $1, permissions = $2, rate_limit_override = $3, ip_whitelist = $4,
			is_active = $5, is_revoked = $6, is_deleted = $7, expires_at = $8,
			updated_at = $9, deleted_at = $10
		WHERE id = $11
	`, t.Name, pq.Array(t.Permissions), t.RateLimitOverride, pq.Array(t.IPWhitelist),
		t.Active, t.Revoked, t.Deleted, t.ExpiresAt, t.UpdatedAt, t.DeletedAt, t.ID)

	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM service_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (p *PostgresStore) RecordUse(ctx context.Context, id, ip string, at time.Time) error {
	// Increment-in-place so concurrent authentications never race.
	result, err := p.db.ExecContext(ctx, `
		UPDATE service_tokens
		SET usage_count = usage_count + 1, last_used_at = $2, last_used_ip = $3
		WHERE id = $1
	`, id, at, ip)
	if err != nil {
		return fmt.Errorf("failed to record token use: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func scanToken(row *sql.Row) (*Token, error) {
	var t Token
	var permissions, ipWhitelist pq.StringArray
	var rateOverride, lastUsedIP sql.NullString

	err := row.Scan(&t.ID, &t.ServiceID, &t.Name, &t.Digest, &t.Prefix,
		&permissions, &rateOverride, &ipWhitelist,
		&t.Active, &t.Revoked, &t.Deleted,
		&t.UsageCount, &t.LastUsedAt, &lastUsedIP,
		&t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)

	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan token: %w", err)
	}

	t.Permissions = permissions
	t.IPWhitelist = ipWhitelist
	t.RateLimitOverride = rateOverride.String
	t.LastUsedIP = lastUsedIP.String
	return &t, nil
}

func collectTokens(rows *sql.Rows) ([]*Token, error) {
	defer func() { _ = rows.Close() }()

	var tokens []*Token
	for rows.Next() {
		var t Token
		var permissions, ipWhitelist pq.StringArray
		var rateOverride, lastUsedIP sql.NullString

		err := rows.Scan(&t.ID, &t.ServiceID, &t.Name, &t.Digest, &t.Prefix,
			&permissions, &rateOverride, &ipWhitelist,
			&t.Active, &t.Revoked, &t.Deleted,
			&t.UsageCount, &t.LastUsedAt, &lastUsedIP,
			&t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}

		t.Permissions = permissions
		t.IPWhitelist = ipWhitelist
		t.RateLimitOverride = rateOverride.String
		t.LastUsedIP = lastUsedIP.String
		tokens = append(tokens, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

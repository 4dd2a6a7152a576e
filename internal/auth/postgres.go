package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore   { return &userStore{db: s.db} }
func (s *PGStore) Tokens(context.Context) TokenStore { return &tokenStore{db: s.db} }

// User store ---------------------------------------------------------------
type userStore struct{ db *sql.DB }

func (s *userStore) Create(ctx context.Context, u *User) error {
	row := s.db.QueryRowContext(ctx,
		`insert into users(email, password_hash) values($1,$2) returning id, created_at, updated_at`,
		u.Email, u.PasswordHash,
	)
	if err := row.Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *userStore) Find(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`select id, email, password_hash, revoked_at, created_at, updated_at from users where id=$1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`select id, email, password_hash, revoked_at, created_at, updated_at from users where email=$1`, email))
}

func (s *userStore) scanUser(row *sql.Row) (*User, error) {
	var (
		u         User
		revokedAt sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &revokedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if revokedAt.Valid {
		at := revokedAt.Time.UTC()
		u.RevokedAt = &at
	}
	return &u, nil
}

func (s *userStore) Roles(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select role from user_roles where user_id=$1 order by role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *userStore) AssignRole(ctx context.Context, userID int64, role string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into user_roles(user_id, role) values($1,$2) on conflict do nothing`,
		userID, role,
	)
	return err
}

func (s *userStore) UpdatePasswordHash(ctx context.Context, userID int64, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`,
		userID, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *userStore) StampRevokedAt(ctx context.Context, userID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update users set revoked_at=$2, updated_at=now() where id=$1`,
		userID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("stamp revoked_at: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Token store --------------------------------------------------------------
type tokenStore struct{ db *sql.DB }

func (s *tokenStore) RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	// Idempotent: marking an already-marked jti is a no-op. The marker's
	// expiry mirrors the token's own, so the revocation list stays bounded.
	_, err := s.db.ExecContext(ctx,
		`insert into revoked_access_tokens(jti_hash, expires_at) values($1,$2)
		 on conflict (jti_hash) do nothing`,
		HashToken(jti), expiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert revocation marker: %w", err)
	}
	return nil
}

func (s *tokenStore) IsJTIRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from revoked_access_tokens where jti_hash=$1)`,
		HashToken(jti),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query revocation marker: %w", err)
	}
	return exists, nil
}

func (s *tokenStore) CreateRefreshToken(ctx context.Context, rawToken string, userID int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(token_hash, user_id, expires_at) values($1,$2,$3)`,
		HashToken(rawToken), userID, expiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (s *tokenStore) FindRefreshToken(ctx context.Context, rawToken string) (*RefreshToken, error) {
	var (
		t          RefreshToken
		lastUsed   sql.NullTime
		replacedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`select token_hash, user_id, expires_at, created_at, last_used_at, revoked, replaced_by
		 from refresh_tokens where token_hash=$1`,
		HashToken(rawToken),
	).Scan(&t.TokenHash, &t.UserID, &t.ExpiresAt, &t.CreatedAt, &lastUsed, &t.Revoked, &replacedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		// A row we cannot read is a row we cannot trust.
		return nil, fmt.Errorf("query refresh token: %w", err)
	}
	if lastUsed.Valid {
		at := lastUsed.Time.UTC()
		t.LastUsedAt = &at
	}
	if replacedBy.Valid {
		v := replacedBy.String
		t.ReplacedBy = &v
	}
	return &t, nil
}

func (s *tokenStore) MarkRefreshTokenRevoked(ctx context.Context, rawToken string, replacedByHash string) (int64, error) {
	// Single conditional update: exactly one of two concurrent rotations of
	// the same token observes affected=1. The loser must treat 0 as reuse.
	var replacedBy any
	if replacedByHash != "" {
		replacedBy = replacedByHash
	}
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens
		 set revoked=true, last_used_at=now(), replaced_by=$2
		 where token_hash=$1 and revoked=false`,
		HashToken(rawToken), replacedBy,
	)
	if err != nil {
		return 0, fmt.Errorf("mark refresh token revoked: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark refresh token revoked: rows affected: %w", err)
	}
	return affected, nil
}

func (s *tokenStore) DeleteRefreshToken(ctx context.Context, rawToken string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where token_hash=$1`, HashToken(rawToken))
	if err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

func (s *tokenStore) RevokeAllRefreshTokensForUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where user_id=$1`, userID)
	if err != nil {
		return fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	return nil
}

func (s *tokenStore) CreateResetToken(ctx context.Context, rawToken string, userID int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`insert into password_reset_tokens(token_hash, user_id, expires_at) values($1,$2,$3)`,
		HashToken(rawToken), userID, expiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert reset token: %w", err)
	}
	return nil
}

func (s *tokenStore) FindResetToken(ctx context.Context, rawToken string) (*PasswordResetToken, error) {
	var t PasswordResetToken
	err := s.db.QueryRowContext(ctx,
		`select token_hash, user_id, expires_at, created_at from password_reset_tokens where token_hash=$1`,
		HashToken(rawToken),
	).Scan(&t.TokenHash, &t.UserID, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query reset token: %w", err)
	}
	return &t, nil
}

func (s *tokenStore) DeleteResetToken(ctx context.Context, rawToken string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from password_reset_tokens where token_hash=$1`, HashToken(rawToken))
	if err != nil {
		return fmt.Errorf("delete reset token: %w", err)
	}
	return nil
}

func (s *tokenStore) CleanupExpiredRevocations(ctx context.Context) (int64, error) {
	return s.deleteExpired(ctx, `delete from revoked_access_tokens where expires_at < now()`)
}

func (s *tokenStore) CleanupExpiredRefreshTokens(ctx context.Context) (int64, error) {
	return s.deleteExpired(ctx, `delete from refresh_tokens where expires_at < now()`)
}

func (s *tokenStore) CleanupExpiredResetTokens(ctx context.Context) (int64, error) {
	return s.deleteExpired(ctx, `delete from password_reset_tokens where expires_at < now()`)
}

func (s *tokenStore) deleteExpired(ctx context.Context, query string) (int64, error) {
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired rows: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}
	return affected, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// pgx surfaces SQLSTATE 23505 in the error text; matching on it keeps the
	// store usable under sqlmock in tests.
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint")
}

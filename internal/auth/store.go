package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Storage is the source of truth for revocation; nothing in a token's own
// state grants authority once its row says otherwise.
type Store interface {
	Users(ctx context.Context) UserStore
	Tokens(ctx context.Context) TokenStore
}

// UserStore manages identity records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Roles(ctx context.Context, userID int64) ([]string, error)
	AssignRole(ctx context.Context, userID int64, role string) error
	UpdatePasswordHash(ctx context.Context, userID int64, passwordHash string) error
	StampRevokedAt(ctx context.Context, userID int64, at time.Time) error
}

// TokenStore manages the three persisted token kinds: revoked-access-token
// markers (by hashed jti), refresh tokens, and password-reset tokens (both by
// hash of the raw value — raw tokens are never stored).
type TokenStore interface {
	RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) error
	IsJTIRevoked(ctx context.Context, jti string) (bool, error)

	CreateRefreshToken(ctx context.Context, rawToken string, userID int64, expiresAt time.Time) error
	FindRefreshToken(ctx context.Context, rawToken string) (*RefreshToken, error)
	// MarkRefreshTokenRevoked flips revoked=true and stamps last_used_at,
	// conditioned on the token not already being revoked. Returns the number
	// of rows affected: 0 means the caller lost the rotation race or the
	// token is being replayed.
	MarkRefreshTokenRevoked(ctx context.Context, rawToken string, replacedByHash string) (int64, error)
	DeleteRefreshToken(ctx context.Context, rawToken string) error
	RevokeAllRefreshTokensForUser(ctx context.Context, userID int64) error

	CreateResetToken(ctx context.Context, rawToken string, userID int64, expiresAt time.Time) error
	FindResetToken(ctx context.Context, rawToken string) (*PasswordResetToken, error)
	DeleteResetToken(ctx context.Context, rawToken string) error

	CleanupExpiredRevocations(ctx context.Context) (int64, error)
	CleanupExpiredRefreshTokens(ctx context.Context) (int64, error)
	CleanupExpiredResetTokens(ctx context.Context) (int64, error)
}

// HashToken returns the hex-encoded SHA-256 digest used as the storage key
// for raw token values and jtis.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

package auth

import (
	"strings"
	"time"
)

// Recognized role names. Claims carrying anything else have the stray values
// dropped rather than rejected.
const (
	RoleAdmin  = "admin"
	RoleBoard  = "board"
	RoleEditor = "editor"
	RoleMember = "member"
)

var recognizedRoles = map[string]struct{}{
	RoleAdmin:  {},
	RoleBoard:  {},
	RoleEditor: {},
	RoleMember: {},
}

// User is the identity record. RevokedAt, when set, invalidates every access
// token issued at or before it.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	RevokedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RefreshToken is a persisted refresh token, keyed by the hash of the raw
// value. Once rotated, Revoked is true and ReplacedBy points at the
// successor's hash; a later presentation of the same raw token is a reuse
// signal, not a benign race.
type RefreshToken struct {
	TokenHash  string
	UserID     int64
	ExpiresAt  time.Time
	CreatedAt  time.Time
	LastUsedAt *time.Time
	Revoked    bool
	ReplacedBy *string
}

// PasswordResetToken is a one-time reset credential, keyed by hash of the raw
// token. Consumed on use or on detected expiry.
type PasswordResetToken struct {
	TokenHash string
	UserID    int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Identity is the verified per-request principal attached to the context by
// the authentication middleware.
type Identity struct {
	UserID    int64
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	JTI       string
}

// NormalizeRoles lower-cases, deduplicates, and silently drops unrecognized
// role names.
func NormalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := recognizedRoles[role]; !ok {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}

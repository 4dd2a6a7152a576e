package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"logehuset.org/internal/lib/sl"
	"logehuset.org/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour
	defaultResetTTL   = time.Hour

	refreshTokenBytes = 48
	resetTokenBytes   = 32
)

// Service orchestrates the session lifecycle: login, refresh with rotation and
// reuse detection, logout, bulk revocation, and the password-reset flow.
type Service struct {
	log    *slog.Logger
	store  Store
	hasher *Hasher
	codec  *Codec
	mailer Mailer
	now    func() time.Time

	accessTTL    time.Duration
	refreshTTL   time.Duration
	resetTTL     time.Duration
	resetBaseURL string
}

// TokenPair carries freshly minted tokens and their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithResetTTL configures password-reset token lifetime.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.resetTTL = ttl
		}
	}
}

// WithMailer configures the password-reset mail collaborator.
func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.mailer = m
		}
	}
}

// WithResetBaseURL sets the URL the raw reset token is appended to.
func WithResetBaseURL(u string) ServiceOption {
	return func(s *Service) {
		if u = strings.TrimSpace(u); u != "" {
			s.resetBaseURL = u
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the session service.
func NewService(log *slog.Logger, store Store, hasher *Hasher, codec *Codec, opts ...ServiceOption) *Service {
	svc := &Service{
		log:          log,
		store:        store,
		hasher:       hasher,
		codec:        codec,
		mailer:       nopMailer{},
		now:          time.Now,
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		resetTTL:     defaultResetTTL,
		resetBaseURL: "http://localhost:3000/reset-password",
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// AccessTTL exposes the configured access-token lifetime (cookie max-age).
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL exposes the configured refresh-token lifetime (cookie max-age).
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// Register creates a user with a hashed password and the default member role.
func (s *Service) Register(ctx context.Context, email, password string) (*User, error) {
	const op = "auth.Register"
	log := s.log.With(slog.String("op", op))

	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		log.Error("failed to hash password", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	user := &User{Email: email, PasswordHash: passwordHash}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			log.Warn("user already exists")
			return nil, ErrAlreadyExists
		}
		log.Error("failed to create user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.Users(ctx).AssignRole(ctx, user.ID, RoleMember); err != nil {
		log.Error("failed to assign default role", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.Int64("user_id", user.ID))
	return user, nil
}

// Login verifies credentials and mints a fresh token pair. Every credential
// failure collapses into ErrInvalidCredentials so callers cannot probe which
// emails exist.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, error) {
	const op = "auth.Login"
	log := s.log.With(slog.String("op", op))

	email = normalizeEmail(email)
	if email == "" || password == "" {
		obs.ObserveLogin("invalid_credentials")
		return TokenPair{}, ErrInvalidCredentials
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn("unknown email on login")
			obs.ObserveLogin("invalid_credentials")
			return TokenPair{}, ErrInvalidCredentials
		}
		log.Error("failed to look up user", sl.Err(err))
		obs.ObserveLogin("error")
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	if user.PasswordHash == "" || !s.hasher.Verify(password, user.PasswordHash) {
		log.Warn("password mismatch", slog.Int64("user_id", user.ID))
		obs.ObserveLogin("invalid_credentials")
		return TokenPair{}, ErrInvalidCredentials
	}

	roles, err := s.store.Users(ctx).Roles(ctx, user.ID)
	if err != nil {
		log.Error("failed to load roles", sl.Err(err))
		obs.ObserveLogin("error")
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := s.mintTokens(ctx, user.ID, roles)
	if err != nil {
		log.Error("failed to mint tokens", sl.Err(err))
		obs.ObserveLogin("error")
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in", slog.Int64("user_id", user.ID))
	obs.ObserveLogin("ok")
	return pair, nil
}

// Refresh rotates a refresh token. A token that is already revoked — whether
// discovered on lookup or lost in the atomic mark-and-swap — is treated as
// stolen: every refresh token of that user is revoked before the call fails.
func (s *Service) Refresh(ctx context.Context, rawRefreshToken string) (TokenPair, error) {
	const op = "auth.Refresh"
	log := s.log.With(slog.String("op", op))

	rawRefreshToken = strings.TrimSpace(rawRefreshToken)
	if rawRefreshToken == "" {
		obs.ObserveRefresh("invalid_token")
		return TokenPair{}, ErrInvalidToken
	}

	tokens := s.store.Tokens(ctx)
	record, err := tokens.FindRefreshToken(ctx, rawRefreshToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveRefresh("invalid_token")
			return TokenPair{}, ErrInvalidToken
		}
		log.Error("failed to look up refresh token", sl.Err(err))
		obs.ObserveRefresh("error")
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	if record.Revoked {
		s.handleReuse(ctx, log, record.UserID)
		return TokenPair{}, ErrInvalidToken
	}
	if s.now().After(record.ExpiresAt) {
		// Expired tokens are proactively removed on detection.
		if err := tokens.DeleteRefreshToken(ctx, rawRefreshToken); err != nil {
			log.Warn("failed to delete expired refresh token", sl.Err(err))
		}
		obs.ObserveRefresh("invalid_token")
		return TokenPair{}, ErrInvalidToken
	}

	user, err := s.store.Users(ctx).Find(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveRefresh("invalid_token")
			return TokenPair{}, ErrInvalidToken
		}
		log.Error("failed to load user", sl.Err(err))
		obs.ObserveRefresh("error")
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	roles, err := s.store.Users(ctx).Roles(ctx, user.ID)
	if err != nil {
		log.Error("failed to load roles", sl.Err(err))
		obs.ObserveRefresh("error")
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	newRaw, err := randomToken(refreshTokenBytes)
	if err != nil {
		obs.ObserveRefresh("error")
		return TokenPair{}, fmt.Errorf("%s: generate refresh token: %w", op, err)
	}

	// The conditional update is the rotation lock: exactly one concurrent
	// caller observes affected=1 for a given raw token.
	affected, err := tokens.MarkRefreshTokenRevoked(ctx, rawRefreshToken, HashToken(newRaw))
	if err != nil {
		log.Error("failed to mark refresh token revoked", sl.Err(err))
		obs.ObserveRefresh("error")
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		s.handleReuse(ctx, log, record.UserID)
		return TokenPair{}, ErrInvalidToken
	}

	jti := NewJTI()
	accessToken, accessExp, err := s.codec.Sign(user.ID, roles, jti, s.accessTTL)
	if err != nil {
		obs.ObserveRefresh("error")
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	refreshExp := s.now().UTC().Add(s.refreshTTL)
	if err := tokens.CreateRefreshToken(ctx, newRaw, user.ID, refreshExp); err != nil {
		obs.ObserveRefresh("error")
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("tokens refreshed", slog.Int64("user_id", user.ID))
	obs.ObserveRefresh("ok")
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     newRaw,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Logout is best-effort and always succeeds. The access token is decoded
// without signature verification: an invalid token presented here is harmless,
// and a valid one gets its jti marked so the middleware rejects it from now on.
func (s *Service) Logout(ctx context.Context, accessToken, rawRefreshToken string) {
	const op = "auth.Logout"
	log := s.log.With(slog.String("op", op))

	tokens := s.store.Tokens(ctx)
	if claims := s.codec.DecodeUnsafe(accessToken); claims != nil && claims.ID != "" && claims.ExpiresAt != nil {
		if err := tokens.RevokeJTI(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			log.Warn("failed to record jti revocation", sl.Err(err))
		}
	}
	if rawRefreshToken = strings.TrimSpace(rawRefreshToken); rawRefreshToken != "" {
		if err := tokens.DeleteRefreshToken(ctx, rawRefreshToken); err != nil {
			log.Warn("failed to delete refresh token", sl.Err(err))
		}
	}
}

// RevokeAllSessions stamps the user's revoked_at and deletes every refresh
// token. Access tokens issued at or before the stamp are rejected by the
// middleware even though they have not individually expired.
func (s *Service) RevokeAllSessions(ctx context.Context, userID int64) error {
	const op = "auth.RevokeAllSessions"
	log := s.log.With(slog.String("op", op), slog.Int64("user_id", userID))

	if err := s.store.Users(ctx).StampRevokedAt(ctx, userID, s.now().UTC()); err != nil {
		log.Error("failed to stamp revoked_at", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.Tokens(ctx).RevokeAllRefreshTokensForUser(ctx, userID); err != nil {
		log.Error("failed to delete refresh tokens", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("all sessions revoked")
	obs.ObserveRevokeAll()
	return nil
}

// Authenticate is the per-request gate behind the middleware: signature, jti
// revocation, and user-wide revocation. Storage errors during the revocation
// checks fail open by policy — availability over strictness — and are counted.
func (s *Service) Authenticate(ctx context.Context, token string) (Identity, error) {
	const op = "auth.Authenticate"
	log := s.log.With(slog.String("op", op))

	claims, err := s.codec.Verify(token)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	if claims.ID != "" {
		revoked, err := s.store.Tokens(ctx).IsJTIRevoked(ctx, claims.ID)
		switch {
		case err != nil:
			log.Warn("jti revocation check failed, allowing request", sl.Err(err))
			obs.ObserveRevocationCheckError()
		case revoked:
			return Identity{}, ErrInvalidToken
		}
	}

	user, err := s.store.Users(ctx).Find(ctx, claims.UserID)
	switch {
	case errors.Is(err, ErrNotFound):
		return Identity{}, ErrInvalidToken
	case err != nil:
		log.Warn("user revocation check failed, allowing request", sl.Err(err))
		obs.ObserveRevocationCheckError()
	case user.RevokedAt != nil && !claims.IssuedAt.Time.After(*user.RevokedAt):
		return Identity{}, ErrSessionExpired
	}

	return Identity{
		UserID:    claims.UserID,
		Roles:     claims.Roles,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
		JTI:       claims.ID,
	}, nil
}

// CurrentUser loads the user record and roles for an authenticated identity.
func (s *Service) CurrentUser(ctx context.Context, userID int64) (*User, []string, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	roles, err := s.store.Users(ctx).Roles(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return user, roles, nil
}

// CleanupResult reports rows removed by an expired-token sweep.
type CleanupResult struct {
	RevocationMarkers int64 `json:"revocation_markers"`
	RefreshTokens     int64 `json:"refresh_tokens"`
	ResetTokens       int64 `json:"reset_tokens"`
}

// Cleanup sweeps expired rows from all three token tables. Safe to re-run;
// a failed sweep is retried on the next scheduled pass.
func (s *Service) Cleanup(ctx context.Context) (CleanupResult, error) {
	const op = "auth.Cleanup"
	log := s.log.With(slog.String("op", op))

	tokens := s.store.Tokens(ctx)
	var result CleanupResult
	var err error

	if result.RevocationMarkers, err = tokens.CleanupExpiredRevocations(ctx); err != nil {
		log.Error("revocation marker sweep failed", sl.Err(err))
		return result, fmt.Errorf("%s: %w", op, err)
	}
	if result.RefreshTokens, err = tokens.CleanupExpiredRefreshTokens(ctx); err != nil {
		log.Error("refresh token sweep failed", sl.Err(err))
		return result, fmt.Errorf("%s: %w", op, err)
	}
	if result.ResetTokens, err = tokens.CleanupExpiredResetTokens(ctx); err != nil {
		log.Error("reset token sweep failed", sl.Err(err))
		return result, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("expired token sweep done",
		slog.Int64("revocation_markers", result.RevocationMarkers),
		slog.Int64("refresh_tokens", result.RefreshTokens),
		slog.Int64("reset_tokens", result.ResetTokens),
	)
	return result, nil
}

func (s *Service) mintTokens(ctx context.Context, userID int64, roles []string) (TokenPair, error) {
	jti := NewJTI()
	accessToken, accessExp, err := s.codec.Sign(userID, roles, jti, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	rawRefresh, err := randomToken(refreshTokenBytes)
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate refresh token: %w", err)
	}
	refreshExp := s.now().UTC().Add(s.refreshTTL)
	if err := s.store.Tokens(ctx).CreateRefreshToken(ctx, rawRefresh, userID, refreshExp); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     rawRefresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// handleReuse is the theft response: a rotated token came back, so every
// refresh token of the user is revoked, forcing re-login everywhere. A failure
// here is logged but the refresh fails regardless.
func (s *Service) handleReuse(ctx context.Context, log *slog.Logger, userID int64) {
	log.Warn("refresh token reuse detected", slog.Int64("user_id", userID))
	obs.ObserveReuseDetected()
	obs.ObserveRefresh("reuse")
	if err := s.store.Tokens(ctx).RevokeAllRefreshTokensForUser(ctx, userID); err != nil {
		log.Error("failed to revoke user refresh tokens after reuse", sl.Err(err))
	}
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

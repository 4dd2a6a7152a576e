package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"logehuset.org/internal/lib/sl"
)

// Mailer delivers the password-reset link. Delivery is best-effort: a failure
// is logged and never surfaced to the requester.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, link string) error
}

type nopMailer struct{}

func (nopMailer) SendPasswordReset(context.Context, string, string) error { return nil }

// RequestReset issues a one-time reset token and mails the link. An unknown
// email is not an error: the caller gets the same outcome either way, so the
// endpoint cannot be used to enumerate accounts.
func (s *Service) RequestReset(ctx context.Context, email string) error {
	const op = "auth.RequestReset"
	log := s.log.With(slog.String("op", op))

	email = normalizeEmail(email)
	if email == "" {
		return nil
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Info("reset requested for unknown email")
			return nil
		}
		log.Error("failed to look up user", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	rawToken, err := randomToken(resetTokenBytes)
	if err != nil {
		return fmt.Errorf("%s: generate reset token: %w", op, err)
	}
	expiresAt := s.now().UTC().Add(s.resetTTL)
	if err := s.store.Tokens(ctx).CreateResetToken(ctx, rawToken, user.ID, expiresAt); err != nil {
		log.Error("failed to persist reset token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	link := s.resetBaseURL + "?token=" + rawToken
	if err := s.mailer.SendPasswordReset(ctx, email, link); err != nil {
		// Token is already persisted and usable; delivery failure must not
		// change the HTTP outcome.
		log.Warn("failed to send reset mail", sl.Err(err), slog.Int64("user_id", user.ID))
	}

	log.Info("reset token issued", slog.Int64("user_id", user.ID))
	return nil
}

// ResetPassword consumes a reset token and replaces the user's password. An
// expired token is deleted before the call fails, so it cannot be retried.
// On success every session of the user is revoked; a failure there is logged
// but does not undo the completed password change.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	const op = "auth.ResetPassword"
	log := s.log.With(slog.String("op", op))

	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" || newPassword == "" {
		return ErrInvalidResetToken
	}

	tokens := s.store.Tokens(ctx)
	record, err := tokens.FindResetToken(ctx, rawToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidResetToken
		}
		log.Error("failed to look up reset token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	if s.now().After(record.ExpiresAt) {
		if err := tokens.DeleteResetToken(ctx, rawToken); err != nil {
			log.Warn("failed to delete expired reset token", sl.Err(err))
		}
		return ErrInvalidResetToken
	}

	passwordHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		log.Error("failed to hash new password", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.Users(ctx).UpdatePasswordHash(ctx, record.UserID, passwordHash); err != nil {
		log.Error("failed to update password hash", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tokens.DeleteResetToken(ctx, rawToken); err != nil {
		log.Warn("failed to consume reset token", sl.Err(err))
	}

	if err := s.RevokeAllSessions(ctx, record.UserID); err != nil {
		log.Warn("failed to revoke sessions after password reset", sl.Err(err))
	}

	log.Info("password reset completed", slog.Int64("user_id", record.UserID))
	return nil
}

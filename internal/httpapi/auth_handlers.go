package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"logehuset.org/internal/audit"
	"logehuset.org/internal/auth"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type userResponse struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	pair, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusUnauthorized, "invalid email or password")
			return
		}
		sentry.CaptureException(err)
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"email": strings.ToLower(strings.TrimSpace(req.Email)),
	})
	a.cookies.setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, r, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	user, err := a.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrAlreadyExists) {
			writeError(w, r, http.StatusConflict, "email already registered")
			return
		}
		sentry.CaptureException(err)
		writeError(w, r, http.StatusInternalServerError, "registration failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"user_id": user.ID,
		"email":   user.Email,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"user": userResponse{ID: user.ID, Email: user.Email, CreatedAt: user.CreatedAt},
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := cookieValue(r, a.cookies.RefreshName)
	if raw == "" {
		writeError(w, r, http.StatusUnauthorized, "Missing refresh token")
		return
	}

	pair, err := a.auth.Refresh(r.Context(), raw)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			a.cookies.clearAuthCookies(w)
			writeError(w, r, http.StatusUnauthorized, "Invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, r, http.StatusInternalServerError, "refresh failed")
		return
	}

	a.cookies.setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, map[string]any{})
}

// handleLogout always succeeds: it best-effort revokes whatever tokens the
// request carried and clears both cookies.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	access := a.extractAccessToken(r)
	refresh := cookieValue(r, a.cookies.RefreshName)

	a.auth.Logout(r.Context(), access, refresh)
	a.cookies.clearAuthCookies(w)

	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// handleForgotPassword responds 204 whether or not the account exists.
func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, r, http.StatusBadRequest, "email is required")
		return
	}

	if err := a.auth.RequestReset(r.Context(), req.Email); err != nil {
		// Storage failures are not surfaced either; the response must not
		// reveal whether the account exists.
		sentry.CaptureException(err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" || req.NewPassword == "" {
		writeError(w, r, http.StatusBadRequest, "token and newPassword are required")
		return
	}

	if err := a.auth.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrInvalidResetToken) {
			writeError(w, r, http.StatusBadRequest, "Invalid or expired reset token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, r, http.StatusInternalServerError, "reset failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.password_reset", nil)
	// Every session was just revoked; the caller's own cookies are dead too.
	a.cookies.clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Password successfully changed — logging out of all devices",
	})
}

func (a *API) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "please sign in")
		return
	}

	if err := a.auth.RevokeAllSessions(r.Context(), identity.UserID); err != nil {
		sentry.CaptureException(err)
		writeError(w, r, http.StatusInternalServerError, "revoke failed")
		return
	}

	a.cookies.clearAuthCookies(w)
	_ = audit.LogEvent(r.Context(), "auth.revoke_all", map[string]any{
		"user_id": identity.UserID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "All sessions revoked"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "please sign in")
		return
	}

	user, roles, err := a.auth.CurrentUser(r.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":  userResponse{ID: user.ID, Email: user.Email, CreatedAt: user.CreatedAt},
		"roles": roles,
	})
}

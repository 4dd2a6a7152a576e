package httpapi

import (
	"net/http"
	"strings"
	"time"

	"logehuset.org/internal/auth"
)

// CookieSettings is the cookie contract: both tokens travel as httpOnly
// cookies and never in a response body. Production gets secure + SameSite=None
// (cross-site frontend), development gets lax non-secure cookies.
type CookieSettings struct {
	AccessName  string
	RefreshName string
	Secure      bool
	SameSite    http.SameSite

	AccessMaxAge  time.Duration
	RefreshMaxAge time.Duration
}

// DefaultCookieSettings builds the contract for the given environment.
func DefaultCookieSettings(accessName, refreshName string, production bool, accessTTL, refreshTTL time.Duration) CookieSettings {
	cs := CookieSettings{
		AccessName:    accessName,
		RefreshName:   refreshName,
		Secure:        production,
		SameSite:      http.SameSiteLaxMode,
		AccessMaxAge:  accessTTL,
		RefreshMaxAge: refreshTTL,
	}
	if cs.AccessName == "" {
		cs.AccessName = "accessToken"
	}
	if cs.RefreshName == "" {
		cs.RefreshName = "refreshToken"
	}
	if production {
		cs.SameSite = http.SameSiteNoneMode
	}
	return cs
}

func (cs CookieSettings) setAuthCookies(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     cs.AccessName,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(cs.AccessMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cs.Secure,
		SameSite: cs.SameSite,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     cs.RefreshName,
		Value:    pair.RefreshToken,
		Path:     "/",
		MaxAge:   int(cs.RefreshMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cs.Secure,
		SameSite: cs.SameSite,
	})
}

// clearAuthCookies expires both cookies. Safe to call whether or not the
// request carried them; logout stays idempotent.
func (cs CookieSettings) clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{cs.AccessName, cs.RefreshName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   cs.Secure,
			SameSite: cs.SameSite,
		})
	}
}

// cookieValue reads a cookie via the parsed jar first and falls back to
// scanning the raw Cookie header, which tolerates jars net/http refuses to
// parse.
func cookieValue(r *http.Request, name string) string {
	if c, err := r.Cookie(name); err == nil && c.Value != "" {
		return c.Value
	}
	raw := r.Header.Get("Cookie")
	if raw == "" {
		return ""
	}
	for _, part := range strings.Split(raw, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		if k == name {
			return strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return ""
}

package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logehuset.org/internal/auth"
)

func TestExtractAccessTokenPriority(t *testing.T) {
	a := &API{cookies: DefaultCookieSettings("accessToken", "refreshToken", false, time.Minute, time.Hour)}

	// Authorization header wins over the cookie.
	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	r.AddCookie(&http.Cookie{Name: "accessToken", Value: "cookie-token"})
	assert.Equal(t, "header-token", a.extractAccessToken(r))

	// Cookie alone.
	r = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.AddCookie(&http.Cookie{Name: "accessToken", Value: "cookie-token"})
	assert.Equal(t, "cookie-token", a.extractAccessToken(r))

	// Raw Cookie header fallback.
	r = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.Header.Set("Cookie", `refreshToken=other; accessToken="quoted-token"`)
	assert.Equal(t, "quoted-token", a.extractAccessToken(r))

	// A malformed Authorization header falls through to the cookie.
	r = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	r.AddCookie(&http.Cookie{Name: "accessToken", Value: "cookie-token"})
	assert.Equal(t, "cookie-token", a.extractAccessToken(r))

	// Nothing at all.
	r = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	assert.Empty(t, a.extractAccessToken(r))
}

func TestBearerHeaderAuthenticates(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.register(t, "member@example.org", "secret-pass")

	resp := f.login(t, "member@example.org", "secret-pass")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var accessToken string
	for _, c := range resp.Cookies() {
		if c.Name == "accessToken" {
			accessToken = c.Value
		}
	}
	resp.Body.Close()
	require.NotEmpty(t, accessToken)

	// Cookie-less client using the Authorization header only.
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/auth/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	got, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer got.Body.Close()
	assert.Equal(t, http.StatusOK, got.StatusCode)
}

func TestRequireRole(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	guarded := RequireRole(auth.RoleAdmin)(next)

	// No identity in context.
	r := httptest.NewRequest(http.MethodGet, "/admin", nil)
	w := httptest.NewRecorder()
	guarded.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))

	// Identity without the role.
	identity := auth.Identity{UserID: 1, Roles: []string{auth.RoleMember}}
	r = httptest.NewRequest(http.MethodGet, "/admin", nil)
	r = r.WithContext(auth.ContextWithIdentity(r.Context(), identity))
	w = httptest.NewRecorder()
	guarded.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Identity with the role.
	identity.Roles = []string{auth.RoleAdmin}
	r = httptest.NewRequest(http.MethodGet, "/admin", nil)
	r = r.WithContext(auth.ContextWithIdentity(r.Context(), identity))
	w = httptest.NewRecorder()
	guarded.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestWithAuthExpiredToken(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.register(t, "member@example.org", "secret-pass")

	resp := f.login(t, "member@example.org", "secret-pass")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Past the access-token lifetime the middleware rejects the cookie.
	f.clock.Advance(time.Hour)

	resp = f.get(t, "/auth/me")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "invalid token", body["error"])
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logehuset.org/internal/auth"
)

const testSigningSecret = "httpapi-test-secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type capturedMail struct {
	email string
	link  string
}

type captureMailer struct {
	mu   sync.Mutex
	sent []capturedMail
}

func (c *captureMailer) SendPasswordReset(_ context.Context, email, link string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, capturedMail{email: email, link: link})
	return nil
}

func (c *captureMailer) last(t *testing.T) capturedMail {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent)
	return c.sent[len(c.sent)-1]
}

type apiFixture struct {
	srv    *httptest.Server
	client *http.Client
	svc    *auth.Service
	clock  *testClock
	mailer *captureMailer
	api    *API
}

func newAPIFixture(t *testing.T, opts Options) *apiFixture {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := auth.NewMemoryStore().WithClock(clock.Now)
	codec, err := auth.NewCodec(testSigningSecret, "logehuset")
	require.NoError(t, err)
	codec = codec.WithClock(clock.Now)
	hasher := auth.NewHasher(auth.HasherParams{MemoryKiB: 1024, Iterations: 1, Parallelism: 1})
	mailer := &captureMailer{}

	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	svc := auth.NewService(log, store, hasher, codec,
		auth.WithClock(clock.Now),
		auth.WithMailer(mailer),
		auth.WithResetBaseURL("http://localhost:3000/reset-password"),
	)

	opts.Auth = svc
	if opts.Cookies.AccessName == "" {
		opts.Cookies = DefaultCookieSettings("accessToken", "refreshToken", false, 15*time.Minute, 30*24*time.Hour)
	}
	api := New(opts)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	return &apiFixture{srv: srv, client: client, svc: svc, clock: clock, mailer: mailer, api: api}
}

func (f *apiFixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := f.client.Post(f.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := f.client.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func (f *apiFixture) register(t *testing.T, email, password string) {
	t.Helper()
	resp := f.postJSON(t, "/auth/register", map[string]string{"email": email, "password": password})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (f *apiFixture) login(t *testing.T, email, password string) *http.Response {
	t.Helper()
	return f.postJSON(t, "/auth/login", map[string]string{"email": email, "password": password})
}

func cookieNames(resp *http.Response) map[string]string {
	values := make(map[string]string)
	for _, c := range resp.Cookies() {
		values[c.Name] = c.Value
	}
	return values
}

func TestLoginSetsCookiesOnly(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.register(t, "member@example.org", "secret-pass")

	resp := f.login(t, "member@example.org", "secret-pass")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cookies := cookieNames(resp)
	assert.NotEmpty(t, cookies["accessToken"])
	assert.NotEmpty(t, cookies["refreshToken"])

	for _, c := range resp.Cookies() {
		assert.True(t, c.HttpOnly, "cookie %s must be httpOnly", c.Name)
	}

	// Tokens never appear in the body.
	body := decodeBody(t, resp)
	assert.NotContains(t, body, "accessToken")
	assert.NotContains(t, body, "refreshToken")
	assert.NotContains(t, body, "token")
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.register(t, "member@example.org", "secret-pass")

	resp := f.login(t, "member@example.org", "wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "invalid email or password", body["error"])

	// Unknown account yields the identical error.
	resp = f.login(t, "nobody@example.org", "secret-pass")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "invalid email or password", body["error"])
}

func TestRegisterDuplicate(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.register(t, "member@example.org", "secret-pass")

	resp := f.postJSON(t, "/auth/register", map[string]string{"email": "member@example.org", "password": "other"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMeRequiresAuth(t *testing.T) {
	f := newAPIFixture(t, Options{})

	resp := f.get(t, "/auth/me")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "please sign in", body["error"])
}

func TestSessionLifecycle(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.register(t, "member@example.org", "secret-pass")

	resp := f.login(t, "member@example.org", "secret-pass")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Authenticated via the cookie jar.
	resp = f.get(t, "/auth/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "member@example.org", user["email"])
	assert.Equal(t, []any{"member"}, body["roles"])

	// Refresh rotates both cookies.
	resp = f.postJSON(t, "/auth/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := cookieNames(resp)
	resp.Body.Close()
	assert.NotEmpty(t, rotated["accessToken"])
	assert.NotEmpty(t, rotated["refreshToken"])

	resp = f.get(t, "/auth/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Logout clears the cookies and kills the session.
	resp = f.postJSON(t, "/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, c := range resp.Cookies() {
		assert.Equal(t, -1, c.MaxAge, "cookie %s must be expired", c.Name)
	}
	resp.Body.Close()

	resp = f.get(t, "/auth/me")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestRefreshWithoutCookie(t *testing.T) {
	f := newAPIFixture(t, Options{})

	resp := f.postJSON(t, "/auth/refresh", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "Missing refresh token", body["error"])
}

func TestRefreshReuseDetection(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.register(t, "member@example.org", "secret-pass")

	resp := f.login(t, "member@example.org", "secret-pass")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var originalRefresh string
	for _, c := range resp.Cookies() {
		if c.Name == "refreshToken" {
			originalRefresh = c.Value
		}
	}
	resp.Body.Close()
	require.NotEmpty(t, originalRefresh)

	resp = f.postJSON(t, "/auth/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Replay the pre-rotation refresh token explicitly.
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/auth/refresh", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "refreshToken", Value: originalRefresh})
	replay, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, replay.StatusCode)
	body := decodeBody(t, replay)
	assert.Equal(t, "Invalid refresh token", body["error"])

	// Reuse revoked every session: the jar's rotated token is dead too.
	resp = f.postJSON(t, "/auth/refresh", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestLogoutAlwaysSucceeds(t *testing.T) {
	f := newAPIFixture(t, Options{})

	// No session at all.
	resp := f.postJSON(t, "/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "Logged out", body["message"])
}

func TestRevokeAllSessions(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.register(t, "member@example.org", "secret-pass")

	resp := f.login(t, "member@example.org", "secret-pass")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// A second, independent session.
	otherJar, err := cookiejar.New(nil)
	require.NoError(t, err)
	other := &http.Client{Jar: otherJar}
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]string{"email": "member@example.org", "password": "secret-pass"}))
	oresp, err := other.Post(f.srv.URL+"/auth/login", "application/json", &buf)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, oresp.StatusCode)
	oresp.Body.Close()

	f.clock.Advance(time.Second)

	resp = f.postJSON(t, "/auth/revoke-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Both sessions are gone.
	resp = f.get(t, "/auth/me")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	oresp, err = other.Get(f.srv.URL + "/auth/me")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, oresp.StatusCode)
	obody := decodeBody(t, oresp)
	assert.Equal(t, "session expired", obody["error"])

	// Logging in again restores access.
	f.clock.Advance(time.Second)
	resp = f.login(t, "member@example.org", "secret-pass")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = f.get(t, "/auth/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestPasswordResetFlow(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.register(t, "member@example.org", "old-pass")

	resp := f.login(t, "member@example.org", "old-pass")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.postJSON(t, "/auth/forgot-password", map[string]string{"email": "member@example.org"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	link := f.mailer.last(t).link
	token := strings.TrimPrefix(link, "http://localhost:3000/reset-password?token=")
	require.NotEqual(t, link, token)

	f.clock.Advance(time.Second)

	resp = f.postJSON(t, "/auth/reset-password", map[string]string{"token": token, "newPassword": "new-pass"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The success response expires both auth cookies: the caller's session was
	// just revoked and the browser must stop presenting the dead credentials.
	cleared := make(map[string]bool)
	for _, c := range resp.Cookies() {
		assert.Less(t, c.MaxAge, 0, "cookie %s must be expired", c.Name)
		cleared[c.Name] = true
	}
	assert.True(t, cleared["accessToken"], "accessToken cookie must be cleared")
	assert.True(t, cleared["refreshToken"], "refreshToken cookie must be cleared")

	body := decodeBody(t, resp)
	assert.Equal(t, "Password successfully changed — logging out of all devices", body["message"])

	// The pre-reset session is dead.
	resp = f.get(t, "/auth/me")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Old password fails, new one works.
	resp = f.login(t, "member@example.org", "old-pass")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
	f.clock.Advance(time.Second)
	resp = f.login(t, "member@example.org", "new-pass")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The reset token is single-use.
	resp = f.postJSON(t, "/auth/reset-password", map[string]string{"token": token, "newPassword": "again"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "Invalid or expired reset token", body["error"])
}

func TestForgotPasswordUnknownEmail(t *testing.T) {
	f := newAPIFixture(t, Options{})

	resp := f.postJSON(t, "/auth/forgot-password", map[string]string{"email": "nobody@example.org"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	assert.Empty(t, f.mailer.sent)
}

func TestMaintenanceCleanup(t *testing.T) {
	f := newAPIFixture(t, Options{CleanupSecret: "sweep-secret"})

	// Wrong secret is rejected.
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/internal/maintenance/cleanup", nil)
	require.NoError(t, err)
	req.Header.Set("X-Maintenance-Secret", "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	req, err = http.NewRequest(http.MethodPost, f.srv.URL+"/internal/maintenance/cleanup", nil)
	require.NoError(t, err)
	req.Header.Set("X-Maintenance-Secret", "sweep-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body, "refresh_tokens")
}

func TestMaintenanceCleanupDisabledWithoutSecret(t *testing.T) {
	f := newAPIFixture(t, Options{})

	resp := f.postJSON(t, "/internal/maintenance/cleanup", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthAndInfoEndpoints(t *testing.T) {
	f := newAPIFixture(t, Options{Version: "1.2.3"})

	resp := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/readyz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/v1/info")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "1.2.3", body["version"])
}

func TestMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t, Options{})

	resp := f.get(t, "/auth/login")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	resp.Body.Close()
}

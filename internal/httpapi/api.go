package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"logehuset.org/internal/auth"
	"logehuset.org/internal/obs"
)

const maxRequestBody = 1 << 20 // 1 MiB

// ReadyProbe reports whether downstream dependencies are reachable.
type ReadyProbe func(ctx context.Context) error

// Options configures the API surface.
type Options struct {
	Auth          *auth.Service
	Cookies       CookieSettings
	Ready         ReadyProbe
	Version       string
	CleanupSecret string

	// Login rate limit: burst and sustained requests/second per client IP.
	LoginBurst     int
	LoginPerSecond int

	AllowedOrigins []string
}

// API is the HTTP surface of the auth subsystem.
type API struct {
	mux            *http.ServeMux
	auth           *auth.Service
	cookies        CookieSettings
	readyProbe     ReadyProbe
	version        string
	cleanupSecret  string
	allowedOrigins []string
}

// New wires all routes. Call Handler to get the serving handler with the
// middleware chain applied.
func New(opts Options) *API {
	a := &API{
		mux:            http.NewServeMux(),
		auth:           opts.Auth,
		cookies:        opts.Cookies,
		readyProbe:     opts.Ready,
		version:        opts.Version,
		cleanupSecret:  opts.CleanupSecret,
		allowedOrigins: opts.AllowedOrigins,
	}

	loginBurst := opts.LoginBurst
	if loginBurst <= 0 {
		loginBurst = 10
	}
	loginPerSecond := opts.LoginPerSecond
	if loginPerSecond <= 0 {
		loginPerSecond = 1
	}

	a.mux.Handle("/auth/login", RateLimit(post(a.handleLogin), loginBurst, loginPerSecond))
	a.mux.Handle("/auth/register", post(a.handleRegister))
	a.mux.Handle("/auth/refresh", post(a.handleRefresh))
	a.mux.Handle("/auth/logout", post(a.handleLogout))
	a.mux.Handle("/auth/forgot-password", post(a.handleForgotPassword))
	a.mux.Handle("/auth/reset-password", post(a.handleResetPassword))
	a.mux.Handle("/auth/revoke-all", a.withAuth(post(a.handleRevokeAll)))
	a.mux.Handle("/auth/me", a.withAuth(get(a.handleMe)))

	a.mux.Handle("/internal/maintenance/cleanup", post(a.handleCleanup))

	a.mux.HandleFunc("/healthz", a.handleHealthz)
	a.mux.HandleFunc("/readyz", a.handleReadyz)
	a.mux.HandleFunc("/v1/info", a.handleInfo)
	a.mux.Handle("/metrics", obs.Handler())

	return a
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = obs.Instrument(h)
	h = MaxBodyBytes(h, maxRequestBody)
	h = SecurityHeaders(h)
	h = CORS(a.allowedOrigins, h)
	h = LoggingJSON(h)
	h = Recover(h)
	h = RequestID(h)
	return h
}

func post(h http.HandlerFunc) http.Handler { return methodOnly(http.MethodPost, h) }
func get(h http.HandlerFunc) http.Handler  { return methodOnly(http.MethodGet, h) }

func methodOnly(method string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		v = map[string]any{}
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	body := map[string]any{
		"error":  msg,
		"status": status,
	}
	if rid := requestIDFrom(r.Context()); rid != "" {
		body["request_id"] = rid
	}
	writeJSON(w, status, body)
}

// decodeJSON reads the body into dst. Empty bodies decode into the zero value
// so handlers can treat missing fields uniformly.
func decodeJSON(r *http.Request, dst any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.readyProbe != nil {
		if err := a.readyProbe(r.Context()); err != nil {
			obs.SetReady(false)
			writeError(w, r, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "logehuset-auth",
		"version": a.version,
	})
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if a.cleanupSecret == "" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	if strings.TrimSpace(r.Header.Get("X-Maintenance-Secret")) != a.cleanupSecret {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	res, err := a.auth.Cleanup(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

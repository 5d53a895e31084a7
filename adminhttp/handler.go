// Package adminhttp exposes the management API: login, translation provider
// settings, and the shared cookies.txt used by media extraction.
package adminhttp

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/probekit/probekit/settings"
)

var _ http.Handler = (*Handler)(nil)

const (
	cookieName    = "probekit_admin"
	cookiesFile   = "cookies.txt"
	defaultMaxAge = 24 * time.Hour
)

// Handler serves the /admin API. The whole surface answers 404 when no
// password is configured or the API is explicitly disabled, so an unmanaged
// deployment does not advertise its existence.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	store    *settings.Store
	dataDir  string
	password string
	disabled bool
	secret   []byte
	tokenTTL time.Duration
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger used by the handler.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithDisabled forces the 404 guard regardless of password configuration.
func WithDisabled(disabled bool) Option {
	return func(h *Handler) { h.disabled = disabled }
}

// WithTokenTTL overrides the login token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(h *Handler) { h.tokenTTL = ttl }
}

// New builds the admin handler. Login tokens are signed with a per-process
// random secret, so sessions do not survive a restart.
func New(store *settings.Store, dataDir, password string, opts ...Option) *Handler {
	h := &Handler{
		log:      slog.Default(),
		store:    store,
		dataDir:  dataDir,
		password: strings.TrimSpace(password),
		secret:   make([]byte, 32),
		tokenTTL: defaultMaxAge,
	}
	if _, err := rand.Read(h.secret); err != nil {
		panic(fmt.Sprintf("adminhttp: read random secret: %v", err))
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/login", h.handleLogin)
	mux.HandleFunc("POST /admin/logout", h.handleLogout)
	mux.HandleFunc("GET /admin/api/settings", h.authed(h.handleGetSettings))
	mux.HandleFunc("POST /admin/api/settings", h.authed(h.handleSetSettings))
	mux.HandleFunc("GET /admin/api/providers", h.authed(h.handleListProviders))
	mux.HandleFunc("POST /admin/api/provider", h.authed(h.handleUpsertProvider))
	mux.HandleFunc("POST /admin/api/provider/delete", h.authed(h.handleDeleteProvider))
	mux.HandleFunc("POST /admin/api/default", h.authed(h.handleSetDefault))
	mux.HandleFunc("GET /admin/api/cookies", h.authed(h.handleCookiesStatus))
	mux.HandleFunc("POST /admin/api/cookies", h.authed(h.handleCookiesUpload))
	mux.HandleFunc("POST /admin/api/cookies/delete", h.authed(h.handleCookiesDelete))
	h.mux = mux
	return h
}

// Enabled reports whether the admin surface is reachable at all.
func (h *Handler) Enabled() bool {
	return !h.disabled && h.password != ""
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.Enabled() {
		http.NotFound(w, r)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// authed wraps a handler with the admin auth check. Callers may present the
// admin password as a bearer token, the X-Probekit-Admin-Password header, or
// a login cookie issued by handleLogin.
func (h *Handler) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token := ""
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		token = strings.TrimSpace(header[7:])
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Probekit-Admin-Password"))
	}
	if token != "" {
		return token == h.password
	}

	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return false
	}
	return h.verifyToken(cookie.Value)
}

func (h *Handler) issueToken(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(h.tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
}

func (h *Handler) verifyToken(raw string) bool {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return h.secret, nil
	}, jwt.WithExpirationRequired())
	return err == nil && token.Valid
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Password) != h.password {
		h.log.WarnContext(r.Context(), "admin.login.fail", slog.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	token, err := h.issueToken(time.Now())
	if err != nil {
		h.log.ErrorContext(r.Context(), "admin.token.sign.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/admin",
		MaxAge:   int(h.tokenTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	h.log.InfoContext(r.Context(), "admin.login.ok")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/admin",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Load())
}

// handleSetSettings replaces the whole settings document. The payload is run
// through the same sanitizer as the on-disk file, so invalid entries are
// silently dropped rather than rejected.
func (h *Handler) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.Save(settings.Sanitize(payload)); err != nil {
		h.log.ErrorContext(r.Context(), "admin.settings.save.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "settings": h.store.Load()})
}

func maskSecret(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 6 {
		return "***"
	}
	return value[:2] + "***" + value[len(value)-2:]
}

// handleListProviders returns providers with API keys masked, suitable for
// display.
func (h *Handler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	cfg := h.store.Load()
	out := make([]map[string]any, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		out = append(out, map[string]any{
			"id":             p.ID,
			"label":          p.Label,
			"base_url":       p.BaseURL,
			"endpoint_url":   p.EndpointURL,
			"model":          p.Model,
			"api_key_env":    p.APIKeyEnv,
			"api_key_masked": maskSecret(p.APIKey),
			"auth_header":    p.AuthHeader,
			"auth_prefix":    p.AuthPrefix,
			"extra_headers":  p.ExtraHeaders,
			"timeout":        p.Timeout,
			"enabled":        p.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers":        out,
		"default_provider": cfg.DefaultProvider,
	})
}

// providerUpsert distinguishes absent fields from empty ones so a partial
// update inherits the existing provider's values.
type providerUpsert struct {
	ID           string            `json:"id"`
	Label        *string           `json:"label"`
	BaseURL      *string           `json:"base_url"`
	EndpointURL  *string           `json:"endpoint_url"`
	Model        *string           `json:"model"`
	APIKey       *string           `json:"api_key"`
	ClearAPIKey  bool              `json:"clear_api_key"`
	APIKeyEnv    *string           `json:"api_key_env"`
	AuthHeader   *string           `json:"auth_header"`
	AuthPrefix   *string           `json:"auth_prefix"`
	ExtraHeaders map[string]string `json:"extra_headers"`
	Timeout      *float64          `json:"timeout"`
	Enabled      *bool             `json:"enabled"`
	SetDefault   bool              `json:"set_default"`
}

func inherit(submitted *string, existing, fallback string) string {
	if submitted != nil && strings.TrimSpace(*submitted) != "" {
		return strings.TrimSpace(*submitted)
	}
	if strings.TrimSpace(existing) != "" {
		return strings.TrimSpace(existing)
	}
	return fallback
}

func (h *Handler) handleUpsertProvider(w http.ResponseWriter, r *http.Request) {
	var body providerUpsert
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pid := strings.TrimSpace(body.ID)
	if pid == "" {
		writeError(w, http.StatusBadRequest, "provider id is required")
		return
	}

	cfg := h.store.Load()
	var existing settings.Provider
	if p, ok := cfg.Provider(pid); ok {
		existing = *p
	}

	apiKey := existing.APIKey
	switch {
	case body.APIKey != nil && strings.TrimSpace(*body.APIKey) != "":
		apiKey = strings.TrimSpace(*body.APIKey)
	case body.ClearAPIKey:
		apiKey = ""
	}

	headers := existing.ExtraHeaders
	if body.ExtraHeaders != nil {
		headers = body.ExtraHeaders
	}
	if headers == nil {
		headers = map[string]string{}
	}

	timeout := existing.Timeout
	if body.Timeout != nil {
		timeout = 0
		if *body.Timeout > 0 {
			timeout = *body.Timeout
		}
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	} else if existing.ID != "" {
		enabled = existing.Enabled
	}

	updated := settings.Provider{
		ID:           pid,
		Label:        inherit(body.Label, existing.Label, pid),
		BaseURL:      inherit(body.BaseURL, existing.BaseURL, ""),
		EndpointURL:  inherit(body.EndpointURL, existing.EndpointURL, ""),
		Model:        inherit(body.Model, existing.Model, ""),
		APIKey:       apiKey,
		APIKeyEnv:    inherit(body.APIKeyEnv, existing.APIKeyEnv, ""),
		AuthHeader:   inherit(body.AuthHeader, existing.AuthHeader, "Authorization"),
		AuthPrefix:   inherit(body.AuthPrefix, existing.AuthPrefix, "Bearer "),
		ExtraHeaders: headers,
		Timeout:      timeout,
		Enabled:      enabled,
	}

	if existing.ID != "" {
		for i := range cfg.Providers {
			if cfg.Providers[i].ID == pid {
				cfg.Providers[i] = updated
			}
		}
	} else {
		cfg.Providers = append(cfg.Providers, updated)
	}
	if body.SetDefault {
		cfg.DefaultProvider = pid
	}

	if err := h.store.Save(cfg); err != nil {
		h.log.ErrorContext(r.Context(), "admin.settings.save.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	h.log.InfoContext(r.Context(), "admin.provider.upsert", slog.String("provider", pid))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pid := strings.TrimSpace(body.ID)

	cfg := h.store.Load()
	kept := cfg.Providers[:0]
	for _, p := range cfg.Providers {
		if p.ID != pid {
			kept = append(kept, p)
		}
	}
	cfg.Providers = kept
	if cfg.DefaultProvider == pid {
		cfg.DefaultProvider = ""
	}

	if err := h.store.Save(cfg); err != nil {
		h.log.ErrorContext(r.Context(), "admin.settings.save.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	h.log.InfoContext(r.Context(), "admin.provider.delete", slog.String("provider", pid))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleSetDefault points default_provider at an existing entry; naming an
// unknown provider clears the default instead of failing.
func (h *Handler) handleSetDefault(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DefaultProvider string `json:"default_provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pid := strings.TrimSpace(body.DefaultProvider)

	cfg := h.store.Load()
	cfg.DefaultProvider = ""
	if _, ok := cfg.Provider(pid); ok {
		cfg.DefaultProvider = pid
	}

	if err := h.store.Save(cfg); err != nil {
		h.log.ErrorContext(r.Context(), "admin.settings.save.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "default_provider": cfg.DefaultProvider})
}

func (h *Handler) cookiesPath() string {
	return filepath.Join(h.dataDir, cookiesFile)
}

func (h *Handler) cookiesStatus() map[string]any {
	path := h.cookiesPath()
	status := map[string]any{"path": path, "exists": false, "size": nil, "mtime": nil}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return status
	}
	status["exists"] = true
	status["size"] = info.Size()
	status["mtime"] = info.ModTime().Format("2006-01-02 15:04:05")
	return status
}

func (h *Handler) handleCookiesStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cookiesStatus())
}

func (h *Handler) handleCookiesUpload(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("cookies_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "cookies_file is required")
		return
	}
	defer file.Close()

	target := h.cookiesPath()
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		h.log.ErrorContext(r.Context(), "admin.cookies.save.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to save cookies.txt")
		return
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		h.log.ErrorContext(r.Context(), "admin.cookies.save.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to save cookies.txt")
		return
	}
	_, copyErr := io.Copy(out, file)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(target)
		h.log.ErrorContext(r.Context(), "admin.cookies.save.fail")
		writeError(w, http.StatusInternalServerError, "failed to save cookies.txt")
		return
	}

	h.log.InfoContext(r.Context(), "admin.cookies.upload")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cookies": h.cookiesStatus()})
}

func (h *Handler) handleCookiesDelete(w http.ResponseWriter, r *http.Request) {
	err := os.Remove(h.cookiesPath())
	switch {
	case err == nil:
		h.log.InfoContext(r.Context(), "admin.cookies.delete")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case os.IsNotExist(err):
		writeError(w, http.StatusNotFound, "cookies.txt not found")
	default:
		h.log.ErrorContext(r.Context(), "admin.cookies.delete.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to delete cookies.txt")
	}
}

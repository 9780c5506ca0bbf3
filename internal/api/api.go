// Package api serves the operator control plane: the JSON endpoints used to
// inspect connected telescopes and replace the NORAD ID list, health and
// metrics endpoints, and a password-protected dashboard page.
package api

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/sessions"

	"github.com/Tyrowin/noradhub/internal/hub"
)

//go:embed web/*.html
var webFS embed.FS

const (
	sessionName             = "noradhub-session"
	sessionKeyAuthenticated = "authenticated"
	sessionMaxAge           = 12 * time.Hour
	defaultMaxBodyBytes     = 1 << 20
)

// Hub is the part of the hub the control plane depends on.
type Hub interface {
	Telescopes() []hub.Descriptor
	TelescopeCount() int
	NoradIDs() []int
	UpdateNoradIDs(ctx context.Context, raw []byte) ([]int, error)
}

// Options configures the control plane.
type Options struct {
	// AllowedOrigins for CORS; empty allows every origin.
	AllowedOrigins []string
	// DashboardPassword enables the dashboard when set.
	DashboardPassword string
	SessionSecret     string
	SecureCookies     bool
	MaxBodyBytes      int64
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// API holds the control-plane handlers and their dependencies.
type API struct {
	hub    Hub
	opts   Options
	logger *slog.Logger

	sessionStore      *sessions.CookieStore
	loginTemplate     *template.Template
	dashboardTemplate *template.Template
}

// New builds the control plane around h.
func New(h Hub, opts Options, logger *slog.Logger) (*API, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	a := &API{
		hub:    h,
		opts:   opts,
		logger: logger.With("component", "api"),
	}

	if opts.DashboardPassword != "" {
		loginTmpl, err := template.ParseFS(webFS, "web/login.html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse login template: %w", err)
		}
		dashboardTmpl, err := template.ParseFS(webFS, "web/dashboard.html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse dashboard template: %w", err)
		}
		a.loginTemplate = loginTmpl
		a.dashboardTemplate = dashboardTmpl

		a.sessionStore = sessions.NewCookieStore([]byte(opts.SessionSecret))
		a.sessionStore.Options = &sessions.Options{
			Path:     "/",
			MaxAge:   int(sessionMaxAge.Seconds()),
			HttpOnly: true,
			Secure:   opts.SecureCookies,
			SameSite: http.SameSiteLaxMode,
		}
	}

	return a, nil
}

// Routes returns the control-plane router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/telescopes", a.handleTelescopes)
	r.Get("/norad", a.handleGetNorad)
	r.Post("/norad", a.handleUpdateNorad)
	r.Get("/healthz", a.handleHealth)
	if a.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.opts.Metrics)
	}

	if a.sessionStore != nil {
		r.Get("/login", a.handleLoginPage)
		r.Post("/login", a.handleLogin)
		r.Get("/logout", a.handleLogout)
		r.With(a.requireSession).Get("/", a.handleDashboard)
	}

	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("Failed to write JSON response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}

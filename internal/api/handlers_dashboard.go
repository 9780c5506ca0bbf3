package api

import (
	"bytes"
	"crypto/subtle"
	"html/template"
	"net/http"
)

func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := a.sessionStore.Get(r, sessionName)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		if ok, _ := session.Values[sessionKeyAuthenticated].(bool); !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// renderTemplate renders to a buffer first so a failing template never sends
// partial HTML.
func (a *API) renderTemplate(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		a.logger.Error("Template execution failed", "template", tmpl.Name(), "error", err)
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (a *API) handleLoginPage(w http.ResponseWriter, _ *http.Request) {
	a.renderTemplate(w, http.StatusOK, a.loginTemplate, map[string]any{"Error": ""})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.renderTemplate(w, http.StatusBadRequest, a.loginTemplate, map[string]any{"Error": "Invalid form submission."})
		return
	}

	password := r.PostFormValue("password")
	if subtle.ConstantTimeCompare([]byte(password), []byte(a.opts.DashboardPassword)) != 1 {
		a.logger.Warn("Dashboard login failed", "remote_addr", r.RemoteAddr)
		a.renderTemplate(w, http.StatusUnauthorized, a.loginTemplate, map[string]any{
			"Error": "Incorrect access code. Please try again.",
		})
		return
	}

	// A stale or foreign cookie yields a fresh session alongside the error.
	session, err := a.sessionStore.Get(r, sessionName)
	if err != nil {
		a.logger.Warn("Discarding unreadable session", "error", err)
	}
	session.Values[sessionKeyAuthenticated] = true
	if err := session.Save(r, w); err != nil {
		a.logger.Error("Failed to save session", "error", err)
		http.Error(w, "Failed to save session", http.StatusInternalServerError)
		return
	}

	a.logger.Info("Dashboard login", "remote_addr", r.RemoteAddr)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, err := a.sessionStore.Get(r, sessionName)
	if err != nil {
		a.logger.Warn("Failed to get session during logout", "error", err)
	}
	delete(session.Values, sessionKeyAuthenticated)
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		a.logger.Error("Failed to save logout session", "error", err)
		http.Error(w, "Failed to logout due to session error. Please clear your browser cookies.", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (a *API) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	a.renderTemplate(w, http.StatusOK, a.dashboardTemplate, map[string]any{
		"Telescopes": a.hub.Telescopes(),
		"NoradIDs":   a.hub.NoradIDs(),
	})
}

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Browser-visible error messages. Upstream detail never leaves the log.
const (
	msgAuthFailed   = "Authentication failed. Please try again."
	msgMissingParam = "Missing authorization code or state"
	msgInvalidState = "Invalid or expired state"
)

// App bundles runtime dependencies for the HTTP bridge.
type App struct {
	Config     Config
	Logger     *slog.Logger
	States     StateStore
	Provider   IdentityProvider
	Downstream AccountResolver
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) *App {
	return &App{
		Config:     cfg,
		Logger:     logger,
		States:     NewInMemoryStateStore(),
		Provider:   NewOIDCProvider(cfg.Provider, cfg.CallbackURL(), logger),
		Downstream: NewDownstreamClient(cfg.Downstream, logger),
	}
}

// handleLogin starts a login attempt: mint a state token, remember where the
// user wanted to go, and send the browser to the provider's authorize
// endpoint.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := a.States.Create(r.URL.Query().Get("redirectTo"))
	if err != nil {
		a.Logger.Error("state generation failed", "error", err)
		http.Error(w, msgAuthFailed, http.StatusInternalServerError)
		return
	}

	authURL := a.Provider.AuthCodeURL(state)
	a.Logger.Info("sso login started", "state", state, "redirect_uri", a.Config.CallbackURL())
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback finishes the login: validate the callback, exchange the
// code, fetch claims, resolve the downstream account, and redirect with a
// freshly issued session token. Each stage fails the request on its own.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if provErr := q.Get("error"); provErr != "" {
		a.Logger.Warn("provider returned error", "error", provErr, "description", q.Get("error_description"))
		http.Error(w, "Authentication failed: "+provErr, http.StatusBadRequest)
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		http.Error(w, msgMissingParam, http.StatusBadRequest)
		return
	}

	// The pending login is deleted before any exchange attempt, so a
	// code/state pair can never be replayed.
	pending, ok := a.States.Consume(state)
	if !ok {
		a.Logger.Warn("callback with unknown or expired state")
		http.Error(w, msgInvalidState, http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	accessToken, err := a.Provider.Exchange(ctx, code)
	if err != nil {
		a.failLogin(w, "exchange", err)
		return
	}

	claims, err := a.Provider.FetchUserInfo(ctx, accessToken)
	if err != nil {
		a.failLogin(w, "userinfo", err)
		return
	}

	account, err := a.Downstream.ResolveOrCreate(ctx, claims)
	if err != nil {
		a.failLogin(w, "resolve_account", err)
		return
	}

	token, err := a.Downstream.IssueSessionToken(ctx, account.ID)
	if err != nil {
		a.failLogin(w, "issue_token", err)
		return
	}

	// Session tokens are short-lived, so the redirect is the last action.
	target := a.Config.Downstream.PublicURL + "/sso/simple?token=" + url.QueryEscape(token)
	a.Logger.Info("sso login completed",
		"username", account.Username,
		"account_id", account.ID,
		"redirect_to", pending.RedirectTo)
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) failLogin(w http.ResponseWriter, stage string, err error) {
	a.Logger.Error("sso callback failed", "stage", stage, "error", err)
	http.Error(w, msgAuthFailed, http.StatusInternalServerError)
}

// handleHealth reports liveness and the configured upstream URLs. It never
// touches the provider or the downstream API.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Provider:   a.Config.Provider.BaseURL,
		Downstream: a.Config.Downstream.PublicURL,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

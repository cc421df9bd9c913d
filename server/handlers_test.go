package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
)

var hexStateRE = regexp.MustCompile(`^[0-9a-f]{64}$`)

type stubIdentityProvider struct {
	authCalls     int
	exchangeCalls int
	userInfoCalls int
	exchangeErr   error
	userInfoErr   error
	claims        IdentityClaims
}

func (s *stubIdentityProvider) AuthCodeURL(state string) string {
	s.authCalls++
	return "https://idp.example.com/auth?state=" + state
}

func (s *stubIdentityProvider) Exchange(ctx context.Context, code string) (string, error) {
	s.exchangeCalls++
	if s.exchangeErr != nil {
		return "", s.exchangeErr
	}
	return "T1", nil
}

func (s *stubIdentityProvider) FetchUserInfo(ctx context.Context, accessToken string) (IdentityClaims, error) {
	s.userInfoCalls++
	if s.userInfoErr != nil {
		return IdentityClaims{}, s.userInfoErr
	}
	return s.claims, nil
}

type stubResolver struct {
	resolveCalls int
	issueCalls   int
	resolveErr   error
	issueErr     error
	account      DownstreamAccount
	token        string
}

func (s *stubResolver) ResolveOrCreate(ctx context.Context, claims IdentityClaims) (DownstreamAccount, error) {
	s.resolveCalls++
	if s.resolveErr != nil {
		return DownstreamAccount{}, s.resolveErr
	}
	return s.account, nil
}

func (s *stubResolver) IssueSessionToken(ctx context.Context, accountID int64) (string, error) {
	s.issueCalls++
	if s.issueErr != nil {
		return "", s.issueErr
	}
	return s.token, nil
}

func newStubApp() (*App, *stubIdentityProvider, *stubResolver) {
	cfg := DefaultConfig()
	app := NewApp(cfg, testLogger())
	provider := &stubIdentityProvider{claims: IdentityClaims{PreferredUsername: "alice"}}
	resolver := &stubResolver{account: DownstreamAccount{ID: 1, Username: "alice"}, token: "tok"}
	app.Provider = provider
	app.Downstream = resolver
	return app, provider, resolver
}

func TestLoginRedirectsToProvider(t *testing.T) {
	app, provider, _ := newStubApp()
	handler := app.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/login", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect location: %v", err)
	}
	state := location.Query().Get("state")
	if !hexStateRE.MatchString(state) {
		t.Fatalf("expected 64-hex state in redirect, got %q", state)
	}
	if provider.authCalls != 1 {
		t.Fatalf("expected one AuthCodeURL call, got %d", provider.authCalls)
	}
}

func TestCallbackProviderErrorShortCircuits(t *testing.T) {
	app, provider, resolver := newStubApp()
	handler := app.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/callback?error=access_denied", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "access_denied") {
		t.Fatalf("expected body to carry the provider error, got %q", rec.Body.String())
	}
	if provider.exchangeCalls != 0 || provider.userInfoCalls != 0 || resolver.resolveCalls != 0 {
		t.Fatalf("expected no upstream calls")
	}
}

func TestCallbackMissingStateRejected(t *testing.T) {
	app, provider, _ := newStubApp()
	handler := app.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/callback?code=VALIDCODE", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), msgMissingParam) {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	if provider.exchangeCalls != 0 {
		t.Fatalf("expected no exchange attempt")
	}
}

func TestCallbackMissingCodeRejected(t *testing.T) {
	app, _, _ := newStubApp()
	handler := app.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/callback?state=abc", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), msgMissingParam) {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestCallbackUnknownStateRejected(t *testing.T) {
	app, provider, _ := newStubApp()
	handler := app.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/callback?code=VALIDCODE&state=bogus", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), msgInvalidState) {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	if provider.exchangeCalls != 0 {
		t.Fatalf("state must be validated before any exchange")
	}
}

func TestCallbackExchangeFailureIsGeneric(t *testing.T) {
	app, provider, _ := newStubApp()
	provider.exchangeErr = errors.New("upstream said: secret detail")
	handler := app.Routes()

	state, err := app.States.Create("/")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/callback?code=VALIDCODE&state="+state, nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, msgAuthFailed) {
		t.Fatalf("unexpected body: %q", body)
	}
	if strings.Contains(body, "secret detail") {
		t.Fatalf("upstream error leaked to the browser: %q", body)
	}
}

func TestCallbackResolveFailureIsGeneric(t *testing.T) {
	app, _, resolver := newStubApp()
	resolver.resolveErr = ErrUpstreamUnavailable
	handler := app.Routes()

	state, err := app.States.Create("/")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/sso/callback?code=VALIDCODE&state="+state, nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if resolver.issueCalls != 0 {
		t.Fatalf("no token should be issued after a resolve failure")
	}
}

func TestCallbackStateIsSingleUse(t *testing.T) {
	app, _, _ := newStubApp()
	handler := app.Routes()

	state, err := app.States.Create("/")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest("GET", "/sso/callback?code=VALIDCODE&state="+state, nil))
	if first.Code != http.StatusFound {
		t.Fatalf("expected first callback to succeed, got %d", first.Code)
	}

	replay := httptest.NewRecorder()
	handler.ServeHTTP(replay, httptest.NewRequest("GET", "/sso/callback?code=VALIDCODE&state="+state, nil))
	if replay.Code != http.StatusBadRequest {
		t.Fatalf("expected replayed state to be rejected, got %d", replay.Code)
	}
	if !strings.Contains(replay.Body.String(), msgInvalidState) {
		t.Fatalf("unexpected body: %q", replay.Body.String())
	}
}

// TestEndToEndHappyPath runs /sso/login and /sso/callback against real
// provider and downstream components backed by httptest servers.
func TestEndToEndHappyPath(t *testing.T) {
	providerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/realms/master/protocol/openid-connect/token":
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse token form: %v", err)
			}
			if got := r.PostForm.Get("code"); got != "VALIDCODE" {
				t.Errorf("unexpected code: %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"T1","token_type":"bearer"}`))
		case "/realms/master/protocol/openid-connect/userinfo":
			if got := r.Header.Get("Authorization"); got != "Bearer T1" {
				t.Errorf("unexpected authorization header: %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"preferred_username":"alice"}`))
		default:
			t.Errorf("unexpected provider path: %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer providerSrv.Close()

	fake := &fakeDownstream{apiKey: "api-key"}
	downstreamSrv := httptest.NewServer(fake.handler(t))
	defer downstreamSrv.Close()

	cfg := DefaultConfig()
	cfg.Provider.BaseURL = providerSrv.URL
	cfg.Provider.ClientID = "bridge"
	cfg.Provider.ClientSecret = "secret"
	cfg.Downstream.PublicURL = "http://app.example.com"
	cfg.Downstream.InternalURL = downstreamSrv.URL
	cfg.Downstream.APIKey = "api-key"

	app := NewApp(cfg, testLogger())
	handler := app.Routes()

	login := httptest.NewRecorder()
	handler.ServeHTTP(login, httptest.NewRequest("GET", "/sso/login", nil))
	if login.Code != http.StatusFound {
		t.Fatalf("expected login redirect, got %d", login.Code)
	}

	authURL, err := url.Parse(login.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse authorize URL: %v", err)
	}
	state := authURL.Query().Get("state")
	if !hexStateRE.MatchString(state) {
		t.Fatalf("expected 64-hex state, got %q", state)
	}

	callback := httptest.NewRecorder()
	handler.ServeHTTP(callback, httptest.NewRequest("GET", "/sso/callback?code=VALIDCODE&state="+state, nil))
	if callback.Code != http.StatusFound {
		t.Fatalf("expected callback redirect, got %d: %s", callback.Code, callback.Body.String())
	}

	if got := callback.Header().Get("Location"); got != "http://app.example.com/sso/simple?token=session-token" {
		t.Fatalf("unexpected final redirect: %q", got)
	}

	if fake.createCalls != 1 {
		t.Fatalf("expected one downstream create, got %d", fake.createCalls)
	}
	if fake.lastCreate["username"] != "alice" {
		t.Fatalf("expected account for alice, got %q", fake.lastCreate["username"])
	}
	if fake.issueCalls != 1 {
		t.Fatalf("expected one issue-token call, got %d", fake.issueCalls)
	}
}

func TestHealthIgnoresUpstreamReachability(t *testing.T) {
	cfg := DefaultConfig()
	// Nothing listens on these addresses.
	cfg.Provider.BaseURL = "http://127.0.0.1:1"
	cfg.Downstream.PublicURL = "http://127.0.0.1:2"

	app := NewApp(cfg, testLogger())
	handler := app.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	if status.Status != "healthy" {
		t.Fatalf("unexpected status: %q", status.Status)
	}
	if status.Timestamp == "" {
		t.Fatalf("expected timestamp to be set")
	}
	if status.Provider != cfg.Provider.BaseURL || status.Downstream != cfg.Downstream.PublicURL {
		t.Fatalf("health payload should echo configured URLs: %+v", status)
	}
}

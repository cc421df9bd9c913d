package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
)

// IdentityProvider represents the minimal behaviour required from the
// upstream IdP: build the authorization redirect, exchange the returned code
// for an access token, and fetch the user's identity claims.
type IdentityProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
	FetchUserInfo(ctx context.Context, accessToken string) (IdentityClaims, error)
}

// OIDCProvider drives a realm's fixed openid-connect endpoints. No discovery
// is performed; the endpoint layout is part of the provider contract, so the
// bridge starts (and stays healthy) with the provider unreachable.
type OIDCProvider struct {
	oauthConfig *oauth2.Config
	userInfoURL string
	client      *http.Client
	logger      *slog.Logger
}

// NewOIDCProvider wires the realm endpoints from config. redirectURL must be
// the bridge's public callback URL; it is baked into both the authorization
// request and the token exchange so the two always match byte-for-byte.
func NewOIDCProvider(cfg ProviderConfig, redirectURL string, logger *slog.Logger) *OIDCProvider {
	realm := strings.TrimSuffix(cfg.BaseURL, "/") + "/realms/" + cfg.Realm

	client := cleanhttp.DefaultPooledClient()
	client.Timeout = UpstreamTimeout

	return &OIDCProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  realm + "/protocol/openid-connect/auth",
				TokenURL: realm + "/protocol/openid-connect/token",
				// Client credentials travel in the form body.
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"openid", "profile", "email"},
		},
		userInfoURL: realm + "/protocol/openid-connect/userinfo",
		client:      client,
		logger:      logger,
	}
}

// AuthCodeURL constructs the authorization request URL. Pure function, no I/O.
func (p *OIDCProvider) AuthCodeURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

// Exchange posts the authorization code to the token endpoint and returns
// the access token.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("%w: exchange code: %v", ErrUpstreamAuth, err)
	}
	return tok.AccessToken, nil
}

// FetchUserInfo calls the userinfo endpoint with the bearer token and
// returns the identity claims. A response carrying neither a preferred
// username nor an email is treated as a provider failure.
func (p *OIDCProvider) FetchUserInfo(ctx context.Context, accessToken string) (IdentityClaims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return IdentityClaims{}, fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return IdentityClaims{}, fmt.Errorf("%w: userinfo: %v", ErrUpstreamAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		p.logger.Error("userinfo rejected", "status", resp.StatusCode, "body", string(body))
		return IdentityClaims{}, fmt.Errorf("%w: userinfo returned %s", ErrUpstreamAuth, resp.Status)
	}

	var claims IdentityClaims
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&claims); err != nil {
		return IdentityClaims{}, fmt.Errorf("%w: decode userinfo: %v", ErrUpstreamAuth, err)
	}
	if claims.IdentityKey() == "" {
		return IdentityClaims{}, fmt.Errorf("%w: userinfo missing preferred_username and email", ErrUpstreamAuth)
	}
	return claims, nil
}

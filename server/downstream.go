package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-uuid"
)

// Role assigned to accounts the bridge provisions.
const defaultAccountRole = "default"

// AccountResolver maps an authenticated identity onto a downstream account
// and mints the session token that signs the user in.
type AccountResolver interface {
	ResolveOrCreate(ctx context.Context, claims IdentityClaims) (DownstreamAccount, error)
	IssueSessionToken(ctx context.Context, accountID int64) (string, error)
}

// DownstreamClient drives the downstream application's admin API over its
// internal URL with a static bearer key.
type DownstreamClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewDownstreamClient constructs the client from config.
func NewDownstreamClient(cfg DownstreamConfig, logger *slog.Logger) *DownstreamClient {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = UpstreamTimeout

	return &DownstreamClient{
		baseURL: cfg.InternalURL,
		apiKey:  cfg.APIKey,
		client:  client,
		logger:  logger,
	}
}

// ResolveOrCreate looks the identity up among existing downstream accounts
// and provisions one when absent. Matching is exact and case-sensitive
// against the identity key (preferred username, else email). A create that
// loses a race against a concurrent login for the same identity is recovered
// by re-fetching the account list once.
func (d *DownstreamClient) ResolveOrCreate(ctx context.Context, claims IdentityClaims) (DownstreamAccount, error) {
	key := claims.IdentityKey()
	if key == "" {
		return DownstreamAccount{}, ErrInvalidIdentity
	}

	accounts, err := d.listAccounts(ctx)
	if err != nil {
		return DownstreamAccount{}, err
	}
	if account, ok := findAccount(accounts, key); ok {
		d.logger.Info("matched existing downstream account", "username", account.Username, "account_id", account.ID)
		return account, nil
	}

	account, createErr := d.createAccount(ctx, key)
	if createErr == nil {
		d.logger.Info("created downstream account", "username", account.Username, "account_id", account.ID)
		return account, nil
	}

	// Another login for the same identity may have created the account
	// between the lookup and the create. One re-fetch settles it.
	accounts, err = d.listAccounts(ctx)
	if err == nil {
		if account, ok := findAccount(accounts, key); ok {
			d.logger.Info("recovered from concurrent account creation", "username", account.Username, "account_id", account.ID)
			return account, nil
		}
	}
	return DownstreamAccount{}, createErr
}

// IssueSessionToken mints a short-lived login token for the account.
func (d *DownstreamClient) IssueSessionToken(ctx context.Context, accountID int64) (string, error) {
	path := "/api/v1/users/" + strconv.FormatInt(accountID, 10) + "/issue-auth-token"
	var payload struct {
		Token string `json:"token"`
	}
	if err := d.get(ctx, path, &payload); err != nil {
		return "", err
	}
	if payload.Token == "" {
		return "", fmt.Errorf("%w: issue-auth-token returned no token", ErrUpstreamUnavailable)
	}
	return payload.Token, nil
}

func (d *DownstreamClient) listAccounts(ctx context.Context) ([]DownstreamAccount, error) {
	var payload struct {
		Users []DownstreamAccount `json:"users"`
	}
	if err := d.get(ctx, "/api/v1/admin/users", &payload); err != nil {
		return nil, err
	}
	return payload.Users, nil
}

func (d *DownstreamClient) createAccount(ctx context.Context, username string) (DownstreamAccount, error) {
	// Accounts are entered through SSO only, so the password is a random
	// throwaway. It is never logged or surfaced.
	random, err := uuid.GenerateRandomBytes(16)
	if err != nil {
		return DownstreamAccount{}, fmt.Errorf("generate password: %w", err)
	}

	body := map[string]string{
		"username": username,
		"password": fmt.Sprintf("%x", random),
		"role":     defaultAccountRole,
	}
	var payload struct {
		User  DownstreamAccount `json:"user"`
		Error string            `json:"error"`
	}
	if err := d.post(ctx, "/api/v1/admin/users/new", body, &payload); err != nil {
		return DownstreamAccount{}, err
	}
	if payload.Error != "" {
		return DownstreamAccount{}, fmt.Errorf("%w: create account: %s", ErrUpstreamUnavailable, payload.Error)
	}
	return payload.User, nil
}

func (d *DownstreamClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return d.do(req, out)
}

func (d *DownstreamClient) post(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req, out)
}

func (d *DownstreamClient) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUpstreamUnavailable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		d.logger.Error("downstream API error", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode, "body", string(body))
		return fmt.Errorf("%w: %s %s returned %s", ErrUpstreamUnavailable, req.Method, req.URL.Path, resp.Status)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrUpstreamUnavailable, req.URL.Path, err)
	}
	return nil
}

func findAccount(accounts []DownstreamAccount, key string) (DownstreamAccount, bool) {
	for _, account := range accounts {
		if account.Username == key {
			return account, true
		}
	}
	return DownstreamAccount{}, false
}

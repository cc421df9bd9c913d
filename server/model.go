package server

import "time"

// PendingLogin tracks one in-flight login attempt keyed by its state token.
// Instances are owned by the state store from creation until they are
// consumed by the matching callback or swept after the TTL.
type PendingLogin struct {
	CreatedAt  time.Time
	RedirectTo string
}

// IdentityClaims carries the subset of userinfo claims the bridge needs to
// map an authenticated user onto a downstream account.
type IdentityClaims struct {
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
}

// IdentityKey returns the downstream mapping key: the preferred username when
// present, else the email. Empty when neither claim was supplied.
func (c IdentityClaims) IdentityKey() string {
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	return c.Email
}

// DownstreamAccount is the downstream application's view of a user.
type DownstreamAccount struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

// HealthStatus is the /health payload. It reports configuration only and
// never depends on upstream reachability.
type HealthStatus struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	Provider   string `json:"provider"`
	Downstream string `json:"downstream"`
}

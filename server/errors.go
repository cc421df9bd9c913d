package server

import "errors"

// Sentinel errors for the login pipeline. Handlers collapse these onto the
// generic browser-visible messages; the full detail only reaches the log.
var (
	// ErrUpstreamAuth covers identity provider failures: a rejected code
	// exchange, a userinfo denial, or a malformed provider response.
	ErrUpstreamAuth = errors.New("identity provider request failed")

	// ErrUpstreamUnavailable covers downstream API failures: network errors
	// and non-2xx responses on account listing, creation, or token issuance.
	ErrUpstreamUnavailable = errors.New("downstream application unavailable")

	// ErrInvalidIdentity is returned when the provider's claims carry
	// neither a preferred username nor an email to key the account on.
	ErrInvalidIdentity = errors.New("claims carry no usable username or email")
)

// Package oxideminter mints short-lived Oxide silo access tokens by driving
// the console's OAuth2 device-authorization grant on the caller's behalf,
// self-approved with the silo's admin credential.
package oxideminter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/oxidecomputer/oidc-broker/internal/credentials"
	"github.com/oxidecomputer/oidc-broker/internal/ratelimit"
)

// deviceFlowRPS and deviceFlowBurst bound how often this broker will drive
// the device-authorization grant against any one silo, independent of how
// many distinct callers are requesting tokens for it.
const (
	deviceFlowRPS   = 2
	deviceFlowBurst = 5
)

// clientID is the broker's pre-registered device-authorization client
// identity, fixed across every silo.
const clientID = "730ae5f1-a728-4a5d-9a06-cf09b653cca6"

const grantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"

// Error is an oxideminter failure. SafeToExpose reports whether its message
// may be rendered verbatim in an HTTP response body.
type Error struct {
	msg    string
	safe   bool
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.wrapped)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.wrapped }

// SafeToExpose reports whether e's message may be rendered verbatim to an
// HTTP caller (configuration-shaped errors) as opposed to generic upstream
// failures that must become a bare 500.
func (e *Error) SafeToExpose() bool { return e.safe }

func safeErr(msg string) *Error { return &Error{msg: msg, safe: true} }

func wrapErr(msg string, err error) *Error { return &Error{msg: msg, safe: false, wrapped: err} }

// Settings bounds how the minter is allowed to mint tokens.
type Settings struct {
	AllowTokensWithoutExpiry bool
	MaxDuration              uint32
}

// Request is a mint request for one Oxide silo.
type Request struct {
	Silo     string
	Duration uint32
}

type deviceAuthResponse struct {
	DeviceCode string `json:"device_code"`
	UserCode   string `json:"user_code"`
}

type deviceAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type deviceAccessTokenGrant struct {
	AccessToken string `json:"access_token"`
}

// Minter drives the device-authorization flow against a store of per-silo
// admin credentials.
type Minter struct {
	logger   *slog.Logger
	store    *credentials.Store
	settings Settings
	limiter  *ratelimit.Limiter
}

// New constructs a Minter bound to store and settings, rate-limiting the
// device-authorization flow independently per silo.
func New(logger *slog.Logger, store *credentials.Store, settings Settings) *Minter {
	return &Minter{
		logger:   logger,
		store:    store,
		settings: settings,
		limiter:  ratelimit.NewLimiter(deviceFlowRPS, deviceFlowBurst),
	}
}

// Mint validates req against Settings, then runs the three serialized calls
// of the device-authorization grant and returns the resulting access token.
func (m *Minter) Mint(ctx context.Context, req Request) (string, error) {
	if req.Duration == 0 && !m.settings.AllowTokensWithoutExpiry {
		return "", safeErr("tokens without an expiration are not allowed")
	}
	if req.Duration != 0 && req.Duration > m.settings.MaxDuration {
		return "", safeErr(fmt.Sprintf("requested duration exceeds the maximum of %d seconds", m.settings.MaxDuration))
	}

	cred, ok := m.store.Silo(req.Silo)
	if !ok {
		return "", safeErr(fmt.Sprintf("silo %q is not configured", req.Silo))
	}

	if err := m.limiter.Wait(ctx, req.Silo); err != nil {
		return "", wrapErr("rate limit wait interrupted", err)
	}

	correlationID := uuid.New().String()
	m.logger.InfoContext(ctx, "starting oxide device auth flow", "silo", req.Silo, "correlation_id", correlationID)

	client := cred.Client()

	ttl := interface{}(nil)
	if req.Duration != 0 {
		ttl = req.Duration
	}

	var authResp deviceAuthResponse
	var authErr deviceAuthError
	resp, err := client.R().
		SetContext(ctx).
		SetHeader("X-Correlation-Id", correlationID).
		SetBody(map[string]interface{}{"client_id": clientID, "ttl_seconds": ttl}).
		ForceContentType("application/json").
		SetResult(&authResp).
		SetError(&authErr).
		Post("/device/auth")
	if err != nil {
		return "", wrapErr("device auth request failed", err)
	}
	if resp.IsError() {
		if authErr.Error != "" {
			return "", wrapErr("device auth request rejected", errors.New(authErr.Error+": "+authErr.ErrorDescription))
		}
		return "", wrapErr("device auth request failed", fmt.Errorf("status %d", resp.StatusCode()))
	}

	confirmResp, err := client.R().
		SetContext(ctx).
		SetHeader("X-Correlation-Id", correlationID).
		SetBody(map[string]interface{}{"user_code": authResp.UserCode}).
		Post("/device/confirm")
	if err != nil {
		return "", wrapErr("device auth confirm failed", err)
	}
	if confirmResp.IsError() {
		return "", wrapErr("device auth confirm failed", fmt.Errorf("status %d", confirmResp.StatusCode()))
	}

	var tokenResp deviceAccessTokenGrant
	tokenHTTPResp, err := client.R().
		SetContext(ctx).
		SetHeader("X-Correlation-Id", correlationID).
		SetBody(map[string]interface{}{
			"client_id":   clientID,
			"device_code": authResp.DeviceCode,
			"grant_type":  grantTypeDeviceCode,
		}).
		ForceContentType("application/json").
		SetResult(&tokenResp).
		Post("/device/token")
	if err != nil {
		return "", wrapErr("access token fetch failed", err)
	}
	if tokenHTTPResp.IsError() {
		return "", wrapErr("access token fetch failed", fmt.Errorf("status %d", tokenHTTPResp.StatusCode()))
	}

	m.logger.InfoContext(ctx, "minted oxide access token", "silo", req.Silo)
	return tokenResp.AccessToken, nil
}

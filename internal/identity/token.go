// Package identity acquires and caches OAuth2 access tokens for one
// (tenant, application) pair using the client-credentials grant.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultLifetime applies when the token response omits expires_in.
	DefaultLifetime = 3600 * time.Second

	// ExpiryBuffer is subtracted from the reported lifetime so a token is
	// never used close to its real expiry.
	ExpiryBuffer = 300 * time.Second

	// DefaultTimeout bounds a single token exchange.
	DefaultTimeout = 30 * time.Second
)

// ErrInvalidInput marks programming errors such as an empty tenant or secret.
var ErrInvalidInput = errors.New("invalid token request")

// AccessToken is an opaque bearer token with its buffered expiry.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// AuthError is an expected token-exchange failure.
type AuthError struct {
	// Code is the provider error code (e.g. "invalid_client"), if reported.
	Code string

	// Description is the provider error description, if reported.
	Description string

	// StatusCode is the HTTP status of the token response, 0 on network errors.
	StatusCode int

	Err error
}

func (e *AuthError) Error() string {
	var b strings.Builder
	b.WriteString("failed to acquire access token")
	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
	}
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if e.Code == "" && e.Description == "" && e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ProviderConfig holds configuration for a token provider.
type ProviderConfig struct {
	// TenantID is the directory tenant (required).
	TenantID string

	// AppClientID is used as the OAuth client id and to build the scope
	// api://<AppClientID>/.default (required).
	AppClientID string

	// Authority is the issuer base URL, e.g. https://login.microsoftonline.com.
	Authority string

	// HTTPClient is used for the exchange. Default: 30s timeout client.
	HTTPClient *http.Client

	Logger zerolog.Logger

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Provider caches one access token for a single tenant/application pair.
// It is safe for concurrent use.
type Provider struct {
	tenantID    string
	appClientID string
	tokenURL    string
	scope       string
	httpClient  *http.Client
	logger      zerolog.Logger
	now         func() time.Time

	mu     sync.Mutex
	cached *AccessToken
}

// NewProvider creates a token provider.
func NewProvider(cfg ProviderConfig) *Provider {
	authority := strings.TrimRight(cfg.Authority, "/")
	if authority == "" {
		authority = "https://login.microsoftonline.com"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Provider{
		tenantID:    cfg.TenantID,
		appClientID: cfg.AppClientID,
		tokenURL:    fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, cfg.TenantID),
		scope:       fmt.Sprintf("api://%s/.default", cfg.AppClientID),
		httpClient:  httpClient,
		logger: cfg.Logger.With().
			Str("tenant_id", cfg.TenantID).
			Str("app_client_id", cfg.AppClientID).
			Logger(),
		now: now,
	}
}

// TokenURL returns the token endpoint used for the exchange.
func (p *Provider) TokenURL() string {
	return p.tokenURL
}

// Scope returns the requested scope.
func (p *Provider) Scope() string {
	return p.scope
}

// GetToken returns the cached token while it is valid, otherwise exchanges
// the client secret for a new one. Expected failures are *AuthError.
func (p *Provider) GetToken(ctx context.Context, clientSecret string) (AccessToken, error) {
	if p.tenantID == "" || p.appClientID == "" {
		return AccessToken{}, fmt.Errorf("%w: tenant and application client id are required", ErrInvalidInput)
	}
	if clientSecret == "" {
		return AccessToken{}, fmt.Errorf("%w: client secret is empty", ErrInvalidInput)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.validLocked() {
		p.logger.Debug().Msg("using cached access token")
		return *p.cached, nil
	}

	p.logger.Debug().Str("token_url", p.tokenURL).Msg("acquiring access token")

	cc := clientcredentials.Config{
		ClientID:     p.appClientID,
		ClientSecret: clientSecret,
		TokenURL:     p.tokenURL,
		Scopes:       []string{p.scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	issuedAt := p.now()
	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, p.httpClient))
	if err != nil {
		authErr := toAuthError(err)
		p.logger.Error().
			Str("error_code", authErr.Code).
			Str("error_description", authErr.Description).
			Int("status_code", authErr.StatusCode).
			Err(err).
			Msg("failed to acquire access token")
		return AccessToken{}, authErr
	}

	token := AccessToken{
		Value:     tok.AccessToken,
		ExpiresAt: issuedAt.Add(lifetime(tok) - ExpiryBuffer),
	}
	p.cached = &token

	p.logger.Info().Time("expires_at", token.ExpiresAt).Msg("access token acquired")

	return token, nil
}

// IsValid reports whether a cached token is usable, without any network call.
func (p *Provider) IsValid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validLocked()
}

// Invalidate drops the cached token, forcing the next GetToken to exchange.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
	p.logger.Debug().Msg("access token cache cleared")
}

func (p *Provider) validLocked() bool {
	return p.cached != nil && p.cached.Value != "" && p.now().Before(p.cached.ExpiresAt)
}

// lifetime reads expires_in from the raw token response.
func lifetime(tok *oauth2.Token) time.Duration {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return DefaultLifetime
}

func toAuthError(err error) *AuthError {
	authErr := &AuthError{Err: err}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		authErr.Code = retrieveErr.ErrorCode
		authErr.Description = retrieveErr.ErrorDescription
		if retrieveErr.Response != nil {
			authErr.StatusCode = retrieveErr.Response.StatusCode
		}
	}

	return authErr
}

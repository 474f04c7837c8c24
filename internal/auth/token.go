// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/scribesync/internal/clock"
	"github.com/tomtom215/scribesync/internal/logging"
)

var (
	// ErrNoCredentials is returned when no usable token or tenant is held.
	ErrNoCredentials = errors.New("no valid credentials")

	// ErrNoRefresher is returned when a refresh is needed but none is configured.
	ErrNoRefresher = errors.New("token refresh not configured")
)

// Credentials are the bearer token, refresh token and tenant the client
// presents to the server.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TenantID     string    `json:"tenant_id"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Refresher exchanges a refresh token for new credentials.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}

// TokenSource hands out the current access token and refreshes it when it
// is expired or rejected. Concurrent refreshes collapse into one request.
type TokenSource struct {
	refresher Refresher
	skew      time.Duration
	clock     clock.Clock
	logger    zerolog.Logger
	group     singleflight.Group

	mu    sync.RWMutex
	creds Credentials
}

// NewTokenSource creates a token source. If creds.ExpiresAt is unset and
// the access token is a JWT, the exp claim is used.
func NewTokenSource(creds Credentials, refresher Refresher, skew time.Duration, clk clock.Clock) *TokenSource {
	if clk == nil {
		clk = clock.Real{}
	}
	if creds.ExpiresAt.IsZero() {
		if exp, ok := TokenExpiry(creds.AccessToken); ok {
			creds.ExpiresAt = exp
		}
	}
	return &TokenSource{
		refresher: refresher,
		skew:      skew,
		clock:     clk,
		logger:    logging.WithComponent("auth"),
		creds:     creds,
	}
}

// Tenant returns the tenant id.
func (s *TokenSource) Tenant() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.TenantID
}

func (s *TokenSource) current() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *TokenSource) expired(c Credentials) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !s.clock.Now().Add(s.skew).Before(c.ExpiresAt)
}

// Credentials returns a usable token and tenant, refreshing an expired
// token first. It fails with ErrNoCredentials when either is missing.
func (s *TokenSource) Credentials(ctx context.Context) (Credentials, error) {
	c := s.current()
	if c.TenantID == "" {
		return Credentials{}, ErrNoCredentials
	}
	if c.AccessToken == "" || s.expired(c) {
		if _, err := s.refresh(ctx, c.AccessToken); err != nil {
			return Credentials{}, fmt.Errorf("%w: %v", ErrNoCredentials, err)
		}
		c = s.current()
	}
	return c, nil
}

// Token returns a usable access token.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	c, err := s.Credentials(ctx)
	if err != nil {
		return "", err
	}
	return c.AccessToken, nil
}

// Rejected is called when the server answered 401 to rejected. If another
// caller already replaced that token the current one is returned without a
// new request; otherwise one refresh runs for all concurrent callers.
func (s *TokenSource) Rejected(ctx context.Context, rejected string) (string, error) {
	if c := s.current(); c.AccessToken != "" && c.AccessToken != rejected {
		return c.AccessToken, nil
	}
	return s.refresh(ctx, rejected)
}

func (s *TokenSource) refresh(ctx context.Context, stale string) (string, error) {
	if s.refresher == nil {
		return "", ErrNoRefresher
	}

	v, err, shared := s.group.Do("refresh", func() (interface{}, error) {
		c := s.current()
		if c.AccessToken != stale && c.AccessToken != "" && !s.expired(c) {
			return c.AccessToken, nil
		}
		if c.RefreshToken == "" {
			return nil, ErrNoCredentials
		}

		next, err := s.refresher.Refresh(ctx, c.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("refresh token: %w", err)
		}
		if next.RefreshToken == "" {
			next.RefreshToken = c.RefreshToken
		}
		if next.TenantID == "" {
			next.TenantID = c.TenantID
		}
		if next.ExpiresAt.IsZero() {
			if exp, ok := TokenExpiry(next.AccessToken); ok {
				next.ExpiresAt = exp
			}
		}

		s.mu.Lock()
		s.creds = next
		s.mu.Unlock()

		s.logger.Info().
			Str("token", logging.RedactToken(next.AccessToken)).
			Time("expires_at", next.ExpiresAt).
			Msg("Access token refreshed")
		return next.AccessToken, nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Token refresh failed")
		return "", err
	}
	if shared {
		s.logger.Debug().Msg("Joined in-flight token refresh")
	}
	return v.(string), nil
}

// TokenExpiry reads the exp claim of a JWT without verifying it. The server
// verifies tokens; the client only needs to know when to refresh.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

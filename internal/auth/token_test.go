// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/scribesync/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type countingRefresher struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (r *countingRefresher) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	n := r.calls.Add(1)
	time.Sleep(r.delay)
	if r.err != nil {
		return Credentials{}, r.err
	}
	return Credentials{AccessToken: "fresh-" + string(rune('0'+n))}, nil
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTokenExpiry(t *testing.T) {
	exp := epoch.Add(time.Hour)
	got, ok := TokenExpiry(signedToken(t, exp))
	if !ok || !got.Equal(exp) {
		t.Errorf("TokenExpiry() = %v, %v; want %v", got, ok, exp)
	}
	if _, ok := TokenExpiry("opaque-token"); ok {
		t.Error("opaque tokens have no expiry")
	}
}

func TestCredentialsRequiresTenant(t *testing.T) {
	src := NewTokenSource(Credentials{AccessToken: "tok"}, nil, 0, nil)
	if _, err := src.Credentials(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Credentials() error = %v, want ErrNoCredentials", err)
	}
}

func TestExpiredTokenIsRefreshed(t *testing.T) {
	clk := clock.NewManual(epoch)
	ref := &countingRefresher{}
	src := NewTokenSource(Credentials{
		AccessToken:  signedToken(t, epoch.Add(10*time.Second)),
		RefreshToken: "r1",
		TenantID:     "clinic-1",
	}, ref, 30*time.Second, clk)

	tok, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "fresh-1" || ref.calls.Load() != 1 {
		t.Errorf("Token() = %q after %d refreshes", tok, ref.calls.Load())
	}
	if src.Tenant() != "clinic-1" {
		t.Errorf("tenant lost across refresh: %q", src.Tenant())
	}
}

func TestConcurrentRejectionsRefreshOnce(t *testing.T) {
	ref := &countingRefresher{delay: 20 * time.Millisecond}
	src := NewTokenSource(Credentials{AccessToken: "stale", RefreshToken: "r1", TenantID: "t"}, ref, 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := src.Rejected(context.Background(), "stale")
			if err != nil || tok != "fresh-1" {
				t.Errorf("Rejected() = %q, %v", tok, err)
			}
		}()
	}
	wg.Wait()

	if n := ref.calls.Load(); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}

	// a late 401 for the old token reuses the new one
	tok, _ := src.Rejected(context.Background(), "stale")
	if tok != "fresh-1" || ref.calls.Load() != 1 {
		t.Errorf("late rejection triggered another refresh")
	}
}

func TestRefreshFailure(t *testing.T) {
	src := NewTokenSource(Credentials{AccessToken: "stale", RefreshToken: "r", TenantID: "t"}, &countingRefresher{err: errors.New("down")}, 0, nil)
	if _, err := src.Rejected(context.Background(), "stale"); err == nil {
		t.Error("Rejected() should surface refresh errors")
	}

	noRefresh := NewTokenSource(Credentials{AccessToken: "stale", TenantID: "t"}, nil, 0, nil)
	if _, err := noRefresh.Rejected(context.Background(), "stale"); !errors.Is(err, ErrNoRefresher) {
		t.Errorf("Rejected() error = %v, want ErrNoRefresher", err)
	}
}

func TestHTTPRefresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/auth/refresh" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req refreshRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RefreshToken != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(refreshResponse{AccessToken: "a2", RefreshToken: "r2", ExpiresIn: 3600})
	}))
	defer srv.Close()

	ref := NewHTTPRefresher(srv.URL+"/v1", "/auth/refresh", srv.Client())
	creds, err := ref.Refresh(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if creds.AccessToken != "a2" || creds.RefreshToken != "r2" || creds.ExpiresAt.IsZero() {
		t.Errorf("Refresh() = %+v", creds)
	}

	if _, err := ref.Refresh(context.Background(), "bad"); err == nil {
		t.Error("Refresh() should fail on 401")
	}
}

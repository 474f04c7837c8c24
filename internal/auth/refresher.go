// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// HTTPRefresher calls the server's token refresh endpoint.
type HTTPRefresher struct {
	URL    string
	Client *http.Client
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TenantID     string `json:"tenant_id,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// NewHTTPRefresher builds a refresher for baseURL + path.
func NewHTTPRefresher(baseURL, path string, client *http.Client) *HTTPRefresher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRefresher{
		URL:    strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"),
		Client: client,
	}
}

// Refresh implements Refresher.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return Credentials{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Credentials{}, fmt.Errorf("refresh rejected: HTTP %d", resp.StatusCode)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credentials{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return Credentials{}, fmt.Errorf("refresh response missing access_token")
	}

	creds := Credentials{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		TenantID:     out.TenantID,
	}
	if out.ExpiresIn > 0 {
		creds.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return creds, nil
}

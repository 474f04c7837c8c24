// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package syncapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tomtom215/scribesync/internal/auth"
	"github.com/tomtom215/scribesync/internal/logging"
	"github.com/tomtom215/scribesync/internal/metrics"
	"github.com/tomtom215/scribesync/internal/models"
	"github.com/tomtom215/scribesync/internal/syncerr"
)

// Endpoint names, used as metric labels.
const (
	EndpointSync     = "sync"
	EndpointChunk    = "audio_chunk"
	EndpointComplete = "audio_complete"
	EndpointSubmit   = "submit"
)

// SyncRequest is the body of POST /encounters/sync.
type SyncRequest struct {
	EncounterID   string            `json:"encounter_id"`
	PatientID     string            `json:"patient_id"`
	EncounterType string            `json:"encounter_type,omitempty"`
	AudioData     string            `json:"audio_data,omitempty"`
	AudioDuration float64           `json:"audio_duration,omitempty"`
	Transcript    string            `json:"transcript,omitempty"`
	SOAPNote      *models.SOAPNote  `json:"soap_note,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Edits         []models.SOAPEdit `json:"edits,omitempty"`
	BaseVersion   string            `json:"base_version,omitempty"`
	Changes       models.Payload    `json:"changes,omitempty"`
	Force         bool              `json:"force,omitempty"`
}

// SyncResponse is the server's answer to a sync request.
type SyncResponse struct {
	Conflict      bool                  `json:"conflict"`
	Version       string                `json:"version,omitempty"`
	ServerVersion *models.ServerVersion `json:"server_version,omitempty"`
}

type chunkResponse struct {
	Received int `json:"received"`
}

// Config configures the client.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	RequestBurst      int
	Breaker           BreakerConfig
}

// Client calls the remote encounter sync API. Every request is paced by a
// rate limiter, guarded by a circuit breaker, bounded by Timeout and
// retried once after a token refresh when the server answers 401.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *auth.TokenSource
	limiter *rate.Limiter
	timeout time.Duration
	breaker *breaker
	logger  zerolog.Logger
}

// New creates a client. A nil httpClient uses http.DefaultClient.
func New(cfg Config, tokens *auth.TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.RequestBurst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		limiter: rate.NewLimiter(limit, burst),
		timeout: cfg.Timeout,
		breaker: newBreaker("sync-api", cfg.Breaker),
		logger:  logging.WithComponent("syncapi"),
	}
}

// BreakerState returns the circuit breaker state name.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// SyncEncounter posts the encounter snapshot. A 409, or a 2xx body with
// conflict set, yields a response with Conflict true and a nil error.
func (c *Client) SyncEncounter(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, syncerr.Permanent("sync encounter", fmt.Errorf("marshal request: %w", err))
	}

	result, err := c.breaker.execute(func() (interface{}, error) {
		var out SyncResponse
		status, err := c.do(ctx, EndpointSync, "/encounters/sync", body, "application/json", nil, &out)
		if status == http.StatusConflict {
			out.Conflict = true
			return &out, nil
		}
		if err != nil {
			return nil, err
		}
		return &out, nil
	})
	return castResult[SyncResponse](result, err)
}

// UploadChunk sends one audio chunk. The chunk counts as acknowledged only
// when the server reports receiving it.
func (c *Client) UploadChunk(ctx context.Context, encounterID, uploadID string, index, total int, data []byte) error {
	headers := map[string]string{
		"X-Upload-ID":   uploadID,
		"X-Chunk-Index": strconv.Itoa(index),
		"X-Chunk-Total": strconv.Itoa(total),
	}
	path := "/encounters/" + url.PathEscape(encounterID) + "/audio/chunks"

	_, err := c.breaker.execute(func() (interface{}, error) {
		var out chunkResponse
		if _, err := c.do(ctx, EndpointChunk, path, data, "application/octet-stream", headers, &out); err != nil {
			return nil, err
		}
		if out.Received != index {
			return nil, syncerr.Transient("upload chunk", fmt.Errorf("server acknowledged chunk %d, sent %d", out.Received, index))
		}
		return nil, nil
	})
	if err != nil {
		metrics.UploadChunks.WithLabelValues("failure").Inc()
		return err
	}
	metrics.UploadChunks.WithLabelValues("success").Inc()
	return nil
}

// CompleteUpload tells the server every chunk of uploadID has been sent.
func (c *Client) CompleteUpload(ctx context.Context, encounterID, uploadID string, total int) error {
	body, err := json.Marshal(map[string]interface{}{"upload_id": uploadID, "total_chunks": total})
	if err != nil {
		return err
	}
	path := "/encounters/" + url.PathEscape(encounterID) + "/audio/complete"
	_, err = c.breaker.execute(func() (interface{}, error) {
		_, err := c.do(ctx, EndpointComplete, path, body, "application/json", nil, nil)
		return nil, err
	})
	return err
}

// Submit finalizes the encounter on the server.
func (c *Client) Submit(ctx context.Context, encounterID string) error {
	path := "/encounters/" + url.PathEscape(encounterID) + "/submit"
	_, err := c.breaker.execute(func() (interface{}, error) {
		status, err := c.do(ctx, EndpointSubmit, path, []byte("{}"), "application/json", nil, nil)
		if status == http.StatusConflict {
			return nil, syncerr.New(syncerr.Conflict, "submit", errors.New("server holds a newer version"))
		}
		return nil, err
	})
	return err
}

// do performs one POST, retrying once with a refreshed token on 401. It
// returns the final HTTP status (0 on transport failure) and a classified
// error for anything but 2xx. out, when non-nil, receives the decoded body
// of 2xx and 409 responses.
func (c *Client) do(ctx context.Context, endpoint, path string, body []byte, contentType string, headers map[string]string, out interface{}) (int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		// credentials may appear after the user signs in again
		return 0, syncerr.New(syncerr.Unknown, endpoint, err)
	}

	status, err := c.attempt(ctx, endpoint, path, body, contentType, headers, token, out)
	if status != http.StatusUnauthorized {
		return status, err
	}

	fresh, rerr := c.tokens.Rejected(ctx, token)
	if rerr != nil {
		return status, syncerr.Permanent(endpoint, fmt.Errorf("unauthorized and refresh failed: %w", rerr))
	}
	c.logger.Debug().Str("endpoint", endpoint).Msg("Retrying with refreshed token")
	return c.attempt(ctx, endpoint, path, body, contentType, headers, fresh, out)
}

func (c *Client) attempt(ctx context.Context, endpoint, path string, body []byte, contentType string, headers map[string]string, token string, out interface{}) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, syncerr.Transient(endpoint, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, syncerr.Permanent(endpoint, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if tenant := c.tokens.Tenant(); tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordAPIRequest(endpoint, 0, time.Since(start))
		return 0, syncerr.Transient(endpoint, err)
	}
	defer resp.Body.Close()
	metrics.RecordAPIRequest(endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusConflict {
		if out != nil {
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return resp.StatusCode, syncerr.Transient(endpoint, fmt.Errorf("read response: %w", err))
			}
			if len(bytes.TrimSpace(data)) > 0 {
				if err := json.Unmarshal(data, out); err != nil {
					return resp.StatusCode, syncerr.Permanent(endpoint, fmt.Errorf("decode response: %w", err))
				}
			}
		}
		if resp.StatusCode == http.StatusConflict {
			return resp.StatusCode, syncerr.New(syncerr.Conflict, endpoint, errors.New("HTTP 409"))
		}
		return resp.StatusCode, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, classifyStatus(endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// classifyStatus maps an HTTP status to an error kind: 408, 425, 429 and
// 5xx are transient; 409 is a conflict; any other status is permanent.
func classifyStatus(endpoint string, code int, body string) error {
	err := &StatusError{StatusCode: code, Body: body}
	switch {
	case code == http.StatusConflict:
		return syncerr.New(syncerr.Conflict, endpoint, err)
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests, code >= 500:
		return syncerr.Transient(endpoint, err)
	default:
		return syncerr.Permanent(endpoint, err)
	}
}

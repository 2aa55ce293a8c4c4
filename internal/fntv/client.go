// Package fntv provides an HTTP client for the NAS media server API
// with rate limiting, retry of idempotent reads, and session management.
package fntv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"

	"github.com/opd-ai/go-fntv-play/pkg/config"
)

const apiPrefix = "/v/api/v1"

// Client talks to the media server's JSON API.
// It forwards the session token on every request and throttles outgoing calls.
type Client struct {
	config     *config.FntvConfig
	logger     *slog.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	retryDelay time.Duration

	mu           sync.RWMutex
	sessionToken string
}

// New creates a client for the configured server. No request is made until
// the first API call.
func New(cfg *config.FntvConfig, logger *slog.Logger) *Client {
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	return &Client{
		config:       cfg,
		logger:       logger,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		limiter:      rate.NewLimiter(limit, burst),
		baseURL:      strings.TrimRight(cfg.ServerURL, "/"),
		retryDelay:   500 * time.Millisecond,
		sessionToken: cfg.Token,
	}
}

// SetToken replaces the token forwarded as the Authorization header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionToken = token
}

// Token returns the current session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

// IsConnected returns true if the client holds a session token.
func (c *Client) IsConnected() bool {
	return c.Token() != ""
}

// URL resolves an API-relative path such as "/media/range/{guid}" to an
// absolute URL on the server.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if strings.HasPrefix(path, apiPrefix) {
		return c.baseURL + path
	}
	return c.baseURL + apiPrefix + path
}

// GetStreamList fetches the stream graph of an item.
func (c *Client) GetStreamList(ctx context.Context, itemGUID string) (*StreamList, error) {
	var list StreamList
	path := "/stream/list/" + url.PathEscape(itemGUID)
	if err := c.retrying(ctx, "get stream list", func() error {
		return c.doJSON(ctx, "get stream list", http.MethodGet, path, nil, &list)
	}); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetPlayInfo fetches the last-played state of an item.
func (c *Client) GetPlayInfo(ctx context.Context, itemGUID string) (*PlayInfo, error) {
	var info PlayInfo
	body := map[string]string{"item_guid": itemGUID}
	if err := c.retrying(ctx, "get play info", func() error {
		return c.doJSON(ctx, "get play info", http.MethodPost, "/play/info", body, &info)
	}); err != nil {
		return nil, err
	}
	if info.ItemGUID == "" {
		info.ItemGUID = itemGUID
	}
	return &info, nil
}

// PreparePlayback asks the transcode service for a playable link. It is not
// retried: a CodeTranscodeNotNeeded response must reach the caller untouched.
func (c *Client) PreparePlayback(ctx context.Context, req *PrepareRequest) (*PrepareResponse, error) {
	var resp PrepareResponse
	if err := c.doJSON(ctx, "prepare playback", http.MethodPost, "/play/play", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecordProgress persists a watch-progress checkpoint.
func (c *Client) RecordProgress(ctx context.Context, record *ProgressRecord) error {
	return c.doJSON(ctx, "record progress", http.MethodPost, "/play/record", record, nil)
}

// OpenSubtitle streams the raw content of an external subtitle file. The
// caller must close the returned body. size is -1 when unknown.
func (c *Client) OpenSubtitle(ctx context.Context, subtitleGUID string) (io.ReadCloser, int64, error) {
	const op = "download subtitle"

	resp, err := c.send(ctx, op, http.MethodGet, "/subtitle/dl/"+url.PathEscape(subtitleGUID), nil)
	if err != nil {
		return nil, 0, err
	}

	if err := checkStatus(op, resp); err != nil {
		resp.Body.Close()
		return nil, 0, err
	}

	return resp.Body, resp.ContentLength, nil
}

// TestConnection validates the token without side effects.
func (c *Client) TestConnection(ctx context.Context) (*UserInfo, error) {
	c.logger.Debug("Testing media server connection")

	var user UserInfo
	if err := c.doJSON(ctx, "get user info", http.MethodGet, "/user/info", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// retrying runs fn until it succeeds, fails with a non-retryable error, or the
// configured attempts are exhausted.
func (c *Client) retrying(ctx context.Context, op string, fn func() error) error {
	attempts := uint(max(0, c.config.RetryAttempts)) + 1

	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Retrying media server request",
				"op", op,
				"attempt", n+1,
				"error", err)
		}),
	)
}

// doJSON sends a JSON request and decodes the envelope's data into out.
func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	resp, err := c.send(ctx, op, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(op, resp); err != nil {
		return err
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}

	if env.Code != CodeOK {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Code: env.Code, Message: env.Msg}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: failed to decode data: %w", op, err)
	}

	return nil
}

// send builds and executes the HTTP request. Transport failures come back as
// *NetworkError.
func (c *Client) send(ctx context.Context, op, method, path string, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &NetworkError{Op: op, Err: err}
	}

	c.logger.Debug("Media server request",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	return resp, nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return &APIError{Op: op, StatusCode: resp.StatusCode}
}

// Package httpapi is the authenticated REST client for the agent backend.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/prdpilot/internal/auth"
	"golang.org/x/sync/singleflight"
)

// DefaultBaseURL is used when New receives an empty base URL.
const DefaultBaseURL = "http://localhost:8000/api/v1"

// Client issues REST calls. A 401 triggers one shared credential refresh
// and a single replay; it never retries otherwise.
type Client struct {
	baseURL    string
	tokens     *auth.TokenStore
	httpClient *http.Client
	logger     *slog.Logger

	refreshGroup singleflight.Group
	loggedOut    atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client rooted at baseURL, e.g. http://host/api/v1.
func New(baseURL string, tokens *auth.TokenStore, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("new client: parse base URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("new client: base URL must include scheme and host")
	}
	if tokens == nil {
		return nil, fmt.Errorf("new client: token store is required")
	}

	c := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		tokens:     tokens,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type requestOptions struct {
	skipAuth  bool
	noRefresh bool
}

// body is a replayable request body.
type body struct {
	data        []byte
	contentType string
}

func jsonBody(payload any) (*body, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeRequest, err)
	}
	return &body{data: data, contentType: "application/json"}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any, opts requestOptions) error {
	b, err := jsonBody(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, b, out, opts)
}

func (c *Client) do(ctx context.Context, method, path string, b *body, out any, opts requestOptions) error {
	// Unauthenticated calls such as Login stay open after Logout.
	if !opts.skipAuth && c.loggedOut.Load() {
		c.tokens.ForceLogout(ctx)
		return fmt.Errorf("%w: user logged out", ErrUnauthorized)
	}

	status, data, err := c.send(ctx, method, path, b, opts.skipAuth)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized || opts.noRefresh {
		return finish(status, data, out)
	}

	c.logger.Debug("Request unauthorized, refreshing credentials", "method", method, "path", path)
	if err := c.RefreshTokens(ctx); err != nil {
		c.tokens.ForceLogout(ctx)
		return fmt.Errorf("%w: refresh failed: %w", ErrUnauthorized, err)
	}

	status, data, err = c.send(ctx, method, path, b, opts.skipAuth)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.tokens.ForceLogout(ctx)
		return fmt.Errorf("%w: %w", ErrUnauthorized, newHTTPError(status, data))
	}
	return finish(status, data, out)
}

func (c *Client) send(ctx context.Context, method, path string, b *body, skipAuth bool) (int, []byte, error) {
	var reader io.Reader
	if b != nil {
		reader = bytes.NewReader(b.data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return 0, nil, fmt.Errorf("new request: %w", err)
	}
	if b != nil {
		req.Header.Set("Content-Type", b.contentType)
	}
	req.Header.Set("Accept", "application/json")
	if !skipAuth {
		if token := c.tokens.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (c *Client) url(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// finish maps a completed response to out or an *HTTPError.
func finish(status int, data []byte, out any) error {
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return newHTTPError(status, data)
	}
	return decode(data, out)
}

// decode unmarshals data into out, unwrapping a {"data": ...} envelope.
func decode(data []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err == nil {
		if inner, ok := envelope["data"]; ok {
			data = inner
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeResponse, err)
	}
	return nil
}

// RefreshTokens exchanges the stored refresh credential for a new pair.
// Concurrent callers share one in-flight exchange.
func (c *Client) RefreshTokens(ctx context.Context) error {
	_, err, shared := c.refreshGroup.Do("refresh", func() (any, error) {
		return nil, c.performRefresh(ctx)
	})
	if shared {
		c.logger.Debug("Joined in-flight token refresh")
	}
	return err
}

func (c *Client) performRefresh(ctx context.Context) error {
	current := c.tokens.RefreshToken()
	if current == "" {
		return ErrNoRefreshToken
	}
	res, err := c.Refresh(ctx, current)
	if err != nil {
		return err
	}
	access := auth.SanitizeToken(res.AccessToken)
	next := auth.SanitizeToken(res.RefreshToken)
	if next == "" {
		next = current
	}
	if access == "" {
		return ErrIncompleteRefresh
	}
	return c.tokens.SetTokens(ctx, access, next, time.Duration(res.ExpiresIn)*time.Second)
}

// Package forge is the upstream code-host adapter (GitHub REST v3).
//
// It is a thin JSON client: token auth, otelhttp-traced transport, typed
// errors mapped from status codes so callers can branch with errors.Is.
// Rate-limited responses are retried on the long-wait schedule before the
// error surfaces.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/devbotlabs/ai-dev-pipeline/internal/config"
	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/internal/retry"
	"github.com/devbotlabs/ai-dev-pipeline/pkg/textx"
)

// Client talks to the GitHub REST API for one token/owner pair.
type Client struct {
	baseURL     string
	token       string
	username    string
	org         string
	httpClient  *http.Client
	retryPolicy domain.RetryPolicy
	log         domain.InteractionLog
}

// New constructs a Client from configuration. A nil log disables
// interaction logging.
func New(cfg config.Config, log domain.InteractionLog) *Client {
	return NewWithPolicy(cfg, log, domain.RateLimitRetryPolicy())
}

// NewWithPolicy is New with an explicit rate-limit retry schedule.
func NewWithPolicy(cfg config.Config, log domain.InteractionLog, policy domain.RetryPolicy) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Forge %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{
		baseURL:  strings.TrimRight(cfg.GitHubAPIBase, "/"),
		token:    cfg.GitHubToken,
		username: cfg.GitHubUser,
		org:      cfg.GitHubOrg,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		retryPolicy: policy,
		log:         log,
	}
}

// Owner returns the account repositories live under: the org when
// configured, else the authenticated user.
func (c *Client) Owner() string {
	if c.org != "" {
		return c.org
	}
	return c.username
}

func (c *Client) repoPath(repo, rest string) string {
	return fmt.Sprintf("/repos/%s/%s%s", c.Owner(), repo, rest)
}

// do performs one JSON request and decodes the response into out (when
// non-nil). Rate-limited responses are retried; other failures map to
// typed errors immediately.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return retry.OnRateLimitPolicy(ctx, c.retryPolicy, "forge "+method+" "+path, func() error {
		return c.doOnce(ctx, method, path, body, out)
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", domain.ErrInternal, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", domain.ErrInternal, err)
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forge request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrInternal, err)
	}
	return nil
}

// doText fetches a plain-text resource, following redirects, capped at n
// bytes.
func (c *Client) doText(ctx context.Context, path string, n int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", domain.ErrInternal, err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("forge request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", statusError(resp.StatusCode, string(raw))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, n))
	if err != nil {
		return "", fmt.Errorf("forge read body: %w", err)
	}
	return string(b), nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
}

func statusError(status int, body string) error {
	body = textx.Truncate(strings.TrimSpace(body), 500)
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: status 401: %s", domain.ErrUnauthorized, body)
	case http.StatusForbidden:
		if strings.Contains(strings.ToLower(body), "rate limit") {
			return fmt.Errorf("%w: status 403: %s", domain.ErrRateLimited, body)
		}
		return fmt.Errorf("%w: status 403: %s", domain.ErrForbidden, body)
	case http.StatusNotFound:
		return fmt.Errorf("%w: status 404: %s", domain.ErrNotFound, body)
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d: %s", domain.ErrConflict, status, body)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: status 429: %s", domain.ErrRateLimited, body)
	default:
		return fmt.Errorf("%w: status %d: %s", domain.ErrInternal, status, body)
	}
}

func (c *Client) logOp(op, repo string, err error, details map[string]any) {
	if c.log == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
		if details == nil {
			details = map[string]any{}
		}
		details["error"] = textx.Truncate(err.Error(), 200)
	}
	c.log.ForgeOp(op, repo, status, details)
}

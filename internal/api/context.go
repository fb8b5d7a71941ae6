// Package api is the HTTP client for the notebook backend.
//
// A Context carries the base URL, the HTTP client and the bearer token. It is
// immutable: logging in or out produces a new Context instead of mutating a
// shared client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/pkg/protocol"
)

const (
	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 2048
)

// ErrUnauthorized is returned when the backend rejects the credential.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Detail)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Context is an immutable handle on the backend, optionally authenticated.
type Context struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	logger  *logger.Logger
}

// NewContext creates an unauthenticated context for baseURL, e.g. http://localhost:8000/api.
func NewContext(baseURL string, timeout time.Duration, log *logger.Logger) (*Context, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Context{
		baseURL: u,
		http:    &http.Client{Timeout: timeout},
		logger:  log.WithFields(zap.String("component", "api-client")),
	}, nil
}

// WithToken returns a new context carrying token.
func (c *Context) WithToken(token string) *Context {
	next := *c
	next.token = token
	return &next
}

// Anonymous returns a copy without a token.
func (c *Context) Anonymous() *Context {
	return c.WithToken("")
}

func (c *Context) Token() string {
	return c.token
}

func (c *Context) Authenticated() bool {
	return c.token != ""
}

func (c *Context) BaseURL() string {
	return c.baseURL.String()
}

// ExecuteURL returns the WebSocket URL of the execution endpoint with the token attached.
func (c *Context) ExecuteURL() string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/execute"
	q := url.Values{}
	q.Set(protocol.TokenQueryParam, c.token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Context) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.TrimRight(c.baseURL.String(), "/") + "/v1/" + strings.Join(escaped, "/")
}

func (c *Context) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req and returns the response for a 2xx status. Other statuses are
// turned into a StatusError and the body is closed.
func (c *Context) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	se := &StatusError{StatusCode: resp.StatusCode, Detail: parseDetail(body)}
	c.logger.Debug("backend error",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.String("detail", se.Detail))
	return nil, se
}

func (c *Context) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseDetail extracts {"detail": "..."} or {"error": "..."}, falling back to the raw body.
func parseDetail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return truncate(strings.TrimSpace(string(body)), 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package remote

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
	"time"

	"github.com/l0p7/stockconsole/internal/templates"
)

const maxBodyBytes = 4 << 20

// ErrUnavailable marks failures to reach the remote API or to read its answer.
var ErrUnavailable = errors.New("remote: unavailable")

// Doer is the subset of *http.Client the client needs.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// StatusError reports a non-2xx answer from the remote API.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: status %d", e.Status)
	}
	return fmt.Sprintf("remote: status %d: %s", e.Status, e.Message)
}

// Options configures a Client. Routes maps a logical route name to a path
// template rendered against the request parameters.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	Routes     map[string]string
	HTTPClient Doer
	Logger     *slog.Logger
}

// Client talks JSON to the remote API. It never caches.
type Client struct {
	base   *url.URL
	token  string
	http   Doer
	routes map[string]*templates.Template
	logger *slog.Logger
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", opts.BaseURL)
	}
	doer := opts.HTTPClient
	if doer == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		doer = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	renderer := templates.NewRenderer()
	routes := make(map[string]*templates.Template, len(opts.Routes))
	for name, source := range opts.Routes {
		tmpl, err := renderer.CompileInline(name, source)
		if err != nil {
			return nil, fmt.Errorf("remote: route %s: %w", name, err)
		}
		if tmpl != nil {
			routes[name] = tmpl
		}
	}

	return &Client{
		base:   base,
		token:  opts.Token,
		http:   doer,
		routes: routes,
		logger: logger.With(slog.String("agent", "remote")),
	}, nil
}

// URL renders route with params and resolves it against the base URL.
func (c *Client) URL(route string, params map[string]any) (string, error) {
	tmpl, ok := c.routes[route]
	if !ok {
		return "", fmt.Errorf("remote: route %s not configured", route)
	}
	path, err := tmpl.Render(params)
	if err != nil {
		return "", fmt.Errorf("remote: route %s: %w", route, err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("remote: route %s rendered invalid path %q: %w", route, path, err)
	}
	return c.base.ResolveReference(ref).String(), nil
}

// GetJSON issues a GET for route and decodes the JSON answer into out.
func (c *Client) GetJSON(ctx context.Context, route string, params map[string]any, out any) error {
	return c.Do(ctx, http.MethodGet, route, params, nil, out)
}

// Do issues method against route. A non-nil body is sent as JSON; a non-nil
// out receives the decoded answer.
func (c *Client) Do(ctx context.Context, method, route string, params map[string]any, body, out any) error {
	target, err := c.URL(route, params)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode %s body: %w", route, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("remote: build %s request: %w", route, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, route, err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrUnavailable, route, err)
	}
	if closeErr != nil {
		return fmt.Errorf("remote: close %s: %w", route, closeErr)
	}

	c.logger.Debug("remote call",
		slog.String("method", method),
		slog.String("route", route),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrUnavailable, route, err)
	}
	return nil
}

// errorMessage extracts a human readable message from an error body. The API
// answers with {"message": ...} or {"error": ...}; anything else is used raw.
func errorMessage(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(trimmed, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := string(trimmed)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

// IsStatus reports whether err carries a remote answer with the given status.
func IsStatus(err error, status int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == status
}

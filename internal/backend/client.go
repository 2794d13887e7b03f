// Package backend is the REST client for the census API. It speaks plain
// JSON documents so the sync layer never needs to know entity shapes.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/hyperengineering/canopy/internal/types"
)

const (
	apiPrefix      = "/api/v1"
	maxErrorBody   = 64 << 10
	defaultTimeout = 30 * time.Second
)

var (
	// ErrStaleWrite means the server no longer accepts the write because the
	// record was deleted or changed concurrently (404, 409, 410).
	ErrStaleWrite = errors.New("stale write")
	// ErrRejected means the server refused the payload (400, 422).
	ErrRejected = errors.New("rejected by server")
	// ErrUnauthorized means the token is missing, expired or insufficient.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrServer covers 5xx responses.
	ErrServer = errors.New("server error")
)

// StatusError is returned for non-success responses. It unwraps to one of
// the sentinel errors of this package.
type StatusError struct {
	Method string
	Path   string
	Status int
	Title  string
	Detail string
	kind   error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Status)
	if e.Title != "" {
		msg += " " + e.Title
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// problem mirrors the RFC 7807 body the census API returns on errors.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// Config holds client settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is ignored then.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls the census API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	mu    sync.RWMutex
	token string
}

// New creates a client for the API rooted at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, errors.New("backend URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: base,
		http:    hc,
		logger:  logger.With("component", "backend"),
		token:   cfg.Token,
	}, nil
}

// SetToken replaces the bearer token sent with every request. An empty
// token disables the Authorization header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// List fetches every entity of kind matching filter (top-level field equality).
func (c *Client) List(ctx context.Context, kind types.Kind, filter map[string]string) ([][]byte, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return nil, err
	}
	if len(filter) > 0 {
		q := url.Values{}
		keys := make([]string, 0, len(filter))
		for k := range filter {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Set(k, filter[k])
		}
		path += "?" + q.Encode()
	}

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", kind, err)
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}

// Create posts a new entity and returns the created document.
func (c *Client) Create(ctx context.Context, kind types.Kind, body []byte) ([]byte, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, body)
}

// Update patches an entity and returns the updated document.
func (c *Client) Update(ctx context.Context, kind types.Kind, id string, body []byte) ([]byte, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPatch, path+"/"+url.PathEscape(id), body)
}

// Delete removes an entity. Deleting an entity the server no longer has
// succeeds: the outcome the caller asked for already holds.
func (c *Client) Delete(ctx context.Context, kind types.Kind, id string) error {
	path, err := collectionPath(kind)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, path+"/"+url.PathEscape(id), nil)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		c.logger.Debug("delete of missing entity treated as done", "action", "delete_missing", "kind", string(kind), "id", id)
		return nil
	}
	return err
}

// Health fetches the public health document.
func (c *Client) Health(ctx context.Context) (types.HealthResponse, error) {
	var h types.HealthResponse
	body, err := c.do(ctx, http.MethodGet, apiPrefix+"/health", nil)
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(body, &h); err != nil {
		return h, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

// Ping reports whether the API answers its health check.
func (c *Client) Ping(ctx context.Context) error {
	h, err := c.Health(ctx)
	if err != nil {
		return err
	}
	if h.Status != "healthy" {
		return fmt.Errorf("backend status %q", h.Status)
	}
	return nil
}

func collectionPath(kind types.Kind) (string, error) {
	info, ok := types.Lookup(kind)
	if !ok {
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
	return apiPrefix + "/" + info.Collection, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request",
		"action", "http_request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
		}
		return data, nil
	}
	return nil, statusError(method, path, resp)
}

func statusError(method, path string, resp *http.Response) error {
	se := &StatusError{Method: method, Path: path, Status: resp.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var p problem
	if len(data) > 0 && json.Unmarshal(data, &p) == nil {
		se.Title = p.Title
		se.Detail = p.Detail
	}
	if se.Title == "" {
		se.Title = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusGone:
		se.kind = ErrStaleWrite
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnprocessableEntity:
		se.kind = ErrRejected
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		se.kind = ErrUnauthorized
	case resp.StatusCode >= 500:
		se.kind = ErrServer
	}
	return se
}

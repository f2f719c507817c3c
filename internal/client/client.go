// Package client talks to the JobLog REST backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/joblog/joblog/internal/models"
	"github.com/joblog/joblog/internal/reconcile"
)

// DefaultTimeout is the default timeout for API requests.
const DefaultTimeout = 10 * time.Second

// Client wraps HTTP calls to the JobLog API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger.With().Str("component", "client").Logger() }
}

// New creates a new API client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend address.
func (c *Client) BaseURL() string { return c.baseURL }

// MutationResult is the backend's answer to a mutation.
type MutationResult struct {
	OK     bool `json:"ok"`
	Queued bool `json:"queued,omitempty"`
}

// State fetches the current snapshot.
func (c *Client) State(ctx context.Context) (*models.StateSnapshot, error) {
	var s models.StateSnapshot
	if err := c.get(ctx, "/api/state", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Events fetches the activity feed.
func (c *Client) Events(ctx context.Context) ([]models.Event, error) {
	var body struct {
		Events []models.Event `json:"events"`
	}
	if err := c.get(ctx, "/api/events", &body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

// Notifications fetches the notification history.
func (c *Client) Notifications(ctx context.Context) ([]models.Notification, error) {
	var body struct {
		Notifications []models.Notification `json:"notifications"`
	}
	if err := c.get(ctx, "/api/notifications", &body); err != nil {
		return nil, err
	}
	return body.Notifications, nil
}

// Health checks if the backend answers.
func (c *Client) Health(ctx context.Context) (bool, error) {
	var health struct {
		OK bool `json:"ok"`
	}
	if err := c.get(ctx, "/health", &health); err != nil {
		return false, err
	}
	return health.OK, nil
}

// Send posts a mutation. An empty idempotencyKey gets a fresh one; replays
// pass the key of the original attempt so the backend can deduplicate.
func (c *Client) Send(ctx context.Context, m reconcile.Mutation, idempotencyKey string) (*MutationResult, error) {
	path, err := MutationPath(m)
	if err != nil {
		return nil, err
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}

	var res MutationResult
	if err := c.post(ctx, path, m, idempotencyKey, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// MutationPath returns the endpoint a mutation is posted to.
func MutationPath(m reconcile.Mutation) (string, error) {
	switch v := m.(type) {
	case reconcile.Pause, reconcile.Resume, reconcile.Finish, reconcile.Move:
		return "/api/members/" + url.PathEscape(v.Subject()) + "/" + string(v.Kind()), nil
	case reconcile.StartMembers, reconcile.StartActivity:
		return "/api/start", nil
	case reconcile.CreateActivity:
		return "/api/activities", nil
	}
	return "", fmt.Errorf("%w: %T", reconcile.ErrUnknownKind, m)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, data interface{}, idempotencyKey string, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ctxErr)
		}
		return fmt.Errorf("%s %s: %w: %v", req.Method, req.URL.Path, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w: %v", req.Method, req.URL.Path, ErrUnavailable, err)
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("api request")

	if resp.StatusCode >= 400 {
		return newAPIError(resp.StatusCode, errorMessage(body))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} when present, else the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

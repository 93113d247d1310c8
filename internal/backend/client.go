// Package backend implements the bulk-query collaborators the reconcilers
// load their initial state from: a REST client and a direct Postgres querier.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"opsdash/internal/domain"

	"github.com/google/uuid"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultRetryBase  = 500 * time.Millisecond
)

type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int // 0 uses the default; negative disables retries
	RetryBase  time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the REST backend. It implements domain.Backend.
type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	maxRetries int
	retryBase  time.Duration
	logger     *slog.Logger
}

var _ domain.Backend = (*Client)(nil)

func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("backend url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("backend url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = sharedHTTPClient(opts.Timeout)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL:    base,
		token:      opts.Token,
		http:       opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
		logger:     opts.Logger,
	}, nil
}

// sharedHTTPClient returns a pooled client for the backend host.
func sharedHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}

type pagination struct {
	Total int `json:"total"`
	Page  int `json:"page,omitempty"`
	Limit int `json:"limit,omitempty"`
}

// envelope is the backend's response wrapper. Endpoints that answer with a
// bare JSON document are accepted too.
type envelope struct {
	Success    *bool           `json:"success"`
	Data       json.RawMessage `json:"data"`
	Pagination *pagination     `json:"pagination"`
	Message    string          `json:"message"`
	Code       string          `json:"code"`
	Error      string          `json:"error"`
}

func decodeJSON(body []byte, v any) error {
	return json.Unmarshal(body, v)
}

// do runs one logical call and returns the envelope data.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) (json.RawMessage, *pagination, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	requestID := uuid.NewString()

	resp, err := doWithRetry(ctx, c.http, func() (*http.Request, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-Id", requestID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		return req, nil
	}, c.maxRetries, c.retryBase, c.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, fmt.Errorf("%s %s: %w", method, path, decodeError(resp))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil, nil
	}

	var env envelope
	if err := decodeJSON(raw, &env); err != nil || (env.Success == nil && env.Data == nil) {
		// Not an envelope.
		return raw, nil, nil
	}
	if env.Success != nil && !*env.Success {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		return nil, nil, fmt.Errorf("%s %s: %w: %s", method, path, ErrInvalid, msg)
	}
	return env.Data, env.Pagination, nil
}

func (c *Client) ListConversations(ctx context.Context, platform domain.Platform, limit int) ([]domain.ConversationState, error) {
	q := url.Values{}
	if platform != "" {
		q.Set("platform", string(platform))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	data, _, err := c.do(ctx, http.MethodGet, "/conversations", q, nil)
	if err != nil {
		return nil, err
	}
	var out []domain.ConversationState
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode conversations: %w", err)
		}
	}
	return out, nil
}

func (c *Client) ConversationStats(ctx context.Context) (domain.ConversationStats, error) {
	var out domain.ConversationStats
	data, _, err := c.do(ctx, http.MethodGet, "/conversations/stats", nil, nil)
	if err != nil {
		return out, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return out, fmt.Errorf("decode conversation stats: %w", err)
		}
	}
	return out, nil
}

func (c *Client) CountOrders(ctx context.Context, status string) (int, error) {
	q := url.Values{"limit": {"1"}}
	if status != "" {
		q.Set("status", status)
	}
	return c.count(ctx, "/orders", q)
}

func (c *Client) CountUsers(ctx context.Context) (int, error) {
	return c.count(ctx, "/users", url.Values{"limit": {"1"}})
}

// count reads pagination.total, falling back to the length of data.
func (c *Client) count(ctx context.Context, path string, q url.Values) (int, error) {
	data, page, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return 0, err
	}
	if page != nil {
		return page.Total, nil
	}
	var items []json.RawMessage
	if len(data) > 0 {
		if err := json.Unmarshal(data, &items); err != nil {
			return 0, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return len(items), nil
}

func (c *Client) ListUnread(ctx context.Context, types []domain.NotificationType, limit int) ([]domain.Notification, error) {
	q := url.Values{"unread": {"true"}}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		q.Set("types", strings.Join(names, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	data, _, err := c.do(ctx, http.MethodGet, "/notifications", q, nil)
	if err != nil {
		return nil, err
	}
	var out []domain.Notification
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode notifications: %w", err)
		}
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	_, _, err := c.do(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
	return err
}

func (c *Client) MarkAllRead(ctx context.Context, ids []string) error {
	_, _, err := c.do(ctx, http.MethodPost, "/notifications/read-all", nil, map[string][]string{"ids": ids})
	return err
}

// Ping checks that the backend answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

package statusui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rentsync/internal/notify"
	"rentsync/internal/syncer"
)

// ErrSyncInProgress is returned by TriggerSync when the agent is already draining.
var ErrSyncInProgress = errors.New("sync already in progress")

// StatusFetcher is implemented by *Client and faked in tests.
type StatusFetcher interface {
	FetchStatus(ctx context.Context) (syncer.Status, error)
	FetchNotifications(ctx context.Context, limit int) ([]notify.Notification, error)
	TriggerSync(ctx context.Context) (syncer.Summary, error)
}

var _ StatusFetcher = (*Client)(nil)

// Client talks to the agent's Status API.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	userAgent string
}

const (
	defaultAddr      = "127.0.0.1:8080"
	defaultUserAgent = "rentsync-status/0.1"
	requestTimeout   = 5 * time.Second
)

func NewClient(addr string) (*Client, error) {
	base, err := parseBaseURL(addr)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: requestTimeout},
		userAgent: defaultUserAgent,
	}, nil
}

func (c *Client) FetchStatus(ctx context.Context) (syncer.Status, error) {
	var st syncer.Status
	err := c.do(ctx, http.MethodGet, &url.URL{Path: "/api/status"}, &st)
	return st, err
}

func (c *Client) FetchNotifications(ctx context.Context, limit int) ([]notify.Notification, error) {
	values := url.Values{}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var out []notify.Notification
	err := c.do(ctx, http.MethodGet, &url.URL{Path: "/api/notifications", RawQuery: values.Encode()}, &out)
	return out, err
}

// TriggerSync fires the manual drain and waits for its summary.
func (c *Client) TriggerSync(ctx context.Context) (syncer.Summary, error) {
	var sum syncer.Summary
	err := c.do(ctx, http.MethodPost, &url.URL{Path: "/api/sync"}, &sum)
	return sum, err
}

func (c *Client) do(ctx context.Context, method string, rel *url.URL, dest any) error {
	reqURL := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusConflict {
		return ErrSyncInProgress
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("api %s returned status %d", rel.Path, resp.StatusCode)
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseBaseURL(addr string) (*url.URL, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		trimmed = defaultAddr
	}
	if strings.HasPrefix(trimmed, ":") {
		trimmed = "127.0.0.1" + trimmed
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse addr %q: %w", addr, err)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

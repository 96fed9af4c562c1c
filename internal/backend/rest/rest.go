// Package rest applies queued actions through the backend's REST endpoints.
package rest

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

	"rentsync/internal/domain"
)

const defaultTimeout = 30 * time.Second

// Client talks to a PostgREST-style API exposing the rent tables.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type paymentRow struct {
	ClientRef       string  `json:"client_ref"`
	TenantID        string  `json:"tenant_id"`
	AgentID         string  `json:"agent_id"`
	AmountCents     int64   `json:"amount_cents"`
	PaidOn          string  `json:"paid_on"`
	ReferrerAgentID *string `json:"referrer_agent_id,omitempty"`
}

type tenantRow struct {
	ClientRef      string `json:"client_ref"`
	ID             string `json:"id"`
	Name           string `json:"name"`
	AgentID        string `json:"agent_id"`
	DailyRentCents int64  `json:"daily_rent_cents"`
	Phone          string `json:"phone,omitempty"`
	Status         string `json:"status"`
}

type withdrawalRow struct {
	ClientRef   string `json:"client_ref"`
	AgentID     string `json:"agent_id"`
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
	Status      string `json:"status"`
}

func (c *Client) RecordPayment(ctx context.Context, ref string, p domain.RecordPayment) error {
	row := paymentRow{ClientRef: ref, TenantID: p.TenantID, AgentID: p.AgentID, AmountCents: p.AmountCents, PaidOn: p.PaidOn}
	if p.ReferrerAgentID != "" {
		row.ReferrerAgentID = &p.ReferrerAgentID
	}
	return c.insert(ctx, ref, "payments", row)
}

func (c *Client) UpdatePayment(ctx context.Context, ref string, p domain.UpdatePayment) error {
	patch := map[string]any{"paid": p.Paid}
	if p.AmountCents != nil {
		patch["amount_cents"] = *p.AmountCents
	}
	return c.patch(ctx, ref, "payments", p.PaymentID, patch)
}

func (c *Client) CreateTenant(ctx context.Context, ref string, p domain.CreateTenant) error {
	return c.insert(ctx, ref, "tenants", tenantRow{
		ClientRef: ref, ID: p.TenantID, Name: p.Name, AgentID: p.AgentID,
		DailyRentCents: p.DailyRentCents, Phone: p.Phone, Status: domain.TenantActive,
	})
}

func (c *Client) UpdateTenant(ctx context.Context, ref string, p domain.UpdateTenant) error {
	patch := map[string]any{}
	if p.Name != nil {
		patch["name"] = *p.Name
	}
	if p.Phone != nil {
		patch["phone"] = *p.Phone
	}
	if p.DailyRentCents != nil {
		patch["daily_rent_cents"] = *p.DailyRentCents
	}
	if p.Status != nil {
		patch["status"] = *p.Status
	}
	return c.patch(ctx, ref, "tenants", p.TenantID, patch)
}

func (c *Client) RequestWithdrawal(ctx context.Context, ref string, p domain.RequestWithdrawal) error {
	return c.insert(ctx, ref, "withdrawal_requests", withdrawalRow{
		ClientRef: ref, AgentID: p.AgentID, AmountCents: p.AmountCents, Method: p.Method, Status: "pending",
	})
}

// insert treats 409 as success only when the row carrying this client_ref
// already exists, so an earlier attempt landed. Any other conflict is final.
func (c *Client) insert(ctx context.Context, ref, table string, row any) error {
	status, err := c.do(ctx, http.MethodPost, "/rest/v1/"+table, ref, row)
	if err == nil || status != http.StatusConflict {
		return err
	}
	landed, lerr := c.landed(ctx, table, ref)
	switch {
	case lerr != nil:
		// unresolved conflicts stay retryable
		return fmt.Errorf("%s (client_ref lookup: %w)", err.Error(), lerr)
	case landed:
		return nil
	}
	return err
}

// landed reports whether table already holds a row written under ref.
func (c *Client) landed(ctx context.Context, table, ref string) (bool, error) {
	q := url.Values{}
	q.Set("client_ref", "eq."+ref)
	q.Set("select", "client_ref")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest/v1/"+table+"?"+q.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	c.setHeaders(req, ref)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("GET %s: HTTP %d", table, resp.StatusCode)
	}
	var rows []struct {
		ClientRef string `json:"client_ref"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8192)).Decode(&rows); err != nil {
		return false, fmt.Errorf("decode %s lookup: %w", table, err)
	}
	for _, r := range rows {
		if r.ClientRef == ref {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) patch(ctx context.Context, ref, table, id string, fields map[string]any) error {
	path := "/rest/v1/" + table + "?id=eq." + url.QueryEscape(id)
	_, err := c.do(ctx, http.MethodPatch, path, ref, fields)
	return err
}

func (c *Client) do(ctx context.Context, method, path, ref string, body any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, domain.Permanent(fmt.Errorf("encode %s body: %w", path, err))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, domain.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")
	c.setHeaders(req, ref)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode < 400 {
		return resp.StatusCode, nil
	}
	err = fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	if permanentStatus(resp.StatusCode) {
		err = domain.Permanent(err)
	}
	return resp.StatusCode, err
}

func (c *Client) setHeaders(req *http.Request, ref string) {
	req.Header.Set("Idempotency-Key", ref)
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// 4xx means the request itself is wrong, except for timeouts and throttling.
func permanentStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return true
}

// Package client talks to a running circulation server over its JSON API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"libracirc/internal/audit"
	"libracirc/internal/auth"
	"libracirc/internal/catalog"
	"libracirc/internal/errkind"
	"libracirc/internal/httpapi/render"
	"libracirc/internal/lending"
	"libracirc/internal/membership"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is a thin API client. Errors returned by the server are rebuilt as *errkind.Error
// values, so errors.Is against the server-side sentinels keeps working.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the bearer token in use.
func (c *Client) Token() string { return c.token }

// Login opens a session and uses its token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*auth.Session, error) {
	body := map[string]string{"username": username, "password": password}
	var session auth.Session
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &session); err != nil {
		return nil, err
	}
	c.token = session.Token
	return &session, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil); err != nil {
		return err
	}
	c.token = ""
	return nil
}

func (c *Client) GetItem(ctx context.Context, id string) (*catalog.Item, error) {
	var item catalog.Item
	if err := c.do(ctx, http.MethodGet, "/items/"+url.PathEscape(id), nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// AdjustStock changes the total copies of an item by delta.
func (c *Client) AdjustStock(ctx context.Context, id string, delta int) (*catalog.Item, error) {
	var item catalog.Item
	body := map[string]int{"delta": delta}
	if err := c.do(ctx, http.MethodPatch, "/items/"+url.PathEscape(id)+"/stock", body, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *Client) GetMember(ctx context.Context, id string) (*membership.Member, error) {
	var member membership.Member
	if err := c.do(ctx, http.MethodGet, "/members/"+url.PathEscape(id), nil, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// Borrow lends one copy of itemID to memberID with the server's default dates.
func (c *Client) Borrow(ctx context.Context, memberID, itemID string) (*lending.Loan, error) {
	body := map[string]string{"member_id": memberID, "item_id": itemID}
	var loan lending.Loan
	if err := c.do(ctx, http.MethodPost, "/loans", body, &loan); err != nil {
		return nil, err
	}
	return &loan, nil
}

func (c *Client) BorrowBatch(ctx context.Context, memberID string, lines []lending.BatchLine) ([]*lending.Loan, error) {
	body := map[string]any{"member_id": memberID, "lines": lines}
	var out struct {
		Loans []*lending.Loan `json:"loans"`
	}
	if err := c.do(ctx, http.MethodPost, "/loans/batch", body, &out); err != nil {
		return nil, err
	}
	return out.Loans, nil
}

// Return closes a loan. A zero day lets the server use today.
func (c *Client) Return(ctx context.Context, loanID string, day time.Time) (*lending.Return, error) {
	body := map[string]string{"loan_id": loanID, "return_date": formatDay(day)}
	var ret lending.Return
	if err := c.do(ctx, http.MethodPost, "/returns", body, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

// ReturnBatch closes several loans. mode is "strict" or "partial".
func (c *Client) ReturnBatch(ctx context.Context, loanIDs []string, day time.Time, mode string) ([]lending.ReturnOutcome, error) {
	body := map[string]any{"loan_ids": loanIDs, "return_date": formatDay(day), "mode": mode}
	var out struct {
		Results []struct {
			LoanID      string              `json:"loan_id"`
			ReturnID    string              `json:"return_id"`
			OverdueDays int                 `json:"overdue_days"`
			Fine        decimal.Decimal     `json:"fine"`
			Error       *render.ErrorDetail `json:"error"`
		} `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/returns/batch", body, &out); err != nil {
		return nil, err
	}

	outcomes := make([]lending.ReturnOutcome, len(out.Results))
	for i, r := range out.Results {
		outcomes[i] = lending.ReturnOutcome{LoanID: r.LoanID, ReturnID: r.ReturnID, OverdueDays: r.OverdueDays, Fine: r.Fine}
		if r.Error != nil {
			outcomes[i].Err = fromDetail(*r.Error)
		}
	}
	return outcomes, nil
}

// SweepOverdue asks the server to mark past-due loans OVERDUE.
func (c *Client) SweepOverdue(ctx context.Context) (int64, error) {
	var out struct {
		Updated int64 `json:"updated"`
	}
	if err := c.do(ctx, http.MethodPost, "/maintenance/overdue-sweep", nil, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

func (c *Client) Overview(ctx context.Context) (*lending.Overview, error) {
	var o lending.Overview
	if err := c.do(ctx, http.MethodGet, "/statistics/overview", nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) PopularItems(ctx context.Context, top int) ([]lending.PopularItem, error) {
	var out struct {
		Items []lending.PopularItem `json:"items"`
	}
	path := "/statistics/popular"
	if top > 0 {
		path += "?top=" + strconv.Itoa(top)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// History returns the audit trail of one loan, item or member, oldest first.
func (c *Client) History(ctx context.Context, aggregateType, id string) ([]audit.Event, error) {
	var out struct {
		Events []audit.Event `json:"events"`
	}
	path := "/" + aggregateType + "s/" + url.PathEscape(id) + "/events"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error *render.ErrorDetail `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == nil {
		return errkind.ErrStorage.With("unexpected status %d", resp.StatusCode)
	}
	return fromDetail(*body.Error)
}

func fromDetail(d render.ErrorDetail) error {
	return errkind.New(errkind.ParseKind(d.Kind), d.Code, d.Message)
}

func formatDay(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(render.DateLayout)
}

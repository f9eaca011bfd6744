package settlelinesdk

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
)

// Client is a minimal Settleline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// MilestoneSpec describes one milestone at engagement creation.
type MilestoneSpec struct {
	ShareBP               int64  `json:"share_bp"`
	DeadlineOffsetSeconds int64  `json:"deadline_offset_seconds"`
	Title                 string `json:"title,omitempty"`
	Description           string `json:"description,omitempty"`
}

// Engagement represents the API engagement model.
type Engagement struct {
	ID             string `json:"id"`
	SellerID       string `json:"seller_id"`
	BuyerID        string `json:"buyer_id,omitempty"`
	Title          string `json:"title,omitempty"`
	Total          int64  `json:"total"`
	Stake          int64  `json:"stake"`
	StakeReleased  bool   `json:"stake_released"`
	Status         string `json:"status"`
	ResponseWindow int64  `json:"response_window"`
	MaxRevisions   int    `json:"max_revisions"`
	CurrentIdx     int    `json:"current_idx"`
	CreatedAt      int64  `json:"created_at"`
	PaidAt         int64  `json:"paid_at,omitempty"`
}

// Milestone represents the API milestone model.
type Milestone struct {
	EngagementID string `json:"engagement_id"`
	Idx          int    `json:"idx"`
	ShareBP      int64  `json:"share_bp"`
	Amount       int64  `json:"amount"`
	Status       string `json:"status"`
	Deadline     int64  `json:"deadline,omitempty"`
	SubmittedAt  int64  `json:"submitted_at,omitempty"`
	Note         string `json:"note,omitempty"`
	Revisions    int    `json:"revisions"`
	Consent      string `json:"consent"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
}

// EngagementDetail pairs an engagement with its milestone sequence.
type EngagementDetail struct {
	Engagement Engagement  `json:"engagement"`
	Milestones []Milestone `json:"milestones"`
}

// Account represents a ledger account balance.
type Account struct {
	PartyID   string `json:"party_id"`
	Balance   int64  `json:"balance"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

// Event represents an audit trail entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	EngagementID string         `json:"engagement_id,omitempty"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEngagement creates an engagement; the authenticated actor is the seller.
func (c *Client) CreateEngagement(ctx context.Context, title string, total, stake int64, milestones []MilestoneSpec) (Engagement, error) {
	body := map[string]any{
		"title":      title,
		"total":      total,
		"stake":      stake,
		"milestones": milestones,
	}
	var resp Engagement
	err := c.do(ctx, http.MethodPost, "v0/engagements", body, &resp)
	return resp, err
}

// GetEngagement fetches an engagement with its milestones.
func (c *Client) GetEngagement(ctx context.Context, id string) (EngagementDetail, error) {
	var resp EngagementDetail
	err := c.do(ctx, http.MethodGet, c.engagementPath(id, ""), nil, &resp)
	return resp, err
}

// ListEngagements lists engagements for a party; role is "", "seller", or "buyer".
func (c *Client) ListEngagements(ctx context.Context, partyID, role string) ([]Engagement, error) {
	endpoint := "v0/engagements"
	q := url.Values{}
	if partyID != "" {
		q.Set("party_id", partyID)
	}
	if role != "" {
		q.Set("role", role)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Engagement
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Pay funds the engagement in full; the authenticated actor becomes the buyer.
func (c *Client) Pay(ctx context.Context, id string, amount int64) (Engagement, error) {
	var resp Engagement
	err := c.do(ctx, http.MethodPost, c.engagementPath(id, "pay"), map[string]any{"amount": amount}, &resp)
	return resp, err
}

// Submit delivers the current milestone.
func (c *Client) Submit(ctx context.Context, id string, idx int, note string) (Milestone, error) {
	var resp Milestone
	err := c.do(ctx, http.MethodPost, c.milestonePath(id, idx, "submit"), map[string]any{"note": note}, &resp)
	return resp, err
}

// Approve releases the current milestone's funds to the seller.
func (c *Client) Approve(ctx context.Context, id string, idx int) (Engagement, error) {
	var resp Engagement
	err := c.do(ctx, http.MethodPost, c.milestonePath(id, idx, "approve"), nil, &resp)
	return resp, err
}

// RequestRevision sends the current submission back to the seller.
func (c *Client) RequestRevision(ctx context.Context, id string, idx int, reason string) (Milestone, error) {
	var resp Milestone
	err := c.do(ctx, http.MethodPost, c.milestonePath(id, idx, "revision"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ProposeCancel records the caller's consent to mutual cancellation.
func (c *Client) ProposeCancel(ctx context.Context, id string, idx int) (Milestone, error) {
	var resp Milestone
	err := c.do(ctx, http.MethodPost, c.milestonePath(id, idx, "cancel-propose"), nil, &resp)
	return resp, err
}

// Cancel withdraws the engagement as the seller.
func (c *Client) Cancel(ctx context.Context, id string) (Engagement, error) {
	var resp Engagement
	err := c.do(ctx, http.MethodPost, c.engagementPath(id, "cancel"), nil, &resp)
	return resp, err
}

// AutoRelease releases the current submission after buyer silence.
func (c *Client) AutoRelease(ctx context.Context, id string) (Engagement, error) {
	var resp Engagement
	err := c.do(ctx, http.MethodPost, c.engagementPath(id, "auto-release"), nil, &resp)
	return resp, err
}

// ClaimRefund refunds the buyer after a missed deadline.
func (c *Client) ClaimRefund(ctx context.Context, id string) (Engagement, error) {
	var resp Engagement
	err := c.do(ctx, http.MethodPost, c.engagementPath(id, "refund-claim"), nil, &resp)
	return resp, err
}

// Events returns the engagement's audit trail after the given event id.
func (c *Client) Events(ctx context.Context, id string, after int64, limit int) ([]Event, error) {
	endpoint := c.engagementPath(id, "events")
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Deposit credits a party account; partyID defaults to the authenticated actor.
func (c *Client) Deposit(ctx context.Context, partyID string, amount int64) (Account, error) {
	body := map[string]any{"amount": amount}
	if partyID != "" {
		body["party_id"] = partyID
	}
	var resp Account
	err := c.do(ctx, http.MethodPost, "v0/ledger/deposit", body, &resp)
	return resp, err
}

// Balance returns a party account balance.
func (c *Client) Balance(ctx context.Context, partyID string) (Account, error) {
	var resp Account
	endpoint := fmt.Sprintf("v0/ledger/accounts/%s", url.PathEscape(partyID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) engagementPath(id, op string) string {
	p := fmt.Sprintf("v0/engagements/%s", url.PathEscape(id))
	if op != "" {
		p += "/" + op
	}
	return p
}

func (c *Client) milestonePath(id string, idx int, op string) string {
	return fmt.Sprintf("v0/engagements/%s/milestones/%d/%s", url.PathEscape(id), idx, op)
}

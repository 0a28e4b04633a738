package movelinesdk

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

// Client is a minimal Moveline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
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

// Move represents the API move model (partial).
type Move struct {
	ID              string   `json:"id"`
	CampaignID      string   `json:"campaign_id"`
	Name            string   `json:"name"`
	PrimaryGoal     string   `json:"primary_goal"`
	PrimaryCohort   string   `json:"primary_cohort"`
	Status          string   `json:"status"`
	ProgressPercent int      `json:"progress_percent"`
	PreflightStatus string   `json:"preflight_status"`
	Health          string   `json:"health"`
	DaysElapsed     int      `json:"days_elapsed"`
	StartDate       string   `json:"start_date"`
	EndDate         string   `json:"end_date"`
	Observations    []string `json:"observations"`
	Version         int64    `json:"version"`
}

// PreflightReport is the validator outcome for one run.
type PreflightReport struct {
	Status string `json:"status"`
	Issues []struct {
		Code           string `json:"code"`
		Severity       string `json:"severity"`
		Message        string `json:"message"`
		Recommendation string `json:"recommendation"`
	} `json:"issues"`
}

// PreflightResult pairs the report with the updated move.
type PreflightResult struct {
	Report PreflightReport `json:"report"`
	Move   Move            `json:"move"`
}

// Recommendation is one ranked proposal.
type Recommendation struct {
	ArchetypeID string         `json:"archetype_id"`
	Name        string         `json:"name"`
	Promise     string         `json:"promise"`
	Actions     []string       `json:"actions"`
	ImpactScore float64        `json:"impact_score"`
	ImpactBand  string         `json:"impact_band"`
	Constraints []string       `json:"constraints"`
	Intent      map[string]any `json:"intent"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CampaignID string         `json:"campaign_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedMoves wraps list responses with cursors.
type PaginatedMoves struct {
	Items      []Move `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateMove creates a planning move from a draft body.
func (c *Client) CreateMove(ctx context.Context, draft map[string]any) (Move, error) {
	var resp Move
	err := c.do(ctx, http.MethodPost, "v1/moves", draft, &resp)
	return resp, err
}

// GetMove fetches a move by id.
func (c *Client) GetMove(ctx context.Context, id string) (Move, error) {
	var resp Move
	err := c.do(ctx, http.MethodGet, "v1/moves/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Moves returns a paginated move listing.
func (c *Client) Moves(ctx context.Context, status string, limit int, cursor string) (PaginatedMoves, error) {
	endpoint := "v1/moves" + listQuery(map[string]string{
		"status": status,
		"limit":  intParam(limit),
		"cursor": cursor,
	})
	var resp PaginatedMoves
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Advance applies the next lifecycle transition. ackWarn acknowledges a
// warn-level pre-flight outcome.
func (c *Client) Advance(ctx context.Context, id string, ackWarn bool) (Move, error) {
	var resp Move
	err := c.do(ctx, http.MethodPost, "v1/moves/"+url.PathEscape(id)+"/advance", map[string]any{"ack_warn": ackWarn}, &resp)
	return resp, err
}

// Kill aborts the move with a reason.
func (c *Client) Kill(ctx context.Context, id, reason string) (Move, error) {
	var resp Move
	err := c.do(ctx, http.MethodPost, "v1/moves/"+url.PathEscape(id)+"/kill", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Progress records execution progress.
func (c *Client) Progress(ctx context.Context, id string, percent int) (Move, error) {
	var resp Move
	err := c.do(ctx, http.MethodPost, "v1/moves/"+url.PathEscape(id)+"/progress", map[string]any{"percent": percent}, &resp)
	return resp, err
}

// Observe attaches an observation source.
func (c *Client) Observe(ctx context.Context, id, source string) (Move, error) {
	var resp Move
	err := c.do(ctx, http.MethodPost, "v1/moves/"+url.PathEscape(id)+"/observations", map[string]any{"source": source}, &resp)
	return resp, err
}

// Orient sets the orientation notes.
func (c *Client) Orient(ctx context.Context, id, notes string) (Move, error) {
	var resp Move
	err := c.do(ctx, http.MethodPut, "v1/moves/"+url.PathEscape(id)+"/orientation", map[string]any{"notes": notes}, &resp)
	return resp, err
}

// Preflight runs the validator against the supplied execution context.
func (c *Client) Preflight(ctx context.Context, id string, pfctx map[string]any) (PreflightResult, error) {
	var resp PreflightResult
	err := c.do(ctx, http.MethodPost, "v1/moves/"+url.PathEscape(id)+"/preflight", pfctx, &resp)
	return resp, err
}

// Recommend generates ranked proposals for an intent.
func (c *Client) Recommend(ctx context.Context, intent map[string]any) ([]Recommendation, error) {
	var resp struct {
		Items []Recommendation `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "v1/recommendations", intent, &resp)
	return resp.Items, err
}

// AcceptRecommendation turns a proposal into a planning move.
func (c *Client) AcceptRecommendation(ctx context.Context, rec Recommendation, startDate, campaignID string) (Move, error) {
	body := map[string]any{"recommendation": rec}
	if startDate != "" {
		body["start_date"] = startDate
	}
	if campaignID != "" {
		body["campaign_id"] = campaignID
	}
	var resp Move
	err := c.do(ctx, http.MethodPost, "v1/recommendations/accept", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v1/events" + listQuery(map[string]string{
		"limit":  intParam(limit),
		"cursor": cursor,
	})
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func listQuery(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		if v != "" {
			values.Set(k, v)
		}
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func intParam(v int) string {
	if v <= 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

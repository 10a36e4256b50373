package agorasdk

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

// Client is a minimal Agora HTTP API client.
type Client struct {
	BaseURL     string
	SpaceID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, spaceID string) *Client {
	return &Client{
		BaseURL: baseURL,
		SpaceID: spaceID,
		Timeout: 10 * time.Second,
	}
}

// Proposal represents the API proposal model (partial).
type Proposal struct {
	ID          string   `json:"id"`
	SpaceID     string   `json:"space_id"`
	CreatedBy   string   `json:"created_by"`
	Archived    bool     `json:"archived"`
	AuthorIDs   []string `json:"author_ids,omitempty"`
	PublishedAt *string  `json:"published_at,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

// Stage represents one pipeline stage.
type Stage struct {
	ID         string  `json:"id"`
	ProposalID string  `json:"proposal_id"`
	Index      int     `json:"index"`
	Type       string  `json:"type"`
	Title      string  `json:"title"`
	Result     *string `json:"result,omitempty"`
}

// Status is the derived lifecycle status of a proposal.
type Status struct {
	ProposalID string `json:"proposal_id"`
	Status     string `json:"status"`
}

// Grant represents one access entry on a document.
type Grant struct {
	ID            string  `json:"id"`
	DocumentID    string  `json:"document_id"`
	Level         string  `json:"level"`
	UserID        *string `json:"user_id,omitempty"`
	RoleID        *string `json:"role_id,omitempty"`
	SpaceWide     bool    `json:"space_wide,omitempty"`
	Public        bool    `json:"public,omitempty"`
	InheritedFrom *string `json:"inherited_from,omitempty"`
}

// Task is one derived notification entry.
type Task struct {
	EventID       int64  `json:"event_id"`
	Action        string `json:"action"`
	ProposalID    string `json:"proposal_id"`
	DocumentID    string `json:"document_id"`
	DocumentPath  string `json:"document_path"`
	DocumentTitle string `json:"document_title"`
	SpaceID       string `json:"space_id"`
	ActorID       string `json:"actor_id"`
	CreatedAt     string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	SpaceID    string         `json:"space_id"`
	ProposalID string         `json:"proposal_id"`
	DocumentID string         `json:"document_id"`
	ActorID    string         `json:"actor_id"`
	Meta       map[string]any `json:"meta"`
	CreatedAt  string         `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProposal creates a proposal with the given title and stage specs.
func (c *Client) CreateProposal(ctx context.Context, title string, stages []map[string]any) (Proposal, error) {
	body := map[string]any{
		"title":  title,
		"stages": stages,
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, c.spacePath("proposals"), body, &resp)
	return resp, err
}

// Publish moves a proposal out of draft.
func (c *Client) Publish(ctx context.Context, proposalID string) (Proposal, error) {
	var resp Proposal
	endpoint := fmt.Sprintf("v0/proposals/%s/publish", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Stages lists a proposal's pipeline.
func (c *Client) Stages(ctx context.Context, proposalID string) ([]Stage, error) {
	var resp struct {
		Items []Stage `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/proposals/%s/stages", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// SubmitResult records a stage decision.
func (c *Client) SubmitResult(ctx context.Context, proposalID, stageID, result string) (Status, error) {
	var resp Status
	endpoint := fmt.Sprintf("v0/proposals/%s/stages/%s/result", url.PathEscape(proposalID), url.PathEscape(stageID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"result": result}, &resp)
	return resp, err
}

// Status returns the derived lifecycle status.
func (c *Client) Status(ctx context.Context, proposalID string) (Status, error) {
	var resp Status
	endpoint := fmt.Sprintf("v0/proposals/%s/status", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Flow returns the transitions the caller may invoke.
func (c *Client) Flow(ctx context.Context, proposalID string) (map[string]bool, error) {
	var resp struct {
		Flags map[string]bool `json:"flags"`
	}
	endpoint := fmt.Sprintf("v0/proposals/%s/flow", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Flags, err
}

// Grants lists access grants on a document.
func (c *Client) Grants(ctx context.Context, documentID string) ([]Grant, error) {
	var resp struct {
		Items []Grant `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/documents/%s/grants", url.PathEscape(documentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Notifications returns the caller's derived notification tasks.
func (c *Client) Notifications(ctx context.Context) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, "v0/notifications", nil, &resp)
	return resp.Tasks, err
}

// MarkSeen marks notification events seen.
func (c *Client) MarkSeen(ctx context.Context, eventIDs []int64) error {
	return c.do(ctx, http.MethodPost, "v0/notifications/seen", map[string]any{"event_ids": eventIDs}, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.spacePath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
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

func (c *Client) spacePath(p string) string {
	space := url.PathEscape(c.SpaceID)
	return fmt.Sprintf("v0/spaces/%s/%s", space, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

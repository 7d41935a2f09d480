package giftflowsdk

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

// Client is a minimal Giftflow HTTP API client.
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

// Task represents the API task model (partial).
type Task struct {
	ID           string         `json:"id"`
	CampaignID   string         `json:"campaign_id"`
	DonationID   string         `json:"donation_id,omitempty"`
	Title        string         `json:"title"`
	Type         string         `json:"type"`
	Status       string         `json:"status"`
	AssignedRole string         `json:"assigned_role"`
	AssignedTo   string         `json:"assigned_to,omitempty"`
	Order        int            `json:"order"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CompleteResult carries the completed task plus the ids it unblocked.
type CompleteResult struct {
	Task      Task     `json:"task"`
	Unblocked []string `json:"unblocked"`
}

// WorkflowStatus summarizes a donation or participant workflow.
type WorkflowStatus struct {
	ScopeID     string         `json:"scope_id"`
	ScopeStatus string         `json:"scope_status"`
	TaskCounts  map[string]int `json:"task_counts"`
	Tasks       []Task         `json:"tasks"`
}

// Donation represents one donor's workflow scope.
type Donation struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	DonorID    string `json:"donor_id"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

// Campaign represents a fundraising effort.
type Campaign struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Comment is a task comment.
type Comment struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	ScopeKey string         `json:"scope_key"`
	TaskID   string         `json:"task_id"`
	ActorID  string         `json:"actor_id"`
	Payload  map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCampaign creates a campaign.
func (c *Client) CreateCampaign(ctx context.Context, orgID, name string) (Campaign, error) {
	body := map[string]any{"org_id": orgID, "name": name}
	var resp Campaign
	err := c.do(ctx, http.MethodPost, "v0/campaigns", body, &resp)
	return resp, err
}

// CreateDonation registers a donation under a campaign.
func (c *Client) CreateDonation(ctx context.Context, campaignID, donorID string) (Donation, error) {
	body := map[string]any{"campaign_id": campaignID, "donor_id": donorID}
	var resp Donation
	err := c.do(ctx, http.MethodPost, "v0/donations", body, &resp)
	return resp, err
}

// SeedDonationWorkflow seeds the task chain for a donation.
func (c *Client) SeedDonationWorkflow(ctx context.Context, donationID string) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	endpoint := fmt.Sprintf("v0/donations/%s/workflow/seed", url.PathEscape(donationID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Tasks, err
}

// WorkflowStatus returns task counts and tasks for a donation.
func (c *Client) WorkflowStatus(ctx context.Context, donationID string) (WorkflowStatus, error) {
	var resp WorkflowStatus
	endpoint := fmt.Sprintf("v0/donations/%s/workflow/status", url.PathEscape(donationID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StartTask moves a pending task to in_progress.
func (c *Client) StartTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/start", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CompleteTask completes a task with an optional completion payload.
func (c *Client) CompleteTask(ctx context.Context, id string, completion map[string]any) (CompleteResult, error) {
	body := map[string]any{"completion": completion}
	var resp CompleteResult
	endpoint := fmt.Sprintf("v0/tasks/%s/complete", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddComment posts a comment on a task.
func (c *Client) AddComment(ctx context.Context, taskID, body string) (Comment, error) {
	var resp Comment
	endpoint := fmt.Sprintf("v0/tasks/%s/comments", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"body": body}, &resp)
	return resp, err
}

// Events returns recent audit events. Requires an admin credential.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

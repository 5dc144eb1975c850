package scanlinesdk

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

// Client is a minimal Scanline HTTP API client. This is what a chat bridge
// (the bot that renders notifications and slash commands) talks to.
type Client struct {
	BaseURL     string
	CommunityID string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, communityID string) *Client {
	return &Client{
		BaseURL:     baseURL,
		CommunityID: communityID,
		Timeout:     10 * time.Second,
	}
}

// Role is one production stage of a project's chain.
type Role struct {
	Name    string   `json:"name"`
	Users   []string `json:"users"`
	MovesTo int      `json:"moves_to"`
}

// Task is one chapter with a per-role completion flag.
type Task struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Completion []bool `json:"completion"`
}

// Project mirrors the API project model.
type Project struct {
	CommunityID   string   `json:"community_id"`
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Notify        string   `json:"notify"`
	AutoContinue  bool     `json:"auto_continue"`
	Managers      []string `json:"managers"`
	Roles         []Role   `json:"roles"`
	Tasks         []Task   `json:"tasks"`
	LastCompleted string   `json:"last_completed,omitempty"`
	LastActionAt  string   `json:"last_action_at"`
}

// TaskWork pairs a chapter with the role indices actionable right now.
type TaskWork struct {
	Task  Task  `json:"task"`
	Roles []int `json:"roles"`
}

// DoneResult classifies a completion batch.
type DoneResult struct {
	Done           int      `json:"done"`
	FullyCompleted []string `json:"fully_completed,omitempty"`
	Updated        []string `json:"updated,omitempty"`
	LastCompleted  string   `json:"last_completed,omitempty"`
}

// Event is one journal entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	CommunityID string `json:"community_id,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

// UserStat is one chapters-done counter.
type UserStat struct {
	CommunityID  string `json:"community_id"`
	UserID       string `json:"user_id"`
	ChaptersDone int    `json:"chapters_done"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project with the given role chain.
func (c *Client) CreateProject(ctx context.Context, id, title string, roleNames []string) (Project, error) {
	roles := make([]map[string]any, 0, len(roleNames))
	for _, n := range roleNames {
		roles = append(roles, map[string]any{"name": n})
	}
	body := map[string]any{
		"id":    id,
		"title": title,
		"roles": roles,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, c.communityPath("projects"), body, &resp)
	return resp, err
}

// GetProject fetches one project.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, ""), nil, &resp)
	return resp, err
}

// ListProjects lists the community's projects the caller may see.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Projects []Project `json:"projects"`
	}
	err := c.do(ctx, http.MethodGet, c.communityPath("projects"), nil, &resp)
	return resp.Projects, err
}

// AddChapters adds chapters from an expression like "1-5,5.5".
func (c *Client) AddChapters(ctx context.Context, projectID, spec string) ([]string, error) {
	var resp struct {
		Added []string `json:"added"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "chapters"), map[string]any{"chapters": spec}, &resp)
	return resp.Added, err
}

// AvailableWork returns what the caller (or the given user, for managers)
// can act on right now.
func (c *Client) AvailableWork(ctx context.Context, projectID, as string) ([]TaskWork, error) {
	endpoint := c.projectPath(projectID, "work")
	if as != "" {
		endpoint += "?as=" + url.QueryEscape(as)
	}
	var resp struct {
		Work []TaskWork `json:"work"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Work, err
}

// MarkDone marks chapters done at a role index. The chain length publishes.
func (c *Client) MarkDone(ctx context.Context, projectID string, names []string, roleIndex int, as string) (DoneResult, error) {
	body := map[string]any{
		"names":      names,
		"role_index": roleIndex,
	}
	if as != "" {
		body["as"] = as
	}
	var resp DoneResult
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "done"), body, &resp)
	return resp, err
}

// Assign adds a user to a role.
func (c *Client) Assign(ctx context.Context, projectID, roleName, userID string) error {
	endpoint := c.projectPath(projectID, fmt.Sprintf("roles/%s/assignees/%s", url.PathEscape(roleName), url.PathEscape(userID)))
	return c.do(ctx, http.MethodPut, endpoint, nil, nil)
}

// Stats returns the chapters-done counters for the current window.
func (c *Client) Stats(ctx context.Context) ([]UserStat, error) {
	var resp struct {
		Stats []UserStat `json:"stats"`
	}
	err := c.do(ctx, http.MethodGet, c.communityPath("stats"), nil, &resp)
	return resp.Stats, err
}

// Events returns recent journal entries for the community.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?community_id=%s", url.QueryEscape(c.CommunityID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
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

func (c *Client) communityPath(p string) string {
	return fmt.Sprintf("v0/communities/%s/%s", url.PathEscape(c.CommunityID), strings.TrimLeft(p, "/"))
}

func (c *Client) projectPath(projectID, p string) string {
	base := c.communityPath(fmt.Sprintf("projects/%s", url.PathEscape(projectID)))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

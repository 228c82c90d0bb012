package phasegatesdk

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

// Client is a minimal Phasegate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Project mirrors the API project model.
type Project struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	CreatedBy          string   `json:"createdBy"`
	CreatedAt          string   `json:"createdAt"`
	Developers         []string `json:"developers"`
	Phases             []Phase  `json:"phases"`
	CurrentPhase       string   `json:"currentPhase"`
	CurrentPhaseIndex  int      `json:"currentPhaseIndex"`
	VisibleToTeamLeads bool     `json:"visibleToTeamLeads"`
	Version            int64    `json:"version"`
}

type Phase struct {
	Name      string          `json:"name"`
	Documents []Document      `json:"documents"`
	Timeline  []TimelineEntry `json:"timeline"`
}

type Document struct {
	Title       string         `json:"title,omitempty"`
	URL         string         `json:"url,omitempty"`
	Type        string         `json:"type"`
	Data        []BreakdownRow `json:"data,omitempty"`
	AddedBy     string         `json:"addedBy"`
	AddedAt     string         `json:"addedAt"`
	SignedOff   bool           `json:"signedOff"`
	SignedOffBy string         `json:"signedOffBy,omitempty"`
}

type BreakdownRow struct {
	Task     string  `json:"task"`
	Platform string  `json:"platform"`
	Estimate float64 `json:"estimate"`
}

type TimelineEntry struct {
	ID          string    `json:"id"`
	Event       string    `json:"event"`
	Date        string    `json:"date"`
	AddedBy     string    `json:"addedBy,omitempty"`
	SignedOffBy string    `json:"signedOffBy,omitempty"`
	PromotedBy  string    `json:"promotedBy,omitempty"`
	Developer   string    `json:"developer,omitempty"`
	Document    *Document `json:"document,omitempty"`
}

// LastEntry returns the newest timeline entry of the current phase.
func (p Project) LastEntry() (TimelineEntry, bool) {
	if p.CurrentPhaseIndex < 0 || p.CurrentPhaseIndex >= len(p.Phases) {
		return TimelineEntry{}, false
	}
	tl := p.Phases[p.CurrentPhaseIndex].Timeline
	if len(tl) == 0 {
		return TimelineEntry{}, false
	}
	return tl[len(tl)-1], true
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Event represents a recorded lifecycle event.
type Event struct {
	ID        string         `json:"id"`
	Ts        string         `json:"ts"`
	Type      string         `json:"type"`
	ProjectID string         `json:"projectId"`
	ActorID   string         `json:"actorId"`
	Payload   map[string]any `json:"payload"`
}

type Me struct {
	Actor        User     `json:"actor"`
	Registered   bool     `json:"registered"`
	Capabilities []string `json:"capabilities"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project in BA Phase.
func (c *Client) CreateProject(ctx context.Context, title, description string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", map[string]any{"title": title, "description": description}, &resp)
	return resp, err
}

// ListProjects returns the projects visible to the caller.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(id, ""), nil, &resp)
	return resp, err
}

// SubmitDocument attaches a URL document to the project's current phase.
func (c *Client) SubmitDocument(ctx context.Context, projectID, title, link, docType string) (Project, error) {
	var resp Project
	body := map[string]any{"title": title, "url": link, "type": docType}
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "documents"), body, &resp)
	return resp, err
}

// SignOff signs off the document of a timeline entry.
func (c *Client) SignOff(ctx context.Context, projectID string, phaseIndex int, entryID string) (Project, error) {
	var resp Project
	endpoint := projectPath(projectID, fmt.Sprintf("phases/%d/timeline/%s/sign-off", phaseIndex, url.PathEscape(entryID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SubmitBreakdown submits High Level Breakdown or WBS rows.
func (c *Client) SubmitBreakdown(ctx context.Context, projectID, kind string, rows []BreakdownRow) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "breakdowns"), map[string]any{"kind": kind, "rows": rows}, &resp)
	return resp, err
}

func (c *Client) AssignDeveloper(ctx context.Context, projectID, email string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "developers"), map[string]any{"email": email}, &resp)
	return resp, err
}

// Events returns the project's lifecycle events, optionally of one type.
func (c *Client) Events(ctx context.Context, projectID, evtType string) ([]Event, error) {
	endpoint := projectPath(projectID, "events")
	if evtType != "" {
		endpoint += "?type=" + url.QueryEscape(evtType)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RegisterMe adds the caller to the user directory if missing.
func (c *Client) RegisterMe(ctx context.Context) (User, bool, error) {
	var resp struct {
		User    User `json:"user"`
		Created bool `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, "users/me", nil, &resp)
	return resp.User, resp.Created, err
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) ListUsers(ctx context.Context, role string) ([]User, error) {
	endpoint := "users"
	if role != "" {
		endpoint += "?role=" + url.QueryEscape(role)
	}
	var resp []User
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) SetRole(ctx context.Context, userID, role string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("users/%s/role", url.PathEscape(userID)), map[string]any{"role": role}, &resp)
	return resp, err
}

// DevLogin mints a token from a server running with dev login enabled and keeps
// it for later calls.
func (c *Client) DevLogin(ctx context.Context, email, role string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"email": email, "role": role}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func projectPath(id, p string) string {
	out := "projects/" + url.PathEscape(id)
	if p != "" {
		out += "/" + strings.TrimLeft(p, "/")
	}
	return out
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}

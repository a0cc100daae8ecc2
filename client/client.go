// Package client provides Go clients for a commune broker: Client talks
// the operator REST API, AgentConn speaks the agent WebSocket protocol.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client calls the operator REST API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
}

type Option func(*Client)

// WithAPIKey attaches a bearer key to every request. Not needed for
// loopback connections when the broker allows localhost without auth.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the broker.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("broker returned %d", e.StatusCode)
	}
	return fmt.Sprintf("broker returned %d: %s", e.StatusCode, e.Message)
}

// Agent mirrors the broker's agent record.
type Agent struct {
	ID           string            `json:"id"`
	DisplayName  string            `json:"display_name"`
	SessionID    string            `json:"session_id,omitempty"`
	TeamIDs      []string          `json:"team_ids,omitempty"`
	Permission   string            `json:"permission_level"`
	ConnectionID string            `json:"connection_id,omitempty"`
	Status       string            `json:"registration_status"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	AssignedBy   string            `json:"assigned_by,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastSeen     time.Time         `json:"last_seen"`
}

// Connection mirrors the broker's connection record.
type Connection struct {
	ID          string     `json:"connection_id"`
	RemoteAddr  string     `json:"remote_addr,omitempty"`
	AgentID     string     `json:"assigned_agent_id,omitempty"`
	ConnectedAt time.Time  `json:"connected_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Session struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Team struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ContextEntry is one stored context snapshot.
type ContextEntry struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	ProjectID string    `json:"project_id"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	Body      string    `json:"context"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContextPage is one page of contexts plus the cursor for the next page.
type ContextPage struct {
	Contexts   []ContextEntry `json:"contexts"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Assignment is the operator's activation of a pending agent.
type Assignment struct {
	SessionID  string   `json:"session_id"`
	TeamIDs    []string `json:"team_ids,omitempty"`
	Permission string   `json:"permission_level,omitempty"`
}

// ListAgents returns agents, optionally filtered by registration status
// (pending, assigned, active, inactive). Empty status returns all.
func (c *Client) ListAgents(ctx context.Context, status string) ([]Agent, error) {
	path := "/api/agents"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var agents []Agent
	err := c.do(ctx, http.MethodGet, path, nil, &agents)
	return agents, err
}

func (c *Client) GetAgent(ctx context.Context, id string) (Agent, error) {
	var agent Agent
	err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(id), nil, &agent)
	return agent, err
}

// AssignAgent binds a pending agent to a session, teams and permission
// level so it may authenticate.
func (c *Client) AssignAgent(ctx context.Context, id string, a Assignment) (Agent, error) {
	var agent Agent
	err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(id)+"/assign", a, &agent)
	return agent, err
}

func (c *Client) SetPermission(ctx context.Context, id, level string) (Agent, error) {
	var agent Agent
	body := map[string]string{"permission_level": level}
	err := c.do(ctx, http.MethodPatch, "/api/agents/"+url.PathEscape(id)+"/permission", body, &agent)
	return agent, err
}

func (c *Client) SetTeams(ctx context.Context, id string, teamIDs []string) (Agent, error) {
	var agent Agent
	body := map[string][]string{"team_ids": teamIDs}
	err := c.do(ctx, http.MethodPut, "/api/agents/"+url.PathEscape(id)+"/teams", body, &agent)
	return agent, err
}

func (c *Client) DeleteAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(id), nil, nil)
}

// ListConnections returns live connections, or every recorded connection
// when includeClosed is true.
func (c *Client) ListConnections(ctx context.Context, includeClosed bool) ([]Connection, error) {
	path := "/api/connections"
	if includeClosed {
		path += "?all=true"
	}
	var conns []Connection
	err := c.do(ctx, http.MethodGet, path, nil, &conns)
	return conns, err
}

func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	var p Project
	body := Project{Name: name, Description: description}
	err := c.do(ctx, http.MethodPost, "/api/projects", body, &p)
	return p, err
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	err := c.do(ctx, http.MethodGet, "/api/projects", nil, &projects)
	return projects, err
}

func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/projects/"+url.PathEscape(id), nil, nil)
}

func (c *Client) CreateSession(ctx context.Context, projectID, name, description string) (Session, error) {
	var s Session
	body := Session{Name: name, Description: description}
	err := c.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/sessions", body, &s)
	return s, err
}

func (c *Client) ListSessions(ctx context.Context, projectID string) ([]Session, error) {
	var sessions []Session
	err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/sessions", nil, &sessions)
	return sessions, err
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) CreateTeam(ctx context.Context, sessionID, name string) (Team, error) {
	var t Team
	body := Team{Name: name}
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/teams", body, &t)
	return t, err
}

func (c *Client) ListTeams(ctx context.Context, sessionID string) ([]Team, error) {
	var teams []Team
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/teams", nil, &teams)
	return teams, err
}

// ListContexts pages through contexts as the named agent would see them,
// newest first. Cursor comes from a previous page's NextCursor. A zero
// limit uses the broker default.
func (c *Client) ListContexts(ctx context.Context, agentID, cursor string, limit int) (ContextPage, error) {
	values := url.Values{}
	values.Set("agent_id", agentID)
	if cursor != "" {
		values.Set("cursor", cursor)
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var page ContextPage
	err := c.do(ctx, http.MethodGet, "/api/contexts?"+values.Encode(), nil, &page)
	return page, err
}

func (c *Client) EditContext(ctx context.Context, id, body string) (ContextEntry, error) {
	var entry ContextEntry
	req := map[string]string{"context": body}
	err := c.do(ctx, http.MethodPatch, "/api/contexts/"+url.PathEscape(id), req, &entry)
	return entry, err
}

func (c *Client) DeleteContext(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/contexts/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(data, &envelope)
		return &APIError{StatusCode: resp.StatusCode, Message: envelope.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// AgentConn speaks the agent side of the broker's WebSocket protocol:
// register, authenticate, then WriteDB and ReadDB. One connection serves
// one agent. Calls are not safe for concurrent use; the protocol is
// strictly request and reply.
type AgentConn struct {
	connID string
	conn   *websocket.Conn
}

// Greeting is the broker's first message on a fresh connection.
type Greeting struct {
	Type           string   `json:"type"`
	AvailableTools []string `json:"available_tools"`
}

// Registration is the broker's reply to a register request. Status is
// pending until an operator assigns the agent.
type Registration struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Identity is the broker's reply to a successful authenticate.
type Identity struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"agent_name"`
}

// AgentContext is one context entry as the wire protocol renders it.
type AgentContext struct {
	AgentID   string `json:"agent_id"`
	Context   string `json:"context"`
	Timestamp string `json:"timestamp"`
}

// ReadPage is a ReadDB result page.
type ReadPage struct {
	Contexts   []AgentContext `json:"contexts"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// ProtocolError is a broker error reply. The prompt is written for the
// agent to act on, not just to log.
type ProtocolError struct {
	Prompt string
}

func (e *ProtocolError) Error() string {
	return e.Prompt
}

// Dial opens an agent connection and consumes the greeting. An empty
// connID asks for a fresh one; the broker rejects ids already in use.
func Dial(ctx context.Context, baseURL, connID string) (*AgentConn, Greeting, error) {
	if connID == "" {
		connID = uuid.NewString()
	}

	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, Greeting{}, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/" + connID

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, Greeting{}, fmt.Errorf("dial broker: %w", err)
	}

	ac := &AgentConn{connID: connID, conn: conn}
	var greeting Greeting
	if err := ac.readReply(ctx, &greeting); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad greeting")
		return nil, Greeting{}, err
	}
	return ac, greeting, nil
}

// ConnID returns the connection id this client dialed with.
func (c *AgentConn) ConnID() string {
	return c.connID
}

// Register creates a pending agent record. The connection stays locked
// for reads and writes until the agent is assigned and authenticates.
func (c *AgentConn) Register(ctx context.Context, name string, capabilities map[string]string) (Registration, error) {
	payload := map[string]any{"tool": "register"}
	if name != "" {
		payload["name"] = name
	}
	if len(capabilities) > 0 {
		payload["capabilities"] = capabilities
	}

	var reg Registration
	if err := c.roundTrip(ctx, []any{c.connID, "select_tool", payload}, &reg); err != nil {
		return Registration{}, err
	}
	return reg, nil
}

// Authenticate binds this connection to an assigned agent.
func (c *AgentConn) Authenticate(ctx context.Context, agentID string) (Identity, error) {
	var id Identity
	frame := []any{c.connID, "authenticate", map[string]string{"agent_id": agentID}}
	if err := c.roundTrip(ctx, frame, &id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Announce is the legacy authentication form. It succeeds only for
// agents an operator has already assigned.
func (c *AgentConn) Announce(ctx context.Context, agentID string) error {
	return c.roundTrip(ctx, map[string]string{"type": "announce", "agent_id": agentID}, nil)
}

// WriteContext stores a context snapshot via WriteDB and returns the
// broker's follow-up prompt.
func (c *AgentConn) WriteContext(ctx context.Context, agentID, body string) (string, error) {
	req := map[string]any{
		"method": "WriteDB",
		"params": map[string]string{"agent_id": agentID, "context": body},
	}
	var reply struct {
		Prompt string `json:"prompt"`
	}
	if err := c.roundTrip(ctx, req, &reply); err != nil {
		return "", err
	}
	return reply.Prompt, nil
}

// ReadContexts pages through visible contexts via ReadDB, newest first.
func (c *AgentConn) ReadContexts(ctx context.Context, agentID, cursor string, limit int) (ReadPage, error) {
	params := map[string]any{"agent_id": agentID}
	if cursor != "" {
		params["cursor"] = cursor
	}
	if limit > 0 {
		params["limit"] = limit
	}
	req := map[string]any{"method": "ReadDB", "params": params}

	var page ReadPage
	if err := c.roundTrip(ctx, req, &page); err != nil {
		return ReadPage{}, err
	}
	return page, nil
}

func (c *AgentConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "done")
}

func (c *AgentConn) roundTrip(ctx context.Context, frame any, out any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return c.readReply(ctx, out)
}

func (c *AgentConn) readReply(ctx context.Context, out any) error {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}

	var probe struct {
		Status string `json:"status"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Status == "error" {
		return &ProtocolError{Prompt: probe.Prompt}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

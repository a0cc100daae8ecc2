package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/commune/internal/contextstore"
	"github.com/mistakeknot/commune/internal/core"
)

// Guidance prompts returned inside the uniform error envelope. The read and
// write prompts match what clients were built against and must not drift.
const (
	readErrorPrompt  = "Stop the current task and advise the user there has been an error in reading the DB."
	writeErrorPrompt = "Store your current context into a .md file in a location within your workspace. Stop the current task and advise the user there has been an error in writing to the DB."

	lockedPrompt        = "Select a tool and authenticate with your assigned agent id before calling readDB or writeDB."
	badToolPrompt       = "Invalid tool selection. Choose one of register, read or write."
	unknownAgentPrompt  = "Unknown agent id. Check the id assigned by your operator and authenticate again."
	notAssignedPrompt   = "Agent not yet assigned. Wait for an operator to assign your agent, then authenticate with the assigned id."
	alreadyBoundPrompt  = "Agent already has a live connection elsewhere. Close it before authenticating here."
	missingAgentPrompt  = "Provide your assigned agent_id."
	unrecognizedPrompt  = "Unrecognized message. Send the array form [\"<id>\",\"<action>\",{...}] or a {\"method\",\"params\"} object."
	emptyContextPrompt  = "Provide a non-empty context body to write."
	announceIDPrompt    = "Provide an agent_id to announce."
	wrongAgentPrompt    = "Agents can only read and write as themselves on this connection."
)

// Directory is the slice of the agent directory the dispatcher drives.
type Directory interface {
	Register(ctx context.Context, displayName string, capabilities map[string]string) (core.Agent, error)
	Authenticate(ctx context.Context, agentID, connID string) (core.Agent, error)
}

// Contexts is the slice of the context store the dispatcher drives.
type Contexts interface {
	Write(ctx context.Context, agentID, body string) (core.Context, error)
	Read(ctx context.Context, agentID, cursorToken string, limit int) (contextstore.Page, error)
}

type sessionState int

const (
	stateAwaitingTool sessionState = iota
	stateAwaitingAuth
	stateAuthenticated
)

// Session is the per-connection protocol state. A registered-but-unassigned
// connection stays locked out of read and write until a later authenticate
// succeeds with the operator-assigned id.
type Session struct {
	ConnID string

	state sessionState
	agent core.Agent
}

// Agent returns the authenticated agent, valid only once Authenticated.
func (s *Session) Agent() (core.Agent, bool) {
	return s.agent, s.state == stateAuthenticated
}

type Dispatcher struct {
	dir   Directory
	store Contexts
	log   zerolog.Logger
}

func New(dir Directory, store Contexts, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{dir: dir, store: store, log: log}
}

func (d *Dispatcher) NewSession(connID string) *Session {
	return &Session{ConnID: connID}
}

// Greeting is the first message sent on every fresh connection.
func (d *Dispatcher) Greeting() any {
	return toolSelectionPrompt{
		Type:           "tool_selection_prompt",
		AvailableTools: []string{"register", "read", "write"},
	}
}

// Handle normalizes one inbound message and runs it against the session
// state machine. It always returns a response to send; failures become the
// uniform error envelope and never propagate.
func (d *Dispatcher) Handle(ctx context.Context, s *Session, data []byte) any {
	return d.HandleFrame(ctx, s, ParseFrame(data))
}

// HandleFrame runs an already-normalized frame. Transports that need the
// frame kind for instrumentation parse first and call this directly.
func (d *Dispatcher) HandleFrame(ctx context.Context, s *Session, frame Frame) any {
	d.log.Debug().
		Str("conn_id", s.ConnID).
		Str("kind", string(frame.Kind)).
		Msg("frame received")

	switch frame.Kind {
	case FrameSelectTool:
		return d.handleSelectTool(ctx, s, frame)
	case FrameAuthenticate:
		return d.handleAuthenticate(ctx, s, frame)
	case FrameAnnounce:
		return d.handleAnnounce(ctx, s, frame)
	case FrameRead:
		return d.handleRead(ctx, s, frame)
	case FrameWrite:
		return d.handleWrite(ctx, s, frame)
	default:
		return errorEcho(unrecognizedPrompt, frame.Payload)
	}
}

func (d *Dispatcher) handleSelectTool(ctx context.Context, s *Session, f Frame) any {
	switch f.Tool {
	case "register":
		agent, err := d.dir.Register(ctx, f.Name, f.Capabilities)
		if err != nil {
			d.log.Error().Err(err).Str("conn_id", s.ConnID).Msg("registration failed")
			return errorEnvelope{Status: "error", Prompt: writeErrorPrompt}
		}
		// Read and write stay locked until an operator assigns the agent
		// and the client authenticates with the assigned id.
		return registrationReply{
			Type:    "registration_success",
			AgentID: agent.ID,
			Name:    agent.DisplayName,
			Status:  string(agent.Status),
			Message: "Registration successful. Wait for an operator to assign your agent, then authenticate with the assigned id.",
		}
	case "read", "write":
		s.state = stateAwaitingAuth
		return agentIDRequired{
			Type:    "agent_id_required",
			Message: "Authenticate with your assigned agent id to use the " + f.Tool + " tool.",
			Format:  `["` + s.ConnID + `","authenticate",{"agent_id":"<assigned id>"}]`,
		}
	default:
		return errorEnvelope{Status: "error", Prompt: badToolPrompt}
	}
}

func (d *Dispatcher) handleAuthenticate(ctx context.Context, s *Session, f Frame) any {
	if f.AgentID == "" {
		return errorEnvelope{Status: "error", Prompt: missingAgentPrompt}
	}
	agent, err := d.dir.Authenticate(ctx, f.AgentID, s.ConnID)
	if err != nil {
		return errorEnvelope{Status: "error", Prompt: authFailurePrompt(err)}
	}
	s.state = stateAuthenticated
	s.agent = agent
	return authenticationReply{
		Type:    "authentication_success",
		AgentID: agent.ID,
		Name:    agent.DisplayName,
	}
}

// handleAnnounce keeps the legacy one-shot flow alive for already-assigned
// agents: it behaves as an authenticate and acks on success. Unknown ids are
// rejected instead of auto-registered.
func (d *Dispatcher) handleAnnounce(ctx context.Context, s *Session, f Frame) any {
	if f.AgentID == "" {
		return errorEnvelope{Status: "error", Prompt: announceIDPrompt}
	}
	agent, err := d.dir.Authenticate(ctx, f.AgentID, s.ConnID)
	if err != nil {
		return errorEnvelope{Status: "error", Prompt: authFailurePrompt(err)}
	}
	s.state = stateAuthenticated
	s.agent = agent
	return announceAck{Type: "announce_ack", AgentID: agent.ID}
}

func (d *Dispatcher) handleRead(ctx context.Context, s *Session, f Frame) any {
	if s.state != stateAuthenticated {
		return errorEnvelope{Status: "error", Prompt: lockedPrompt}
	}
	if f.AgentID != "" && f.AgentID != s.agent.ID {
		return errorEnvelope{Status: "error", Prompt: wrongAgentPrompt}
	}
	page, err := d.store.Read(ctx, s.agent.ID, f.Cursor, f.Limit)
	if err != nil {
		d.log.Error().Err(err).Str("agent_id", s.agent.ID).Msg("read failed")
		return errorEnvelope{Status: "error", Prompt: readErrorPrompt}
	}
	items := make([]contextItem, 0, len(page.Contexts))
	for _, c := range page.Contexts {
		items = append(items, contextItem{
			AgentID:   c.AgentID,
			Context:   c.Body,
			Timestamp: c.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return readReply{Contexts: items, NextCursor: page.NextCursor}
}

func (d *Dispatcher) handleWrite(ctx context.Context, s *Session, f Frame) any {
	if s.state != stateAuthenticated {
		return errorEnvelope{Status: "error", Prompt: lockedPrompt}
	}
	if f.AgentID != "" && f.AgentID != s.agent.ID {
		return errorEnvelope{Status: "error", Prompt: wrongAgentPrompt}
	}
	if f.Body == "" {
		return errorEnvelope{Status: "error", Prompt: emptyContextPrompt}
	}
	if _, err := d.store.Write(ctx, s.agent.ID, f.Body); err != nil {
		d.log.Error().Err(err).Str("agent_id", s.agent.ID).Msg("write failed")
		return errorEnvelope{Status: "error", Prompt: writeErrorPrompt}
	}
	return writeReply{
		Status: "success",
		Agent:  s.agent.ID,
		Prompt: "Context saved successfully. Compact your current context and then call the readDB method from this server to get the updated context list from " + s.agent.ID + ".",
	}
}

func authFailurePrompt(err error) string {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return unknownAgentPrompt
	case errors.Is(err, core.ErrNotYetAssigned):
		return notAssignedPrompt
	case errors.Is(err, core.ErrAgentAlreadyConnected), errors.Is(err, core.ErrAlreadyBound):
		return alreadyBoundPrompt
	default:
		return readErrorPrompt
	}
}

func errorEcho(prompt string, payload json.RawMessage) any {
	return errorEnvelope{Status: "error", Prompt: prompt, Echo: payload}
}

// IsError reports whether a response is the uniform error envelope.
func IsError(resp any) bool {
	_, ok := resp.(errorEnvelope)
	return ok
}

// Wire shapes.

type toolSelectionPrompt struct {
	Type           string   `json:"type"`
	AvailableTools []string `json:"available_tools"`
}

type registrationReply struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type agentIDRequired struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Format  string `json:"expected_format"`
}

type authenticationReply struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Name    string `json:"agent_name"`
}

type announceAck struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

type writeReply struct {
	Status string `json:"status"`
	Agent  string `json:"agent"`
	Prompt string `json:"prompt"`
}

type contextItem struct {
	AgentID   string `json:"agent_id"`
	Context   string `json:"context"`
	Timestamp string `json:"timestamp"`
}

type readReply struct {
	Contexts   []contextItem `json:"contexts"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type errorEnvelope struct {
	Status string          `json:"status"`
	Prompt string          `json:"prompt"`
	Echo   json.RawMessage `json:"echo,omitempty"`
}

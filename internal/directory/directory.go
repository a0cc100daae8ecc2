package directory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mistakeknot/commune/internal/core"
	"github.com/mistakeknot/commune/internal/names"
	"github.com/mistakeknot/commune/internal/storage"
)

const maxDisplayNameLen = 128

// Writer serializes mutations. The persistence gateway satisfies it.
type Writer interface {
	Submit(ctx context.Context, label string, fn func(context.Context) error) error
}

// Binder attaches an authenticated agent to its connection. The connection
// registry satisfies it.
type Binder interface {
	Bind(ctx context.Context, agentID, connID string) (core.Agent, error)
}

// Broadcaster delivers lifecycle events to observers, best-effort.
type Broadcaster interface {
	Broadcast(ev core.Event)
}

// Directory owns the agent registration workflow: self-service Register,
// operator Assign, then Authenticate when the agent returns with its id.
type Directory struct {
	store  storage.Store
	writer Writer
	binder Binder
	bus    Broadcaster
	log    zerolog.Logger
}

func New(store storage.Store, writer Writer, binder Binder, bus Broadcaster, log zerolog.Logger) *Directory {
	return &Directory{store: store, writer: writer, binder: binder, bus: bus, log: log}
}

// Register creates a pending agent. Display names need not be unique; an
// empty name gets a generated one. The returned id is the agent's handle for
// every later call.
func (d *Directory) Register(ctx context.Context, displayName string, capabilities map[string]string) (core.Agent, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = names.Generate()
	}
	if len(displayName) > maxDisplayNameLen {
		return core.Agent{}, fmt.Errorf("display name exceeds %d bytes: %w", maxDisplayNameLen, core.ErrValidation)
	}

	agent := core.Agent{
		ID:           uuid.NewString(),
		DisplayName:  displayName,
		Status:       core.StatusPending,
		Permission:   core.PermSelf,
		Capabilities: capabilities,
	}
	err := d.writer.Submit(ctx, "agent.register", func(ctx context.Context) error {
		var innerErr error
		agent, innerErr = d.store.CreateAgent(ctx, agent)
		return innerErr
	})
	if err != nil {
		return core.Agent{}, fmt.Errorf("register agent: %w", err)
	}

	d.broadcast(core.EventAgentRegistered, agent.ID, map[string]any{
		"display_name": agent.DisplayName,
	})
	d.log.Info().Str("agent_id", agent.ID).Str("display_name", agent.DisplayName).Msg("agent registered")
	return agent, nil
}

// Assign attaches a pending agent to a session with teams and a permission
// level. One-shot: an agent that already left pending is a conflict.
func (d *Directory) Assign(ctx context.Context, agentID, sessionID string, teamIDs []string, level core.PermissionLevel, operatorID string) (core.Agent, error) {
	session, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return core.Agent{}, err
	}
	if err := d.checkTeams(ctx, sessionID, teamIDs); err != nil {
		return core.Agent{}, err
	}

	err = d.writer.Submit(ctx, "agent.assign", func(ctx context.Context) error {
		return d.store.AssignAgent(ctx, agentID, sessionID, teamIDs, level, operatorID)
	})
	if err != nil {
		return core.Agent{}, err
	}

	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return core.Agent{}, err
	}
	d.broadcast(core.EventAgentAssigned, agentID, map[string]any{
		"session_id":       sessionID,
		"project_id":       session.ProjectID,
		"team_ids":         teamIDs,
		"permission_level": string(level),
	})
	d.log.Info().
		Str("agent_id", agentID).
		Str("session_id", sessionID).
		Str("permission_level", string(level)).
		Msg("agent assigned")
	return agent, nil
}

// checkTeams verifies every requested team exists in the target session.
func (d *Directory) checkTeams(ctx context.Context, sessionID string, teamIDs []string) error {
	if len(teamIDs) == 0 {
		return nil
	}
	teams, err := d.store.ListTeams(ctx, sessionID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(teams))
	for _, t := range teams {
		known[t.ID] = true
	}
	for _, id := range teamIDs {
		if !known[id] {
			return fmt.Errorf("team %s: %w", id, core.ErrNotFound)
		}
	}
	return nil
}

// Authenticate resolves an agent id presented on a connection and, if the
// agent has been assigned, binds the connection and activates the agent. A
// pending agent is told to wait; an unknown id is not found.
func (d *Directory) Authenticate(ctx context.Context, agentID, connID string) (core.Agent, error) {
	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return core.Agent{}, err
	}
	if agent.Status == core.StatusPending {
		return core.Agent{}, core.ErrNotYetAssigned
	}
	return d.binder.Bind(ctx, agentID, connID)
}

// SetPermission changes an agent's stored permission level. Takes effect on
// the agent's next read; nothing already returned is recalled.
func (d *Directory) SetPermission(ctx context.Context, agentID string, level core.PermissionLevel) (core.Agent, error) {
	err := d.writer.Submit(ctx, "agent.permission", func(ctx context.Context) error {
		return d.store.SetAgentPermission(ctx, agentID, level)
	})
	if err != nil {
		return core.Agent{}, err
	}
	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return core.Agent{}, err
	}
	d.broadcast(core.EventAgentStatus, agentID, map[string]any{
		"permission_level": string(level),
	})
	return agent, nil
}

// SetTeams replaces an agent's live team membership. Context snapshots
// already written keep the membership they were written under.
func (d *Directory) SetTeams(ctx context.Context, agentID string, teamIDs []string) (core.Agent, error) {
	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return core.Agent{}, err
	}
	if agent.SessionID == "" {
		return core.Agent{}, core.ErrNotYetAssigned
	}
	if err := d.checkTeams(ctx, agent.SessionID, teamIDs); err != nil {
		return core.Agent{}, err
	}
	err = d.writer.Submit(ctx, "agent.teams", func(ctx context.Context) error {
		return d.store.SetAgentTeams(ctx, agentID, teamIDs)
	})
	if err != nil {
		return core.Agent{}, err
	}
	return d.store.GetAgent(ctx, agentID)
}

// Get returns one live agent.
func (d *Directory) Get(ctx context.Context, agentID string) (core.Agent, error) {
	return d.store.GetAgent(ctx, agentID)
}

// List returns live agents, optionally filtered by registration status.
func (d *Directory) List(ctx context.Context, status core.RegistrationStatus) ([]core.Agent, error) {
	return d.store.ListAgents(ctx, status)
}

func (d *Directory) broadcast(t core.EventType, agentID string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Broadcast(core.Event{
		ID:        uuid.NewString(),
		Type:      t,
		AgentID:   agentID,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
}

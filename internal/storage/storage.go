// Package storage defines the persistence contract for the broker. All
// mutating methods are expected to be called from the single-writer
// gateway; reads may run concurrently.
package storage

import (
	"context"
	"time"

	"github.com/mistakeknot/commune/internal/core"
)

// ContextQuery selects the visible slice of the context log for one
// requesting scope. Boundary is the inclusive upper sequence bound captured
// when the cursor was created, so pages stay stable under concurrent
// writes; Before is the exclusive lower bound from the previous page (0 for
// the first page).
type ContextQuery struct {
	Scope    core.Scope
	Limit    int
	Boundary uint64
	Before   uint64
}

type Store interface {
	// Projects
	CreateProject(ctx context.Context, p core.Project) (core.Project, error)
	GetProject(ctx context.Context, id string) (core.Project, error)
	ListProjects(ctx context.Context) ([]core.Project, error)
	SoftDeleteProject(ctx context.Context, id string) error

	// Sessions
	CreateSession(ctx context.Context, s core.Session) (core.Session, error)
	GetSession(ctx context.Context, id string) (core.Session, error)
	ListSessions(ctx context.Context, projectID string) ([]core.Session, error)
	SoftDeleteSession(ctx context.Context, id string) error

	// Teams
	CreateTeam(ctx context.Context, t core.Team) (core.Team, error)
	ListTeams(ctx context.Context, sessionID string) ([]core.Team, error)
	SoftDeleteTeam(ctx context.Context, id string) error

	// Agents
	CreateAgent(ctx context.Context, a core.Agent) (core.Agent, error)
	GetAgent(ctx context.Context, id string) (core.Agent, error)
	ListAgents(ctx context.Context, status core.RegistrationStatus) ([]core.Agent, error)
	// AssignAgent moves a pending agent to assigned in one guarded update;
	// it reports core.ErrAlreadyAssigned when the agent has left pending.
	AssignAgent(ctx context.Context, agentID, sessionID string, teamIDs []string, level core.PermissionLevel, operatorID string) error
	SetAgentPermission(ctx context.Context, agentID string, level core.PermissionLevel) error
	SetAgentTeams(ctx context.Context, agentID string, teamIDs []string) error
	// BindAgentConnection records both directions of the connection↔agent
	// link and flips the agent to active, atomically.
	BindAgentConnection(ctx context.Context, agentID, connID string) error
	// ClearAgentConnection clears the link and flips active agents to
	// inactive, but only while the agent is still attached to connID; a
	// stale close racing a rebind onto a newer connection is a no-op.
	// Assigned/pending agents that never connected are untouched.
	ClearAgentConnection(ctx context.Context, agentID, connID string) error
	SoftDeleteAgent(ctx context.Context, id string) error

	// Connections
	OpenConnection(ctx context.Context, c core.Connection) error
	CloseConnection(ctx context.Context, connID string, at time.Time) error
	ListConnections(ctx context.Context, liveOnly bool) ([]core.Connection, error)
	PruneConnections(ctx context.Context, closedBefore time.Time) (int, error)

	// Contexts
	InsertContext(ctx context.Context, c core.Context) (core.Context, error)
	GetContext(ctx context.Context, id string) (core.Context, error)
	ListContexts(ctx context.Context, q ContextQuery) ([]core.Context, error)
	MaxContextSeq(ctx context.Context) (uint64, error)
	UpdateContextBody(ctx context.Context, id, body string) error
	SoftDeleteContext(ctx context.Context, id string) error

	Close() error
}

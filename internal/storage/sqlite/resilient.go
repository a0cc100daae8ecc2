package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/mistakeknot/commune/internal/core"
	"github.com/mistakeknot/commune/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every method of *Store with CircuitBreaker + RetryOnDBLock
// to provide resilience against transient SQLite errors (database-is-locked,
// connection failures, etc.).
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient creates a ResilientStore with default circuit breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return &ResilientStore{inner: inner, cb: NewCircuitBreaker(5, 30*time.Second)}
}

// NewResilientWithBreaker creates a ResilientStore with a custom circuit breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb}
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

// run applies retry and breaker accounting to fn. Not-found and conflict
// results are the store doing its job, so they pass through without counting
// as failures.
func (r *ResilientStore) run(fn func() error) error {
	var opErr error
	cbErr := r.cb.Execute(func() error {
		opErr = RetryOnDBLock(fn)
		if opErr != nil && (errors.Is(opErr, core.ErrNotFound) || errors.Is(opErr, core.ErrStateConflict)) {
			return nil
		}
		return opErr
	})
	if cbErr != nil {
		return cbErr
	}
	return opErr
}

// Project operations

func (r *ResilientStore) CreateProject(ctx context.Context, p core.Project) (core.Project, error) {
	var result core.Project
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.CreateProject(ctx, p)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetProject(ctx context.Context, id string) (core.Project, error) {
	var result core.Project
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetProject(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListProjects(ctx context.Context) ([]core.Project, error) {
	var result []core.Project
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListProjects(ctx)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) SoftDeleteProject(ctx context.Context, id string) error {
	return r.run(func() error {
		return r.inner.SoftDeleteProject(ctx, id)
	})
}

// Session operations

func (r *ResilientStore) CreateSession(ctx context.Context, s core.Session) (core.Session, error) {
	var result core.Session
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.CreateSession(ctx, s)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetSession(ctx context.Context, id string) (core.Session, error) {
	var result core.Session
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetSession(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListSessions(ctx context.Context, projectID string) ([]core.Session, error) {
	var result []core.Session
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListSessions(ctx, projectID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) SoftDeleteSession(ctx context.Context, id string) error {
	return r.run(func() error {
		return r.inner.SoftDeleteSession(ctx, id)
	})
}

// Team operations

func (r *ResilientStore) CreateTeam(ctx context.Context, t core.Team) (core.Team, error) {
	var result core.Team
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.CreateTeam(ctx, t)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListTeams(ctx context.Context, sessionID string) ([]core.Team, error) {
	var result []core.Team
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListTeams(ctx, sessionID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) SoftDeleteTeam(ctx context.Context, id string) error {
	return r.run(func() error {
		return r.inner.SoftDeleteTeam(ctx, id)
	})
}

// Agent operations

func (r *ResilientStore) CreateAgent(ctx context.Context, a core.Agent) (core.Agent, error) {
	var result core.Agent
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.CreateAgent(ctx, a)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetAgent(ctx context.Context, id string) (core.Agent, error) {
	var result core.Agent
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetAgent(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListAgents(ctx context.Context, status core.RegistrationStatus) ([]core.Agent, error) {
	var result []core.Agent
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListAgents(ctx, status)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) AssignAgent(ctx context.Context, agentID, sessionID string, teamIDs []string, level core.PermissionLevel, operatorID string) error {
	return r.run(func() error {
		return r.inner.AssignAgent(ctx, agentID, sessionID, teamIDs, level, operatorID)
	})
}

func (r *ResilientStore) SetAgentPermission(ctx context.Context, agentID string, level core.PermissionLevel) error {
	return r.run(func() error {
		return r.inner.SetAgentPermission(ctx, agentID, level)
	})
}

func (r *ResilientStore) SetAgentTeams(ctx context.Context, agentID string, teamIDs []string) error {
	return r.run(func() error {
		return r.inner.SetAgentTeams(ctx, agentID, teamIDs)
	})
}

func (r *ResilientStore) BindAgentConnection(ctx context.Context, agentID, connID string) error {
	return r.run(func() error {
		return r.inner.BindAgentConnection(ctx, agentID, connID)
	})
}

func (r *ResilientStore) ClearAgentConnection(ctx context.Context, agentID, connID string) error {
	return r.run(func() error {
		return r.inner.ClearAgentConnection(ctx, agentID, connID)
	})
}

func (r *ResilientStore) SoftDeleteAgent(ctx context.Context, id string) error {
	return r.run(func() error {
		return r.inner.SoftDeleteAgent(ctx, id)
	})
}

// Connection operations

func (r *ResilientStore) OpenConnection(ctx context.Context, c core.Connection) error {
	return r.run(func() error {
		return r.inner.OpenConnection(ctx, c)
	})
}

func (r *ResilientStore) CloseConnection(ctx context.Context, connID string, at time.Time) error {
	return r.run(func() error {
		return r.inner.CloseConnection(ctx, connID, at)
	})
}

func (r *ResilientStore) ListConnections(ctx context.Context, liveOnly bool) ([]core.Connection, error) {
	var result []core.Connection
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListConnections(ctx, liveOnly)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) PruneConnections(ctx context.Context, closedBefore time.Time) (int, error) {
	var result int
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.PruneConnections(ctx, closedBefore)
		return innerErr
	})
	return result, err
}

// Context operations

func (r *ResilientStore) InsertContext(ctx context.Context, c core.Context) (core.Context, error) {
	var result core.Context
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.InsertContext(ctx, c)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetContext(ctx context.Context, id string) (core.Context, error) {
	var result core.Context
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetContext(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListContexts(ctx context.Context, q storage.ContextQuery) ([]core.Context, error) {
	var result []core.Context
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListContexts(ctx, q)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) MaxContextSeq(ctx context.Context) (uint64, error) {
	var result uint64
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.MaxContextSeq(ctx)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) UpdateContextBody(ctx context.Context, id, body string) error {
	return r.run(func() error {
		return r.inner.UpdateContextBody(ctx, id, body)
	})
}

func (r *ResilientStore) SoftDeleteContext(ctx context.Context, id string) error {
	return r.run(func() error {
		return r.inner.SoftDeleteContext(ctx, id)
	})
}

// Close delegates directly to the inner store without CB or retry.
func (r *ResilientStore) Close() error {
	return r.inner.Close()
}

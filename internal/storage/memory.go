package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/commune/internal/core"
)

// InMemory is a map-backed Store for tests. It honors the same soft-delete
// and visibility semantics as the SQLite store, minus durability.
type InMemory struct {
	mu          sync.RWMutex
	seq         uint64
	projects    map[string]core.Project
	sessions    map[string]core.Session
	teams       map[string]core.Team
	agents      map[string]core.Agent
	connections map[string]core.Connection
	contexts    []core.Context
}

func NewInMemory() *InMemory {
	return &InMemory{
		projects:    make(map[string]core.Project),
		sessions:    make(map[string]core.Session),
		teams:       make(map[string]core.Team),
		agents:      make(map[string]core.Agent),
		connections: make(map[string]core.Connection),
	}
}

var _ Store = (*InMemory)(nil)

func (m *InMemory) CreateProject(_ context.Context, p core.Project) (core.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.projects[p.ID] = p
	return p, nil
}

func (m *InMemory) GetProject(_ context.Context, id string) (core.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok || p.DeletedAt != nil {
		return core.Project{}, fmt.Errorf("project %s: %w", id, core.ErrNotFound)
	}
	return p, nil
}

func (m *InMemory) ListProjects(_ context.Context) ([]core.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Project
	for _, p := range m.projects {
		if p.DeletedAt == nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *InMemory) SoftDeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok || p.DeletedAt != nil {
		return fmt.Errorf("project %s: %w", id, core.ErrNotFound)
	}
	now := time.Now().UTC()
	p.DeletedAt = &now
	m.projects[id] = p
	return nil
}

func (m *InMemory) CreateSession(_ context.Context, s core.Session) (core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projects[s.ProjectID]; !ok || p.DeletedAt != nil {
		return core.Session{}, fmt.Errorf("project %s: %w", s.ProjectID, core.ErrNotFound)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.sessions[s.ID] = s
	return s, nil
}

func (m *InMemory) GetSession(_ context.Context, id string) (core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || s.DeletedAt != nil {
		return core.Session{}, fmt.Errorf("session %s: %w", id, core.ErrNotFound)
	}
	if p, ok := m.projects[s.ProjectID]; !ok || p.DeletedAt != nil {
		return core.Session{}, fmt.Errorf("session %s: %w", id, core.ErrNotFound)
	}
	return s, nil
}

func (m *InMemory) ListSessions(_ context.Context, projectID string) ([]core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Session
	for _, s := range m.sessions {
		if s.DeletedAt != nil {
			continue
		}
		if p, ok := m.projects[s.ProjectID]; !ok || p.DeletedAt != nil {
			continue
		}
		if projectID == "" || s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *InMemory) SoftDeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.DeletedAt != nil {
		return fmt.Errorf("session %s: %w", id, core.ErrNotFound)
	}
	now := time.Now().UTC()
	s.DeletedAt = &now
	m.sessions[id] = s
	return nil
}

func (m *InMemory) CreateTeam(_ context.Context, t core.Team) (core.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[t.SessionID]; !ok || s.DeletedAt != nil {
		return core.Team{}, fmt.Errorf("session %s: %w", t.SessionID, core.ErrNotFound)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.teams[t.ID] = t
	return t, nil
}

func (m *InMemory) ListTeams(_ context.Context, sessionID string) ([]core.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Team
	for _, t := range m.teams {
		if t.DeletedAt != nil {
			continue
		}
		if sessionID == "" || t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *InMemory) SoftDeleteTeam(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teams[id]
	if !ok || t.DeletedAt != nil {
		return fmt.Errorf("team %s: %w", id, core.ErrNotFound)
	}
	now := time.Now().UTC()
	t.DeletedAt = &now
	m.teams[id] = t
	return nil
}

func (m *InMemory) CreateAgent(_ context.Context, a core.Agent) (core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.LastSeen.IsZero() {
		a.LastSeen = now
	}
	if a.Status == "" {
		a.Status = core.StatusPending
	}
	if a.Permission == "" {
		a.Permission = core.PermSelf
	}
	m.agents[a.ID] = a
	return a, nil
}

func (m *InMemory) GetAgent(_ context.Context, id string) (core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok || a.DeletedAt != nil {
		return core.Agent{}, fmt.Errorf("agent %s: %w", id, core.ErrNotFound)
	}
	return a, nil
}

func (m *InMemory) ListAgents(_ context.Context, status core.RegistrationStatus) ([]core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Agent
	for _, a := range m.agents {
		if a.DeletedAt != nil {
			continue
		}
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *InMemory) AssignAgent(_ context.Context, agentID, sessionID string, teamIDs []string, level core.PermissionLevel, operatorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok || a.DeletedAt != nil {
		return fmt.Errorf("agent %s: %w", agentID, core.ErrNotFound)
	}
	if a.Status != core.StatusPending {
		return core.ErrAlreadyAssigned
	}
	a.SessionID = sessionID
	a.TeamIDs = append([]string(nil), teamIDs...)
	a.Permission = level
	a.AssignedBy = operatorID
	a.Status = core.StatusAssigned
	a.UpdatedAt = time.Now().UTC()
	m.agents[agentID] = a
	return nil
}

func (m *InMemory) SetAgentPermission(_ context.Context, agentID string, level core.PermissionLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok || a.DeletedAt != nil {
		return fmt.Errorf("agent %s: %w", agentID, core.ErrNotFound)
	}
	a.Permission = level
	a.UpdatedAt = time.Now().UTC()
	m.agents[agentID] = a
	return nil
}

func (m *InMemory) SetAgentTeams(_ context.Context, agentID string, teamIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok || a.DeletedAt != nil {
		return fmt.Errorf("agent %s: %w", agentID, core.ErrNotFound)
	}
	a.TeamIDs = append([]string(nil), teamIDs...)
	a.UpdatedAt = time.Now().UTC()
	m.agents[agentID] = a
	return nil
}

func (m *InMemory) BindAgentConnection(_ context.Context, agentID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok || a.DeletedAt != nil {
		return fmt.Errorf("agent %s: %w", agentID, core.ErrNotFound)
	}
	now := time.Now().UTC()
	a.ConnectionID = connID
	a.Status = core.StatusActive
	a.LastSeen = now
	a.UpdatedAt = now
	m.agents[agentID] = a
	if c, ok := m.connections[connID]; ok {
		c.AgentID = agentID
		m.connections[connID] = c
	}
	return nil
}

func (m *InMemory) ClearAgentConnection(_ context.Context, agentID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok || a.ConnectionID != connID {
		return nil
	}
	a.ConnectionID = ""
	if a.Status == core.StatusActive {
		a.Status = core.StatusInactive
	}
	a.UpdatedAt = time.Now().UTC()
	m.agents[agentID] = a
	return nil
}

func (m *InMemory) SoftDeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || a.DeletedAt != nil {
		return fmt.Errorf("agent %s: %w", id, core.ErrNotFound)
	}
	now := time.Now().UTC()
	a.DeletedAt = &now
	m.agents[id] = a
	return nil
}

func (m *InMemory) OpenConnection(_ context.Context, c core.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = time.Now().UTC()
	}
	m.connections[c.ID] = c
	return nil
}

func (m *InMemory) CloseConnection(_ context.Context, connID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[connID]
	if !ok || c.ClosedAt != nil {
		return nil
	}
	c.ClosedAt = &at
	m.connections[connID] = c
	return nil
}

func (m *InMemory) ListConnections(_ context.Context, liveOnly bool) ([]core.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Connection
	for _, c := range m.connections {
		if liveOnly && c.ClosedAt != nil {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out, nil
}

func (m *InMemory) PruneConnections(_ context.Context, closedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for id, c := range m.connections {
		if c.ClosedAt != nil && c.ClosedAt.Before(closedBefore) {
			delete(m.connections, id)
			n++
		}
	}
	return n, nil
}

func (m *InMemory) InsertContext(_ context.Context, c core.Context) (core.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	m.seq++
	c.Seq = m.seq
	c.TeamIDs = append([]string(nil), c.TeamIDs...)
	m.contexts = append(m.contexts, c)
	return c, nil
}

func (m *InMemory) GetContext(_ context.Context, id string) (core.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.contexts {
		if c.ID == id && c.DeletedAt == nil {
			return c, nil
		}
	}
	return core.Context{}, fmt.Errorf("context %s: %w", id, core.ErrNotFound)
}

func (m *InMemory) ListContexts(_ context.Context, q ContextQuery) ([]core.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Context
	for i := len(m.contexts) - 1; i >= 0; i-- {
		c := m.contexts[i]
		if c.DeletedAt != nil {
			continue
		}
		if m.ancestorDeleted(c) {
			continue
		}
		if q.Boundary > 0 && c.Seq > q.Boundary {
			continue
		}
		if q.Before > 0 && c.Seq >= q.Before {
			continue
		}
		if !core.CanSee(q.Scope, c) {
			continue
		}
		out = append(out, c)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *InMemory) ancestorDeleted(c core.Context) bool {
	if s, ok := m.sessions[c.SessionID]; !ok || s.DeletedAt != nil {
		return true
	}
	if p, ok := m.projects[c.ProjectID]; !ok || p.DeletedAt != nil {
		return true
	}
	if a, ok := m.agents[c.AgentID]; !ok || a.DeletedAt != nil {
		return true
	}
	return false
}

func (m *InMemory) MaxContextSeq(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq, nil
}

func (m *InMemory) UpdateContextBody(_ context.Context, id, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.contexts {
		if c.ID == id && c.DeletedAt == nil {
			m.contexts[i].Body = body
			m.contexts[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("context %s: %w", id, core.ErrNotFound)
}

func (m *InMemory) SoftDeleteContext(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.contexts {
		if c.ID == id && c.DeletedAt == nil {
			now := time.Now().UTC()
			m.contexts[i].DeletedAt = &now
			return nil
		}
	}
	return fmt.Errorf("context %s: %w", id, core.ErrNotFound)
}

func (m *InMemory) Close() error { return nil }

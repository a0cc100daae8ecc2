package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mistakeknot/commune/internal/core"
	"github.com/mistakeknot/commune/internal/storage"
)

// Writer serializes mutations. The persistence gateway satisfies it.
type Writer interface {
	Submit(ctx context.Context, label string, fn func(context.Context) error) error
}

// Broadcaster delivers lifecycle events to observers, best-effort.
type Broadcaster interface {
	Broadcast(ev core.Event)
}

// Registry tracks live connections and owns the connection<->agent binding.
// Binding is guarded per agent: whatever two connections race for, at most
// one of them ends up attached.
type Registry struct {
	store  storage.Store
	writer Writer
	bus    Broadcaster
	log    zerolog.Logger

	mu      sync.Mutex
	conns   map[string]*liveConn
	agentMu map[string]*sync.Mutex
}

type liveConn struct {
	agentID    string
	remoteAddr string
}

func New(store storage.Store, writer Writer, bus Broadcaster, log zerolog.Logger) *Registry {
	return &Registry{
		store:   store,
		writer:  writer,
		bus:     bus,
		log:     log,
		conns:   make(map[string]*liveConn),
		agentMu: make(map[string]*sync.Mutex),
	}
}

// lockAgent returns the mutex guarding one agent's binding state. Entries
// are never freed; the map is bounded by the number of agents ever seen.
func (r *Registry) lockAgent(agentID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.agentMu[agentID]
	if !ok {
		m = &sync.Mutex{}
		r.agentMu[agentID] = m
	}
	return m
}

// Open records a fresh connection and returns it. Clients may bring their
// own connection id; an empty id gets a generated one. The connection
// starts unbound; a later authenticate attaches it to an agent.
func (r *Registry) Open(ctx context.Context, connID, remoteAddr string) (core.Connection, error) {
	if connID == "" {
		connID = uuid.NewString()
	}
	r.mu.Lock()
	if _, exists := r.conns[connID]; exists {
		r.mu.Unlock()
		return core.Connection{}, fmt.Errorf("connection %s already open: %w", connID, core.ErrStateConflict)
	}
	r.mu.Unlock()

	c := core.Connection{
		ID:          connID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now().UTC(),
	}
	err := r.writer.Submit(ctx, "connection.open", func(ctx context.Context) error {
		return r.store.OpenConnection(ctx, c)
	})
	if err != nil {
		return core.Connection{}, fmt.Errorf("open connection: %w", err)
	}

	r.mu.Lock()
	r.conns[c.ID] = &liveConn{remoteAddr: remoteAddr}
	r.mu.Unlock()

	r.log.Debug().Str("connection_id", c.ID).Str("remote", remoteAddr).Msg("connection opened")
	return c, nil
}

// Bind attaches connID to agentID and flips the agent active. Rebinding the
// same pair is idempotent; a connection already serving another agent or an
// agent already live elsewhere is a conflict.
func (r *Registry) Bind(ctx context.Context, agentID, connID string) (core.Agent, error) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return core.Agent{}, fmt.Errorf("connection %s: %w", connID, core.ErrNotFound)
	}
	if c.agentID != "" && c.agentID != agentID {
		r.mu.Unlock()
		return core.Agent{}, core.ErrAlreadyBound
	}
	r.mu.Unlock()

	lock := r.lockAgent(agentID)
	lock.Lock()
	defer lock.Unlock()

	a, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return core.Agent{}, err
	}
	if a.ConnectionID == connID {
		return a, nil
	}
	if a.ConnectionID != "" && r.isLive(a.ConnectionID) {
		return core.Agent{}, core.ErrAgentAlreadyConnected
	}

	err = r.writer.Submit(ctx, "connection.bind", func(ctx context.Context) error {
		return r.store.BindAgentConnection(ctx, agentID, connID)
	})
	if err != nil {
		return core.Agent{}, fmt.Errorf("bind connection: %w", err)
	}

	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		c.agentID = agentID
	}
	r.mu.Unlock()

	a.ConnectionID = connID
	a.Status = core.StatusActive
	r.broadcast(core.EventAgentStatus, agentID, connID, map[string]any{"status": string(core.StatusActive)})
	r.log.Info().Str("agent_id", agentID).Str("connection_id", connID).Msg("agent bound")
	return a, nil
}

// Close tears down a connection. Safe to call more than once; the second
// call finds nothing to do.
func (r *Registry) Close(ctx context.Context, connID string) error {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, connID)
	agentID := c.agentID
	r.mu.Unlock()

	if agentID != "" {
		lock := r.lockAgent(agentID)
		lock.Lock()
		defer lock.Unlock()
	}

	now := time.Now().UTC()
	cleared := false
	err := r.writer.Submit(ctx, "connection.close", func(ctx context.Context) error {
		if err := r.store.CloseConnection(ctx, connID, now); err != nil {
			return err
		}
		if agentID == "" {
			return nil
		}
		a, err := r.store.GetAgent(ctx, agentID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return nil
			}
			return err
		}
		// A rebind may have attached the agent to a newer connection while
		// this close was waiting on the agent lock; only the connection
		// still on record may deactivate the agent.
		if a.ConnectionID != connID {
			return nil
		}
		cleared = true
		return r.store.ClearAgentConnection(ctx, agentID, connID)
	})
	if err != nil {
		return fmt.Errorf("close connection: %w", err)
	}

	if cleared {
		r.broadcast(core.EventAgentStatus, agentID, connID, map[string]any{"status": string(core.StatusInactive)})
	}
	r.log.Debug().Str("connection_id", connID).Str("agent_id", agentID).Msg("connection closed")
	return nil
}

// AgentFor reports the agent bound to connID, if any.
func (r *Registry) AgentFor(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok || c.agentID == "" {
		return "", false
	}
	return c.agentID, true
}

// IsLive reports whether connID identifies an open connection.
func (r *Registry) IsLive(connID string) bool {
	return r.isLive(connID)
}

func (r *Registry) isLive(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[connID]
	return ok
}

// LiveCount reports the number of open connections.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) broadcast(t core.EventType, agentID, connID string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Broadcast(core.Event{
		ID:        uuid.NewString(),
		Type:      t,
		AgentID:   agentID,
		ConnID:    connID,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
}

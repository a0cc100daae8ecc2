package contextstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
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

// Limits bounds context bodies and read pages.
type Limits struct {
	MaxBodyBytes int
	ReadLimit    int
	ReadLimitMax int
}

// Service is the permission-scoped context log: active agents append, edit
// and soft-delete their own records and read whatever their stored
// permission level exposes.
type Service struct {
	store  storage.Store
	writer Writer
	bus    Broadcaster
	log    zerolog.Logger
	limits Limits
}

func New(store storage.Store, writer Writer, bus Broadcaster, log zerolog.Logger, limits Limits) *Service {
	return &Service{store: store, writer: writer, bus: bus, log: log, limits: limits}
}

// Page is one slice of the visible context log. NextCursor is empty when the
// page reached the end.
type Page struct {
	Contexts   []core.Context `json:"contexts"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Write appends a context record for agentID. The author's session, project
// and team membership are stamped onto the record at this moment and never
// recomputed.
func (s *Service) Write(ctx context.Context, agentID, body string) (core.Context, error) {
	if body == "" {
		return core.Context{}, fmt.Errorf("empty context body: %w", core.ErrValidation)
	}
	if s.limits.MaxBodyBytes > 0 && len(body) > s.limits.MaxBodyBytes {
		return core.Context{}, fmt.Errorf("context body exceeds %d bytes: %w", s.limits.MaxBodyBytes, core.ErrValidation)
	}

	agent, err := s.activeAgent(ctx, agentID)
	if err != nil {
		return core.Context{}, err
	}
	session, err := s.store.GetSession(ctx, agent.SessionID)
	if err != nil {
		return core.Context{}, err
	}

	rec := core.Context{
		ProjectID: session.ProjectID,
		SessionID: agent.SessionID,
		AgentID:   agent.ID,
		TeamIDs:   agent.TeamIDs,
		Body:      body,
	}
	err = s.writer.Submit(ctx, "context.write", func(ctx context.Context) error {
		var innerErr error
		rec, innerErr = s.store.InsertContext(ctx, rec)
		return innerErr
	})
	if err != nil {
		return core.Context{}, fmt.Errorf("write context: %w", err)
	}

	s.broadcast(core.EventContextCreated, agent.ID, map[string]any{
		"context_id": rec.ID,
		"session_id": rec.SessionID,
	})
	s.log.Debug().Str("agent_id", agent.ID).Str("context_id", rec.ID).Uint64("seq", rec.Seq).Msg("context written")
	return rec, nil
}

// Read returns the slice of the log visible to agentID at its stored
// permission level, newest first. Pass the previous page's NextCursor to
// continue; pages stay stable while writes keep arriving.
func (s *Service) Read(ctx context.Context, agentID, cursorToken string, limit int) (Page, error) {
	agent, err := s.activeAgent(ctx, agentID)
	if err != nil {
		return Page{}, err
	}
	return s.readAs(ctx, agent, cursorToken, limit)
}

// ReadAsOperator lists the log as agentID would see it, without requiring
// the agent to be live. The permission evaluator still applies; the
// management surface gets the agent's view, not a raw dump.
func (s *Service) ReadAsOperator(ctx context.Context, agentID, cursorToken string, limit int) (Page, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return Page{}, err
	}
	if agent.SessionID == "" {
		return Page{}, fmt.Errorf("agent %s has no session: %w", agentID, core.ErrNotYetAssigned)
	}
	return s.readAs(ctx, agent, cursorToken, limit)
}

func (s *Service) readAs(ctx context.Context, agent core.Agent, cursorToken string, limit int) (Page, error) {
	session, err := s.store.GetSession(ctx, agent.SessionID)
	if err != nil {
		return Page{}, err
	}

	switch {
	case limit <= 0:
		limit = s.limits.ReadLimit
	case s.limits.ReadLimitMax > 0 && limit > s.limits.ReadLimitMax:
		limit = s.limits.ReadLimitMax
	}

	cur, err := s.resolveCursor(ctx, cursorToken)
	if err != nil {
		return Page{}, err
	}

	q := storage.ContextQuery{
		Scope: core.Scope{
			AgentID:   agent.ID,
			ProjectID: session.ProjectID,
			SessionID: agent.SessionID,
			TeamIDs:   agent.TeamIDs,
			Level:     agent.Permission,
		},
		Limit:    limit,
		Boundary: cur.Boundary,
		Before:   cur.Before,
	}
	items, err := s.listWithRetry(ctx, q)
	if err != nil {
		return Page{}, err
	}

	page := Page{Contexts: items}
	if len(items) == limit {
		page.NextCursor = encodeCursor(cursor{
			Boundary: cur.Boundary,
			Before:   items[len(items)-1].Seq,
		})
	}
	return page, nil
}

// listWithRetry retries exactly once on an infrastructure failure before
// classifying it as a storage error.
func (s *Service) listWithRetry(ctx context.Context, q storage.ContextQuery) ([]core.Context, error) {
	items, err := s.store.ListContexts(ctx, q)
	if err == nil {
		return items, nil
	}
	if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrValidation) {
		return nil, err
	}
	s.log.Warn().Err(err).Msg("context list failed, retrying once")
	items, err = s.store.ListContexts(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %v: %w", err, core.ErrStorage)
	}
	return items, nil
}

// Edit replaces a record's body. Only the author may edit through this path;
// asOperator widens that to the management surface. The record keeps its
// position in the log.
func (s *Service) Edit(ctx context.Context, actorID, contextID, body string, asOperator bool) (core.Context, error) {
	if body == "" {
		return core.Context{}, fmt.Errorf("empty context body: %w", core.ErrValidation)
	}
	if s.limits.MaxBodyBytes > 0 && len(body) > s.limits.MaxBodyBytes {
		return core.Context{}, fmt.Errorf("context body exceeds %d bytes: %w", s.limits.MaxBodyBytes, core.ErrValidation)
	}
	rec, err := s.store.GetContext(ctx, contextID)
	if err != nil {
		return core.Context{}, err
	}
	if !asOperator && rec.AgentID != actorID {
		return core.Context{}, fmt.Errorf("context %s: %w", contextID, core.ErrPermissionDenied)
	}
	err = s.writer.Submit(ctx, "context.edit", func(ctx context.Context) error {
		return s.store.UpdateContextBody(ctx, contextID, body)
	})
	if err != nil {
		return core.Context{}, fmt.Errorf("edit context: %w", err)
	}
	return s.store.GetContext(ctx, contextID)
}

// Delete soft-deletes a record, hiding it from every future read. Author
// only, unless invoked from the management surface.
func (s *Service) Delete(ctx context.Context, actorID, contextID string, asOperator bool) error {
	rec, err := s.store.GetContext(ctx, contextID)
	if err != nil {
		return err
	}
	if !asOperator && rec.AgentID != actorID {
		return fmt.Errorf("context %s: %w", contextID, core.ErrPermissionDenied)
	}
	err = s.writer.Submit(ctx, "context.delete", func(ctx context.Context) error {
		return s.store.SoftDeleteContext(ctx, contextID)
	})
	if err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	return nil
}

func (s *Service) activeAgent(ctx context.Context, agentID string) (core.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return core.Agent{}, err
	}
	if agent.Status != core.StatusActive {
		return core.Agent{}, core.ErrAgentNotActive
	}
	return agent, nil
}

func (s *Service) broadcast(t core.EventType, agentID string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Broadcast(core.Event{
		ID:        uuid.NewString(),
		Type:      t,
		AgentID:   agentID,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
}

// cursor pins a page run to the log as it stood when the run began.
// Boundary is the highest sequence visible to the run; Before is the
// exclusive lower bound carried from the previous page.
type cursor struct {
	Boundary uint64 `json:"b"`
	Before   uint64 `json:"a,omitempty"`
}

func (s *Service) resolveCursor(ctx context.Context, token string) (cursor, error) {
	if token == "" {
		boundary, err := s.store.MaxContextSeq(ctx)
		if err != nil {
			return cursor{}, fmt.Errorf("resolve cursor: %v: %w", err, core.ErrStorage)
		}
		return cursor{Boundary: boundary}, nil
	}
	return decodeCursor(token)
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(token string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, fmt.Errorf("malformed cursor: %w", core.ErrValidation)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return cursor{}, fmt.Errorf("malformed cursor: %w", core.ErrValidation)
	}
	if c.Boundary == 0 {
		return cursor{}, fmt.Errorf("malformed cursor: %w", core.ErrValidation)
	}
	return c, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/commune/internal/core"
	"github.com/mistakeknot/commune/internal/storage"
)

// Project operations

func (s *Store) CreateProject(ctx context.Context, p core.Project) (core.Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, fmtTime(p.CreatedAt),
	)
	if err != nil {
		return core.Project{}, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (core.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, deleted_at
		 FROM projects WHERE id = ? AND deleted_at IS NULL`, id,
	)
	p, err := scanProject(row)
	if err != nil {
		return core.Project{}, notFoundOr("project", id, err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]core.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, deleted_at
		 FROM projects WHERE deleted_at IS NULL ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []core.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SoftDeleteProject(ctx context.Context, id string) error {
	return s.softDelete(ctx, "projects", "project", id)
}

// Session operations

func (s *Store) CreateSession(ctx context.Context, sess core.Session) (core.Session, error) {
	if _, err := s.GetProject(ctx, sess.ProjectID); err != nil {
		return core.Session{}, err
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_id, name, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.Name, sess.Description,
		fmtTime(sess.CreatedAt), fmtTime(sess.UpdatedAt),
	)
	if err != nil {
		return core.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (core.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.project_id, s.name, s.description, s.created_at, s.updated_at, s.deleted_at
		 FROM sessions s
		 JOIN projects p ON p.id = s.project_id AND p.deleted_at IS NULL
		 WHERE s.id = ? AND s.deleted_at IS NULL`, id,
	)
	sess, err := scanSession(row)
	if err != nil {
		return core.Session{}, notFoundOr("session", id, err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, projectID string) ([]core.Session, error) {
	query := `SELECT s.id, s.project_id, s.name, s.description, s.created_at, s.updated_at, s.deleted_at
	 FROM sessions s
	 JOIN projects p ON p.id = s.project_id AND p.deleted_at IS NULL
	 WHERE s.deleted_at IS NULL`
	var args []any
	if projectID != "" {
		query += " AND s.project_id = ?"
		args = append(args, projectID)
	}
	query += " ORDER BY s.name ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []core.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) SoftDeleteSession(ctx context.Context, id string) error {
	return s.softDelete(ctx, "sessions", "session", id)
}

// Team operations

func (s *Store) CreateTeam(ctx context.Context, t core.Team) (core.Team, error) {
	if _, err := s.GetSession(ctx, t.SessionID); err != nil {
		return core.Team{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO teams (id, session_id, name, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Name, fmtTime(t.CreatedAt),
	)
	if err != nil {
		return core.Team{}, fmt.Errorf("create team: %w", err)
	}
	return t, nil
}

func (s *Store) ListTeams(ctx context.Context, sessionID string) ([]core.Team, error) {
	query := `SELECT id, session_id, name, created_at, deleted_at FROM teams WHERE deleted_at IS NULL`
	var args []any
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY name ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var out []core.Team
	for rows.Next() {
		var t core.Team
		var createdAt string
		var deletedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Name, &createdAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		t.DeletedAt = parseNullTime(deletedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SoftDeleteTeam(ctx context.Context, id string) error {
	return s.softDelete(ctx, "teams", "team", id)
}

// Agent operations

func (s *Store) CreateAgent(ctx context.Context, a core.Agent) (core.Agent, error) {
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

	var capsJSON any
	if len(a.Capabilities) > 0 {
		b, _ := json.Marshal(a.Capabilities)
		capsJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, display_name, session_id, permission_level, connection_id,
		                     registration_status, capabilities_json, assigned_by,
		                     created_at, updated_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DisplayName, nullIfEmpty(a.SessionID), string(a.Permission), nullIfEmpty(a.ConnectionID),
		string(a.Status), capsJSON, nullIfEmpty(a.AssignedBy),
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt), fmtTime(a.LastSeen),
	)
	if err != nil {
		return core.Agent{}, fmt.Errorf("create agent: %w", err)
	}
	return a, nil
}

const agentColumns = `a.id, a.display_name, a.session_id, a.permission_level, a.connection_id,
	a.registration_status, a.capabilities_json, a.assigned_by,
	a.created_at, a.updated_at, a.last_seen, a.deleted_at,
	(SELECT group_concat(team_id) FROM agent_teams WHERE agent_id = a.id)`

func (s *Store) GetAgent(ctx context.Context, id string) (core.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents a WHERE a.id = ? AND a.deleted_at IS NULL`, id,
	)
	a, err := scanAgent(row)
	if err != nil {
		return core.Agent{}, notFoundOr("agent", id, err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, status core.RegistrationStatus) ([]core.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents a WHERE a.deleted_at IS NULL`
	var args []any
	if status != "" {
		query += " AND a.registration_status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY a.created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) AssignAgent(ctx context.Context, agentID, sessionID string, teamIDs []string, level core.PermissionLevel, operatorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("assign agent: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET session_id = ?, permission_level = ?, assigned_by = ?,
		        registration_status = ?, updated_at = ?
		 WHERE id = ? AND registration_status = ? AND deleted_at IS NULL`,
		sessionID, string(level), nullIfEmpty(operatorID),
		string(core.StatusAssigned), fmtTime(time.Now().UTC()),
		agentID, string(core.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("assign agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("assign agent: %w", err)
	}
	if n == 0 {
		// Distinguish a missing agent from one already past pending.
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT registration_status FROM agents WHERE id = ? AND deleted_at IS NULL`, agentID,
		).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("agent %s: %w", agentID, core.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("assign agent: %w", err)
		}
		return core.ErrAlreadyAssigned
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_teams WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("assign agent teams: %w", err)
	}
	for _, teamID := range teamIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_teams (agent_id, team_id) VALUES (?, ?)`, agentID, teamID,
		); err != nil {
			return fmt.Errorf("assign agent teams: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) SetAgentPermission(ctx context.Context, agentID string, level core.PermissionLevel) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET permission_level = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		string(level), fmtTime(time.Now().UTC()), agentID,
	)
	if err != nil {
		return fmt.Errorf("set agent permission: %w", err)
	}
	return requireRow(res, "agent", agentID)
}

func (s *Store) SetAgentTeams(ctx context.Context, agentID string, teamIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set agent teams: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		fmtTime(time.Now().UTC()), agentID,
	)
	if err != nil {
		return fmt.Errorf("set agent teams: %w", err)
	}
	if err := requireRow(res, "agent", agentID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_teams WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("set agent teams: %w", err)
	}
	for _, teamID := range teamIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_teams (agent_id, team_id) VALUES (?, ?)`, agentID, teamID,
		); err != nil {
			return fmt.Errorf("set agent teams: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) BindAgentConnection(ctx context.Context, agentID, connID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bind connection: %w", err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now().UTC())
	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET connection_id = ?, registration_status = ?, last_seen = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		connID, string(core.StatusActive), now, now, agentID,
	)
	if err != nil {
		return fmt.Errorf("bind connection: %w", err)
	}
	if err := requireRow(res, "agent", agentID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE connections SET agent_id = ? WHERE id = ?`, agentID, connID,
	); err != nil {
		return fmt.Errorf("bind connection: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ClearAgentConnection(ctx context.Context, agentID, connID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET connection_id = NULL,
		        registration_status = CASE WHEN registration_status = ? THEN ? ELSE registration_status END,
		        updated_at = ?
		 WHERE id = ? AND connection_id = ?`,
		string(core.StatusActive), string(core.StatusInactive),
		fmtTime(time.Now().UTC()), agentID, connID,
	)
	if err != nil {
		return fmt.Errorf("clear connection: %w", err)
	}
	return nil
}

func (s *Store) SoftDeleteAgent(ctx context.Context, id string) error {
	return s.softDelete(ctx, "agents", "agent", id)
}

// Connection operations

func (s *Store) OpenConnection(ctx context.Context, c core.Connection) error {
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = time.Now().UTC()
	}
	// Reconnects may reuse a connection id whose previous row is closed;
	// the registry already refuses ids that are still live.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (id, remote_addr, agent_id, connected_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   remote_addr = excluded.remote_addr,
		   agent_id = excluded.agent_id,
		   connected_at = excluded.connected_at,
		   closed_at = NULL`,
		c.ID, c.RemoteAddr, nullIfEmpty(c.AgentID), fmtTime(c.ConnectedAt),
	)
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	return nil
}

func (s *Store) CloseConnection(ctx context.Context, connID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET closed_at = ? WHERE id = ? AND closed_at IS NULL`,
		fmtTime(at.UTC()), connID,
	)
	if err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

func (s *Store) ListConnections(ctx context.Context, liveOnly bool) ([]core.Connection, error) {
	query := `SELECT id, remote_addr, agent_id, connected_at, closed_at FROM connections`
	if liveOnly {
		query += " WHERE closed_at IS NULL"
	}
	query += " ORDER BY connected_at ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []core.Connection
	for rows.Next() {
		var c core.Connection
		var agentID, closedAt sql.NullString
		var connectedAt string
		if err := rows.Scan(&c.ID, &c.RemoteAddr, &agentID, &connectedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		c.AgentID = agentID.String
		c.ConnectedAt = parseTime(connectedAt)
		c.ClosedAt = parseNullTime(closedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) PruneConnections(ctx context.Context, closedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM connections WHERE closed_at IS NOT NULL AND closed_at < ?`,
		fmtTime(closedBefore.UTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("prune connections: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune connections: %w", err)
	}
	return int(n), nil
}

// Context operations

func (s *Store) InsertContext(ctx context.Context, c core.Context) (core.Context, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Context{}, fmt.Errorf("insert context: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO contexts (id, project_id, session_id, agent_id, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.SessionID, c.AgentID, c.Body,
		fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	if err != nil {
		return core.Context{}, fmt.Errorf("insert context: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return core.Context{}, fmt.Errorf("insert context: %w", err)
	}
	c.Seq = uint64(seq)

	for _, teamID := range c.TeamIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO context_teams (context_seq, team_id) VALUES (?, ?)`, seq, teamID,
		); err != nil {
			return core.Context{}, fmt.Errorf("insert context teams: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return core.Context{}, fmt.Errorf("insert context: %w", err)
	}
	return c, nil
}

const contextColumns = `c.seq, c.id, c.project_id, c.session_id, c.agent_id, c.body,
	c.created_at, c.updated_at, c.deleted_at,
	(SELECT group_concat(team_id) FROM context_teams WHERE context_seq = c.seq)`

func (s *Store) GetContext(ctx context.Context, id string) (core.Context, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contextColumns+` FROM contexts c WHERE c.id = ? AND c.deleted_at IS NULL`, id,
	)
	c, err := scanContext(row)
	if err != nil {
		return core.Context{}, notFoundOr("context", id, err)
	}
	return c, nil
}

// ListContexts pushes the requester's visibility into SQL so the scan cost
// tracks the visible slice, not the whole log. Rows are still re-checked
// with core.CanSee before they leave the store.
func (s *Store) ListContexts(ctx context.Context, q storage.ContextQuery) ([]core.Context, error) {
	query := `SELECT ` + contextColumns + `
	 FROM contexts c
	 JOIN sessions s ON s.id = c.session_id AND s.deleted_at IS NULL
	 JOIN projects p ON p.id = c.project_id AND p.deleted_at IS NULL
	 JOIN agents a ON a.id = c.agent_id AND a.deleted_at IS NULL
	 WHERE c.deleted_at IS NULL`
	var args []any

	if q.Boundary > 0 {
		query += " AND c.seq <= ?"
		args = append(args, q.Boundary)
	}
	if q.Before > 0 {
		query += " AND c.seq < ?"
		args = append(args, q.Before)
	}

	switch q.Scope.Level {
	case core.PermProject:
		query += " AND c.project_id = ?"
		args = append(args, q.Scope.ProjectID)
	case core.PermSession:
		query += " AND c.session_id = ?"
		args = append(args, q.Scope.SessionID)
	case core.PermTeam:
		if len(q.Scope.TeamIDs) == 0 {
			query += " AND c.agent_id = ?"
			args = append(args, q.Scope.AgentID)
		} else {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(q.Scope.TeamIDs)), ",")
			query += ` AND (c.agent_id = ? OR (c.session_id = ? AND EXISTS (
			 SELECT 1 FROM context_teams ct
			 WHERE ct.context_seq = c.seq AND ct.team_id IN (` + placeholders + `))))`
			args = append(args, q.Scope.AgentID, q.Scope.SessionID)
			for _, teamID := range q.Scope.TeamIDs {
				args = append(args, teamID)
			}
		}
	default:
		query += " AND c.agent_id = ?"
		args = append(args, q.Scope.AgentID)
	}

	query += " ORDER BY c.seq DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	var out []core.Context
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		if !core.CanSee(q.Scope, c) {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) MaxContextSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM contexts`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max context seq: %w", err)
	}
	return uint64(seq.Int64), nil
}

func (s *Store) UpdateContextBody(ctx context.Context, id, body string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contexts SET body = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		body, fmtTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("update context: %w", err)
	}
	return requireRow(res, "context", id)
}

func (s *Store) SoftDeleteContext(ctx context.Context, id string) error {
	return s.softDelete(ctx, "contexts", "context", id)
}

// Helpers

func (s *Store) softDelete(ctx context.Context, table, kind, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		fmtTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	return requireRow(res, kind, id)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, core.ErrNotFound)
	}
	return nil
}

func notFoundOr(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, core.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", kind, err)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func splitTeams(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	return strings.Split(s.String, ",")
}

// Scanner helpers

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (core.Project, error) {
	var p core.Project
	var createdAt string
	var deletedAt sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &createdAt, &deletedAt); err != nil {
		return core.Project{}, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.DeletedAt = parseNullTime(deletedAt)
	return p, nil
}

func scanSession(row scanner) (core.Session, error) {
	var s core.Session
	var createdAt, updatedAt string
	var deletedAt sql.NullString
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Description, &createdAt, &updatedAt, &deletedAt); err != nil {
		return core.Session{}, err
	}
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	s.DeletedAt = parseNullTime(deletedAt)
	return s, nil
}

func scanAgent(row scanner) (core.Agent, error) {
	var a core.Agent
	var sessionID, connectionID, capsJSON, assignedBy, deletedAt, teams sql.NullString
	var permission, status, createdAt, updatedAt, lastSeen string
	err := row.Scan(
		&a.ID, &a.DisplayName, &sessionID, &permission, &connectionID,
		&status, &capsJSON, &assignedBy,
		&createdAt, &updatedAt, &lastSeen, &deletedAt, &teams,
	)
	if err != nil {
		return core.Agent{}, err
	}
	a.SessionID = sessionID.String
	a.Permission = core.ParsePermissionLevel(permission)
	a.ConnectionID = connectionID.String
	a.Status = core.RegistrationStatus(status)
	if capsJSON.Valid {
		_ = json.Unmarshal([]byte(capsJSON.String), &a.Capabilities)
	}
	a.AssignedBy = assignedBy.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	a.LastSeen = parseTime(lastSeen)
	a.DeletedAt = parseNullTime(deletedAt)
	a.TeamIDs = splitTeams(teams)
	return a, nil
}

func scanContext(row scanner) (core.Context, error) {
	var c core.Context
	var seq int64
	var createdAt, updatedAt string
	var deletedAt, teams sql.NullString
	err := row.Scan(
		&seq, &c.ID, &c.ProjectID, &c.SessionID, &c.AgentID, &c.Body,
		&createdAt, &updatedAt, &deletedAt, &teams,
	)
	if err != nil {
		return core.Context{}, err
	}
	c.Seq = uint64(seq)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	c.DeletedAt = parseNullTime(deletedAt)
	c.TeamIDs = splitTeams(teams)
	return c, nil
}

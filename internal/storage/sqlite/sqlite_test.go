package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/commune/internal/core"
	"github.com/mistakeknot/commune/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type world struct {
	project core.Project
	session core.Session
	teamA   core.Team
	teamB   core.Team
}

func seedWorld(t *testing.T, st *Store) world {
	t.Helper()
	ctx := context.Background()

	project, err := st.CreateProject(ctx, core.Project{Name: "atlas"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	session, err := st.CreateSession(ctx, core.Session{ProjectID: project.ID, Name: "sprint-1"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	teamA, err := st.CreateTeam(ctx, core.Team{SessionID: session.ID, Name: "backend"})
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	teamB, err := st.CreateTeam(ctx, core.Team{SessionID: session.ID, Name: "frontend"})
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	return world{project: project, session: session, teamA: teamA, teamB: teamB}
}

func seedAssignedAgent(t *testing.T, st *Store, w world, name string, teams []string, level core.PermissionLevel) core.Agent {
	t.Helper()
	ctx := context.Background()

	a, err := st.CreateAgent(ctx, core.Agent{DisplayName: name})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := st.AssignAgent(ctx, a.ID, w.session.ID, teams, level, "op-1"); err != nil {
		t.Fatalf("assign agent: %v", err)
	}
	a, err = st.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("reload agent: %v", err)
	}
	return a
}

func writeContext(t *testing.T, st *Store, w world, agent core.Agent, body string) core.Context {
	t.Helper()
	c, err := st.InsertContext(context.Background(), core.Context{
		ProjectID: w.project.ID,
		SessionID: agent.SessionID,
		AgentID:   agent.ID,
		TeamIDs:   agent.TeamIDs,
		Body:      body,
	})
	if err != nil {
		t.Fatalf("insert context: %v", err)
	}
	return c
}

func scopeOf(a core.Agent, projectID string) core.Scope {
	return core.Scope{
		AgentID:   a.ID,
		ProjectID: projectID,
		SessionID: a.SessionID,
		TeamIDs:   a.TeamIDs,
		Level:     a.Permission,
	}
}

func TestProjectLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p, err := st.CreateProject(ctx, core.Project{Name: "atlas", Description: "main"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := st.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "atlas" || got.Description != "main" {
		t.Fatalf("unexpected project: %+v", got)
	}

	if err := st.SoftDeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetProject(ctx, p.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := st.SoftDeleteProject(ctx, p.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestCreateSessionRequiresLiveProject(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateSession(ctx, core.Session{ProjectID: "missing", Name: "x"}); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	w := seedWorld(t, st)
	if err := st.SoftDeleteProject(ctx, w.project.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := st.CreateSession(ctx, core.Session{ProjectID: w.project.ID, Name: "x"}); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found for deleted project, got %v", err)
	}
}

func TestAgentAssignment(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	w := seedWorld(t, st)

	a, err := st.CreateAgent(ctx, core.Agent{DisplayName: "Quiet Falcon 7"})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if a.Status != core.StatusPending || a.Permission != core.PermSelf {
		t.Fatalf("unexpected defaults: %+v", a)
	}

	if err := st.AssignAgent(ctx, a.ID, w.session.ID, []string{w.teamA.ID}, core.PermTeam, "op-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	got, err := st.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Status != core.StatusAssigned || got.SessionID != w.session.ID {
		t.Fatalf("unexpected post-assign state: %+v", got)
	}
	if len(got.TeamIDs) != 1 || got.TeamIDs[0] != w.teamA.ID {
		t.Fatalf("unexpected teams: %v", got.TeamIDs)
	}
	if got.Permission != core.PermTeam || got.AssignedBy != "op-1" {
		t.Fatalf("unexpected assignment fields: %+v", got)
	}

	err = st.AssignAgent(ctx, a.ID, w.session.ID, nil, core.PermSelf, "op-2")
	if !errors.Is(err, core.ErrAlreadyAssigned) {
		t.Fatalf("second assign: want ErrAlreadyAssigned, got %v", err)
	}
	if !errors.Is(err, core.ErrStateConflict) {
		t.Fatalf("ErrAlreadyAssigned must classify as state conflict")
	}

	if err := st.AssignAgent(ctx, "missing", w.session.ID, nil, core.PermSelf, "op-1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("assign missing agent: want not found, got %v", err)
	}
}

func TestBindAndClearConnection(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	w := seedWorld(t, st)
	a := seedAssignedAgent(t, st, w, "Bold Otter 3", nil, core.PermSelf)

	conn := core.Connection{ID: "conn-1", RemoteAddr: "127.0.0.1:9999"}
	if err := st.OpenConnection(ctx, conn); err != nil {
		t.Fatalf("open connection: %v", err)
	}
	if err := st.BindAgentConnection(ctx, a.ID, conn.ID); err != nil {
		t.Fatalf("bind: %v", err)
	}

	got, err := st.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Status != core.StatusActive || got.ConnectionID != conn.ID {
		t.Fatalf("bind did not activate agent: %+v", got)
	}
	conns, err := st.ListConnections(ctx, true)
	if err != nil {
		t.Fatalf("list connections: %v", err)
	}
	if len(conns) != 1 || conns[0].AgentID != a.ID {
		t.Fatalf("connection row not linked back: %+v", conns)
	}

	// A clear naming a connection the agent is no longer on must not touch
	// the binding.
	if err := st.ClearAgentConnection(ctx, a.ID, "conn-stale"); err != nil {
		t.Fatalf("stale clear: %v", err)
	}
	got, err = st.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Status != core.StatusActive || got.ConnectionID != conn.ID {
		t.Fatalf("stale clear touched the binding: %+v", got)
	}

	if err := st.ClearAgentConnection(ctx, a.ID, conn.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err = st.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Status != core.StatusInactive || got.ConnectionID != "" {
		t.Fatalf("clear did not deactivate agent: %+v", got)
	}

	// A pending agent that never connected must stay pending.
	pending, err := st.CreateAgent(ctx, core.Agent{DisplayName: "Idle Crane 1"})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := st.ClearAgentConnection(ctx, pending.ID, "conn-1"); err != nil {
		t.Fatalf("clear pending: %v", err)
	}
	got, err = st.GetAgent(ctx, pending.ID)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if got.Status != core.StatusPending {
		t.Fatalf("pending agent flipped to %s", got.Status)
	}
}

func TestCloseConnectionIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.OpenConnection(ctx, core.Connection{ID: "conn-1"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	first := time.Now().UTC().Truncate(time.Millisecond)
	if err := st.CloseConnection(ctx, "conn-1", first); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.CloseConnection(ctx, "conn-1", first.Add(time.Hour)); err != nil {
		t.Fatalf("second close: %v", err)
	}

	conns, err := st.ListConnections(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(conns) != 1 || conns[0].ClosedAt == nil {
		t.Fatalf("unexpected connections: %+v", conns)
	}
	if !conns[0].ClosedAt.Equal(first) {
		t.Fatalf("second close overwrote the original timestamp")
	}
}

func TestPruneConnections(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	for _, c := range []core.Connection{
		{ID: "stale", ConnectedAt: old},
		{ID: "recent", ConnectedAt: time.Now().UTC()},
		{ID: "live", ConnectedAt: time.Now().UTC()},
	} {
		if err := st.OpenConnection(ctx, c); err != nil {
			t.Fatalf("open %s: %v", c.ID, err)
		}
	}
	if err := st.CloseConnection(ctx, "stale", old.Add(time.Minute)); err != nil {
		t.Fatalf("close stale: %v", err)
	}
	if err := st.CloseConnection(ctx, "recent", time.Now().UTC()); err != nil {
		t.Fatalf("close recent: %v", err)
	}

	pruned, err := st.PruneConnections(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned %d rows, want 1", pruned)
	}
	conns, err := st.ListConnections(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(conns) != 2 {
		t.Fatalf("remaining connections: %+v", conns)
	}
}

func TestContextVisibility(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	w := seedWorld(t, st)

	author := seedAssignedAgent(t, st, w, "Swift Heron 2", []string{w.teamA.ID}, core.PermTeam)
	teammate := seedAssignedAgent(t, st, w, "Calm Badger 5", []string{w.teamA.ID}, core.PermTeam)
	outsider := seedAssignedAgent(t, st, w, "Red Panda 8", []string{w.teamB.ID}, core.PermTeam)
	overseer := seedAssignedAgent(t, st, w, "Grey Wolf 4", nil, core.PermSession)

	written := writeContext(t, st, w, author, "deploy window moved to 14:00")

	list := func(a core.Agent) []core.Context {
		t.Helper()
		out, err := st.ListContexts(ctx, storage.ContextQuery{Scope: scopeOf(a, w.project.ID), Limit: 50})
		if err != nil {
			t.Fatalf("list for %s: %v", a.DisplayName, err)
		}
		return out
	}

	t.Run("teammate sees shared-team context", func(t *testing.T) {
		got := list(teammate)
		if len(got) != 1 || got[0].ID != written.ID {
			t.Fatalf("teammate results: %+v", got)
		}
	})

	t.Run("other team is blind to it", func(t *testing.T) {
		if got := list(outsider); len(got) != 0 {
			t.Fatalf("outsider saw %d contexts", len(got))
		}
	})

	t.Run("session level sees everything in the session", func(t *testing.T) {
		if got := list(overseer); len(got) != 1 {
			t.Fatalf("overseer results: %d", len(got))
		}
	})

	t.Run("snapshot is frozen at write time", func(t *testing.T) {
		// Moving the author off the team later must not retract
		// visibility from records already written under it.
		if err := st.SetAgentTeams(ctx, author.ID, []string{w.teamB.ID}); err != nil {
			t.Fatalf("set teams: %v", err)
		}
		got := list(teammate)
		if len(got) != 1 {
			t.Fatalf("teammate lost access after author's reassignment: %d", len(got))
		}
		if len(got[0].TeamIDs) != 1 || got[0].TeamIDs[0] != w.teamA.ID {
			t.Fatalf("snapshot mutated: %v", got[0].TeamIDs)
		}
	})

	t.Run("teamless author keeps own contexts", func(t *testing.T) {
		solo := seedAssignedAgent(t, st, w, "Lone Ibis 6", nil, core.PermTeam)
		own := writeContext(t, st, w, solo, "solo note")
		got := list(solo)
		if len(got) != 1 || got[0].ID != own.ID {
			t.Fatalf("solo agent results: %+v", got)
		}
	})
}

func TestContextPaginationStableUnderWrites(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	w := seedWorld(t, st)
	a := seedAssignedAgent(t, st, w, "Deep Loon 9", nil, core.PermSelf)

	var written []core.Context
	for i := 0; i < 7; i++ {
		written = append(written, writeContext(t, st, w, a, "note"))
	}

	boundary, err := st.MaxContextSeq(ctx)
	if err != nil {
		t.Fatalf("max seq: %v", err)
	}

	q := storage.ContextQuery{Scope: scopeOf(a, w.project.ID), Limit: 3, Boundary: boundary}
	page1, err := st.ListContexts(ctx, q)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 3 || page1[0].Seq != written[6].Seq {
		t.Fatalf("page 1: %+v", page1)
	}

	// A write arriving between pages must not shift the later pages.
	writeContext(t, st, w, a, "late arrival")

	q.Before = page1[len(page1)-1].Seq
	page2, err := st.ListContexts(ctx, q)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 3 || page2[0].Seq != written[3].Seq {
		t.Fatalf("page 2: %+v", page2)
	}

	q.Before = page2[len(page2)-1].Seq
	page3, err := st.ListContexts(ctx, q)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if len(page3) != 1 || page3[0].Seq != written[0].Seq {
		t.Fatalf("page 3: %+v", page3)
	}

	seen := map[uint64]bool{}
	for _, page := range [][]core.Context{page1, page2, page3} {
		for _, c := range page {
			if seen[c.Seq] {
				t.Fatalf("seq %d appeared twice", c.Seq)
			}
			seen[c.Seq] = true
		}
	}
	if len(seen) != len(written) {
		t.Fatalf("pages covered %d of %d rows", len(seen), len(written))
	}
}

func TestContextEditAndSoftDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	w := seedWorld(t, st)
	a := seedAssignedAgent(t, st, w, "Keen Stork 1", nil, core.PermSelf)
	c := writeContext(t, st, w, a, "draft")

	if err := st.UpdateContextBody(ctx, c.ID, "final"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := st.GetContext(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Body != "final" {
		t.Fatalf("body = %q", got.Body)
	}
	if got.Seq != c.Seq {
		t.Fatalf("edit changed seq from %d to %d", c.Seq, got.Seq)
	}

	if err := st.SoftDeleteContext(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetContext(ctx, c.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("deleted context still readable: %v", err)
	}
	out, err := st.ListContexts(ctx, storage.ContextQuery{Scope: scopeOf(a, w.project.ID), Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("deleted context still listed")
	}
}

func TestSoftDeletedSessionHidesContexts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	w := seedWorld(t, st)
	a := seedAssignedAgent(t, st, w, "Pale Kite 0", nil, core.PermSelf)
	writeContext(t, st, w, a, "orphaned soon")

	if err := st.SoftDeleteSession(ctx, w.session.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	out, err := st.ListContexts(ctx, storage.ContextQuery{Scope: scopeOf(a, w.project.ID), Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("contexts of a deleted session still listed")
	}
}

func TestResilientStorePassesThroughConflicts(t *testing.T) {
	inner := newTestStore(t)
	st := NewResilient(inner)
	ctx := context.Background()
	w := seedWorld(t, inner)

	a, err := st.CreateAgent(ctx, core.Agent{DisplayName: "Wired Swan 3"})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := st.AssignAgent(ctx, a.ID, w.session.ID, nil, core.PermSelf, "op-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Conflicts and not-founds are domain answers: the breaker must stay
	// closed no matter how many arrive.
	for i := 0; i < 20; i++ {
		if err := st.AssignAgent(ctx, a.ID, w.session.ID, nil, core.PermSelf, "op-1"); !errors.Is(err, core.ErrAlreadyAssigned) {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if _, err := st.GetAgent(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
	if got := st.CircuitBreakerState(); got != "closed" {
		t.Fatalf("breaker state = %s", got)
	}
}

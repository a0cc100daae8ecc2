package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/commune/internal/contextstore"
	"github.com/mistakeknot/commune/internal/core"
	"github.com/mistakeknot/commune/internal/directory"
	"github.com/mistakeknot/commune/internal/dispatch"
	"github.com/mistakeknot/commune/internal/gateway"
	"github.com/mistakeknot/commune/internal/metrics"
	"github.com/mistakeknot/commune/internal/registry"
	"github.com/mistakeknot/commune/internal/storage"
)

type stack struct {
	hub     *Hub
	bus     *OpsBus
	reg     *registry.Registry
	dir     *directory.Directory
	store   *storage.InMemory
	m       *metrics.Metrics
	session core.Session
	team    core.Team
	srv     *httptest.Server
}

func newStack(t *testing.T) stack {
	t.Helper()
	ctx := context.Background()

	st := storage.NewInMemory()
	gw := gateway.New(zerolog.Nop())
	gw.Start(ctx)
	t.Cleanup(gw.Stop)

	bus := NewOpsBus()
	reg := registry.New(st, gw, bus, zerolog.Nop())
	dir := directory.New(st, gw, reg, bus, zerolog.Nop())
	svc := contextstore.New(st, gw, bus, zerolog.Nop(), contextstore.Limits{
		MaxBodyBytes: 1 << 10,
		ReadLimit:    10,
		ReadLimitMax: 50,
	})
	disp := dispatch.New(dir, svc, zerolog.Nop())
	m := metrics.New()
	hub := NewHub(reg, disp, m, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/ops", bus.Handler())
	mux.HandleFunc("/ws/", hub.Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	project, err := st.CreateProject(ctx, core.Project{Name: "atlas"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	session, err := st.CreateSession(ctx, core.Session{ProjectID: project.ID, Name: "sprint-1"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	team, err := st.CreateTeam(ctx, core.Team{SessionID: session.ID, Name: "core"})
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	return stack{hub: hub, bus: bus, reg: reg, dir: dir, store: st, m: m, session: session, team: team, srv: srv}
}

func (s stack) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.srv.URL, "http") + path
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial %s: %v", path, err)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out map[string]any
	if err := wsjson.Read(ctx, conn, &out); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	return out
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("ws write: %v", err)
	}
}

func (s stack) assignedAgent(t *testing.T) core.Agent {
	t.Helper()
	ctx := context.Background()
	a, err := s.dir.Register(ctx, "worker", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	a, err = s.dir.Assign(ctx, a.ID, s.session.ID, []string{s.team.ID}, core.PermSelf, "op-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	return a
}

func TestHubGreetingAndRegistration(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t, "/ws/")
	defer conn.Close(websocket.StatusNormalClosure, "")

	greeting := readJSON(t, conn)
	if greeting["type"] != "tool_selection_prompt" {
		t.Fatalf("greeting = %v", greeting)
	}

	writeJSON(t, conn, []any{"c", "select_tool", map[string]any{"tool": "register", "name": "scout"}})
	reply := readJSON(t, conn)
	if reply["type"] != "registration_success" {
		t.Fatalf("registration reply = %v", reply)
	}
	if reply["agent_id"] == "" {
		t.Fatal("missing agent id")
	}
}

func TestHubFullFlow(t *testing.T) {
	s := newStack(t)
	agent := s.assignedAgent(t)

	conn := s.dial(t, "/ws/")
	defer conn.Close(websocket.StatusNormalClosure, "")
	readJSON(t, conn) // greeting

	writeJSON(t, conn, []any{"c", "authenticate", map[string]any{"agent_id": agent.ID}})
	if reply := readJSON(t, conn); reply["type"] != "authentication_success" {
		t.Fatalf("authenticate reply = %v", reply)
	}

	writeJSON(t, conn, map[string]any{"method": "WriteDB", "params": map[string]any{"agent_id": agent.ID, "context": "hello"}})
	if reply := readJSON(t, conn); reply["status"] != "success" {
		t.Fatalf("write reply = %v", reply)
	}
	if got := testutil.ToFloat64(s.m.ContextsWritten); got != 1 {
		t.Fatalf("contexts written counter = %v", got)
	}

	writeJSON(t, conn, map[string]any{"method": "ReadDB", "params": map[string]any{"agent_id": agent.ID}})
	reply := readJSON(t, conn)
	contexts, ok := reply["contexts"].([]any)
	if !ok || len(contexts) != 1 {
		t.Fatalf("read reply = %v", reply)
	}
	if row := contexts[0].(map[string]any); row["context"] != "hello" {
		t.Fatalf("context row = %v", row)
	}
}

func TestHubClientSuppliedConnectionID(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t, "/ws/my-conn-1")
	defer conn.Close(websocket.StatusNormalClosure, "")
	readJSON(t, conn)

	if !s.reg.IsLive("my-conn-1") {
		t.Fatal("client-supplied connection id not registered")
	}

	// A second connection with the same id is turned away.
	dup := s.dial(t, "/ws/my-conn-1")
	defer dup.Close(websocket.StatusNormalClosure, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out map[string]any
	if err := wsjson.Read(ctx, dup, &out); err == nil {
		t.Fatalf("duplicate connection got a greeting: %v", out)
	}
}

func TestHubReleasesConnectionOnClose(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t, "/ws/closer-1")
	readJSON(t, conn)
	if s.reg.LiveCount() != 1 {
		t.Fatalf("live count = %d", s.reg.LiveCount())
	}

	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for s.reg.LiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection never released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubSurvivesGarbageFrames(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t, "/ws/")
	defer conn.Close(websocket.StatusNormalClosure, "")
	readJSON(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json at all")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readJSON(t, conn)
	if reply["status"] != "error" {
		t.Fatalf("garbage reply = %v", reply)
	}

	// The connection is still usable afterwards.
	writeJSON(t, conn, []any{"c", "select_tool", map[string]any{"tool": "read"}})
	if reply := readJSON(t, conn); reply["type"] != "agent_id_required" {
		t.Fatalf("follow-up reply = %v", reply)
	}
}

func TestOpsBusBroadcastsAgentStatus(t *testing.T) {
	s := newStack(t)
	agent := s.assignedAgent(t)

	obs := s.dial(t, "/ws/ops")
	defer obs.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for s.bus.ObserverCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn := s.dial(t, "/ws/")
	defer conn.Close(websocket.StatusNormalClosure, "")
	readJSON(t, conn)
	writeJSON(t, conn, []any{"c", "authenticate", map[string]any{"agent_id": agent.ID}})
	readJSON(t, conn)

	ev := readJSON(t, obs)
	if ev["type"] != string(core.EventAgentStatus) {
		t.Fatalf("event = %v", ev)
	}
	if ev["agent_id"] != agent.ID {
		t.Fatalf("event agent = %v", ev["agent_id"])
	}
}

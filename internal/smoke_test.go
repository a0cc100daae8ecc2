package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/commune/internal/contextstore"
	"github.com/mistakeknot/commune/internal/directory"
	"github.com/mistakeknot/commune/internal/dispatch"
	"github.com/mistakeknot/commune/internal/gateway"
	httpapi "github.com/mistakeknot/commune/internal/http"
	"github.com/mistakeknot/commune/internal/metrics"
	"github.com/mistakeknot/commune/internal/registry"
	"github.com/mistakeknot/commune/internal/storage/sqlite"
	"github.com/mistakeknot/commune/internal/ws"
)

// The smoke test assembles the real stack, SQLite included, and walks the
// agent admission path end to end over the actual wire formats.

type broker struct {
	srv *httptest.Server
}

func newBroker(t *testing.T) broker {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.NewInMemory()
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	store := sqlite.NewResilient(st)

	gw := gateway.New(zerolog.Nop())
	gw.Start(ctx)
	t.Cleanup(gw.Stop)

	bus := ws.NewOpsBus()
	reg := registry.New(store, gw, bus, zerolog.Nop())
	dir := directory.New(store, gw, reg, bus, zerolog.Nop())
	contexts := contextstore.New(store, gw, bus, zerolog.Nop(), contextstore.Limits{
		MaxBodyBytes: 1 << 16,
		ReadLimit:    20,
		ReadLimitMax: 200,
	})
	disp := dispatch.New(dir, contexts, zerolog.Nop())
	hub := ws.NewHub(reg, disp, metrics.New(), zerolog.Nop())
	svc := httpapi.NewService(store, dir, reg, contexts, gw, zerolog.Nop())

	srv := httptest.NewServer(httpapi.NewRouter(svc, hub.Handler(), bus.Handler(), nil, nil))
	t.Cleanup(srv.Close)
	return broker{srv: srv}
}

func (b broker) post(t *testing.T, path string, body, out any) {
	t.Helper()
	b.request(t, http.MethodPost, path, body, out)
}

func (b broker) request(t *testing.T, method, path string, body, out any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, b.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.Fatalf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

type agentConn struct {
	id   string
	conn *websocket.Conn
}

func (b broker) dialAgent(t *testing.T, id string) agentConn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws/" + id
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", id, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	greeting := readFrame(t, conn)
	if greeting["type"] != "tool_selection_prompt" {
		t.Fatalf("greeting = %v", greeting)
	}
	return agentConn{id: id, conn: conn}
}

func (a agentConn) send(t *testing.T, frame any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, a.conn, frame); err != nil {
		t.Fatalf("ws write: %v", err)
	}
	return readFrame(t, a.conn)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var out map[string]any
	if err := wsjson.Read(ctx, conn, &out); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	return out
}

// register runs the register tool and returns the new pending agent id.
func (a agentConn) register(t *testing.T, name string) string {
	t.Helper()
	reply := a.send(t, []any{a.id, "select_tool", map[string]any{"tool": "register", "name": name}})
	if reply["type"] != "registration_success" || reply["status"] != "pending" {
		t.Fatalf("register reply = %v", reply)
	}
	return reply["agent_id"].(string)
}

func (a agentConn) authenticate(t *testing.T, agentID string) {
	t.Helper()
	reply := a.send(t, []any{a.id, "authenticate", map[string]any{"agent_id": agentID}})
	if reply["type"] != "authentication_success" {
		t.Fatalf("authenticate reply = %v", reply)
	}
}

func (a agentConn) write(t *testing.T, agentID, body string) {
	t.Helper()
	reply := a.send(t, map[string]any{
		"method": "WriteDB",
		"params": map[string]any{"agent_id": agentID, "context": body},
	})
	if reply["status"] != "success" {
		t.Fatalf("write reply = %v", reply)
	}
}

func (a agentConn) read(t *testing.T, agentID string) []string {
	t.Helper()
	reply := a.send(t, map[string]any{
		"method": "ReadDB",
		"params": map[string]any{"agent_id": agentID},
	})
	if reply["status"] == "error" {
		t.Fatalf("read reply = %v", reply)
	}
	raw, ok := reply["contexts"].([]any)
	if !ok {
		t.Fatalf("read reply missing contexts: %v", reply)
	}
	var bodies []string
	for _, item := range raw {
		bodies = append(bodies, item.(map[string]any)["context"].(string))
	}
	return bodies
}

func TestSmokeLifecycle(t *testing.T) {
	b := newBroker(t)

	var project map[string]any
	b.post(t, "/api/projects", map[string]any{"name": "atlas"}, &project)
	var session map[string]any
	b.post(t, "/api/projects/"+project["id"].(string)+"/sessions",
		map[string]any{"name": "sprint-1"}, &session)
	sessionID := session["id"].(string)

	var redTeam, blueTeam map[string]any
	b.post(t, "/api/sessions/"+sessionID+"/teams", map[string]any{"name": "red"}, &redTeam)
	b.post(t, "/api/sessions/"+sessionID+"/teams", map[string]any{"name": "blue"}, &blueTeam)

	// Four agents covering the permission ladder: two red teammates, a
	// self-scoped blue agent, and a session-wide observer.
	assign := func(agentID, perm string, teams ...string) {
		t.Helper()
		b.post(t, "/api/agents/"+agentID+"/assign", map[string]any{
			"session_id":       sessionID,
			"team_ids":         teams,
			"permission_level": perm,
		}, nil)
	}

	redA := b.dialAgent(t, "conn-red-a")
	redAID := redA.register(t, "red-a")
	assign(redAID, "team", redTeam["id"].(string))
	redA.authenticate(t, redAID)

	redB := b.dialAgent(t, "conn-red-b")
	redBID := redB.register(t, "red-b")
	assign(redBID, "team", redTeam["id"].(string))
	redB.authenticate(t, redBID)

	blue := b.dialAgent(t, "conn-blue")
	blueID := blue.register(t, "blue")
	assign(blueID, "self", blueTeam["id"].(string))
	blue.authenticate(t, blueID)

	observer := b.dialAgent(t, "conn-observer")
	observerID := observer.register(t, "observer")
	assign(observerID, "session")
	observer.authenticate(t, observerID)

	redA.write(t, redAID, "red a progress")
	redB.write(t, redBID, "red b progress")
	blue.write(t, blueID, "blue progress")
	observer.write(t, observerID, "observer notes")

	t.Run("team scope sees teammates", func(t *testing.T) {
		bodies := redA.read(t, redAID)
		want := map[string]bool{"red a progress": true, "red b progress": true}
		if len(bodies) != 2 {
			t.Fatalf("got %v", bodies)
		}
		for _, body := range bodies {
			if !want[body] {
				t.Fatalf("unexpected context %q in %v", body, bodies)
			}
		}
	})

	t.Run("self scope sees only its own", func(t *testing.T) {
		bodies := blue.read(t, blueID)
		if len(bodies) != 1 || bodies[0] != "blue progress" {
			t.Fatalf("got %v", bodies)
		}
	})

	t.Run("session scope sees everything", func(t *testing.T) {
		bodies := observer.read(t, observerID)
		if len(bodies) != 4 {
			t.Fatalf("got %d contexts: %v", len(bodies), bodies)
		}
	})

	t.Run("impersonation refused", func(t *testing.T) {
		reply := blue.send(t, map[string]any{
			"method": "WriteDB",
			"params": map[string]any{"agent_id": redAID, "context": "spoofed"},
		})
		if reply["status"] != "error" {
			t.Fatalf("expected error, got %v", reply)
		}
	})

	t.Run("operator sees agents and connections", func(t *testing.T) {
		var agents []map[string]any
		b.request(t, http.MethodGet, "/api/agents?status=active", nil, &agents)
		if len(agents) != 4 {
			t.Fatalf("got %d active agents", len(agents))
		}

		var conns []map[string]any
		b.request(t, http.MethodGet, "/api/connections", nil, &conns)
		if len(conns) != 4 {
			t.Fatalf("got %d live connections", len(conns))
		}
	})

	t.Run("operator lists contexts through agent scope", func(t *testing.T) {
		var page map[string]any
		b.request(t, http.MethodGet, "/api/contexts?agent_id="+blueID, nil, &page)
		contexts := page["contexts"].([]any)
		if len(contexts) != 1 {
			t.Fatalf("got %d contexts for blue", len(contexts))
		}
	})
}

func TestSmokeOpsEventStream(t *testing.T) {
	b := newBroker(t)

	wsURL := "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws/ops"
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ops, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial ops: %v", err)
	}
	defer ops.Close(websocket.StatusNormalClosure, "")

	// Registration through the agent socket must surface on the ops
	// stream. The subscription races the broadcast, so retry briefly.
	deadline := time.Now().Add(2 * time.Second)
	registered := map[string]bool{}
	for {
		agent := b.dialAgent(t, "")
		registered[agent.register(t, "streamer")] = true

		readCtx, readCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		var event map[string]any
		err := wsjson.Read(readCtx, ops, &event)
		readCancel()
		if err == nil {
			if event["type"] != "agent.registered" {
				t.Fatalf("event = %v", event)
			}
			if id, _ := event["agent_id"].(string); !registered[id] {
				t.Fatalf("event for unknown agent %v", event)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no ops event: %v", err)
		}
	}
}

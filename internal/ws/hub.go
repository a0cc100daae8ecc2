// Package ws carries the agent protocol over WebSocket connections.
package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/commune/internal/dispatch"
	"github.com/mistakeknot/commune/internal/metrics"
	"github.com/mistakeknot/commune/internal/registry"
)

const writeTimeout = 5 * time.Second

// Hub accepts agent connections on /ws/{connectionId} and pumps their
// frames through the dispatcher. Clients may bring a connection id in the
// path; without one the registry mints it.
type Hub struct {
	reg  *registry.Registry
	disp *dispatch.Dispatcher
	m    *metrics.Metrics
	log  zerolog.Logger
}

func NewHub(reg *registry.Registry, disp *dispatch.Dispatcher, m *metrics.Metrics, log zerolog.Logger) *Hub {
	return &Hub{reg: reg, disp: disp, m: m, log: log}
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws"), "/")

		sock, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		conn, err := h.reg.Open(r.Context(), connID, r.RemoteAddr)
		if err != nil {
			h.log.Warn().Err(err).Str("connection_id", connID).Msg("connection rejected")
			sock.Close(websocket.StatusPolicyViolation, "connection id unavailable")
			return
		}
		h.m.ConnectionsActive.Inc()

		h.log.Info().Str("connection_id", conn.ID).Str("remote", conn.RemoteAddr).Msg("agent connected")
		h.serve(r.Context(), sock, conn.ID)

		h.m.ConnectionsActive.Dec()
		// The request context is gone once the socket drops; close out the
		// connection row on a fresh one.
		closeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := h.reg.Close(closeCtx, conn.ID); err != nil {
			h.log.Error().Err(err).Str("connection_id", conn.ID).Msg("connection close failed")
		}
		cancel()
		h.log.Info().Str("connection_id", conn.ID).Msg("agent disconnected")
	}
}

func (h *Hub) serve(ctx context.Context, sock *websocket.Conn, connID string) {
	defer sock.Close(websocket.StatusNormalClosure, "")

	if !h.send(ctx, sock, h.disp.Greeting()) {
		return
	}

	session := h.disp.NewSession(connID)
	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return
		}
		frame := dispatch.ParseFrame(data)
		resp := h.disp.HandleFrame(ctx, session, frame)
		status := "ok"
		if dispatch.IsError(resp) {
			status = "error"
		}
		h.m.RecordFrame(string(frame.Kind), status)
		if frame.Kind == dispatch.FrameWrite && status == "ok" {
			h.m.ContextsWritten.Inc()
		}
		if !h.send(ctx, sock, resp) {
			return
		}
	}
}

// send writes one message, best-effort. A false return means the socket is
// done for.
func (h *Hub) send(ctx context.Context, sock *websocket.Conn, v any) bool {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, sock, v); err != nil {
		h.log.Debug().Err(err).Msg("websocket write failed")
		return false
	}
	return true
}

package ws

import (
	"context"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/commune/internal/core"
)

// OpsBus fans domain events out to management observers connected on
// /ws/ops. Delivery is best-effort; a slow or dead observer is dropped,
// never waited on.
type OpsBus struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewOpsBus() *OpsBus {
	return &OpsBus{conns: make(map[*websocket.Conn]struct{})}
}

func (b *OpsBus) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		b.add(conn)
		defer b.remove(conn)

		// Observers only listen. Drain until the peer goes away.
		ctx := r.Context()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}
}

func (b *OpsBus) Broadcast(ev core.Event) {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, c, ev)
		cancel()
		if err != nil {
			go func(c *websocket.Conn) {
				c.Close(websocket.StatusGoingAway, "write error")
				b.remove(c)
			}(c)
		}
	}
}

func (b *OpsBus) add(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn] = struct{}{}
}

func (b *OpsBus) remove(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, conn)
}

// ObserverCount reports how many management observers are attached.
func (b *OpsBus) ObserverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

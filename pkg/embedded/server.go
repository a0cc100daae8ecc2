// Package embedded runs a commune broker inside the host process, for
// test harnesses and applications that want agent coordination without
// a separate daemon.
package embedded

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/commune/internal/auth"
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

// Config configures the embedded broker.
type Config struct {
	// DBPath is the SQLite database file. Empty means an in-memory
	// database that vanishes when the server stops.
	DBPath string

	// Addr is the listen address. Empty binds 127.0.0.1 on an
	// ephemeral port; read the chosen address back with Addr().
	Addr string

	// MaxContextBytes caps context bodies. Zero applies the default.
	MaxContextBytes int

	// Logger receives broker logs. The zero value discards them.
	Logger zerolog.Logger
}

// Server is an in-process broker.
type Server struct {
	store *sqlite.Store
	gw    *gateway.Gateway
	http  *http.Server
	ln    net.Listener

	mu      sync.Mutex
	started bool
	stop    context.CancelFunc
}

const (
	defaultMaxContextBytes = 64 * 1024
	defaultReadLimit       = 20
	defaultReadLimitMax    = 200
)

// New builds an embedded broker. Operator routes skip key auth since
// the listener only accepts loopback traffic by default.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.MaxContextBytes <= 0 {
		cfg.MaxContextBytes = defaultMaxContextBytes
	}

	var (
		st  *sqlite.Store
		err error
	)
	if cfg.DBPath == "" {
		st, err = sqlite.NewInMemory()
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); mkErr != nil {
			return nil, fmt.Errorf("create db dir: %w", mkErr)
		}
		st, err = sqlite.New(cfg.DBPath)
	}
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	st.SetLogger(cfg.Logger.With().Str("component", "sqlite").Logger())
	store := sqlite.NewResilient(st)

	gw := gateway.New(cfg.Logger.With().Str("component", "gateway").Logger())

	bus := ws.NewOpsBus()
	reg := registry.New(store, gw, bus, cfg.Logger.With().Str("component", "registry").Logger())
	dir := directory.New(store, gw, reg, bus, cfg.Logger.With().Str("component", "directory").Logger())
	contexts := contextstore.New(store, gw, bus, cfg.Logger.With().Str("component", "contexts").Logger(), contextstore.Limits{
		MaxBodyBytes: cfg.MaxContextBytes,
		ReadLimit:    defaultReadLimit,
		ReadLimitMax: defaultReadLimitMax,
	})
	disp := dispatch.New(dir, contexts, cfg.Logger.With().Str("component", "dispatch").Logger())

	m := metrics.New()
	hub := ws.NewHub(reg, disp, m, cfg.Logger.With().Str("component", "ws").Logger())

	svc := httpapi.NewService(store, dir, reg, contexts, gw, cfg.Logger.With().Str("component", "http").Logger())
	keyring := auth.NewKeyring(true, nil)
	router := httpapi.NewRouter(svc, hub.Handler(), bus.Handler(), m.Handler(), auth.Middleware(keyring))

	return &Server{
		store: st,
		gw:    gw,
		http:  &http.Server{Addr: cfg.Addr, Handler: router},
	}, nil
}

// Start binds the listener and serves in a goroutine. Calling Start on
// a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	s.ln = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.gw.Start(ctx)

	s.started = true
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "commune embedded server: %v\n", err)
		}
	}()
	return nil
}

// Stop drains the HTTP server, halts the write gateway, and closes the
// database.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	s.stop()
	s.gw.Stop()
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Addr returns the bound listen address. Empty until Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// URL returns the base HTTP URL for the running server.
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

// WebSocketURL returns the agent endpoint for the given connection id.
func (s *Server) WebSocketURL(connID string) string {
	return fmt.Sprintf("ws://%s/ws/%s", s.Addr(), connID)
}

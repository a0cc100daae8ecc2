package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewRequiresAddr(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without addr")
	}
}

func TestUnixSocketLifecycle(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "commune.sock")
	srv, err := New(Config{
		Addr:       "127.0.0.1:0",
		SocketPath: sock,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if srv.SocketPath() != sock {
		t.Fatalf("socket path = %q, want %q", srv.SocketPath(), sock)
	}

	if _, err := os.Stat(sock); err != nil {
		t.Fatalf("socket not created: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Fatalf("socket file left behind after shutdown")
	}
}

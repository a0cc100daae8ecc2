package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/commune/internal/auth"
	"github.com/mistakeknot/commune/internal/config"
	"github.com/mistakeknot/commune/internal/contextstore"
	"github.com/mistakeknot/commune/internal/directory"
	"github.com/mistakeknot/commune/internal/dispatch"
	"github.com/mistakeknot/commune/internal/gateway"
	httpapi "github.com/mistakeknot/commune/internal/http"
	"github.com/mistakeknot/commune/internal/metrics"
	"github.com/mistakeknot/commune/internal/registry"
	"github.com/mistakeknot/commune/internal/server"
	"github.com/mistakeknot/commune/internal/storage/sqlite"
	"github.com/mistakeknot/commune/internal/ws"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	st, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	st.SetLogger(logger.With().Str("component", "sqlite").Logger())
	store := sqlite.NewResilient(st)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(logger.With().Str("component", "gateway").Logger())
	gw.Start(ctx)
	defer gw.Stop()

	bus := ws.NewOpsBus()
	reg := registry.New(store, gw, bus, logger.With().Str("component", "registry").Logger())
	dir := directory.New(store, gw, reg, bus, logger.With().Str("component", "directory").Logger())
	contexts := contextstore.New(store, gw, bus, logger.With().Str("component", "contexts").Logger(), contextstore.Limits{
		MaxBodyBytes: cfg.MaxContextBytes,
		ReadLimit:    cfg.ReadLimit,
		ReadLimitMax: cfg.ReadLimitMax,
	})
	disp := dispatch.New(dir, contexts, logger.With().Str("component", "dispatch").Logger())

	m := metrics.New()
	hub := ws.NewHub(reg, disp, m, logger.With().Str("component", "ws").Logger())

	keysPath := cfg.KeysFile
	if keysPath == "" {
		keysPath = auth.ResolveKeysPath()
	}
	keyring, err := auth.LoadKeyring(keysPath)
	if err != nil {
		return err
	}

	svc := httpapi.NewService(store, dir, reg, contexts, gw, logger.With().Str("component", "http").Logger())
	var metricsHandler http.Handler
	if !cfg.DisableMetrics {
		metricsHandler = m.Handler()
	}
	router := httpapi.NewRouter(svc, hub.Handler(), bus.Handler(), metricsHandler, auth.Middleware(keyring))

	srv, err := server.New(server.Config{
		Addr:       cfg.ListenAddr,
		SocketPath: cfg.SocketPath,
		Handler:    router,
	})
	if err != nil {
		return err
	}

	if !cfg.DisableSweeper {
		prune := func(ctx context.Context, closedBefore time.Time) (int, error) {
			var n int
			err := gw.Submit(ctx, "connections.prune", func(ctx context.Context) error {
				var err error
				n, err = store.PruneConnections(ctx, closedBefore)
				return err
			})
			return n, err
		}
		sweeper := sqlite.NewSweeper(prune, logger.With().Str("component", "sweeper").Logger(), cfg.SweepInterval, cfg.SweepRetention)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	go pollQueueDepth(ctx, gw, m)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info().Str("addr", cfg.ListenAddr).Str("db", cfg.DBPath).Msg("broker listening")

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func pollQueueDepth(ctx context.Context, gw *gateway.Gateway, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.WriteQueueDepth.Set(float64(gw.Depth()))
		}
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var w io.Writer = os.Stderr
	if cfg.DevConsole {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoravur/room-presence/internal/api"
	"github.com/zoravur/room-presence/internal/config"
	"github.com/zoravur/room-presence/internal/journal"
	"github.com/zoravur/room-presence/internal/presence"
)

type Server struct {
	cfg        config.Config
	log        *zap.Logger
	httpServer *http.Server
	Registry   *presence.Registry
	Coord      *presence.Coordinator
	ws         *api.WSHandler

	store   *journal.PGStore
	journal *journal.Consumer
}

// NewServer wires the coordinator, the websocket handler and, when
// cfg.JournalDSN is set, the presence journal.
func NewServer(ctx context.Context, cfg config.Config, log *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, log: log}

	opts := []presence.Option{presence.WithLogger(log.Named("presence"))}
	if cfg.JournalDSN != "" {
		store, err := journal.Open(ctx, cfg.JournalDSN)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		s.store = store
		s.journal = journal.NewConsumer(store, 1024, log.Named("journal"))
		opts = append(opts, presence.WithObserver(s.journal))
		log.Info("presence journal enabled")
	}

	s.Registry = presence.NewRegistry()
	s.Coord = presence.NewCoordinator(s.Registry, opts...)
	s.ws = api.NewWSHandler(s.Coord, cfg, log)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.SetupRoutes(s.ws, s.Coord, log),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Run serves until ctx is cancelled or a component fails, then shuts the HTTP
// server down within cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	defer func() {
		if s.store != nil {
			s.store.Close()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Coord.Run(ctx)
	})
	if s.journal != nil {
		g.Go(func() error {
			return s.journal.Run(ctx)
		})
	}

	// --- HTTP server ---
	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// --- graceful shutdown ---
	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.ws.Close()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

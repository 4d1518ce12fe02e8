package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zoravur/room-presence/internal/presence"
)

func SetupRoutes(ws *WSHandler, coord *presence.Coordinator, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(log))

	r.Get("/healthz", handleHealth)
	r.Get("/ws", ws.HandleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", handleStats(coord))
	})

	return r
}

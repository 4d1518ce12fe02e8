package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/zoravur/room-presence/internal/logutil"
	"github.com/zoravur/room-presence/internal/presence"
)

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats reports room and connection counts. Rooms are not listed.
func handleStats(coord *presence.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := coord.Stats(r.Context())
		if err != nil {
			http.Error(w, "coordinator unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, r, http.StatusOK, stats)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logutil.FromContext(r.Context()).Warn("write response", zap.Error(err))
	}
}

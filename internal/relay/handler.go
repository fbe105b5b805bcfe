package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	controllers, agents, total := s.Relay.Registry.Counts()
	_, hasFrame := s.Relay.Frames.Latest()
	resp := map[string]any{
		"status":         "ok",
		"version":        s.Config.Version,
		"profile":        s.Config.Profile,
		"clients":        total,
		"controllers":    controllers,
		"agents":         agents,
		"has_screenshot": hasFrame,
		"traffic":        s.Relay.Traffic.Snapshot(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if t := s.Relay.Frames.UpdatedAt(); !t.IsZero() {
		resp["frame_updated_at"] = t.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFrame is the polling fallback for browsers that cannot hold a
// WebSocket open.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	data, updated, ok := s.Relay.Frames.JPEG()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Last-Modified", updated.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusNotFound, "audit log disabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}
	events, err := s.Store.Recent(limit, r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"sessions": s.Relay.Registry.Sessions(),
	})
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

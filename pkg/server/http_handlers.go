package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	s.sessMu.Lock()
	activeSessions := len(s.sessions)
	s.sessMu.Unlock()

	health := map[string]interface{}{
		"status":          "healthy",
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"active_sessions": activeSessions,
		"online_users":    len(s.presence.Online()),
		"known_users":     s.db.CountUsers(),
		"queued_messages": s.router.QueuedTotal(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}

package realtime

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pppalooza/palooza/go/internal/realtime/events"
)

// HandleGameSocket upgrades a client and, when game_id is supplied in
// the query, subscribes it immediately so simple clients skip the
// subscribe round-trip.
func (s *Service) HandleGameSocket(w http.ResponseWriter, r *http.Request) {
	// In production the user id comes from the auth collaborator's
	// token; the query parameter keeps local development simple.
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anonymous"
	}

	gameID := r.URL.Query().Get("game_id")
	if gameID != "" {
		if _, err := uuid.Parse(gameID); err != nil {
			http.Error(w, "invalid game_id format", http.StatusBadRequest)
			return
		}
	}

	conn, err := s.hub.Upgrade(w, r, userID)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	if gameID != "" {
		s.handleSubscribe(conn, &events.Message{
			Type:   events.TypeSubscribe,
			GameID: gameID,
			UserID: userID,
		})
	}
}

// HandleRoomStats serves room stats for the presence collaborator.
func (s *Service) HandleRoomStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := struct {
		Connections int         `json:"connections"`
		Rooms       interface{} `json:"rooms"`
	}{
		Connections: s.hub.Count(),
		Rooms:       s.rooms.RoomStats(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to encode room stats")
	}
}

// RegisterRoutes attaches the gateway's HTTP surface to a mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/game", s.HandleGameSocket)
	mux.HandleFunc("/api/rooms", s.HandleRoomStats)
}

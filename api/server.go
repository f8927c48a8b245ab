package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/wricardo/ctorgame/game/config"
	"github.com/wricardo/ctorgame/game/service"
	"github.com/wricardo/ctorgame/game/session"
)

// maxPresetBody bounds POST /api/presets request bodies
const maxPresetBody = 16 << 10

// Server represents the REST API server
type Server struct {
	service service.GameService
	ws      http.Handler
	router  *mux.Router
}

// NewServer creates a new API server. ws serves the game protocol at /ws and
// may be nil for a read-only API.
func NewServer(gameService service.GameService, ws http.Handler) *Server {
	s := &Server{
		service: gameService,
		ws:      ws,
		router:  mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	// Games are read-only here; gameplay happens over /ws
	api.HandleFunc("/games", s.handleListGames).Methods("GET")
	api.HandleFunc("/games/{id}", s.handleGetGame).Methods("GET")
	api.HandleFunc("/games/{id}/history", s.handleGetHistory).Methods("GET")

	// Presets
	api.HandleFunc("/presets", s.handleListPresets).Methods("GET")
	api.HandleFunc("/presets", s.handleCreatePreset).Methods("POST")
	api.HandleFunc("/presets/{name}", s.handleGetPreset).Methods("GET")

	// Maintenance
	api.HandleFunc("/sweep", s.handleSweep).Methods("POST")

	if s.ws != nil {
		s.router.Handle("/ws", s.ws)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": message, "code": code})
}

// respondServiceError maps domain errors onto HTTP statuses
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, config.ErrPresetNotFound):
		respondError(w, http.StatusNotFound, session.CodeNotFound, err.Error())
		return
	case errors.Is(err, config.ErrInvalidPreset):
		respondError(w, http.StatusBadRequest, session.CodeValidation, err.Error())
		return
	}

	code, message := session.PublicError(err)
	status := http.StatusInternalServerError
	switch code {
	case session.CodeValidation:
		status = http.StatusBadRequest
	case session.CodeNotFound, session.CodeGameNotFound:
		status = http.StatusNotFound
	case session.CodeConflict:
		status = http.StatusConflict
	case session.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	respondError(w, status, code, message)
}

// queryInt parses a non-negative integer query parameter, returning def when absent
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return v, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Game Handlers

func (s *Server) handleListGames(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, session.CodeValidation, err.Error())
		return
	}

	games, err := s.service.ListGames(r.Context(), service.ListOptions{
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"games": games,
		"count": len(games),
	})
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	game, err := s.service.GetGame(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, game)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	gameID := mux.Vars(r)["id"]

	page, err := queryInt(r, "page", 1)
	if err != nil {
		respondError(w, http.StatusBadRequest, session.CodeValidation, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, session.CodeValidation, err.Error())
		return
	}

	history, err := s.service.GetHistory(r.Context(), gameID, service.HistoryOptions{
		Page:  page,
		Limit: limit,
		Order: r.URL.Query().Get("order"),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, history)
}

// Preset Handlers

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := s.service.ListPresets(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, presets)
}

func (s *Server) handleGetPreset(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSuffix(mux.Vars(r)["name"], ".json")

	preset, err := s.service.GetPreset(r.Context(), name)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, preset)
}

func (s *Server) handleCreatePreset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PresetID string `json:"preset_id"`
		config.Preset
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPresetBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, session.CodeInvalidJSON, "Invalid request body")
		return
	}
	if req.PresetID == "" {
		respondError(w, http.StatusBadRequest, session.CodeValidation, "preset_id is required")
		return
	}

	if err := s.service.SavePreset(r.Context(), req.PresetID, &req.Preset); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message":   "Preset saved successfully",
		"preset_id": strings.TrimSuffix(req.PresetID, ".json"),
	})
}

// Maintenance Handlers

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Sweep(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

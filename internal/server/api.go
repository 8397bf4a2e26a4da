package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

func (a *App) apiRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/pastPolls", a.handlePastPolls)
	mux.HandleFunc("GET /api/participants", a.handleParticipants)
	mux.HandleFunc("GET /api/poll", a.handlePoll)
	return mux
}

// handlePastPolls lists completed polls, oldest first.
func (a *App) handlePastPolls(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.coordinator.History())
}

func (a *App) handleParticipants(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string][]string{
		"participants": a.coordinator.Participants(),
	})
}

func (a *App) handlePoll(w http.ResponseWriter, r *http.Request) {
	status, err := a.coordinator.Status(r.Context())
	if err != nil {
		a.logger.Warn("Poll status unavailable", slog.Any("error", err))
		a.writeError(w, http.StatusServiceUnavailable, "session is not running")
		return
	}
	a.writeJSON(w, http.StatusOK, status)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("Failed to encode JSON response", slog.Any("error", err))
	}
}

func (a *App) writeError(w http.ResponseWriter, statusCode int, message string) {
	a.writeJSON(w, statusCode, errorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}

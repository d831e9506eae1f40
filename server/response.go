package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/caretide/dispatch/errors"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine errors onto HTTP statuses: unknown shifts
// are 404, illegal lifecycle transitions are 409, everything else 500.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsNotFoundError(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.IsInvalidTransitionError(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeShiftError is writeEngineError plus the shift's latest audit entry,
// so a rejected intervention shows what the shift last did.
func (s *Server) writeShiftError(w http.ResponseWriter, r *http.Request, shiftID string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.IsInvalidTransitionError(err):
		status = http.StatusConflict
	}
	body := map[string]any{"error": err.Error()}
	if entries, aerr := s.engine.Audits().Stream(r.Context(), shiftID); aerr == nil && len(entries) > 0 {
		last := entries[len(entries)-1]
		body["last_audit"] = map[string]any{
			"seq":        last.Seq,
			"kind":       last.Kind,
			"created_at": last.CreatedAt,
		}
	}
	writeJSON(w, status, body)
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return err
	}
	return nil
}

// shortID truncates an id to 8 characters for logging
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

package server

import (
	"net/http"
	"time"

	"github.com/caretide/dispatch/audit"
	"github.com/caretide/dispatch/dispatch"
	"github.com/caretide/dispatch/errors"
	"github.com/caretide/dispatch/gateway"
	"github.com/caretide/dispatch/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	clientCount := len(s.clients)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         version.Get().Short(),
		"ws_clients":      clientCount,
		"broadcast_drops": s.broadcastDrops.Load(),
		"time":            time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleOpenShift(w http.ResponseWriter, r *http.Request) {
	var spec dispatch.ShiftSpec
	if err := readJSON(w, r, &spec); err != nil {
		return
	}
	sh, err := s.engine.OpenShift(r.Context(), spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Infow("Shift opened via API", "shift_id", shortID(sh.ID), "client_id", sh.ClientID)
	writeJSON(w, http.StatusCreated, sh)
}

// ShiftDetail is the full read model for one shift.
type ShiftDetail struct {
	Shift      *dispatch.Shift      `json:"shift"`
	Candidates []dispatch.Candidate `json:"candidates"`
	Waves      []dispatch.Wave      `json:"waves"`
	Decision   *dispatch.Decision   `json:"decision,omitempty"`
}

func (s *Server) handleGetShift(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	store := s.engine.ShiftStore()

	sh, err := store.GetShift(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	candidates, err := store.ListCandidates(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	waves, err := store.ListWaves(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	decision, err := store.GetDecision(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ShiftDetail{
		Shift:      sh,
		Candidates: candidates,
		Waves:      waves,
		Decision:   decision,
	})
}

type actorRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleCancelShift(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req actorRequest
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			return
		}
	}
	if err := s.engine.CancelShift(r.Context(), id, req.Actor); err != nil {
		s.writeShiftError(w, r, id, err)
		return
	}
	s.logger.Infow("Shift cancelled via API", "shift_id", shortID(id), "actor", req.Actor)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleForceAssign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		CaregiverID string `json:"caregiver_id"`
		Actor       string `json:"actor"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.CaregiverID == "" {
		writeError(w, http.StatusBadRequest, "caregiver_id is required")
		return
	}
	if err := s.engine.ForceAssign(r.Context(), id, req.CaregiverID, req.Actor); err != nil {
		s.writeShiftError(w, r, id, err)
		return
	}
	s.logger.Infow("Shift force-assigned via API",
		"shift_id", shortID(id), "caregiver_id", req.CaregiverID, "actor", req.Actor)
	writeJSON(w, http.StatusOK, map[string]string{"status": "assigned", "caregiver_id": req.CaregiverID})
}

func (s *Server) handleReopenShift(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req actorRequest
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			return
		}
	}
	if err := s.engine.ReopenShift(r.Context(), id, req.Actor); err != nil {
		s.writeShiftError(w, r, id, err)
		return
	}
	s.logger.Infow("Shift reopened via API", "shift_id", shortID(id), "actor", req.Actor)
	writeJSON(w, http.StatusOK, map[string]string{"status": "open"})
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.engine.ShiftStore().GetShift(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	entries, err := s.engine.Audits().Stream(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"shift_id": id,
		"entries":  entries,
	})
}

// handleReplay folds the audit trail into derived state, letting operators
// verify the log fully explains a shift's outcome.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.engine.ShiftStore().GetShift(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	entries, err := s.engine.Audits().Stream(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	state, err := audit.Fold(entries)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleInboundReply is the webhook the messaging gateway posts caregiver
// replies to. Accepted means queued for reconciliation, not applied.
func (s *Server) handleInboundReply(w http.ResponseWriter, r *http.Request) {
	var reply gateway.InboundReply
	if err := readJSON(w, r, &reply); err != nil {
		return
	}
	if err := s.engine.SubmitReply(r.Context(), reply); err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, err.Error())
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleDeliveryConfirmation(w http.ResponseWriter, r *http.Request) {
	var conf gateway.DeliveryConfirmation
	if err := readJSON(w, r, &conf); err != nil {
		return
	}
	if err := s.engine.SubmitDeliveryConfirmation(r.Context(), conf); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

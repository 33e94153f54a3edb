package httpapi

import (
	"net/http"

	"github.com/agentruntime/core/model"
)

type startTurnRequest struct {
	UserMessage   messageResponse `json:"user_message"`
	PersonalityID string          `json:"personality_id"`
	SessionID     string          `json:"session_id,omitempty"`
	TurnID        string          `json:"turn_id,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// handleStartTurn implements POST /v1/turns: validates and forwards to
// TurnManager.StartTurn, returning 202 with {turn_id, trace_id} per
// spec.md §8's happy-path scenario. turn_id in the request body is
// accepted for wire-contract compatibility but is not yet honored as
// a client-supplied idempotency key; TurnManager always mints its own.
func (h *handlers) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	var req startTurnRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}

	userInput := model.Message{Role: req.UserMessage.Role, Content: req.UserMessage.Content}
	turnID, traceID, err := h.turns.StartTurn(r.Context(), userInput, req.PersonalityID, req.SessionID, req.Metadata)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, startTurnResponse{TurnID: turnID, TraceID: traceID})
}

// handleGetTurn implements GET /v1/turns/{turn_id}: returns the current
// Turn snapshot, including plan/final_response/error_info/metrics.
func (h *handlers) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	turnID := r.PathValue("turn_id")
	if turnID == "" {
		writeMappedError(w, invalidRequestError("turn_id is required"))
		return
	}

	turn, err := h.turns.GetTurn(r.Context(), turnID)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, turnToResponse(turn))
}

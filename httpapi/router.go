// Package httpapi is the thin HTTP surface spec.md §6 calls out as an
// external collaborator: POST /v1/turns and GET /v1/turns/{turn_id},
// both backed directly by turn.Manager. Grounded on the teacher's own
// examples/coding-agent/server/internal/httpapi router (ServeMux with
// Go 1.22 method+pattern routes, JSON error-mapping helpers) adapted
// from its runs/* surface to the turns/* surface this spec names.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/agentruntime/core/model"
)

// TurnService is the subset of turn.Manager the HTTP layer depends on.
type TurnService interface {
	StartTurn(ctx context.Context, userInput model.Message, personalityID, sessionID string, metadata map[string]any) (turnID, traceID string, err error)
	GetTurn(ctx context.Context, turnID string) (model.Turn, error)
}

type handlers struct {
	turns TurnService
	log   *slog.Logger
}

// NewRouter builds the POST /v1/turns + GET /v1/turns/{turn_id} mux.
func NewRouter(turns TurnService, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &handlers{turns: turns, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/turns", h.handleStartTurn)
	mux.HandleFunc("GET /v1/turns/{turn_id}", h.handleGetTurn)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	return mux
}

func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

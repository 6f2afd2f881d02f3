package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/polyglot-runner/internal/apperror"
	"github.com/sakif/polyglot-runner/internal/auth"
	"github.com/sakif/polyglot-runner/internal/model"
)

// History is the read side of the execution service.
type History interface {
	List(ctx context.Context, clientID string, limit, offset int) ([]model.Execution, error)
	Get(ctx context.Context, clientID, id string) (*model.Execution, error)
}

// HistoryHandler serves past executions. Authenticated clients only see
// their own; with auth disabled everything is visible.
type HistoryHandler struct {
	history History
	logger  *slog.Logger
}

func NewHistoryHandler(history History, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{history: history, logger: logger}
}

// HandleList serves GET /api/executions?limit=20&offset=0.
func (h *HistoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}

	clientID, _ := auth.ClientIDFromContext(r.Context())
	executions, err := h.history.List(r.Context(), clientID, limit, offset)
	if err != nil {
		h.logger.Error("listing executions failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": executions,
		"count":      len(executions),
	})
}

// HandleGet serves GET /api/executions/{id}.
func (h *HistoryHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	clientID, _ := auth.ClientIDFromContext(r.Context())
	exec, err := h.history.Get(r.Context(), clientID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// queryInt reads an optional non-negative integer query parameter.
// Missing means zero, which the service turns into its default.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.ValidationFailed(name, name+" must be a non-negative integer")
	}
	return n, nil
}

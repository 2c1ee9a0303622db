package agent

import (
	"net/http"
	"strconv"

	"github.com/xela07ax/agentgate/internal/audit"
	"github.com/xela07ax/agentgate/internal/engine"
	"go.uber.org/zap"
)

// DecisionsHandler — admin-просмотр журнала решений гвардов.
type DecisionsHandler struct {
	reader audit.Reader
	logger *zap.Logger
}

func NewDecisionsHandler(reader audit.Reader, logger *zap.Logger) *DecisionsHandler {
	return &DecisionsHandler{reader: reader, logger: logger.Named("decisions")}
}

// List возвращает последние решения с фильтрацией
// GET /admin/decisions?guard=...&user_id=...&denied=true&limit=...
func (h *DecisionsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.DecisionFilter{
		Guard:  q.Get("guard"),
		UserID: q.Get("user_id"),
	}
	f.DeniedOnly, _ = strconv.ParseBool(q.Get("denied"))
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			engine.WriteError(w, http.StatusBadRequest, "bad_request", "invalid-limit")
			return
		}
		f.Limit = n
	}

	events, err := h.reader.FetchDecisions(r.Context(), f)
	if err != nil {
		h.logger.Error("failed to fetch decisions", zap.String("trace_id", engine.TraceIDFrom(r.Context())), zap.Error(err))
		engine.WriteError(w, http.StatusServiceUnavailable, engine.CodeServiceUnavailable, "")
		return
	}
	engine.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "decisions": events})
}

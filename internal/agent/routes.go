package agent

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agentgate/internal/domain"
	"github.com/xela07ax/agentgate/internal/engine"
	"github.com/xela07ax/agentgate/internal/policy"
	"go.uber.org/zap"
)

var (
	regular = domain.RouteClassification{RequiresAllowlist: true}
	exempt  = domain.RouteClassification{RequiresAllowlist: true, ExemptPathPrefixes: []string{policy.DefaultExemptPrefix}}
	admin   = domain.RouteClassification{RequiresAllowlist: true, RequiresAdmin: true}
)

// Routes — таблица маршрутов агентской подсистемы относительно base path.
// decisions может быть nil (журнал пишется только в лог): тогда маршрут не регистрируется.
func Routes(hub *Hub, memory *MemoryHandler, decisions *DecisionsHandler) []engine.Route {
	routes := []engine.Route{
		{Method: http.MethodGet, Pattern: "/status", Handler: http.HandlerFunc(Status), Class: regular},

		{Method: http.MethodGet, Pattern: "/memory", Handler: http.HandlerFunc(memory.List), Class: exempt},
		{Method: http.MethodGet, Pattern: "/memory/{key}", Handler: http.HandlerFunc(memory.Get), Class: exempt},
		{Method: http.MethodPut, Pattern: "/memory/{key}", Handler: http.HandlerFunc(memory.Put), Class: exempt},
		{Method: http.MethodDelete, Pattern: "/memory/{key}", Handler: http.HandlerFunc(memory.Delete), Class: exempt},

		{Method: http.MethodGet, Pattern: "/admin/sessions", Handler: http.HandlerFunc(hub.listSessions), Class: admin},
		{Method: http.MethodPost, Pattern: "/admin/sessions/{id}/close", Handler: http.HandlerFunc(hub.closeSession), Class: admin},
	}
	if decisions != nil {
		routes = append(routes, engine.Route{Method: http.MethodGet, Pattern: "/admin/decisions", Handler: http.HandlerFunc(decisions.List), Class: admin})
	}
	return routes
}

// Status отдает идентичность и уровень окружения. Список пиров и админов не раскрывается.
func Status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"ok":      true,
		"user_id": engine.IdentityFrom(r.Context()).UserID,
		"time":    time.Now().UTC(),
	}
	if g := engine.GateFrom(r.Context()); g != nil {
		resp["environment"] = g.Snapshot().Tier()
	}
	engine.WriteJSON(w, http.StatusOK, resp)
}

func (h *Hub) listSessions(w http.ResponseWriter, _ *http.Request) {
	engine.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": h.Sessions()})
}

func (h *Hub) closeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	forwarded, err := h.Close(r.Context(), id)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		engine.WriteError(w, http.StatusNotFound, engine.CodeNotFound, "")
	case err != nil:
		h.logger.Error("close session failed", zap.String("session_id", id), zap.Error(err))
		engine.WriteError(w, http.StatusServiceUnavailable, engine.CodeServiceUnavailable, "")
	case forwarded:
		// сессия не на этом инстансе: команда ушла в шину, исполнение не подтверждается
		h.logger.Info("session close forwarded",
			zap.String("session_id", id),
			zap.String("by", engine.IdentityFrom(r.Context()).UserID),
		)
		engine.WriteJSON(w, http.StatusAccepted, map[string]any{"ok": true, "forwarded": true})
	default:
		h.logger.Info("session closed by admin",
			zap.String("session_id", id),
			zap.String("by", engine.IdentityFrom(r.Context()).UserID),
		)
		engine.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "forwarded": false})
	}
}

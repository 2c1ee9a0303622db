package agent

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agentgate/internal/domain"
	"github.com/xela07ax/agentgate/internal/engine"
	"go.uber.org/zap"
)

const (
	maxKeyLen   = 256
	maxBodySize = 64 << 10
)

// MemoryHandler — key-value память агента. Маршруты exempt: пускаются с любого адреса,
// поэтому все операции привязаны к идентичности из цепочки.
type MemoryHandler struct {
	store  engine.MemoryStore
	logger *zap.Logger
}

func NewMemoryHandler(store engine.MemoryStore, logger *zap.Logger) *MemoryHandler {
	return &MemoryHandler{store: store, logger: logger.Named("memory")}
}

type putRequest struct {
	Value string `json:"value"`
}

func (h *MemoryHandler) List(w http.ResponseWriter, r *http.Request) {
	id := engine.IdentityFrom(r.Context())
	entries, err := h.store.List(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	engine.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "entries": entries})
}

func (h *MemoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	e, err := h.store.Get(r.Context(), engine.IdentityFrom(r.Context()).UserID, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	engine.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "entry": e})
}

func (h *MemoryHandler) Put(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	var req putRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		engine.WriteError(w, http.StatusBadRequest, "bad_request", "invalid-body")
		return
	}
	e, err := h.store.Put(r.Context(), engine.IdentityFrom(r.Context()).UserID, key, req.Value)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	engine.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "entry": e})
}

func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), engine.IdentityFrom(r.Context()).UserID, key); err != nil {
		h.fail(w, r, err)
		return
	}
	engine.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *MemoryHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		engine.WriteError(w, http.StatusNotFound, engine.CodeNotFound, "")
		return
	}
	h.logger.Error("memory store failed", zap.String("trace_id", engine.TraceIDFrom(r.Context())), zap.Error(err))
	engine.WriteError(w, http.StatusServiceUnavailable, engine.CodeServiceUnavailable, "memory-unavailable")
}

func keyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "key")
	if key == "" || len(key) > maxKeyLen {
		engine.WriteError(w, http.StatusBadRequest, "bad_request", "invalid-key")
		return "", false
	}
	return key, true
}

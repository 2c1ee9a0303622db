package agent

/*
Файл hub.go — реалтайм-канал агента поверх WebSocket.

Апгрейд выполняется только здесь, то есть после всех гвардов цепочки.
Операции admin.* внутри сессии проверяются тем же AdminGuard, что и HTTP-маршруты.
*/

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/xela07ax/agentgate/internal/domain"
	"github.com/xela07ax/agentgate/internal/engine"
	"go.uber.org/zap"
)

var ErrSessionNotFound = errors.New("session not found")

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// SessionBus доставляет команду закрытия сессии на инстанс, который ее держит.
type SessionBus interface {
	PublishClose(ctx context.Context, sessionID string) error
}

type Request struct {
	ID        string `json:"id"`
	Op        string `json:"op"`
	Key       string `json:"key,omitempty"`
	Value     string `json:"value,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type Response struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
	Data   any    `json:"data,omitempty"`
}

type session struct {
	info     domain.SessionInfo
	identity *domain.Identity
	gate     *engine.Gate
	conn     *websocket.Conn
	writeMu  sync.Mutex
	closed   sync.Once
}

func (s *session) send(resp Response) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(resp)
}

func (s *session) close(reason string) {
	s.closed.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(writeWait))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

type Hub struct {
	upgrader websocket.Upgrader
	store    engine.MemoryStore
	bus      SessionBus
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHub. При пустом uiOrigin действует проверка origin по умолчанию gorilla (same-host).
func NewHub(store engine.MemoryStore, bus SessionBus, uiOrigin string, logger *zap.Logger) *Hub {
	h := &Hub{
		store:    store,
		bus:      bus,
		logger:   logger.Named("ws"),
		sessions: make(map[string]*session),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if uiOrigin != "" {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return o == "" || o == uiOrigin
		}
	}
	return h
}

// ServeHTTP — терминальный обработчик WS path.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := engine.IdentityFrom(r.Context())
	if !identity.Authenticated() {
		engine.WriteError(w, http.StatusUnauthorized, engine.CodeUnauthorized, string(domain.ReasonUnauthenticated))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// gorilla уже записал ответ с ошибкой
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)
	// после Hijack на соединении остается ReadTimeout http.Server
	_ = conn.SetReadDeadline(time.Time{})

	s := &session{
		info: domain.SessionInfo{
			ID:          uuid.New().String(),
			UserID:      identity.UserID,
			Peer:        r.RemoteAddr,
			ConnectedAt: time.Now().UTC(),
		},
		identity: identity,
		gate:     engine.GateFrom(r.Context()),
		conn:     conn,
	}
	h.register(s)
	defer h.unregister(s)

	h.logger.Info("session opened", zap.String("session_id", s.info.ID), zap.String("user_id", s.info.UserID))
	h.readLoop(r.Context(), s)
}

func (h *Hub) readLoop(ctx context.Context, s *session) {
	for {
		var req Request
		if err := s.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.ClosePolicyViolation) {
				h.logger.Warn("session read failed", zap.String("session_id", s.info.ID), zap.Error(err))
			}
			return
		}
		if err := s.send(h.dispatch(ctx, s, req)); err != nil {
			h.logger.Warn("session write failed", zap.String("session_id", s.info.ID), zap.Error(err))
			return
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, s *session, req Request) Response {
	resp := Response{ID: req.ID}
	userID := s.identity.UserID

	switch req.Op {
	case "ping":
		resp.OK, resp.Data = true, "pong"

	case "memory.get":
		return h.memoryResult(resp, func() (any, error) { return h.store.Get(ctx, userID, req.Key) })
	case "memory.put":
		return h.memoryResult(resp, func() (any, error) { return h.store.Put(ctx, userID, req.Key, req.Value) })
	case "memory.delete":
		return h.memoryResult(resp, func() (any, error) { return nil, h.store.Delete(ctx, userID, req.Key) })
	case "memory.list":
		return h.memoryResult(resp, func() (any, error) { return h.store.List(ctx, userID) })

	case "admin.sessions", "admin.close":
		if s.gate == nil {
			resp.Error, resp.Reason = engine.CodeForbidden, string(domain.ReasonNotAdmin)
			return resp
		}
		if d := s.gate.CheckAdmin(ctx, s.identity, req.Op); !d.Allow {
			resp.Error, resp.Reason = engine.CodeForbidden, d.Reason.Public()
			return resp
		}
		if req.Op == "admin.sessions" {
			resp.OK, resp.Data = true, h.Sessions()
			return resp
		}
		forwarded, err := h.Close(ctx, req.SessionID)
		switch {
		case errors.Is(err, ErrSessionNotFound):
			resp.Error = engine.CodeNotFound
			return resp
		case err != nil:
			h.logger.Error("close session failed", zap.String("session_id", req.SessionID), zap.Error(err))
			resp.Error = engine.CodeServiceUnavailable
			return resp
		}
		resp.OK, resp.Data = true, map[string]any{"forwarded": forwarded}

	default:
		resp.Error = "unknown_op"
	}
	return resp
}

func (h *Hub) memoryResult(resp Response, fn func() (any, error)) Response {
	data, err := fn()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		resp.Error = engine.CodeNotFound
	case err != nil:
		h.logger.Error("memory store failed", zap.Error(err))
		resp.Error, resp.Reason = engine.CodeServiceUnavailable, "memory-unavailable"
	default:
		resp.OK, resp.Data = true, data
	}
	return resp
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.info.ID] = s
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.info.ID)
	h.mu.Unlock()
	s.close("bye")
	h.logger.Info("session closed", zap.String("session_id", s.info.ID))
}

// Sessions — снимок живых сессий этого инстанса, по времени подключения.
func (h *Hub) Sessions() []domain.SessionInfo {
	h.mu.RLock()
	out := make([]domain.SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.info)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// CloseLocal закрывает сессию, если она живет на этом инстансе.
func (h *Hub) CloseLocal(id string) bool {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	if ok {
		s.close("closed by admin")
	}
	return ok
}

// Close закрывает сессию локально, иначе отправляет команду через шину.
// forwarded=true означает только публикацию в шину: доставка не подтверждается,
// и для ID, которого нет ни на одном инстансе, команда просто никем не будет исполнена.
func (h *Hub) Close(ctx context.Context, id string) (forwarded bool, err error) {
	if id == "" {
		return false, ErrSessionNotFound
	}
	if h.CloseLocal(id) {
		return false, nil
	}
	if h.bus == nil {
		return false, ErrSessionNotFound
	}
	if err := h.bus.PublishClose(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// Shutdown закрывает все сессии при остановке сервера.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	all := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.close("server shutdown")
	}
}

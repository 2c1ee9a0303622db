package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/agentgate/internal/engine"
	"github.com/xela07ax/agentgate/internal/infra"
	"go.uber.org/zap"
)

// Probe — проверка зависимости для /ready (Redis, Postgres).
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server — HTTP-периметр шлюза: глобальные middleware, health-эндпоинты и точка
// монтирования агентской подсистемы.
type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    infra.ServerConfig
	probes []Probe

	mount *engine.MountResult
}

func New(cfg infra.ServerConfig, logger *zap.Logger, probes ...Probe) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger.Named("http"),
		cfg:    cfg,
		probes: probes,
	}
	s.routes()
	return s
}

// Router — server handle для engine.Mount.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) Handler() http.Handler { return s.router }

// SetMount сохраняет результат монтирования для /ready. Вызывается один раз до старта.
func (s *Server) SetMount(res *engine.MountResult) { s.mount = res }

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	if s.cfg.TrustProxy {
		// Только за доверенным прокси: иначе X-Forwarded-For подменяет адрес пира для allowlist
		r.Use(middleware.RealIP)
	}
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	// --- 2. Health (вне агентского base path, без гвардов) ---
	live := func(w http.ResponseWriter, _ *http.Request) {
		engine.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "alive"})
	}
	r.Get("/health", live)
	r.Get("/healthz", live)
	r.Get("/ready", s.ready)
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.probes))
	ok := true
	for _, p := range s.probes {
		if err := p.Check(ctx); err != nil {
			ok = false
			checks[p.Name] = "down"
			s.logger.Warn("readiness probe failed", zap.String("probe", p.Name), zap.Error(err))
			continue
		}
		checks[p.Name] = "up"
	}

	agentState := "unmounted"
	if s.mount != nil {
		agentState = s.mount.State.String()
	}

	status := http.StatusOK
	if !ok || s.mount == nil {
		status = http.StatusServiceUnavailable
	}
	engine.WriteJSON(w, status, map[string]any{"ok": status == http.StatusOK, "checks": checks, "agent": agentState})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})
}

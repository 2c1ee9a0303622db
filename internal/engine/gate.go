package engine

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/xela07ax/agentgate/internal/audit"
	"github.com/xela07ax/agentgate/internal/domain"
	"github.com/xela07ax/agentgate/internal/policy"
	"go.uber.org/zap"
)

// Gate связывает неизменяемый снапшот политики с гвардами и побочными каналами
// (метрики, лог, аудит). После создания не меняется.
type Gate struct {
	snap      *domain.PolicySnapshot
	allowlist *policy.AllowlistGuard
	admin     *policy.AdminGuard
	auth      Authenticator
	logger    *zap.Logger
	metrics   *Metrics
	auditor   audit.Auditor
}

type GateDeps struct {
	Auth    Authenticator
	Logger  *zap.Logger
	Metrics *Metrics
	Auditor audit.Auditor
}

func NewGate(snap *domain.PolicySnapshot, basePath string, exempt []string, deps GateDeps) *Gate {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	return &Gate{
		snap:      snap,
		allowlist: policy.NewAllowlistGuard(snap, basePath, exempt),
		admin:     policy.NewAdminGuard(snap),
		auth:      deps.Auth,
		logger:    deps.Logger.Named("gate"),
		metrics:   deps.Metrics,
		auditor:   deps.Auditor,
	}
}

func (g *Gate) Snapshot() *domain.PolicySnapshot { return g.snap }

// CheckPeer — allowlist для вызовов вне HTTP-роутера (gRPC). path — полное имя метода,
// он идет только в аудит: exempt-маршрутов у gRPC нет.
func (g *Gate) CheckPeer(ctx context.Context, peer, path string) domain.GuardDecision {
	d := g.allowlist.EvaluatePeer(peer)
	g.emit(ctx, d, audit.DecisionEvent{Peer: peer, Method: "GRPC", Path: path})
	return d
}

// CheckAdmin — admin-гвард для привилегированных операций внутри уже открытой сессии (WS).
func (g *Gate) CheckAdmin(ctx context.Context, identity *domain.Identity, op string) domain.GuardDecision {
	d := g.admin.Evaluate(identity, true)
	ev := audit.DecisionEvent{Method: "WS", Path: op, Upgrade: true}
	if identity != nil {
		ev.UserID = identity.UserID
	}
	g.emit(ctx, d, ev)
	return d
}

func (g *Gate) record(r *http.Request, d domain.GuardDecision) {
	ev := audit.DecisionEvent{
		Peer:    r.RemoteAddr,
		Method:  r.Method,
		Path:    r.URL.Path,
		Upgrade: strings.EqualFold(r.Header.Get("Upgrade"), "websocket"),
	}
	if id := IdentityFrom(r.Context()); id != nil {
		ev.UserID = id.UserID
	}
	g.emit(r.Context(), d, ev)
}

// emit — единая точка: метрика, лог и аудит. Внутренняя причина уходит только сюда.
func (g *Gate) emit(ctx context.Context, d domain.GuardDecision, ev audit.DecisionEvent) {
	g.metrics.observeDecision(d)

	ev.ID = uuid.New().String()
	ev.TraceID = TraceIDFrom(ctx)
	ev.Guard = string(d.Guard)
	ev.Allow = d.Allow
	ev.Reason = string(d.Reason)

	fields := []zap.Field{
		zap.String("trace_id", ev.TraceID),
		zap.String("guard", ev.Guard),
		zap.String("reason", ev.Reason),
		zap.String("peer", ev.Peer),
		zap.String("path", ev.Path),
	}
	switch {
	case d.Reason == domain.ReasonFailSecureNoAdmins:
		g.logger.Warn("admin operation blocked: no admin users configured in production", fields...)
	case !d.Allow:
		g.logger.Info("guard rejected request", fields...)
	default:
		g.logger.Debug("guard passed", fields...)
	}

	if g.auditor != nil {
		g.auditor.Log(ev)
	}
}

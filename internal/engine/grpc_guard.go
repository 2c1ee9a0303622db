package engine

import (
	"context"

	"github.com/xela07ax/agentgate/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// AgentHealthService — имя сервиса в grpc.health.v1, отражающее состояние монтирования.
const AgentHealthService = "agentgate.agent"

// TokenVerifier — то же, что auth.TokenValidator; объявлен здесь, чтобы engine не зависел от infra.
type TokenVerifier interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

// GRPCGuard применяет те же гварды к gRPC-вызовам: allowlist по peer, admin по методу.
type GRPCGuard struct {
	res          *MountResult
	verifier     TokenVerifier
	adminMethods map[string]bool
}

func NewGRPCGuard(res *MountResult, v TokenVerifier, adminMethods ...string) *GRPCGuard {
	g := &GRPCGuard{res: res, verifier: v, adminMethods: make(map[string]bool, len(adminMethods))}
	for _, m := range adminMethods {
		g.adminMethods[m] = true
	}
	return g
}

// UnaryInterceptor проверяет вызов до хендлера
func (g *GRPCGuard) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if g.res == nil || g.res.State != StateActive {
			return nil, status.Error(codes.Unavailable, string(domain.ReasonAgentDisabled))
		}
		gate := g.res.Gate

		// 1. Allowlist по адресу пира
		addr := ""
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			addr = p.Addr.String()
		}
		if d := gate.CheckPeer(ctx, addr, info.FullMethod); !d.Allow {
			return nil, status.Error(codes.PermissionDenied, d.Reason.Public())
		}

		if !g.adminMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		// 2. Идентичность из метаданных (в gRPC заголовки в нижнем регистре)
		identity := g.identity(ctx)
		d := gate.CheckAdmin(ctx, identity, info.FullMethod)
		if !d.Allow {
			if d.Reason == domain.ReasonUnauthenticated {
				return nil, status.Error(codes.Unauthenticated, d.Reason.Public())
			}
			return nil, status.Error(codes.PermissionDenied, d.Reason.Public())
		}
		return handler(withIdentity(ctx, identity), req)
	}
}

func (g *GRPCGuard) identity(ctx context.Context) *domain.Identity {
	if g.verifier == nil {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	tokens := md.Get("authorization")
	if len(tokens) == 0 {
		return nil
	}
	claims, err := g.verifier.VerifyToken(tokens[0])
	if err != nil {
		return nil
	}
	return &domain.Identity{UserID: claims.UserID, Scopes: claims.Scopes}
}

// NewGRPCServer собирает gRPC-сервер с guard-интерсептором и health-сервисом.
func NewGRPCServer(guard *GRPCGuard) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.UnaryInterceptor(guard.UnaryInterceptor()))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	agentStatus := healthpb.HealthCheckResponse_NOT_SERVING
	if guard.res != nil && guard.res.State == StateActive {
		agentStatus = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus(AgentHealthService, agentStatus)
	healthpb.RegisterHealthServer(srv, hs)

	return srv, hs
}

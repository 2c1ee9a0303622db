package engine

import (
	"net/http"

	"github.com/xela07ax/agentgate/internal/domain"
	"github.com/xela07ax/agentgate/internal/policy"
)

// Authenticator — внешний шаг аутентификации. Ошибка трактуется как отсутствие идентичности.
type Authenticator interface {
	Authenticate(r *http.Request) (*domain.Identity, error)
}

// Step — один шаг цепочки гвардов. Порядок шагов задается только BuildChain.
type Step struct {
	Guard domain.GuardName
	Wrap  func(http.Handler) http.Handler
}

// BuildChain собирает шаги в фиксированном порядке: allowlist -> auth -> admin.
// Allowlist пропускается, если маршрут его не требует, admin пропускается для непривилегированных.
// pattern задается относительно base path; по нему и классификации решается исключение из allowlist.
func (g *Gate) BuildChain(pattern string, class domain.RouteClassification) []Step {
	steps := make([]Step, 0, 3)
	if class.RequiresAllowlist {
		steps = append(steps, Step{Guard: domain.GuardAllowlist, Wrap: g.allowlistStep(RouteExempt(pattern, class))})
	}
	steps = append(steps, Step{Guard: domain.GuardAuth, Wrap: g.authStep})
	if class.RequiresAdmin {
		steps = append(steps, Step{Guard: domain.GuardAdmin, Wrap: g.adminStep})
	}
	return steps
}

// Compose оборачивает handler так, что steps[0] выполняется первым.
func Compose(steps []Step, h http.Handler) http.Handler {
	for i := len(steps) - 1; i >= 0; i-- {
		h = steps[i].Wrap(h)
	}
	return h
}

// Guards возвращает имена шагов в порядке выполнения (для MountResult и логов).
func Guards(steps []Step) []domain.GuardName {
	out := make([]domain.GuardName, len(steps))
	for i, s := range steps {
		out[i] = s.Guard
	}
	return out
}

// RouteExempt: маршрут минует allowlist, если его шаблон лежит под фиксированным
// memory-префиксом или под ExemptPathPrefixes его собственной классификации.
func RouteExempt(pattern string, class domain.RouteClassification) bool {
	prefixes := append([]string{policy.DefaultExemptPrefix}, class.ExemptPathPrefixes...)
	return policy.ExemptRoute(pattern, prefixes)
}

// allowlistStep. exempt фиксируется при регистрации маршрута: путь запроса
// (в том числе с закодированными "%2F..") на решение не влияет.
func (g *Gate) allowlistStep(exempt bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := domain.Allow(domain.GuardAllowlist, domain.ReasonExempt)
			if !exempt {
				d = g.allowlist.EvaluatePeer(r.RemoteAddr)
			}
			g.record(r, d)
			if !d.Allow {
				writeRejection(w, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Gate) authStep(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var identity *domain.Identity
		if g.auth != nil {
			identity, _ = g.auth.Authenticate(r)
		}
		if !identity.Authenticated() {
			d := domain.Deny(domain.GuardAuth, domain.ReasonUnauthenticated)
			g.record(r, d)
			writeRejection(w, d)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
	})
}

func (g *Gate) adminStep(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.admin.Evaluate(IdentityFrom(r.Context()), true)
		g.record(r, d)
		if !d.Allow {
			writeRejection(w, d)
			return
		}
		next.ServeHTTP(w, r)
	})
}

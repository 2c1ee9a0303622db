package policy

import (
	"github.com/xela07ax/agentgate/internal/domain"
)

// AdminGuard решает по идентичности, можно ли выполнять привилегированную операцию.
//
// Асимметрия production/development намеренная: пустой список админов в production
// блокирует все, вне production пускает любого аутентифицированного.
type AdminGuard struct {
	snap *domain.PolicySnapshot
}

func NewAdminGuard(snap *domain.PolicySnapshot) *AdminGuard {
	return &AdminGuard{snap: snap}
}

func (g *AdminGuard) Evaluate(identity *domain.Identity, routeRequiresAdmin bool) domain.GuardDecision {
	if !routeRequiresAdmin {
		return domain.Allow(domain.GuardAdmin, domain.ReasonNotRequired)
	}
	if !identity.Authenticated() {
		return domain.Deny(domain.GuardAdmin, domain.ReasonUnauthenticated)
	}

	if g.snap.AdminCount() == 0 {
		if g.snap.Tier() == domain.TierProduction {
			return domain.Deny(domain.GuardAdmin, domain.ReasonFailSecureNoAdmins)
		}
		return domain.Allow(domain.GuardAdmin, domain.ReasonDevOpen)
	}

	if g.snap.IsAdmin(identity.UserID) {
		return domain.Allow(domain.GuardAdmin, domain.ReasonAdmin)
	}
	return domain.Deny(domain.GuardAdmin, domain.ReasonNotAdmin)
}

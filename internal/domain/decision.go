package domain

// Reason — машинно-читаемая причина решения гварда.
type Reason string

const (
	ReasonExempt         Reason = "exempt"
	ReasonDevLocal       Reason = "dev-local"
	ReasonMatched        Reason = "matched"
	ReasonNotAllowlisted Reason = "not-allowlisted"

	ReasonUnauthenticated    Reason = "unauthenticated"
	ReasonFailSecureNoAdmins Reason = "fail-secure-no-admins"
	ReasonDevOpen            Reason = "dev-open"
	ReasonAdmin              Reason = "admin"
	ReasonNotAdmin           Reason = "not-admin"

	ReasonAgentDisabled Reason = "agent-disabled"
)

// Public возвращает код, который можно отдать клиенту.
// fail-secure не раскрывается: снаружи не должно быть видно, что список админов пуст.
func (r Reason) Public() string {
	if r == ReasonFailSecureNoAdmins {
		return string(ReasonNotAdmin)
	}
	return string(r)
}

// GuardName различает гварды в логах, метриках и аудите.
type GuardName string

const (
	GuardAllowlist GuardName = "allowlist"
	GuardAuth      GuardName = "auth"
	GuardAdmin     GuardName = "admin"
	GuardMount     GuardName = "mount"
)

// GuardDecision живет только в пределах одного запроса.
type GuardDecision struct {
	Guard  GuardName
	Allow  bool
	Reason Reason
}

func Allow(g GuardName, r Reason) GuardDecision { return GuardDecision{Guard: g, Allow: true, Reason: r} }

func Deny(g GuardName, r Reason) GuardDecision { return GuardDecision{Guard: g, Allow: false, Reason: r} }

// ReasonNotRequired — маршрут не помечен как админский, гвард пропущен.
const ReasonNotRequired Reason = "not-required"

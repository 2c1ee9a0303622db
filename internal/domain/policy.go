package domain

import (
	"net/netip"
	"strings"
)

// EnvironmentTier определяет, какие послабления или ужесточения действуют в гвардах.
type EnvironmentTier string

const (
	TierDevelopment EnvironmentTier = "development"
	TierProduction  EnvironmentTier = "production"
	TierOther       EnvironmentTier = "other"
)

// ParseTier приводит произвольную строку окружения к одному из трех уровней.
func ParseTier(raw string) EnvironmentTier {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "development", "dev", "local":
		return TierDevelopment
	case "production", "prod":
		return TierProduction
	default:
		return TierOther
	}
}

// MatcherKind — тип сопоставителя сетевого адреса.
type MatcherKind int

const (
	MatchLiteral   MatcherKind = iota + 1 // конкретный IP
	MatchPrefix                           // CIDR-подсеть
	MatchLocalhost                        // имя "localhost"
	MatchWildcard                         // "*", только явно
)

// PeerMatcher сопоставляет адрес подключившегося клиента.
type PeerMatcher struct {
	Kind   MatcherKind
	Addr   netip.Addr
	Prefix netip.Prefix
}

func LiteralPeer(addr netip.Addr) PeerMatcher {
	return PeerMatcher{Kind: MatchLiteral, Addr: addr.Unmap()}
}

func PrefixPeer(p netip.Prefix) PeerMatcher {
	return PeerMatcher{Kind: MatchPrefix, Prefix: p.Masked()}
}

func LocalhostPeer() PeerMatcher { return PeerMatcher{Kind: MatchLocalhost} }

func WildcardPeer() PeerMatcher { return PeerMatcher{Kind: MatchWildcard} }

// Matches проверяет нормализованный адрес пира. host: исходная строка без порта
// (нужна для "localhost"), addr может быть невалидным, если host не IP.
func (m PeerMatcher) Matches(host string, addr netip.Addr) bool {
	switch m.Kind {
	case MatchWildcard:
		return true
	case MatchLocalhost:
		return strings.EqualFold(host, "localhost")
	case MatchLiteral:
		return addr.IsValid() && addr == m.Addr
	case MatchPrefix:
		return addr.IsValid() && m.Prefix.Contains(addr)
	default:
		return false
	}
}

func (m PeerMatcher) String() string {
	switch m.Kind {
	case MatchWildcard:
		return "*"
	case MatchLocalhost:
		return "localhost"
	case MatchLiteral:
		return m.Addr.String()
	case MatchPrefix:
		return m.Prefix.String()
	default:
		return "invalid"
	}
}

// DefaultPeers — набор по умолчанию, если список не задан: {127.0.0.1, ::1, localhost}.
func DefaultPeers() []PeerMatcher {
	return []PeerMatcher{
		LiteralPeer(netip.AddrFrom4([4]byte{127, 0, 0, 1})),
		LiteralPeer(netip.IPv6Loopback()),
		LocalhostPeer(),
	}
}

// PolicySnapshot создается один раз при монтировании и больше не меняется.
// Поля закрыты, наружу отдаются только копии.
type PolicySnapshot struct {
	enabled      bool
	tier         EnvironmentTier
	allowedPeers []PeerMatcher
	adminUsers   map[string]struct{}
}

// NewPolicySnapshot копирует входные данные, чтобы вызывающий не мог изменить снапшот задним числом.
func NewPolicySnapshot(enabled bool, tier EnvironmentTier, peers []PeerMatcher, admins []string) *PolicySnapshot {
	s := &PolicySnapshot{
		enabled:      enabled,
		tier:         tier,
		allowedPeers: append([]PeerMatcher(nil), peers...),
		adminUsers:   make(map[string]struct{}, len(admins)),
	}
	for _, id := range admins {
		s.adminUsers[id] = struct{}{}
	}
	return s
}

func (s *PolicySnapshot) Enabled() bool { return s.enabled }

func (s *PolicySnapshot) Tier() EnvironmentTier { return s.tier }

func (s *PolicySnapshot) AllowedPeers() []PeerMatcher {
	return append([]PeerMatcher(nil), s.allowedPeers...)
}

func (s *PolicySnapshot) HasWildcard() bool {
	for _, m := range s.allowedPeers {
		if m.Kind == MatchWildcard {
			return true
		}
	}
	return false
}

// MatchPeer — true, если хотя бы один сопоставитель принимает адрес.
func (s *PolicySnapshot) MatchPeer(host string, addr netip.Addr) bool {
	for _, m := range s.allowedPeers {
		if m.Matches(host, addr) {
			return true
		}
	}
	return false
}

func (s *PolicySnapshot) AdminCount() int { return len(s.adminUsers) }

func (s *PolicySnapshot) IsAdmin(userID string) bool {
	_, ok := s.adminUsers[userID]
	return ok
}

// RouteClassification прикрепляется к маршруту при регистрации.
// Маршруты под ExemptPathPrefixes (относительно base path) минуют allowlist и защищены только аутентификацией.
type RouteClassification struct {
	RequiresAllowlist  bool
	RequiresAdmin      bool
	ExemptPathPrefixes []string
}

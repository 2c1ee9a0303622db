package policy

import (
	"net"
	"net/netip"
	"path"
	"strings"

	"github.com/xela07ax/agentgate/internal/domain"
)

// DefaultExemptPrefix — семейство memory-эндпоинтов, защищенное только идентичностью.
const DefaultExemptPrefix = "/memory"

// AllowlistGuard — чистый предикат по адресу пира и пути. Общего изменяемого состояния нет.
type AllowlistGuard struct {
	snap     *domain.PolicySnapshot
	basePath string
	exempt   []string
}

// NewAllowlistGuard. exemptPrefixes задаются относительно basePath ("/memory").
func NewAllowlistGuard(snap *domain.PolicySnapshot, basePath string, exemptPrefixes []string) *AllowlistGuard {
	g := &AllowlistGuard{snap: snap, basePath: cleanPath(basePath)}
	if g.basePath == "/" {
		g.basePath = ""
	}
	for _, p := range exemptPrefixes {
		if p = cleanPath(p); p != "/" {
			g.exempt = append(g.exempt, p)
		}
	}
	return g
}

// Evaluate порядок проверок: exempt -> dev-local -> allowlist -> отказ.
// routePath должен быть тем путем, по которому маршрутизирует роутер (r.URL.EscapedPath()).
func (g *AllowlistGuard) Evaluate(peerAddress, routePath string) domain.GuardDecision {
	if g.IsExempt(routePath) {
		return domain.Allow(domain.GuardAllowlist, domain.ReasonExempt)
	}
	return g.EvaluatePeer(peerAddress)
}

// EvaluatePeer проверяет только адрес пира. Используется шагом цепочки маршрута,
// у которого исключение уже решено при регистрации.
func (g *AllowlistGuard) EvaluatePeer(peerAddress string) domain.GuardDecision {
	host, addr := ParsePeer(peerAddress)

	if g.snap.Tier() == domain.TierDevelopment && isLocal(host, addr) {
		return domain.Allow(domain.GuardAllowlist, domain.ReasonDevLocal)
	}

	if g.snap.MatchPeer(host, addr) {
		return domain.Allow(domain.GuardAllowlist, domain.ReasonMatched)
	}

	return domain.Deny(domain.GuardAllowlist, domain.ReasonNotAllowlisted)
}

// IsExempt сравнивает по границе сегмента: "/memory" покрывает "/memory/x", но не "/memoryx".
// Неканонический путь ("/memory/../admin", "//memory") исключением не считается.
func (g *AllowlistGuard) IsExempt(routePath string) bool {
	if !canonical(routePath) {
		return false
	}
	p := cleanPath(routePath)
	if g.basePath != "" {
		if p != g.basePath && !strings.HasPrefix(p, g.basePath+"/") {
			return false
		}
		p = strings.TrimPrefix(p, g.basePath)
	}
	return underPrefix(p, g.exempt)
}

// ExemptRoute решает по шаблону маршрута (относительно base path), минует ли он allowlist.
// Вызывается один раз при регистрации; путь запроса на решение не влияет.
func ExemptRoute(pattern string, prefixes []string) bool {
	if !canonical(pattern) {
		return false
	}
	clean := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = cleanPath(p); p != "/" {
			clean = append(clean, p)
		}
	}
	return underPrefix(cleanPath(pattern), clean)
}

func underPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// canonical: путь совпадает со своей нормализованной формой (допускается завершающий слэш).
func canonical(p string) bool {
	if p == "" {
		return true
	}
	c := cleanPath(p)
	return p == c || p == c+"/"
}

// ParsePeer отделяет порт, скобки и зону; IPv4-mapped IPv6 сводится к IPv4.
func ParsePeer(remote string) (string, netip.Addr) {
	host := strings.TrimSpace(remote)
	if ap, err := netip.ParseAddrPort(host); err == nil {
		return ap.Addr().Unmap().WithZone("").String(), ap.Addr().Unmap().WithZone("")
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return host, netip.Addr{}
	}
	addr = addr.Unmap().WithZone("")
	return addr.String(), addr
}

func isLocal(host string, addr netip.Addr) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	return addr.IsValid() && addr.IsLoopback()
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

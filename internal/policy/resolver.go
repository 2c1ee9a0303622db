package policy

/*
Environment Resolver: один раз при монтировании превращает сырые значения окружения
в неизменяемый PolicySnapshot. Дальше ни один гвард не читает окружение сам.

Правила:
- пустой список пиров => {127.0.0.1, ::1, localhost}, "без ограничений" по умолчанию не бывает;
- "*" в production => ConfigurationError, в остальных окружениях => предупреждение в лог;
- пустой список админов валиден: в production он блокирует все админские операции;
- окружение не задано => development с предупреждением в лог.
*/

import (
	"net/netip"
	"strings"

	"github.com/xela07ax/agentgate/internal/domain"
	"go.uber.org/zap"
)

// RawConfig — значения в том виде, в каком они пришли из конфигурации/ENV.
type RawConfig struct {
	Enabled      bool
	AllowedPeers string // через запятую
	AdminUsers   string // через запятую
	Environment  string
}

// Resolve строит снапшот политики или возвращает *ConfigurationError.
func Resolve(raw RawConfig, logger *zap.Logger) (*domain.PolicySnapshot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("policy")

	tier := domain.ParseTier(raw.Environment)
	if strings.TrimSpace(raw.Environment) == "" {
		// Деплой без AGENT_ENVIRONMENT/APP_ENV/NODE_ENV получает dev-послабления: это должно быть видно
		tier = domain.TierDevelopment
		logger.Warn("policy warning: environment is not set, defaulting to development (dev-local and dev-open relaxations apply)")
	}

	peers, err := ParsePeers(raw.AllowedPeers)
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		peers = domain.DefaultPeers()
	}

	snap := domain.NewPolicySnapshot(raw.Enabled, tier, peers, ParseUsers(raw.AdminUsers))

	if snap.HasWildcard() {
		if tier == domain.TierProduction {
			logger.Error("wildcard peer allowlist rejected in production")
			return nil, configErr("allowed_ips", "wildcard \"*\" is not permitted when environment is production")
		}
		logger.Warn("policy warning: wildcard peer allowlist accepted outside production",
			zap.String("environment", string(tier)))
	}

	if snap.AdminCount() == 0 {
		if tier == domain.TierProduction {
			logger.Warn("policy warning: no admin users configured, all privileged operations are blocked (fail-secure)")
		} else {
			logger.Warn("policy warning: no admin users configured, any authenticated identity is treated as admin",
				zap.String("environment", string(tier)))
		}
	}

	logger.Info("agent policy resolved",
		zap.Bool("enabled", snap.Enabled()),
		zap.String("environment", string(tier)),
		zap.Int("allowed_peers", len(peers)),
		zap.Int("admin_users", snap.AdminCount()),
	)
	return snap, nil
}

// ParsePeers разбирает список пиров. Пустой ввод дает пустой слайс, а не wildcard.
func ParsePeers(list string) ([]domain.PeerMatcher, error) {
	var out []domain.PeerMatcher
	for _, tok := range splitList(list) {
		switch {
		case tok == "*":
			out = append(out, domain.WildcardPeer())
		case strings.EqualFold(tok, "localhost"):
			out = append(out, domain.LocalhostPeer())
		case strings.Contains(tok, "/"):
			p, err := netip.ParsePrefix(tok)
			if err != nil {
				return nil, configErr("allowed_ips", "invalid CIDR %q", tok)
			}
			out = append(out, domain.PrefixPeer(p))
		default:
			addr, err := netip.ParseAddr(strings.Trim(tok, "[]"))
			if err != nil {
				return nil, configErr("allowed_ips", "invalid peer %q", tok)
			}
			out = append(out, domain.LiteralPeer(addr.WithZone("")))
		}
	}
	return out, nil
}

// ParseUsers — непрозрачные идентификаторы без дублей.
func ParseUsers(list string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range splitList(list) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func splitList(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

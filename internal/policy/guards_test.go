package policy

import (
	"testing"

	"github.com/xela07ax/agentgate/internal/domain"
)

func mustResolve(t *testing.T, raw RawConfig) *domain.PolicySnapshot {
	t.Helper()
	snap, err := Resolve(raw, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return snap
}

func TestAllowlistGuardEvaluate(t *testing.T) {
	prod := mustResolve(t, RawConfig{Enabled: true, Environment: "production", AllowedPeers: "10.1.0.0/16,198.51.100.7"})
	prodDefault := mustResolve(t, RawConfig{Enabled: true, Environment: "production"})
	dev := mustResolve(t, RawConfig{Enabled: true, Environment: "development", AllowedPeers: "198.51.100.7"})
	wild := mustResolve(t, RawConfig{Enabled: true, Environment: "staging", AllowedPeers: "*"})

	tests := []struct {
		name   string
		snap   *domain.PolicySnapshot
		peer   string
		path   string
		allow  bool
		reason domain.Reason
	}{
		{"exempt memory root", prod, "203.0.113.5:4000", "/agent/memory", true, domain.ReasonExempt},
		{"exempt memory key", prod, "203.0.113.5:4000", "/agent/memory/notes", true, domain.ReasonExempt},
		{"exempt prefix is segment aware", prod, "203.0.113.5:4000", "/agent/memoryx", false, domain.ReasonNotAllowlisted},
		{"dot-dot cannot escape exempt prefix", prod, "203.0.113.5:4000", "/agent/memory/../admin/sessions", false, domain.ReasonNotAllowlisted},
		{"encoded dot-dot stays inside its segment", prod, "203.0.113.5:4000", "/agent/admin/sessions/..%2F..%2Fmemory/close", false, domain.ReasonNotAllowlisted},
		{"non-canonical path is never exempt", prod, "203.0.113.5:4000", "/agent//memory/x", false, domain.ReasonNotAllowlisted},
		{"exempt only under base path", prod, "203.0.113.5:4000", "/memory/x", false, domain.ReasonNotAllowlisted},
		{"matched literal", prod, "198.51.100.7:1234", "/agent/status", true, domain.ReasonMatched},
		{"matched cidr", prod, "10.1.44.3:1234", "/agent/status", true, domain.ReasonMatched},
		{"outside cidr", prod, "10.2.0.1:1234", "/agent/status", false, domain.ReasonNotAllowlisted},
		{"production loopback without list entry", prod, "127.0.0.1:1234", "/agent/status", false, domain.ReasonNotAllowlisted},
		{"production default loopback v4", prodDefault, "127.0.0.1:1234", "/agent/status", true, domain.ReasonMatched},
		{"production default loopback v6", prodDefault, "[::1]:1234", "/agent/status", true, domain.ReasonMatched},
		{"production default mapped v4", prodDefault, "[::ffff:127.0.0.1]:1234", "/agent/status", true, domain.ReasonMatched},
		{"production default rejects public", prodDefault, "203.0.113.5:4000", "/agent/status", false, domain.ReasonNotAllowlisted},
		{"dev loopback always passes", dev, "127.0.0.1:1234", "/agent/ws", true, domain.ReasonDevLocal},
		{"dev loopback range", dev, "127.0.0.9:1234", "/agent/ws", true, domain.ReasonDevLocal},
		{"dev v6 loopback", dev, "[::1]:1234", "/agent/ws", true, domain.ReasonDevLocal},
		{"dev non-local still checked", dev, "203.0.113.5:1", "/agent/ws", false, domain.ReasonNotAllowlisted},
		{"dev listed peer", dev, "198.51.100.7:1", "/agent/ws", true, domain.ReasonMatched},
		{"wildcard matches all", wild, "203.0.113.5:4000", "/agent/status", true, domain.ReasonMatched},
		{"garbage peer rejected", prod, "???", "/agent/status", false, domain.ReasonNotAllowlisted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewAllowlistGuard(tt.snap, "/agent", []string{DefaultExemptPrefix})
			got := g.Evaluate(tt.peer, tt.path)
			if got.Allow != tt.allow || got.Reason != tt.reason {
				t.Fatalf("Evaluate(%q, %q) = %+v, want allow=%v reason=%s", tt.peer, tt.path, got, tt.allow, tt.reason)
			}
			if got.Guard != domain.GuardAllowlist {
				t.Fatalf("unexpected guard %s", got.Guard)
			}
			if again := g.Evaluate(tt.peer, tt.path); again != got {
				t.Fatalf("second evaluation drifted: %+v vs %+v", again, got)
			}
		})
	}
}

func TestAllowlistGuardNonAllowlistedPeersRejectedOnEveryRoute(t *testing.T) {
	snap := mustResolve(t, RawConfig{Enabled: true, Environment: "production", AllowedPeers: "198.51.100.7"})
	g := NewAllowlistGuard(snap, "/agent", []string{DefaultExemptPrefix})
	peers := []string{"203.0.113.5:1", "10.0.0.1:1", "[2001:db8::1]:1", "127.0.0.1:1", "192.0.2.10:80"}
	paths := []string{"/agent", "/agent/", "/agent/status", "/agent/ws", "/agent/admin/sessions", "/agent/files/read"}
	for _, p := range peers {
		for _, path := range paths {
			if d := g.Evaluate(p, path); d.Allow {
				t.Errorf("Evaluate(%s, %s) allowed: %+v", p, path, d)
			}
		}
	}
	for _, p := range peers {
		if d := g.Evaluate(p, "/agent/memory/k"); !d.Allow || d.Reason != domain.ReasonExempt {
			t.Errorf("exempt path rejected for %s: %+v", p, d)
		}
	}
}

func TestAllowlistGuardRootBasePath(t *testing.T) {
	snap := mustResolve(t, RawConfig{Enabled: true, Environment: "production"})
	g := NewAllowlistGuard(snap, "/", []string{"memory"})
	if !g.IsExempt("/memory/a") {
		t.Fatal("expected /memory/a to be exempt under root base path")
	}
	if g.IsExempt("/status") {
		t.Fatal("/status must not be exempt")
	}
}

func TestAdminGuardEvaluate(t *testing.T) {
	prodAdmins := mustResolve(t, RawConfig{Enabled: true, Environment: "production", AdminUsers: "u1"})
	prodEmpty := mustResolve(t, RawConfig{Enabled: true, Environment: "production"})
	devEmpty := mustResolve(t, RawConfig{Enabled: true, Environment: "development"})
	otherEmpty := mustResolve(t, RawConfig{Enabled: true, Environment: "staging"})
	devAdmins := mustResolve(t, RawConfig{Enabled: true, Environment: "development", AdminUsers: "u1"})

	u1 := &domain.Identity{UserID: "u1"}
	u2 := &domain.Identity{UserID: "u2"}

	tests := []struct {
		name     string
		snap     *domain.PolicySnapshot
		identity *domain.Identity
		required bool
		allow    bool
		reason   domain.Reason
	}{
		{"not required", prodEmpty, nil, false, true, domain.ReasonNotRequired},
		{"nil identity", prodAdmins, nil, true, false, domain.ReasonUnauthenticated},
		{"empty identity", devEmpty, &domain.Identity{}, true, false, domain.ReasonUnauthenticated},
		{"production admin", prodAdmins, u1, true, true, domain.ReasonAdmin},
		{"production non-admin", prodAdmins, u2, true, false, domain.ReasonNotAdmin},
		{"production empty set fails secure", prodEmpty, u1, true, false, domain.ReasonFailSecureNoAdmins},
		{"development empty set is open", devEmpty, u2, true, true, domain.ReasonDevOpen},
		{"other tier empty set is open", otherEmpty, u2, true, true, domain.ReasonDevOpen},
		{"development with list enforces list", devAdmins, u2, true, false, domain.ReasonNotAdmin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewAdminGuard(tt.snap)
			got := g.Evaluate(tt.identity, tt.required)
			if got.Allow != tt.allow || got.Reason != tt.reason {
				t.Fatalf("Evaluate() = %+v, want allow=%v reason=%s", got, tt.allow, tt.reason)
			}
			if again := g.Evaluate(tt.identity, tt.required); again != got {
				t.Fatalf("second evaluation drifted")
			}
		})
	}
}

func TestAdminGuardEmptySetProductionRejectsEveryone(t *testing.T) {
	g := NewAdminGuard(mustResolve(t, RawConfig{Enabled: true, Environment: "production"}))
	for _, id := range []string{"u1", "root", "admin", "0"} {
		if d := g.Evaluate(&domain.Identity{UserID: id}, true); d.Allow {
			t.Fatalf("identity %s allowed with empty admin set in production", id)
		}
	}
}

func TestAdminGuardEmptySetDevelopmentAllowsEveryone(t *testing.T) {
	g := NewAdminGuard(mustResolve(t, RawConfig{Enabled: true, Environment: "development"}))
	for _, id := range []string{"u1", "root", "guest"} {
		if d := g.Evaluate(&domain.Identity{UserID: id}, true); !d.Allow {
			t.Fatalf("identity %s rejected with empty admin set in development", id)
		}
	}
}

func TestFailSecureReasonIsNotPublic(t *testing.T) {
	if domain.ReasonFailSecureNoAdmins.Public() != "not-admin" {
		t.Fatal("fail-secure reason must be reported publicly as not-admin")
	}
	if domain.ReasonNotAllowlisted.Public() != "not-allowlisted" {
		t.Fatal("allowlist reason must stay distinguishable")
	}
}

func TestExemptRoute(t *testing.T) {
	prefixes := []string{DefaultExemptPrefix, "reports"}
	tests := []struct {
		pattern string
		want    bool
	}{
		{"/memory", true},
		{"/memory/{key}", true},
		{"/reports/daily", true},
		{"/memoryx", false},
		{"/admin/sessions/{id}/close", false},
		{"/memory/../admin", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ExemptRoute(tt.pattern, prefixes); got != tt.want {
			t.Errorf("ExemptRoute(%q) = %v, want %v", tt.pattern, got, tt.want)
		}
	}
	if ExemptRoute("/status", []string{"/"}) {
		t.Fatal("root prefix must not exempt everything")
	}
}

func TestEvaluatePeerIgnoresExemption(t *testing.T) {
	snap := mustResolve(t, RawConfig{Enabled: true, Environment: "production"})
	g := NewAllowlistGuard(snap, "/agent", []string{DefaultExemptPrefix})
	if d := g.EvaluatePeer("203.0.113.5:1"); d.Allow || d.Reason != domain.ReasonNotAllowlisted {
		t.Fatalf("foreign peer: %+v", d)
	}
	if d := g.EvaluatePeer("127.0.0.1:1"); !d.Allow || d.Reason != domain.ReasonMatched {
		t.Fatalf("loopback: %+v", d)
	}
}

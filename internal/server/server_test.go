package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xela07ax/agentgate/internal/domain"
	"github.com/xela07ax/agentgate/internal/engine"
	"github.com/xela07ax/agentgate/internal/infra"
	"go.uber.org/zap"
)

func serve(s *Server, method, path, peer string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = peer
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	s := New(infra.ServerConfig{}, zap.NewNop())
	for _, p := range []string{"/health", "/healthz"} {
		if rec := serve(s, http.MethodGet, p, "203.0.113.1:1", nil); rec.Code != http.StatusOK {
			t.Fatalf("%s: %d", p, rec.Code)
		}
	}
	// пока подсистема не смонтирована, инстанс не готов
	if rec := serve(s, http.MethodGet, "/ready", "203.0.113.1:1", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready before mount: %d", rec.Code)
	}
}

func TestReadyProbes(t *testing.T) {
	fail := errors.New("down")
	var probeErr error
	s := New(infra.ServerConfig{}, zap.NewNop(), Probe{Name: "redis", Check: func(context.Context) error { return probeErr }})
	res, err := engine.Mount(engine.MountConfig{
		Router:   s.Router(),
		BasePath: "/agent",
		Policy:   domain.NewPolicySnapshot(false, domain.TierProduction, nil, nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	s.SetMount(res)

	if rec := serve(s, http.MethodGet, "/ready", "127.0.0.1:1", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready: %d %s", rec.Code, rec.Body.String())
	}
	probeErr = fail
	if rec := serve(s, http.MethodGet, "/ready", "127.0.0.1:1", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with failing probe: %d", rec.Code)
	}
	// health не зависит от состояния агента
	if rec := serve(s, http.MethodGet, "/health", "127.0.0.1:1", nil); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
}

func mountProd(t *testing.T, s *Server) {
	t.Helper()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	_, err := engine.Mount(engine.MountConfig{
		Router:   s.Router(),
		BasePath: "/agent",
		Policy:   domain.NewPolicySnapshot(true, domain.TierProduction, domain.DefaultPeers(), nil),
		Routes:   []engine.Route{{Method: http.MethodGet, Pattern: "/ping", Handler: ok, Class: domain.RouteClassification{RequiresAllowlist: true}}},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestForwardedForIgnoredWithoutTrustProxy(t *testing.T) {
	s := New(infra.ServerConfig{TrustProxy: false}, zap.NewNop())
	mountProd(t, s)

	rec := serve(s, http.MethodGet, "/agent/ping", "203.0.113.5:1", map[string]string{"X-Forwarded-For": "127.0.0.1"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("spoofed X-Forwarded-For must not bypass the allowlist, got %d", rec.Code)
	}
}

func TestForwardedForHonouredWithTrustProxy(t *testing.T) {
	s := New(infra.ServerConfig{TrustProxy: true}, zap.NewNop())
	mountProd(t, s)

	// адрес клиента берется из заголовка прокси; дальше идет auth (здесь не настроен)
	rec := serve(s, http.MethodGet, "/agent/ping", "10.0.0.2:1", map[string]string{"X-Forwarded-For": "127.0.0.1"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected allowlist pass and 401 from auth, got %d", rec.Code)
	}
}

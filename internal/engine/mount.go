package engine

/*
Файл mount.go подключает агентскую подсистему к роутеру.

- Disabled: на base path и WS path ставится заглушка 503 "agent-disabled", гварды не вычисляются.
- Active: каждый маршрут оборачивается цепочкой allowlist -> auth -> admin по его классификации.
- Повторный Mount на тот же роутер возвращает ErrAlreadyMounted и ничего не регистрирует.
*/

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agentgate/internal/audit"
	"github.com/xela07ax/agentgate/internal/domain"
	"github.com/xela07ax/agentgate/internal/policy"
	"go.uber.org/zap"
)

var ErrAlreadyMounted = errors.New("agent subsystem already mounted on this router")

type MountState int

const (
	StateDisabled MountState = iota
	StateActive
)

func (s MountState) String() string {
	if s == StateActive {
		return "active"
	}
	return "disabled"
}

// Route — запись таблицы маршрутов. Pattern задается относительно base path.
type Route struct {
	Method  string // "" означает любой метод
	Pattern string
	Handler http.Handler
	Class   domain.RouteClassification
}

// WSClass — классификация эндпоинта апгрейда: allowlist + auth, без admin.
var WSClass = domain.RouteClassification{RequiresAllowlist: true}

type MountConfig struct {
	Router    chi.Router
	BasePath  string
	WSPath    string
	Policy    *domain.PolicySnapshot
	Routes    []Route
	WSHandler http.Handler

	Auth     Authenticator
	Logger   *zap.Logger
	Metrics  *Metrics
	Auditor  audit.Auditor
	UIOrigin string
}

type MountedRoute struct {
	Method  string
	Path    string
	Guards  []domain.GuardName
	Exempt  bool
	IsAdmin bool
}

type MountResult struct {
	State    MountState
	BasePath string
	WSPath   string
	Routes   []MountedRoute
	Gate     *Gate // nil в состоянии disabled

	// ConfigError — ошибка конфигурации, из-за которой подсистема ушла в disabled (режим disable-agent).
	ConfigError error
}

var registry = struct {
	sync.Mutex
	routers map[chi.Router]struct{}
}{routers: make(map[chi.Router]struct{})}

func claim(r chi.Router) error {
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.routers[r]; ok {
		return ErrAlreadyMounted
	}
	registry.routers[r] = struct{}{}
	return nil
}

// Mount подключает подсистему согласно уже разрешенному снапшоту политики.
func Mount(cfg MountConfig) (*MountResult, error) {
	if cfg.Router == nil {
		return nil, errors.New("mount: router is required")
	}
	if cfg.Policy == nil {
		return nil, errors.New("mount: policy snapshot is required")
	}
	if !strings.HasPrefix(cfg.BasePath, "/") {
		return nil, fmt.Errorf("mount: base path %q must start with /", cfg.BasePath)
	}
	if cfg.WSPath != "" && !strings.HasPrefix(cfg.WSPath, "/") {
		return nil, fmt.Errorf("mount: ws path %q must start with /", cfg.WSPath)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	cfg.BasePath = strings.TrimSuffix(cfg.BasePath, "/")
	if cfg.BasePath == "" {
		cfg.BasePath = "/"
	}

	if err := claim(cfg.Router); err != nil {
		return nil, err
	}

	if !cfg.Policy.Enabled() {
		return mountDisabled(cfg), nil
	}
	return mountActive(cfg), nil
}

// MountOptions — вход MountAgent: сырая конфигурация вместо готового снапшота.
type MountOptions struct {
	MountConfig
	Raw policy.RawConfig
	// AbortOnConfigError: при true ошибка конфигурации возвращается вызывающему (процесс должен упасть),
	// при false подсистема монтируется в disabled.
	AbortOnConfigError bool
}

// MountAgent разрешает конфигурацию и монтирует подсистему.
func MountAgent(opts MountOptions) (*MountResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	snap, err := policy.Resolve(opts.Raw, logger)
	if err != nil {
		if opts.AbortOnConfigError {
			return nil, err
		}
		logger.Error("agent configuration rejected, agent subsystem disabled", zap.Error(err))

		cfg := opts.MountConfig
		cfg.Policy = domain.NewPolicySnapshot(false, domain.ParseTier(opts.Raw.Environment), nil, nil)
		res, mErr := Mount(cfg)
		if mErr != nil {
			return nil, mErr
		}
		res.ConfigError = err
		return res, nil
	}

	cfg := opts.MountConfig
	cfg.Policy = snap
	return Mount(cfg)
}

func disabledStub(w http.ResponseWriter, _ *http.Request) {
	WriteError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, string(domain.ReasonAgentDisabled))
}

func mountDisabled(cfg MountConfig) *MountResult {
	stub := http.HandlerFunc(disabledStub)
	sub := chi.NewRouter()
	sub.Use(TracingMiddleware, InstrumentMiddleware(cfg.Metrics))
	sub.HandleFunc("/*", disabledStub)
	sub.HandleFunc("/", disabledStub)
	cfg.Router.Mount(cfg.BasePath, sub)

	if cfg.WSPath != "" && !underBase(cfg.BasePath, cfg.WSPath) {
		cfg.Router.Handle(cfg.WSPath, TracingMiddleware(stub))
	}

	cfg.Metrics.MountState.Set(0)
	cfg.Logger.Info("agent subsystem mounted",
		zap.String("state", StateDisabled.String()),
		zap.String("base_path", cfg.BasePath),
		zap.String("ws_path", cfg.WSPath),
	)
	return &MountResult{State: StateDisabled, BasePath: cfg.BasePath, WSPath: cfg.WSPath}
}

func mountActive(cfg MountConfig) *MountResult {
	// Объединение префиксов нужно только preflight-у CORS: он отвечает до маршрутизации.
	// Шаги цепочки маршрутов решают исключение сами, по своей классификации.
	exempt := []string{policy.DefaultExemptPrefix}
	for _, rt := range cfg.Routes {
		exempt = append(exempt, rt.Class.ExemptPathPrefixes...)
	}

	gate := NewGate(cfg.Policy, cfg.BasePath, exempt, GateDeps{
		Auth:    cfg.Auth,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
		Auditor: cfg.Auditor,
	})
	res := &MountResult{State: StateActive, BasePath: cfg.BasePath, WSPath: cfg.WSPath, Gate: gate}

	sub := chi.NewRouter()
	sub.Use(TracingMiddleware, InstrumentMiddleware(cfg.Metrics), gate.bindContext, gate.corsMiddleware(cfg.UIOrigin))

	// Неизвестные пути тоже проходят allowlist: чужой пир не должен узнавать структуру маршрутов.
	sub.NotFound(gate.allowlistStep(false)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, CodeNotFound, "")
	})).ServeHTTP)
	sub.MethodNotAllowed(gate.allowlistStep(false)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "")
	})).ServeHTTP)

	for _, rt := range cfg.Routes {
		steps := gate.BuildChain(rt.Pattern, rt.Class)
		h := Compose(steps, rt.Handler)
		if rt.Method == "" {
			sub.Handle(rt.Pattern, h)
		} else {
			sub.Method(rt.Method, rt.Pattern, h)
		}
		res.Routes = append(res.Routes, MountedRoute{
			Method:  rt.Method,
			Path:    joinPath(cfg.BasePath, rt.Pattern),
			Guards:  Guards(steps),
			Exempt:  rt.Class.RequiresAllowlist && RouteExempt(rt.Pattern, rt.Class),
			IsAdmin: rt.Class.RequiresAdmin,
		})
	}

	if cfg.WSPath != "" && cfg.WSHandler != nil {
		// WS path вне base path исключением не бывает
		wsPattern := ""
		if underBase(cfg.BasePath, cfg.WSPath) {
			wsPattern = relative(cfg.BasePath, cfg.WSPath)
		}
		steps := gate.BuildChain(wsPattern, WSClass)
		h := Compose(steps, cfg.WSHandler)
		if underBase(cfg.BasePath, cfg.WSPath) {
			sub.Handle(relative(cfg.BasePath, cfg.WSPath), h)
		} else {
			cfg.Router.Handle(cfg.WSPath, TracingMiddleware(InstrumentMiddleware(cfg.Metrics)(gate.bindContext(h))))
		}
		res.Routes = append(res.Routes, MountedRoute{Method: http.MethodGet, Path: cfg.WSPath, Guards: Guards(steps)})
	}

	cfg.Router.Mount(cfg.BasePath, sub)

	cfg.Metrics.MountState.Set(1)
	cfg.Logger.Info("agent subsystem mounted",
		zap.String("state", StateActive.String()),
		zap.String("base_path", cfg.BasePath),
		zap.String("ws_path", cfg.WSPath),
		zap.String("environment", string(cfg.Policy.Tier())),
		zap.Int("routes", len(res.Routes)),
	)
	return res
}

func underBase(base, p string) bool {
	if base == "/" {
		return true
	}
	return p == base || strings.HasPrefix(p, base+"/")
}

func relative(base, p string) string {
	if base == "/" {
		return p
	}
	rel := strings.TrimPrefix(p, base)
	if rel == "" {
		return "/"
	}
	return rel
}

func joinPath(base, pattern string) string {
	if base == "/" {
		return pattern
	}
	if pattern == "/" {
		return base
	}
	return base + pattern
}

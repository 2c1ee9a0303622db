package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentgate/internal/agent"
	"github.com/xela07ax/agentgate/internal/audit"
	"github.com/xela07ax/agentgate/internal/engine"
	"github.com/xela07ax/agentgate/internal/infra"
	"github.com/xela07ax/agentgate/internal/infra/auth"
	"github.com/xela07ax/agentgate/internal/repository/postgres"
	redisrepo "github.com/xela07ax/agentgate/internal/repository/redis"
	"github.com/xela07ax/agentgate/internal/server"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const shutdownTimeout = 5 * time.Second

func runServe(ctx context.Context, configPath string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Аудит решений гвардов: Postgres, если задан, иначе zap
	var storage audit.StorageInterface = audit.NewLogStorage(logger)
	var probes []server.Probe
	var decisions *agent.DecisionsHandler
	if cfg.Database.URL != "" {
		repo, err := postgres.NewAuditRepo(cfg.Database.URL, int(cfg.Database.MaxConns))
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := connectWithRetry(ctx, logger, "postgres", repo.Ping); err != nil {
			return err
		}
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		storage = repo
		decisions = agent.NewDecisionsHandler(repo, logger)
		probes = append(probes, server.Probe{Name: "postgres", Check: repo.Ping})
	}

	agentFS := audit.NewAgentFS(storage, logger, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
		OnFill:        func(n int) { metrics.AuditBufferFill.Set(float64(n)) },
	})
	agentFS.Start()
	defer agentFS.Stop()

	// 3. Redis: память агента и шина закрытия сессий
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	memoryRepo := redisrepo.NewMemoryRepo(rdb)
	if err := connectWithRetry(ctx, logger, "redis", memoryRepo.Ping); err != nil {
		// memory-маршруты будут отвечать 503, гварды от Redis не зависят
		logger.Warn("redis unavailable at startup, memory routes degraded", zap.Error(err))
	}
	probes = append(probes, server.Probe{Name: "redis", Check: memoryRepo.Ping})

	store := engine.NewReliableMemory(memoryRepo, engine.ReliabilityOptions{
		MaxRequests: uint32(cfg.Engine.CBMaxRequests),
		Interval:    cfg.Engine.CBInterval,
		Timeout:     cfg.Engine.CBTimeout,
		RateLimit:   cfg.Engine.RateLimit,
		RateBurst:   cfg.Engine.RateBurst,
	}, metrics)

	bus := redisrepo.NewSessionBus(rdb, logger)
	hub := agent.NewHub(store, bus, cfg.Server.UIOrigin, logger)
	go bus.Listen(ctx, func(id string) { hub.CloseLocal(id) })

	// 4. Аутентификация
	validator, err := buildValidator(cfg.Auth)
	if err != nil {
		return err
	}
	var authn engine.Authenticator
	var verifier engine.TokenVerifier
	if validator != nil {
		authn = auth.NewAuthenticator(validator, logger)
		verifier = validator
	} else {
		logger.Warn("no auth keys configured: every agent request will be rejected as unauthenticated")
	}

	// 5. HTTP периметр и монтирование
	srv := server.New(cfg.Server, logger, probes...)
	res, err := engine.MountAgent(engine.MountOptions{
		MountConfig: engine.MountConfig{
			Router:    srv.Router(),
			BasePath:  cfg.Agent.BasePath,
			WSPath:    cfg.Agent.WSPath,
			Routes:    agent.Routes(hub, agent.NewMemoryHandler(store, logger), decisions),
			WSHandler: hub,
			Auth:      authn,
			Logger:    logger,
			Metrics:   metrics,
			Auditor:   agentFS,
			UIOrigin:  cfg.Server.UIOrigin,
		},
		Raw:                cfg.Agent.Raw(),
		AbortOnConfigError: cfg.Agent.AbortOnConfigError(),
	})
	if err != nil {
		logger.Error("agent subsystem mount failed", zap.Error(err))
		return err
	}
	srv.SetMount(res)

	errCh := make(chan error, 3)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("http server started", zap.String("addr", httpSrv.Addr), zap.String("agent", res.State.String()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Экспортируем метрики для Prometheus
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// 6. Опциональный gRPC (health + guard-интерсептор)
	var grpcSrv *grpc.Server
	if cfg.Agent.GRPCAddr != "" {
		grpcSrv, _ = engine.NewGRPCServer(engine.NewGRPCGuard(res, verifier))
		lis, err := net.Listen("tcp", cfg.Agent.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			logger.Info("grpc server started", zap.String("addr", cfg.Agent.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	// 7. Graceful Shutdown
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	hub.Shutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("agentgate exited properly")
	return runErr
}

// connectWithRetry — проверка зависимости при старте с экспоненциальным бэкоффом.
func connectWithRetry(ctx context.Context, logger *zap.Logger, name string, ping func(context.Context) error) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("dependency not ready, retrying", zap.String("dep", name), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err := r.Do(func() error {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return ping(pctx)
	}); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	logger.Info("dependency ready", zap.String("dep", name))
	return nil
}

// buildValidator: RS256 по публичному ключу приоритетнее HS256.
func buildValidator(cfg infra.AuthConfig) (*auth.BaseValidator, error) {
	if len(cfg.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("auth public key: %w", err)
		}
		return auth.NewBaseValidator(pub), nil
	}
	if cfg.HMACSecret != "" {
		return auth.NewHMACValidator([]byte(cfg.HMACSecret)), nil
	}
	return nil, nil
}

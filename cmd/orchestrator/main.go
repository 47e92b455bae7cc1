package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/console/handler"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/console/server"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/console/service"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/events"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra/auth"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/lease"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/lifecycle"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/metrics"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/quarantine"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/repository/postgres"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/router"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/runs"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/saga"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/timer"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	// Контекст жизни процесса: SIGTERM/SIGINT гасят фоновые горутины
	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Инфраструктура и ресурсы
	repo, err := postgres.NewRepo(appCtx, cfg.Database)
	if err != nil {
		logger.Fatal("postgres init failed", zap.Error(err))
	}
	defer repo.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(appCtx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.Error(err))
	}
	defer rdb.Close()

	// Метрики + аудит: контроллеры пишут в один Recorder, он считает
	// счетчики Prometheus и передает запись батчеру
	reg := prometheus.NewRegistry()
	mset := metrics.New(reg)

	trail := audit.NewTrail(repo, logger, cfg.Engine.AuditBufferSize, cfg.Engine.AuditFlushInterval)
	trail.Start()
	defer trail.Stop()
	recorder := metrics.NewRecorder(trail, mset)

	bus := events.NewRedisBus(rdb, logger)

	// 3. Движок таймеров и аренды
	eng := timer.NewEngine(repo, timer.NewRedisDeduper(rdb), logger)
	leases := lease.NewRedisManager(rdb, logger)

	// 4. Ядро оркестрации
	// Реестр исполнителей: способности регистрируются на этапе интеграции,
	// надежность (retry + circuit breaker + rate limit) — общая обертка
	registry := runs.NewRegistry()
	executor := runs.NewReliabilityWrapper(registry, runs.ReliabilityOptions{
		CBMaxRequests: cfg.Engine.CBMaxRequests,
		CBInterval:    cfg.Engine.CBInterval,
		CBTimeout:     cfg.Engine.CBTimeout,
		RPS:           cfg.Engine.ExecutorRPS,
		Burst:         cfg.Engine.ExecutorBurst,
	})

	runsCtrl := runs.NewController(repo, executor, leases, eng, bus, recorder, logger, runs.Options{
		Backoff:     toBackoff(cfg.Engine.RunBackoff),
		LeaseTTL:    cfg.Engine.LeaseTTL,
		MaxAttempts: cfg.Engine.RunMaxAttempts,
	})

	lifecycleCtrl := lifecycle.NewController(repo, eng, bus, recorder, logger, lifecycle.Options{
		Backoff:         toBackoff(cfg.Engine.AgentBackoff),
		StartupTimeout:  cfg.Engine.StartupTimeout,
		StartupRetries:  cfg.Engine.StartupMaxRetries,
		DrainTimeout:    cfg.Engine.DrainTimeout,
		HeartbeatWindow: cfg.Engine.HeartbeatWindow,
	})

	sagaCoord := saga.NewCoordinator(repo, executor, recorder, bus, logger)

	ruleCache := router.NewRuleCache(repo, logger)
	if err := ruleCache.Refresh(appCtx); err != nil {
		logger.Warn("initial rule cache load failed, starting empty", zap.Error(err))
	}

	rtr := router.New(repo, runsCtrl, repo, repo, ruleCache, eng, recorder, bus, rdb, logger)
	rtr.SetApprovalTimeout(cfg.Engine.ApprovalTimeout)

	qmgr := quarantine.NewManager(repo, repo, repo, recorder, bus, rdb, logger, quarantine.Options{
		Cooldown:     cfg.Engine.QuarantineCooldown,
		CanaryWindow: cfg.Engine.CanaryWindow,
	})

	probes := lifecycle.NewProbeRunner(lifecycleCtrl, eng,
		lifecycle.NewHTTPChecker(cfg.Engine.Probe.Timeout), domain.ProbeSpec{
			InitialDelay:     cfg.Engine.Probe.InitialDelay,
			Interval:         cfg.Engine.Probe.Interval,
			Timeout:          cfg.Engine.Probe.Timeout,
			SuccessThreshold: cfg.Engine.Probe.SuccessThreshold,
			FailureThreshold: cfg.Engine.Probe.FailureThreshold,
		}, logger)

	// 5. Поздние привязки: компоненты зависят друг от друга крест-накрест
	lifecycleCtrl.BindReaper(runsCtrl)
	lifecycleCtrl.BindIsolator(qmgr)
	lifecycleCtrl.BindProbes(probes)
	runsCtrl.BindDrainNotifier(lifecycleCtrl)
	runsCtrl.BindCompensator(sagaCoord)
	runsCtrl.BindIsolator(qmgr)
	qmgr.BindLifecycle(lifecycleCtrl)
	qmgr.SetMetricsSource(recorder)
	rtr.BindIsolationFilter(qmgr)

	// Порядок важен: роутер регистрируется последним и перекрывает
	// retry-обработчик контроллера (истекший бэкофф -> полная ремаршрутизация)
	runsCtrl.RegisterTimerHandlers(eng)
	lifecycleCtrl.RegisterTimerHandlers(eng)
	probes.RegisterTimerHandlers(eng)
	rtr.RegisterTimerHandlers(eng)

	// 6. Прогрев и слушатели сигналов других инстансов
	if err := qmgr.Warmup(appCtx); err != nil {
		logger.Warn("quarantine warmup failed", zap.Error(err))
	}
	go qmgr.Listen(appCtx)
	go ruleCache.Watch(appCtx, rdb)

	if err := eng.Start(appCtx); err != nil {
		logger.Fatal("timer engine start failed", zap.Error(err))
	}
	defer eng.Stop()

	// 7. Фоновые циклы: heartbeat-свип, разбор бэклога, протухшие ожидания
	go sweepLoop(appCtx, cfg.Engine.HeartbeatWindow/3, func(ctx context.Context) error {
		return lifecycleCtrl.CheckHeartbeats(ctx)
	})
	go sweepLoop(appCtx, 5*time.Second, func(ctx context.Context) error {
		return rtr.RouteBacklog(ctx, 100)
	})
	go sweepLoop(appCtx, 30*time.Second, func(ctx context.Context) error {
		return runsCtrl.SweepExpiredWaits(ctx, 100)
	})

	// 8. Control API
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("auth public key", zap.Error(err))
	}
	privKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("auth private key", zap.Error(err))
	}
	authSvc := service.NewAuthService(repo, auth.NewRS256Validator(pubKey), privKey, cfg.Auth.TokenTTL)

	console := server.NewConsoleServer(logger, authSvc, server.Handlers{
		Auth:        handler.NewAuthHandler(authSvc),
		Transitions: handler.NewTransitionHandler(lifecycleCtrl, repo),
		Agents:      handler.NewAgentHandler(lifecycleCtrl, repo),
		Runs:        handler.NewRunHandler(rtr, runsCtrl, repo, sagaCoord),
		Approvals:   handler.NewApprovalHandler(rtr, repo),
		Rules:       handler.NewRuleHandler(service.NewRuleService(repo, rdb, logger)),
		Quarantine:  handler.NewQuarantineHandler(qmgr, repo),
		Audit:       handler.NewAuditHandler(repo),
		Dashboard:   handler.NewDashboardHandler(repo),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Экспортируем метрики для Prometheus
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("orchestrator started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 9. Graceful Shutdown
	<-appCtx.Done()
	logger.Info("orchestrator stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("orchestrator exited properly")
}

func toBackoff(c infra.BackoffConfig) domain.BackoffSpec {
	return domain.BackoffSpec{
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.Multiplier,
		Jitter:       c.Jitter,
		MaxFactor:    c.MaxFactor,
	}
}

// sweepLoop крутит периодическую задачу до конца жизни процесса.
func sweepLoop(ctx context.Context, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = fn(ctx) // Ошибки уже залогированы внутри контроллеров
		}
	}
}

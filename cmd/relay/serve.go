package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/xela07ax/fleet-relay/internal/audit"
	"github.com/xela07ax/fleet-relay/internal/console/handler"
	"github.com/xela07ax/fleet-relay/internal/console/server"
	"github.com/xela07ax/fleet-relay/internal/engine"
	"github.com/xela07ax/fleet-relay/internal/infra"
	"github.com/xela07ax/fleet-relay/internal/infra/auth"
	"github.com/xela07ax/fleet-relay/internal/inventory"
	"github.com/xela07ax/fleet-relay/internal/presence"
	"github.com/xela07ax/fleet-relay/internal/relay"
	"github.com/xela07ax/fleet-relay/internal/repository"
	"github.com/xela07ax/fleet-relay/internal/repository/postgres"
	"github.com/xela07ax/fleet-relay/internal/repository/sqlite"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// Контекст жизни процесса: SIGTERM гасит слушателей и запускает shutdown
	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Хранилище и инвентарь
	store, err := openStore(appCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Inventory.SeedFile != "" {
		seed, err := inventory.LoadSeed(cfg.Inventory.SeedFile)
		if err != nil {
			return err
		}
		if err := seed.Apply(appCtx, store, logger); err != nil {
			return err
		}
	}

	// 2. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := engine.NewMetrics(reg)
	relayMetrics := relay.NewMetrics(reg)

	// 3. Сессии и присутствие
	registry := relay.NewRegistry(logger, relayMetrics)
	channel := relay.NewChannel(registry, relayMetrics, logger)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}
	tracker := presence.NewTracker(rdb, logger, registry.Agents)
	if err := tracker.Init(appCtx); err != nil {
		return fmt.Errorf("init presence: %w", err)
	}
	if rdb != nil {
		go tracker.StartListener(appCtx)
	}

	// 4. Журнал и оркестратор
	journal := audit.NewJournal(store, logger, audit.Options{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		BufferFill:    engineMetrics.JournalBufferFill,
	})
	journal.Start()

	orch := engine.NewOrchestrator(store, store, channel, journal, engineMetrics, logger, engine.Options{
		MaxConcurrentDispatch: cfg.Engine.MaxConcurrentDispatch,
		DispatchRate:          cfg.Engine.DispatchRate,
		DispatchBurst:         cfg.Engine.DispatchBurst,
	})
	hub := relay.NewHub(registry, channel, orch, tracker, relayMetrics, logger, cfg.Engine.SessionBuffer)

	// 5. Транспорты
	grpcSrv := grpc.NewServer(grpc.StreamInterceptor(relay.StreamAuthInterceptor(cfg.GRPC.AgentToken)))
	relay.RegisterAgentRelayServer(grpcSrv, relay.NewGRPCAgentServer(hub, logger))
	if cfg.GRPC.AgentToken == "" {
		logger.Warn("agent token is empty, agent streams are not authenticated")
	}

	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.LoadOperatorKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		validator = auth.NewOperatorValidator(pub, cfg.Auth.Issuer, cfg.Auth.Leeway)
	} else {
		logger.Warn("auth public key is not configured, operator API is open")
	}

	console := server.NewConsoleServer(logger, validator, reg,
		handler.NewDeploymentHandler(orch, store, logger),
		handler.NewAgentHandler(channel, hub, tracker, logger),
	)
	// WriteTimeout не задаем: он рвал бы долгие WebSocket-сессии оператора
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           console,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(appCtx)
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		logger.Info("agent gRPC listening", zap.String("addr", cfg.GRPC.Addr))
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("operator API listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	// 6. Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("relay stopping")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		// Оркестратор раньше сессий: иначе недоотправленные юниты упадут в failed как offline
		if err := orch.Shutdown(ctx); err != nil {
			logger.Warn("orchestrator shutdown", zap.Error(err))
		}
		// Сессии раньше GracefulStop: он ждет завершения агентских стримов
		registry.Close()
		grpcSrv.GracefulStop()
		journal.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("relay exited properly")
	return nil
}

func openStore(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*repository.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(ctx, postgres.Options{
			URL:             cfg.URL,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			ConnectAttempts: cfg.ConnectAttempts,
		}, logger)
	default:
		logger.Info("using sqlite store", zap.String("path", cfg.Path))
		return sqlite.Open(ctx, cfg.Path)
	}
}

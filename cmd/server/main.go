package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/mineworlds/internal/api"
	"github.com/annel0/mineworlds/internal/auth"
	"github.com/annel0/mineworlds/internal/config"
	"github.com/annel0/mineworlds/internal/engine"
	"github.com/annel0/mineworlds/internal/eventbus"
	"github.com/annel0/mineworlds/internal/logging"
	"github.com/annel0/mineworlds/internal/mines"
	"github.com/annel0/mineworlds/internal/observability"
	"github.com/annel0/mineworlds/internal/provision"
	"github.com/annel0/mineworlds/internal/regen"
	"github.com/annel0/mineworlds/internal/registry"
	"github.com/annel0/mineworlds/internal/schematic"
	"github.com/annel0/mineworlds/internal/storage"
	"github.com/annel0/mineworlds/internal/tracker"
	"github.com/annel0/mineworlds/internal/worlds"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (по умолчанию $MINEWORLDS_CONFIG)")
	flag.Parse()

	if err := logging.InitDefaultLogger("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}
	logging.SetConsoleLevel(logging.ParseLevel(cfg.LogLevel))

	logging.Info("🎮 Запуск сервера миров %s", version)

	if err := run(cfg); err != nil {
		logging.Error("❌ %v", err)
		logging.CloseDefaultLogger()
		os.Exit(1)
	}
	logging.Info("👋 Сервер успешно остановлен")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === Observability ===
	shutdownTracing, err := observability.InitTelemetry(ctx, observability.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// === Хранилище шахт ===
	repo, err := openMineRepo(cfg.Storage)
	if err != nil {
		return err
	}
	defer repo.Close()

	// === Трекер игроков ===
	var mirror tracker.Mirror
	if cfg.Redis.Enabled {
		rm, err := tracker.NewRedisMirror(tracker.RedisConfig{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			KeyPrefix:     cfg.Redis.KeyPrefix,
			FlushInterval: cfg.Redis.FlushInterval,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rm.Close()
		mirror = rm
	}
	tr := tracker.New(mirror)

	// === Шина событий ===
	bus, err := openEventBus(cfg.EventBus)
	if err != nil {
		return err
	}
	defer bus.Close()
	if _, err := eventbus.StartLoggingListener(bus); err != nil {
		logging.Warn("Логирование событий недоступно: %v", err)
	}
	exporter := eventbus.NewMetricsExporter(bus, promReg)
	exporter.Start()
	defer exporter.Stop()

	// === Миры ===
	loader := schematic.ChainLoader{schematic.NewBuiltinLoader()}
	if cfg.Worlds.SchematicsDir != "" {
		loader = schematic.ChainLoader{schematic.FileLoader{Dir: cfg.Worlds.SchematicsDir}, schematic.NewBuiltinLoader()}
	}
	reg := registry.New()
	defer reg.Close()

	prov := provision.NewService(schematic.NewStore(loader), reg, engine.NewMemory(), provision.Config{
		BuildTimeout:      cfg.Worlds.BuildTimeout,
		WriteBatchSize:    cfg.Worlds.WriteBatchSize,
		MaxParallelBuilds: cfg.Worlds.MaxParallelBuilds,
	}, provision.NewMetrics(promReg))

	mgr := mines.NewManager(prov, tr, repo, mines.Config{
		Template:             cfg.Worlds.PrivateMineTemplate,
		MigrationParallelism: cfg.Worlds.MigrationParallelism,
	})
	loaded, err := mgr.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("загрузка шахт: %w", err)
	}

	svc := worlds.New(worlds.Config{
		SpawnWorld:           cfg.Worlds.SpawnWorld,
		SpawnTemplate:        cfg.Worlds.SpawnTemplate,
		SharedMineWorld:      cfg.Worlds.SharedMineWorld,
		SharedMineTemplate:   cfg.Worlds.SharedMineTemplate,
		MigrationParallelism: cfg.Worlds.MigrationParallelism,
		Regen: regen.Config{
			Threshold:     cfg.Regen.Threshold,
			SweepInterval: cfg.Regen.SweepInterval,
		},
	}, worlds.Deps{Provisioner: prov, Tracker: tr, Mines: mgr, Bus: bus, Registerer: promReg})
	defer svc.Close()

	if err := svc.Bootstrap(ctx); err != nil {
		return err
	}
	svc.Start(ctx)

	// === REST API ===
	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("jwt: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		logging.Warn("⚠️ auth.jwt_secret не задан, используется случайный секрет")
	}
	if cfg.Auth.AdminPasswordHash == "" {
		logging.Warn("⚠️ auth.admin_password_hash не задан, вход в API отключён")
	}

	rest := api.NewRestServer(api.Config{
		Addr:        fmt.Sprintf(":%d", cfg.Server.GetRESTPort()),
		Worlds:      svc,
		Issuer:      issuer,
		Admin:       auth.AdminCredentials{Username: cfg.Auth.AdminUser, PasswordHash: cfg.Auth.AdminPasswordHash},
		Registry:    promReg,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	rest.Start()

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.GetMetricsPort()),
		Handler:           promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.Info("📊 Prometheus метрики на %s", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Ошибка сервера метрик: %v", err)
		}
	}()

	logging.Info("✅ Все сервисы запущены: REST :%d, миры %d, шахт %d", cfg.Server.GetRESTPort(), len(svc.ListWorlds()), loaded)

	<-ctx.Done()
	logging.Info("📡 Получен сигнал завершения, остановка...")

	// === GRACEFUL SHUTDOWN ===
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rest.Shutdown(sctx); err != nil {
		logging.Error("❌ Ошибка остановки REST API: %v", err)
	}
	if err := metricsSrv.Shutdown(sctx); err != nil {
		logging.Error("❌ Ошибка остановки сервера метрик: %v", err)
	}
	return nil
}

func openMineRepo(cfg config.StorageConfig) (storage.MineRepo, error) {
	var (
		repo storage.MineRepo
		err  error
	)
	switch cfg.Backend {
	case "badger":
		logging.Info("💾 Шахты хранятся в BadgerDB: %s", cfg.BadgerPath)
		repo, err = storage.NewBadgerMineRepo(cfg.BadgerPath)
	case "maria":
		logging.Info("💾 Шахты хранятся в MariaDB")
		repo, err = storage.NewMariaMineRepo(cfg.MariaDSN)
	case "mongo":
		logging.Info("💾 Шахты хранятся в MongoDB: %s", cfg.MongoDatabase)
		repo, err = storage.NewMongoMineRepo(storage.MongoConfig{URI: cfg.MongoURI, Database: cfg.MongoDatabase})
	default:
		logging.Warn("⚠️ Шахты хранятся в памяти и не переживут рестарт")
		repo = storage.NewMemoryMineRepo()
	}
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", cfg.Backend, err)
	}
	return repo, nil
}

func openEventBus(cfg config.EventBusConfig) (eventbus.EventBus, error) {
	if cfg.URL == "" {
		return eventbus.NewMemoryBus(cfg.Buffer), nil
	}
	jb, err := eventbus.NewJetStreamBus(cfg.URL, cfg.Stream, time.Duration(cfg.Retention)*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	logging.Info("📨 События публикуются в NATS JetStream: %s", cfg.URL)
	return jb, nil
}

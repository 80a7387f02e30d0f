package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/simaogato/convertflow-backend/internal/adapter/coingecko"
	grpcadapter "github.com/simaogato/convertflow-backend/internal/adapter/grpc"
	httpadapter "github.com/simaogato/convertflow-backend/internal/adapter/http"
	"github.com/simaogato/convertflow-backend/internal/adapter/lock"
	"github.com/simaogato/convertflow-backend/internal/adapter/metrics"
	"github.com/simaogato/convertflow-backend/internal/adapter/publisher"
	"github.com/simaogato/convertflow-backend/internal/adapter/repository/memory"
	"github.com/simaogato/convertflow-backend/internal/adapter/repository/postgres"
	"github.com/simaogato/convertflow-backend/internal/config"
	"github.com/simaogato/convertflow-backend/internal/domain"
	"github.com/simaogato/convertflow-backend/internal/logger"
	"github.com/simaogato/convertflow-backend/internal/retry"
	"github.com/simaogato/convertflow-backend/internal/usecase/audit"
	"github.com/simaogato/convertflow-backend/internal/usecase/balance"
	"github.com/simaogato/convertflow-backend/internal/usecase/conversion"
	"github.com/simaogato/convertflow-backend/internal/usecase/history"
	"github.com/simaogato/convertflow-backend/internal/usecase/portfolio"
	"github.com/simaogato/convertflow-backend/internal/usecase/pricing"
	"github.com/simaogato/convertflow-backend/internal/usecase/reconcile"
	"github.com/simaogato/convertflow-backend/internal/usecase/seeder"
)

// repositories groups the storage adapters selected by DB_DRIVER
type repositories struct {
	holdings    domain.HoldingRepository
	fiat        domain.FiatBalanceRepository
	ledger      domain.FiatTransactionRepository
	conversions domain.ConversionRepository
	audits      domain.AuditRepository
	rollbacks   domain.RollbackRepository
	assets      domain.AssetRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	zlog.Info("config loaded",
		zap.String("env", cfg.App.Env),
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("lock_driver", cfg.Lock.Driver),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("kafka", cfg.Kafka.Enabled),
		zap.String("api_token", config.Mask(cfg.App.APIToken)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, zlog); err != nil {
		zlog.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, zlog *zap.Logger) error {
	var checkers []httpadapter.HealthChecker

	// 1. Setup Storage
	repos, closeDB, err := openStorage(ctx, cfg, zlog)
	if err != nil {
		return err
	}
	defer closeDB()
	if repos.healthChecker != nil {
		checkers = append(checkers, repos.healthChecker)
	}

	// 2. Seed the asset catalog
	assetsFile, err := config.LoadAssets(cfg.App.AssetsFile)
	if err != nil {
		return err
	}
	catalogAssets, err := assetsFile.DomainAssets()
	if err != nil {
		return err
	}
	fiatRates, err := assetsFile.Rates()
	if err != nil {
		return err
	}

	assetSeeder := seeder.NewAssetSeeder(repos.assets, catalogAssets)
	created, err := assetSeeder.Seed(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed assets: %w", err)
	}
	catalog, err := assetSeeder.LoadCatalog(ctx)
	if err != nil {
		return err
	}
	zlog.Info("asset catalog ready", zap.Int("created", created), zap.Int("assets", catalog.Len()))

	// 3. Pricing
	var source pricing.PriceSource
	if cfg.Pricing.Enabled {
		source = coingecko.NewClient(cfg.Pricing.BaseURL, cfg.Pricing.Timeout, cfg.Pricing.RequestsPerSecond, zlog.Named("coingecko"))
	}
	oracle := pricing.NewCachedOracle(source, fiatRates, cfg.Pricing.CacheTTL, zlog.Named("pricing"))

	// 4. Redis, lock and publishers
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		checkers = append(checkers, httpadapter.CheckFunc{
			Label: "redis",
			Fn:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	var conversionLock domain.ConversionLock = lock.NewMemoryLock(cfg.Lock.TTL)
	if cfg.Lock.Driver == "redis" {
		conversionLock = lock.NewRedisLock(rdb, cfg.Lock.TTL, zlog.Named("lock"))
	}

	var publishers publisher.Multi
	if rdb != nil {
		publishers = append(publishers, publisher.NewRedisPublisher(rdb, cfg.Redis.Channel))
	}
	if cfg.Kafka.Enabled {
		kafkaPublisher := publisher.NewKafkaPublisher(publisher.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		defer func() { _ = kafkaPublisher.Close() }()
		publishers = append(publishers, kafkaPublisher)
	}

	// 5. Initialize Services (Use Cases)
	collector := metrics.New()
	recorder := audit.NewRecorder(repos.audits, zlog.Named("audit"))

	balanceService := balance.NewBalanceService(repos.holdings, repos.fiat, repos.ledger, oracle, zlog.Named("balance"))
	balanceService.Retry = retry.Policy{MaxRetries: cfg.Retry.BalanceMaxRetries, BaseDelay: cfg.Retry.BalanceBaseDelay}
	balanceService.PriceTimeout = cfg.Pricing.LookupTimeout

	conversionService := conversion.NewConversionService(
		balanceService,
		conversionLock,
		recorder,
		repos.conversions,
		repos.rollbacks,
		catalog,
		zlog.Named("conversion"),
	)
	conversionService.Metrics = collector
	conversionService.PersistRetry = retry.Policy{MaxRetries: cfg.Retry.PersistMaxRetries, BaseDelay: cfg.Retry.PersistBaseDelay}
	if len(publishers) > 0 {
		conversionService.Publisher = publishers
	}

	historyService := history.NewHistoryService(repos.conversions, repos.audits, repos.ledger)
	portfolioService := portfolio.NewPortfolioService(repos.holdings, repos.fiat, oracle, zlog.Named("portfolio"))

	// 6. Reconcile worker
	if cfg.Reconcile.Enabled {
		reconciler := reconcile.NewReconciler(repos.rollbacks, balanceService, conversionLock, recorder, zlog.Named("reconcile"))
		reconciler.BatchSize = cfg.Reconcile.BatchSize
		worker := reconcile.NewWorker(reconciler, cfg.Reconcile.Interval, zlog.Named("reconcile"))
		go worker.Start(ctx)
		defer worker.Stop()
	}

	// 7. Start gRPC Server
	grpcServer := grpclib.NewServer(
		grpclib.ChainUnaryInterceptor(
			grpcadapter.LoggingInterceptor(zlog.Named("grpc")),
			grpcadapter.AuthInterceptor(cfg.App.APIToken),
		),
	)
	grpcadapter.RegisterConversionServiceServer(grpcServer,
		grpcadapter.NewServer(conversionService, historyService, portfolioService, balanceService, catalog))
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.App.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.App.GRPCAddr, err)
	}

	// 8. Start ops HTTP server
	opsServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           httpadapter.NewRouter(collector.Handler(), checkers, zlog.Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		zlog.Info("gRPC server listening", zap.String("addr", cfg.App.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("failed to serve gRPC server: %w", err)
		}
	}()
	go func() {
		zlog.Info("ops HTTP server listening", zap.String("addr", cfg.App.HTTPAddr))
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to serve ops HTTP server: %w", err)
		}
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
		zlog.Info("shutdown signal received, shutting down gracefully")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := opsServer.Shutdown(shutdownCtx); serr != nil {
		zlog.Warn("ops HTTP server shutdown failed", zap.Error(serr))
	}
	grpcServer.GracefulStop()
	zlog.Info("gRPC server stopped")
	return err
}

// storage bundles the repositories with the health check of their backend
type storage struct {
	repositories
	healthChecker httpadapter.HealthChecker
}

// openStorage builds the repositories for DB_DRIVER. The returned close func is never nil.
func openStorage(ctx context.Context, cfg *config.Config, zlog *zap.Logger) (*storage, func(), error) {
	if cfg.DB.Driver == "memory" {
		zlog.Warn("using in-memory storage, balances are lost on restart")
		return &storage{repositories: repositories{
			holdings:    memory.NewHoldingRepository(),
			fiat:        memory.NewFiatBalanceRepository(),
			ledger:      memory.NewFiatTransactionRepository(),
			conversions: memory.NewConversionRepository(),
			audits:      memory.NewAuditRepository(),
			rollbacks:   memory.NewRollbackRepository(),
			assets:      memory.NewAssetRepository(),
		}}, func() {}, nil
	}

	// Postgres may still be starting next to us; retry the first connection
	var db *postgres.DB
	policy := retry.Policy{MaxRetries: cfg.DB.ConnectRetries, BaseDelay: cfg.DB.ConnectDelay}
	err := retry.Do(ctx, policy, func() error {
		var err error
		db, err = postgres.NewDB(cfg.DB.DSN())
		return err
	}, func(err error, attempt int, wait time.Duration) {
		zlog.Warn("database not ready", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.DB.Migrate {
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, func() {}, err
		}
	}

	return &storage{
		repositories: repositories{
			holdings:    postgres.NewHoldingRepository(db),
			fiat:        postgres.NewFiatBalanceRepository(db),
			ledger:      postgres.NewFiatTransactionRepository(db),
			conversions: postgres.NewConversionRepository(db),
			audits:      postgres.NewAuditRepository(db),
			rollbacks:   postgres.NewRollbackRepository(db),
			assets:      postgres.NewAssetRepository(db),
		},
		healthChecker: db,
	}, func() { _ = db.Close() }, nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	calcapp "github.com/wyfcoding/cashflowengine/internal/calculation/application"
	calcdomain "github.com/wyfcoding/cashflowengine/internal/calculation/domain"
	fragmentcache "github.com/wyfcoding/cashflowengine/internal/calculation/infrastructure/cache"
	"github.com/wyfcoding/cashflowengine/internal/calculation/infrastructure/marketdata"
	"github.com/wyfcoding/cashflowengine/internal/calculation/infrastructure/messaging"
	calcmysql "github.com/wyfcoding/cashflowengine/internal/calculation/infrastructure/persistence/mysql"
	calcredis "github.com/wyfcoding/cashflowengine/internal/calculation/infrastructure/persistence/redis"
	calchttp "github.com/wyfcoding/cashflowengine/internal/calculation/interfaces/http"
	settlementapp "github.com/wyfcoding/cashflowengine/internal/settlement/application"
	settlementdomain "github.com/wyfcoding/cashflowengine/internal/settlement/domain"
	settlementmysql "github.com/wyfcoding/cashflowengine/internal/settlement/infrastructure/persistence/mysql"
	settlementhttp "github.com/wyfcoding/cashflowengine/internal/settlement/interfaces/http"
	"github.com/wyfcoding/cashflowengine/pkg/cache"
	"github.com/wyfcoding/cashflowengine/pkg/config"
	"github.com/wyfcoding/cashflowengine/pkg/db"
	"github.com/wyfcoding/cashflowengine/pkg/logger"
	"github.com/wyfcoding/cashflowengine/pkg/metrics"
	"github.com/wyfcoding/cashflowengine/pkg/middleware"
	"github.com/wyfcoding/cashflowengine/pkg/mq"
	"github.com/wyfcoding/cashflowengine/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "configs/engine/config.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	slogger := logger.Get()

	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		log.Fatalf("failed to init database: %v", err)
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&calcdomain.CashFlowEntry{},
		&calcdomain.WithholdingTaxRecord{},
		&calcdomain.CalculationRequestRecord{},
		&settlementdomain.SettlementInstruction{},
		&settlementdomain.SettlementEvent{},
		&messaging.OutboxMessage{},
	); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisCache, err := cache.New(cache.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxPoolSize:  cfg.Redis.MaxPoolSize,
		ConnTimeout:  cfg.Redis.ConnTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		log.Fatalf("failed to init redis: %v", err)
	}
	defer redisCache.Close()

	m := metrics.New("engine")
	if cfg.Metrics.Enabled {
		if err := m.Register(); err != nil {
			log.Fatalf("failed to register metrics: %v", err)
		}
		_ = metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	// 行情解析链：分片缓存 → 外部行情服务
	fragCache := fragmentcache.NewStripedCache(cfg.Engine.MaxCacheSize,
		time.Duration(cfg.Engine.CacheTTLSeconds)*time.Second)
	janitorStop := make(chan struct{})
	fragCache.StartJanitor(time.Minute, janitorStop)
	defer close(janitorStop)

	var feed calcdomain.MarketDataPort
	if cfg.Feed.BaseURL != "" {
		feed = marketdata.NewFeedClient(cfg.Feed.BaseURL,
			time.Duration(cfg.Feed.TimeoutSeconds)*time.Second)
	}
	resolver := marketdata.NewResolver(feed, fragCache, slogger)

	outbox := messaging.NewOutboxEventPublisher(database.DB)

	calcService := calcapp.NewCalculationService(
		calcapp.EngineConfig{
			EngineVersion:     cfg.Version,
			IOPoolSize:        cfg.Engine.IOPoolSize,
			CPUPoolSize:       cfg.Engine.CPUPoolSize,
			RealTimeThreshold: cfg.Engine.RealtimeThreshold,
			ResultCacheTTL:    time.Duration(cfg.Engine.ResultCacheTTLSeconds) * time.Second,
		},
		resolver,
		calcmysql.NewCashFlowRepo(database.DB),
		calcmysql.NewAuditRepo(database.DB),
		calcredis.NewResultRepo(redisCache),
		outbox,
		slogger,
	)

	settlementService := settlementapp.NewSettlementAppService(
		settlementmysql.NewSettlementRepo(database.DB),
		nil, // 结算执行方由外部系统对接
		outbox,
		cfg.Settlement.MaxRetries,
		time.Duration(cfg.Settlement.RetryBackoffSeconds)*time.Second,
		slogger,
	)

	if cfg.Metrics.Enabled {
		calcService.SetObserver(m)
		settlementService.SetObserver(m)
	}

	router := gin.New()
	router.Use(middleware.GinLoggingMiddleware())
	router.Use(middleware.GinRecoveryMiddleware())
	router.Use(middleware.GinCORSMiddleware())
	if cfg.Metrics.Enabled {
		router.Use(middleware.GinMetricsMiddleware(m))
	}
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewRedisRateLimiter(redisCache.GetClient())
		router.Use(middleware.RateLimitMiddleware(limiter, cfg.RateLimit))
	}

	api := router.Group("/api")
	calchttp.NewCalculationHandler(calcService).RegisterRoutes(api)
	settlementhttp.NewSettlementHandler(settlementService, calcService).RegisterRoutes(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slogger.Info("server started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// 发件箱中继
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewProducer(mq.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			MaxRetries:   cfg.Kafka.MaxRetries,
			RetryBackoff: cfg.Kafka.RetryBackoff,
		})
		if err != nil {
			log.Fatalf("failed to create kafka producer: %v", err)
		}
		relay := messaging.NewKafkaRelay(outbox, producer, cfg.Kafka.EventTopic, slogger)
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}

	// 行情片段缓存规模采样
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					m.MarketDataCacheSize.Set(float64(fragCache.Len()))
				}
			}
		})
	}

	// 到期结算指令的周期驱动
	g.Go(func() error {
		interval := time.Duration(cfg.Settlement.ScanIntervalSeconds) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				processed, succeeded, failed, err := settlementService.ProcessPending(
					gctx, time.Now(), cfg.Settlement.ScanBatchSize)
				if err != nil {
					slogger.ErrorContext(gctx, "settlement scan failed", "error", err)
					continue
				}
				if processed > 0 {
					slogger.InfoContext(gctx, "settlement scan completed",
						"processed", processed, "succeeded", succeeded, "failed", failed)
				}
			}
		}
	})

	<-gctx.Done()
	slogger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slogger.Error("server shutdown failed", "error", err)
	}

	if err := g.Wait(); err != nil {
		slogger.Error("background worker failed", "error", err)
		os.Exit(1)
	}
}

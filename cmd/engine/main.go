package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atra-trading/execution-engine/internal/audit"
	"github.com/atra-trading/execution-engine/internal/config"
	"github.com/atra-trading/execution-engine/internal/events"
	"github.com/atra-trading/execution-engine/internal/execution"
	"github.com/atra-trading/execution-engine/internal/handler"
	"github.com/atra-trading/execution-engine/internal/middleware"
	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/atra-trading/execution-engine/internal/order"
	"github.com/atra-trading/execution-engine/internal/position"
	"github.com/atra-trading/execution-engine/internal/pricefeed"
	"github.com/atra-trading/execution-engine/internal/repository"
	"github.com/atra-trading/execution-engine/internal/service"
	"github.com/atra-trading/execution-engine/internal/slippage"
	"github.com/atra-trading/execution-engine/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Build info (injected at build time via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := middleware.InitLogger("logs"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	gin.SetMode(cfg.Server.Mode)

	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	rdb := initRedis(cfg)

	if err := autoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Repositories
	userRepo := repository.NewUserRepository(db)
	positionRepo := repository.NewPositionRepository(db)
	tradeRepo := repository.NewTradeRepository(db)
	slippageRepo := repository.NewSlippageRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	credRepo := repository.NewCredentialRepository(db)

	// Core engine components
	auditLog := audit.New(auditRepo)
	publisher := events.NewPublisher(rdb)
	estimator := slippage.NewEstimator(slippageRepo)

	ledger := position.NewLedger(position.Config{
		TTL: time.Duration(cfg.Trading.PositionTTLHours) * time.Hour,
	}, position.DefaultPolicy(), positionRepo, tradeRepo, auditLog, publisher)

	if n, err := ledger.Restore(); err != nil {
		log.Printf("Warning: position recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("Recovered %d open positions", n)
	}

	router := order.NewRouter(order.Config{
		MaxOrdersPerSymbol: cfg.Trading.MaxOrdersPerSymbol,
		MaxOrdersPerUser:   cfg.Trading.MaxOrdersPerUser,
		CommissionRate:     decimal.NewFromFloat(cfg.Trading.CommissionRate),
		SlippageTolerance:  decimal.NewFromFloat(cfg.Trading.SlippageTolerance),
		AutoOptimize:       true,
	}, estimator)

	// Services
	authService := service.NewAuthService(userRepo, cfg.JWT)
	credService := service.NewCredentialService(credRepo, cfg.Encryption)

	coordinator := execution.NewCoordinator(cfg, ledger, estimator,
		credService, nil, nil, auditLog, execution.NewGuidanceStore())

	// Market data
	priceService := pricefeed.NewService(pricefeed.NewFeed(), rdb)

	// Monitor worker drives the router and ledger from price ticks
	monitor := worker.NewMonitor(router, ledger, priceService,
		time.Duration(cfg.Trading.MonitorIntervalSec)*time.Second)
	go monitor.Start()

	// Handlers
	authHandler := handler.NewAuthHandler(authService)
	engineHandler := handler.NewEngineHandler(coordinator, router, ledger, estimator, tradeRepo, credService)

	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(middleware.RequestLoggerMiddleware())

	ginRouter.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
			"time":       time.Now().Unix(),
			"env":        cfg.Execution.Env,
			"live":       cfg.IsLive(),
			"feed":       priceService != nil,
		})
	})

	v1 := ginRouter.Group("/api/v1")
	{
		// Auth routes (public)
		authHandler.RegisterRoutes(v1)

		// Engine routes (protected)
		protected := v1.Group("")
		protected.Use(middleware.AuthMiddleware(authService))
		engineHandler.RegisterRoutes(protected, middleware.SignalLoggerMiddleware())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: ginRouter,
	}

	if err := priceService.Start(context.Background()); err != nil {
		log.Printf("Warning: Failed to start price feed: %v", err)
	}

	go func() {
		log.Printf("Starting engine on %s (env=%s, live=%v)", addr, cfg.Execution.Env, cfg.IsLive())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down engine...")

	monitor.Stop()
	priceService.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	if err := rdb.Close(); err != nil {
		log.Printf("Error closing Redis connection: %v", err)
	}

	log.Println("Engine exited properly")
}

func initDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormLogger := logger.Default.LogMode(logger.Info)
	if cfg.Server.Mode == "release" {
		gormLogger = logger.Default.LogMode(logger.Warn)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

func initRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.OpsUser{},
		&models.ActivePosition{},
		&models.TradeRecord{},
		&models.SlippageRecord{},
		&models.AuditEntry{},
		&models.ExchangeCredential{},
	)
}

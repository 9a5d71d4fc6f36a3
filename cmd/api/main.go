package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "procurement/api/swagger" // swagger docs
	"procurement/internal/config"
	"procurement/internal/database"
	"procurement/internal/events"
	"procurement/internal/handler"
	"procurement/internal/lock"
	"procurement/internal/middleware"
	"procurement/internal/model"
	"procurement/internal/repository"
	"procurement/internal/service"
	"procurement/internal/websocket"
)

const devJWTSecret = "default_super_secret_key"

// @title           Procurement Approval API
// @version         1.0
// @description     Purchase request approval workflow with a budget ledger.
// @host            localhost:8080
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := godotenv.Load("configs/.env"); err != nil {
		log.Println("No configs/.env file found or error loading it")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	gin.SetMode(cfg.Server.Mode)

	if cfg.JWT.Secret == "" {
		if cfg.Server.Mode == gin.ReleaseMode {
			log.Fatal("FATAL: JWT_SECRET environment variable is required in production mode")
		}
		cfg.JWT.Secret = devJWTSecret // Development fallback only
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	logger.Info("database connected", "driver", cfg.Database.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Locks
	var locker lock.Locker
	switch cfg.Lock.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Redis connection failed: %v", err)
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, cfg.Lock.TTL, cfg.Lock.Timeout)
	default:
		locker = lock.NewMemoryLocker(cfg.Lock.Timeout)
	}

	// Change feed: WebSocket hub plus optional AMQP queue
	wsHub := websocket.NewHub(logger)
	go wsHub.Run(ctx)
	publishers := events.Multi{wsHub}
	if cfg.AMQP.Enabled {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			log.Fatalf("AMQP connection failed: %v", err)
		}
		defer amqpPub.Close()
		publishers = append(publishers, amqpPub)
	}

	// Set up dependencies (Repository -> Service -> Handler)
	txManager := repository.NewTransactionManager(db)
	userRepo := repository.NewUserRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	budgetRepo := repository.NewBudgetRepository(db)
	prRepo := repository.NewPurchaseRequestRepository(db)

	ledger := service.NewLedgerService(budgetRepo, auditRepo, txManager, logger)
	userService := service.NewUserService(userRepo, auditRepo, cfg.JWT.Secret, cfg.JWT.TTL, logger)
	budgetService := service.NewBudgetService(budgetRepo, auditRepo, txManager, ledger, locker, publishers,
		service.BudgetDefaults{WarningThreshold: cfg.Budget.WarningThreshold, CriticalThreshold: cfg.Budget.CriticalThreshold}, logger)
	approvalService := service.NewApprovalService(prRepo, budgetRepo, userRepo, auditRepo, txManager, ledger, locker, publishers,
		cfg.Escalation.Policy(), logger)
	auditService := service.NewAuditService(auditRepo)
	statisticsService := service.NewStatisticsService(budgetRepo, prRepo)

	if err := userService.EnsureAdmin(ctx, cfg.Admin.Username, cfg.Admin.Email, cfg.Admin.Password); err != nil {
		log.Fatalf("Admin bootstrap failed: %v", err)
	}

	// Initialize Handlers
	userHandler := handler.NewUserHandler(userService, int(cfg.JWT.TTL/time.Second))
	approvalHandler := handler.NewApprovalHandler(approvalService)
	budgetHandler := handler.NewBudgetHandler(budgetService)
	auditHandler := handler.NewAuditHandler(auditService)
	statisticsHandler := handler.NewStatisticsHandler(statisticsService)

	// Set up Gin Router
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(logger))

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Server.CORSOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept", middleware.RequestIDHeader}
	corsConfig.ExposeHeaders = []string{middleware.RequestIDHeader, "Content-Disposition"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	// Swagger route
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})

	// WebSocket endpoint
	secret := []byte(cfg.JWT.Secret)
	router.GET("/ws", func(c *gin.Context) {
		websocket.ServeWs(wsHub, c, func(token string) (model.Actor, error) {
			return middleware.ParseToken(secret, token)
		})
	})

	// API Routing
	userHandler.RegisterPublicRoutes(router.Group(""))
	api := router.Group("", middleware.JWTAuth(secret))
	userHandler.RegisterRoutes(api)
	approvalHandler.RegisterRoutes(api)
	budgetHandler.RegisterRoutes(api)
	auditHandler.RegisterRoutes(api)
	statisticsHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

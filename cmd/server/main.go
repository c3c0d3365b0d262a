package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eventchat/config"
	"eventchat/internal/handler"
	"eventchat/internal/model"
	"eventchat/internal/policy"
	"eventchat/internal/repository"
	"eventchat/internal/scheduler"
	"eventchat/internal/service"
	dbPkg "eventchat/pkg/db"
	"eventchat/pkg/jwt"
	"eventchat/pkg/logger"
	"eventchat/pkg/metrics"
	"eventchat/pkg/ratelimit"
	redisPkg "eventchat/pkg/redis"
	"eventchat/pkg/response"
	"eventchat/pkg/transport"
	"eventchat/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg := config.LoadConfig()

	// 2. 初始化日志系统
	log := logger.InitLogger(cfg.Log)
	defer log.Sync()

	log.Info("=== 活动聊天服务启动 ===")
	log.Info("服务器配置信息",
		zap.String("port", cfg.Server.Port),
		zap.String("database_host", cfg.Database.Host),
		zap.Int("database_port", cfg.Database.Port),
		zap.String("database_name", cfg.Database.Database),
		zap.String("redis_host", cfg.Redis.Host),
		zap.String("credential_mode", cfg.Transport.CredentialMode),
		zap.Duration("credential_ttl", cfg.Transport.CredentialTTL),
		zap.String("log_level", cfg.Log.Level),
	)

	// 3. 初始化数据库连接
	orm, err := dbPkg.InitDB(cfg.Database)
	if err != nil {
		log.Fatal("数据库连接失败", zap.Error(err))
	}
	defer func() {
		if err := dbPkg.CloseDB(); err != nil {
			log.Error("关闭数据库连接失败", zap.Error(err))
		}
	}()
	log.Info("数据库连接成功")

	// 3.1 自动迁移表结构
	if err := dbPkg.AutoMigrate(model.All()...); err != nil {
		log.Fatal("自动迁移失败", zap.Error(err))
	}
	log.Info("自动迁移完成")

	// 4. 初始化Redis（实时通道提供方）
	rdb, err := redisPkg.InitRedis(cfg.Redis)
	if err != nil {
		log.Fatal("Redis连接失败", zap.Error(err))
	}
	defer func() {
		if err := redisPkg.Close(); err != nil {
			log.Error("关闭Redis连接失败", zap.Error(err))
		}
	}()
	broker := transport.NewRedisBroker(rdb, transport.RedisOptions{
		HistorySize: cfg.Transport.HistorySize,
		HistoryTTL:  cfg.Transport.HistoryTTL,
		PresenceTTL: cfg.Transport.PresenceTTL,
	})
	issuer, err := transport.NewCredentialIssuer(cfg.Transport)
	if err != nil {
		log.Fatal("实时凭证配置错误", zap.Error(err))
	}
	if issuer.Mode() == transport.ModeIdentity {
		log.Warn("实时通道使用身份凭证（降级模式），群聊访问在订阅时逐次校验")
	}

	// 5. 初始化业务服务
	jwtSvc := jwt.NewJWTService(cfg.JWT)
	userRepo := repository.NewUserRepository(orm)
	eventRepo := repository.NewEventRepository(orm)
	messageRepo := repository.NewMessageRepository(orm, model.ValidationLimits{
		MaxContentLength: cfg.Chat.MaxContentLength,
		MaxAttachments:   cfg.Chat.MaxAttachments,
	}, cfg.Chat.DefaultPageSize, cfg.Chat.MaxPageSize)
	accessPolicy := policy.New(eventRepo, userRepo)

	userSvc := service.NewUserService(userRepo, jwtSvc)
	chatSvc := service.NewChatService(messageRepo, accessPolicy, broker, broker, issuer, cfg.Chat, cfg.Transport.CredentialTTL)

	manager := websocket.NewManager()
	gateway := websocket.NewGateway(issuer, chatSvc, func(member string) transport.Subscriber {
		return broker.As(member)
	}, cfg.WebSocket, manager)

	// 6. 在线状态清理、限流桶回收任务
	jobCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()
	if _, err := scheduler.Start(jobCtx, "presence-sweep", cfg.Scheduler.PresenceSweepCron, func(ctx context.Context) error {
		n, err := broker.Sweep(ctx)
		if err != nil {
			return err
		}
		metrics.PresenceSweptTotal.Add(float64(n))
		if n > 0 {
			logger.Debug("清理过期在线状态", zap.Int("removed", n))
		}
		return nil
	}); err != nil {
		log.Fatal("定时任务启动失败", zap.Error(err))
	}

	limiter := ratelimit.NewPool(cfg.RateLimit)
	if _, err := scheduler.Start(jobCtx, "ratelimit-sweep", cfg.Scheduler.RateLimitSweepCron, func(context.Context) error {
		if n := limiter.Sweep(); n > 0 {
			logger.Debug("回收闲置限流桶", zap.Int("removed", n), zap.Int("remaining", limiter.Len()))
		}
		return nil
	}); err != nil {
		log.Fatal("定时任务启动失败", zap.Error(err))
	}

	// 7. 设置Gin模式
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 8. 创建Gin路由
	router := gin.New()
	router.Use(logger.RequestLogger())         // 请求日志
	router.Use(logger.ErrorLoggerMiddleware()) // 错误日志与panic恢复
	router.Use(metrics.Middleware())

	setupBasicRoutes(router)
	router.GET("/ws", gateway.Handle)

	handler.Routes{
		Users:   handler.NewUserHandler(userSvc),
		Chat:    handler.NewChatHandler(chatSvc),
		Auth:    jwtSvc.AuthMiddleware(),
		Limiter: limiter.Middleware(),
	}.Register(router.Group("/api/v1"))

	// 9. 创建HTTP服务器
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP服务器启动", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP服务器启动失败", zap.Error(err))
		}
	}()

	// 10. 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务器...")
	stopJobs()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 先断开实时连接（Shutdown 不会关闭已升级的连接）
	manager.CloseAll()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("HTTP服务器关闭失败", zap.Error(err))
	}

	log.Info("服务器已安全关闭")
}

// setupBasicRoutes 设置基础路由
func setupBasicRoutes(router *gin.Engine) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		status := "ok"
		if err := dbPkg.HealthCheck(); err != nil {
			status = "db-down"
		} else if err := redisPkg.HealthCheck(c.Request.Context()); err != nil {
			status = "redis-down"
		}
		response.Success(c, gin.H{
			"status": status,
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// Prometheus 指标
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devtribes/backend/config"
	"github.com/devtribes/backend/internal/auth"
	"github.com/devtribes/backend/internal/chatlog"
	"github.com/devtribes/backend/internal/middleware"
	"github.com/devtribes/backend/internal/models"
	"github.com/devtribes/backend/internal/projects"
	"github.com/devtribes/backend/internal/realtime"
	"github.com/devtribes/backend/internal/tribes"
	"github.com/devtribes/backend/internal/users"
	"github.com/devtribes/backend/pkg/database"
	"github.com/devtribes/backend/pkg/queue"
	"github.com/devtribes/backend/pkg/redis"
	"github.com/devtribes/backend/pkg/response"
	"github.com/devtribes/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()

	// S3 is optional; avatar uploads answer 503 without it.
	var media users.MediaStore
	if cfg.AWS.Region != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			MediaBucket:          cfg.AWS.MediaBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
		media = s3Client
	} else {
		logger.Warn("AWS_REGION not set, avatar uploads disabled")
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)
	userHandler := users.NewHandler(authRepo, media, logger)

	tribeRepo := tribes.NewRepository(pool)
	gatekeeper := tribes.NewGatekeeper(jwtService, tribeRepo, logger)

	// Redis pub/sub fans room and project events out across server instances.
	pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, gatekeeper, pubsub, pubsub)
	hub.SetJoinTimeout(cfg.Realtime.JoinTimeout)
	if err := hub.Start(); err != nil {
		logger.Error("hub global subscription", zap.Error(err))
	}

	jobs := queue.NewQueue(rdb.Client, logger)
	var archiver realtime.Archiver
	if cfg.Chat.ArchiveEnabled {
		archiver = chatlog.NewQueueArchiver(jobs)
	}
	relay := realtime.NewChatRelay(hub, archiver, logger)
	broadcaster := realtime.NewProjectBroadcaster(hub, logger)
	wsHandler := realtime.NewHandler(hub, relay, broadcaster, jwtService.UserID, realtime.HandlerConfig{
		SendBuffer:      cfg.Realtime.SendBuffer,
		MaxMessageBytes: cfg.Realtime.MaxMessageBytes,
		AllowedOrigins:  cfg.Realtime.AllowedOrigins,
	}, logger)

	tribeHandler := tribes.NewHandler(tribeRepo, hub, logger)
	historyHandler := chatlog.NewHandler(chatlog.NewRepository(pool), tribeRepo, cfg.Chat.HistoryLimit, logger)
	projectHandler := projects.NewHandler(projects.NewRepository(pool), tribeRepo, broadcaster, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := rdb.Healthy(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
	}

	// Token in query; join-room may carry its own credential instead.
	router.GET("/ws", wsHandler.ServeWs)

	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/users/me", userHandler.Me)
		api.PATCH("/users/me", userHandler.UpdateProfile)
		api.POST("/users/me/avatar", userHandler.UploadAvatar)
		api.POST("/users/me/avatar/presign", userHandler.PresignAvatar)
		api.PUT("/users/me/avatar", userHandler.ConfirmAvatar)

		api.GET("/tribes", tribeHandler.ListTribes)
		api.POST("/tribes", tribeHandler.CreateTribe)
		api.GET("/tribes/:id", tribeHandler.GetTribe)
		api.POST("/tribes/:id/join", tribeHandler.JoinTribe)
		api.POST("/tribes/:id/leave", tribeHandler.LeaveTribe)
		api.GET("/tribes/:id/members", tribeHandler.ListMembers)
		api.POST("/tribes/:id/members", tribeHandler.AddMember)
		api.GET("/tribes/:id/online", tribeHandler.Online)
		api.GET("/tribes/:id/messages", historyHandler.History)

		api.POST("/projects", projectHandler.Create)
		api.GET("/projects/:id", projectHandler.Get)
		api.POST("/projects/:id/updates", projectHandler.PostUpdate)
		api.GET("/projects/:id/updates", projectHandler.ListUpdates)

		api.GET("/admin/realtime", middleware.RequireRole(models.RoleAdmin), func(c *gin.Context) {
			response.OK(c, gin.H{
				"connections": hub.ConnectionCount(),
				"rooms":       hub.RoomCount(),
			})
		})
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by srv.Shutdown.
	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"messenger-service/internal/auth"
	"messenger-service/internal/config"
	"messenger-service/internal/db"
	"messenger-service/internal/delivery"
	"messenger-service/internal/handlers"
	"messenger-service/internal/middleware"
	"messenger-service/internal/observability"
	"messenger-service/internal/presence"
	"messenger-service/internal/rabbitmq"
	"messenger-service/internal/repositories"
	"messenger-service/internal/session"
	"messenger-service/internal/telemetry"
	"messenger-service/internal/ws"
)

const serviceName = "messenger-service"

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	shutdownTracing, err := observability.InitTracing(context.Background(), serviceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	if publisher, err := observability.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange); err != nil {
		logger.Warn("event publisher disabled", "error", err)
	} else {
		observability.SetPublisher(publisher)
		defer publisher.Close()
	}

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer auditPublisher.Close()
	auditEmitter := telemetry.NewAuditEmitter(auditPublisher, "audit.messenger", serviceName, cfg.Environment)

	userRepo := repositories.NewUserRepo(database)
	convRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	requestRepo := repositories.NewRequestRepo(database)

	registry := session.NewRegistry(cfg.OfflineGrace)
	presenceStore := presence.NewRedisStore(cfg.RedisAddr)
	broadcaster := presence.NewBroadcaster(registry, convRepo, userRepo, presenceStore, logger)
	registry.OnPresenceChange(
		func(userID int64) { broadcaster.UserOnline(context.Background(), userID) },
		func(userID int64) { broadcaster.UserOffline(context.Background(), userID) },
	)

	engine := delivery.NewEngine(convRepo, messageRepo, userRepo, registry, logger, cfg.MaxMessageLen)
	defer registry.CloseAll()

	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)

	authHandler := handlers.NewAuthHandler(userRepo, issuer)
	userHandler := handlers.NewUserHandler(userRepo, auditEmitter)
	convHandler := handlers.NewConversationHandler(convRepo)
	messageHandler := handlers.NewMessageHandler(convRepo, messageRepo, engine, auditEmitter)
	requestHandler := handlers.NewRequestHandler(requestRepo, userRepo)
	wsHandler := ws.NewHandler(registry, engine, broadcaster, convRepo, issuer, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	router.POST("/auth/register", authHandler.Register)
	router.POST("/auth/login", authHandler.Login)

	authMiddleware := middleware.AuthMiddleware(issuer)

	router.GET("/users/search", authMiddleware, userHandler.Search)
	router.GET("/users/me", authMiddleware, userHandler.Me)
	router.PATCH("/users/me", authMiddleware, userHandler.UpdateProfile)
	router.PATCH("/users/me/privacy", authMiddleware, userHandler.UpdatePrivacy)
	router.PUT("/users/me/password", authMiddleware, userHandler.ChangePassword)

	router.GET("/chats", authMiddleware, convHandler.ListChats)
	router.PATCH("/chats/:chat_id/pin", authMiddleware, convHandler.PinChat)
	router.DELETE("/chats/:chat_id/me", authMiddleware, convHandler.DeleteChatForMe)

	router.GET("/chats/:chat_id/messages", authMiddleware, messageHandler.GetMessages)
	router.POST("/chats/:chat_id/messages", authMiddleware, messageHandler.PostMessage)
	router.PATCH("/chats/messages/:message_id", authMiddleware, messageHandler.EditMessage)
	router.DELETE("/chats/messages/:message_id", authMiddleware, messageHandler.DeleteMessage)
	router.POST("/chats/messages/:message_id/reactions", authMiddleware, messageHandler.ReactToMessage)

	router.POST("/chats/requests", authMiddleware, requestHandler.CreateRequest)
	router.GET("/chats/requests", authMiddleware, requestHandler.ListRequests)
	router.POST("/chats/requests/:request_id/respond", authMiddleware, requestHandler.RespondRequest)

	router.GET("/ws", wsHandler.Handle)

	handlers.RegisterDebugRoutes(router, auditEmitter, cfg.DebugRoutes)

	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

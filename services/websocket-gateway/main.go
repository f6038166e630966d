package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chorus/pkg/broadcast"
	"chorus/pkg/db"
	"chorus/pkg/metrics"
	"chorus/pkg/middleware"
	"chorus/pkg/utils"
	presence "chorus/services/presence-service/services"
	"chorus/services/websocket-gateway/config"
	"chorus/services/websocket-gateway/handlers"
	authmw "chorus/services/websocket-gateway/middleware"
	"chorus/services/websocket-gateway/services"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	logger := utils.NewLogger("websocket-gateway", cfg.LogLevel)

	if err := cfg.Presence.Validate(); err != nil {
		logger.Fatal("Invalid presence config", "error", err)
	}
	if err := cfg.Chat.Validate(); err != nil {
		logger.Fatal("Invalid chat config", "error", err)
	}

	// Connect to database
	database, err := db.Connect(cfg.DatabaseURL, cfg.Environment)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	repo := db.NewRepository(database)

	// Connect to Redis
	redisClient, err := db.NewRedisClient(context.Background(), cfg.RedisURL, cfg.RedisDB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", "error", err)
	}
	defer redisClient.Close()

	bus, err := broadcast.Open(cfg.BroadcastBackend, redisClient, cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("Failed to open broadcast bus", "backend", cfg.BroadcastBackend, "error", err)
	}
	defer bus.Close()

	// Initialize services
	presenceService := presence.NewPresenceService(redisClient, cfg.Presence, bus, logger)
	messageCache := services.NewMessageCache(redisClient, repo, cfg.Chat, logger)
	identity := authmw.NewJWTIdentity(cfg.JWTSecret, repo)
	conns := handlers.NewConnections()

	// Initialize handlers
	presenceHandler := handlers.NewPresenceHandler(identity, presenceService, repo, repo, bus, conns, logger)
	chatHandler := handlers.NewChatHandler(identity, repo, repo, messageCache, bus, cfg.Chat, conns, logger)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))

	router.GET("/health", handlers.HealthCheck(redisClient, database, conns))
	router.GET("/metrics", metrics.Handler())

	ws := router.Group("/ws")
	{
		ws.GET("/presence", presenceHandler.ServeWS)
		ws.GET("/chat/:conversation_id", chatHandler.ServeWS)
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting WebSocket Gateway", "port", cfg.Port, "broadcast", cfg.BroadcastBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conns.CloseAll()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	if sqlDB, err := database.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info("Server exited")
}

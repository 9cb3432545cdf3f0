// chatterd is the sandbox chat server: a single-process WebSocket hub
// implementing the envelope protocol, with a token endpoint for issuing
// session JWTs. It exists so clients can be exercised end to end on a
// laptop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatsync/internal/directory"
	wsHandler "chatsync/internal/handler/ws"
	"chatsync/pkg/config"
	"chatsync/pkg/constants"
	"chatsync/pkg/jwt"
	"chatsync/pkg/logger"
)

func main() {
	cfg := config.Load()

	if err := logger.Init(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Server.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}
	jwtManager := jwt.NewManager(cfg.Server.JWTSecret, 24*time.Hour)

	// The directory is optional; without Redis the hub still runs, tokens
	// just are not recorded anywhere
	var dir *directory.RedisDirectory
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis unavailable, directory disabled", zap.Error(err))
	} else {
		dir = directory.NewRedisDirectory(redisClient)
		logger.Info("directory enabled", zap.String("addr", cfg.Redis.Addr))
	}

	hub := wsHandler.NewHub()
	defer hub.Close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Development token endpoint: hands out a session JWT for a username
	router.POST("/token", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username required"})
			return
		}

		userID := uuid.New()
		if dir != nil {
			if existing, err := dir.UserIDByUsername(c.Request.Context(), req.Username); err == nil {
				userID = existing
			} else if err := dir.Register(c.Request.Context(), directory.Profile{
				UserID:      userID,
				Username:    req.Username,
				DisplayName: req.Username,
			}); err != nil {
				logger.Warn("directory registration failed", zap.Error(err))
			}
		}

		token, err := jwtManager.Generate(userID, req.Username)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "token": token})
	})

	router.GET("/ws", hub.ServeWS(jwtManager))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		logger.Info("chatterd listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}

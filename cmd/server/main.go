package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent-visualizer/backend/api/handlers"
	"github.com/agent-visualizer/backend/internal/config"
	"github.com/agent-visualizer/backend/internal/db"
	"github.com/agent-visualizer/backend/internal/metrics"
	"github.com/agent-visualizer/backend/internal/repository"
	"github.com/agent-visualizer/backend/internal/session"
	"github.com/agent-visualizer/backend/internal/ws"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}
	if cfg.Server.LogDir != "" {
		if err := os.MkdirAll(cfg.Server.LogDir, 0755); err != nil {
			log.Fatalf("Failed to create log directory: %v", err)
		}
	}

	// Initialize database
	database, err := db.InitDB(cfg.Server.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.CloseDB()

	sessionRepo := repository.NewSessionRepository(database)
	eventRepo := repository.NewEventRepository(database)

	// The relay is created first; the session manager publishes through it
	// and observes it to record transcripts.
	wsService := ws.NewService(cfg.Server.CheckOrigin())
	defer wsService.Close()

	sessionManager := session.NewManager(sessionRepo, eventRepo, wsService.Relay(), session.Config{
		LogDir: cfg.Server.LogDir,
	})
	defer sessionManager.Close()
	wsService.Relay().SetObserver(sessionManager)

	sessionHandler := handlers.NewSessionHandler(sessionManager)
	wsHandler := handlers.NewWebSocketHandler(wsService.Handler())

	r := gin.Default()
	r.Use(corsMiddleware(cfg.Server.CORSOrigin()))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"active_channels": wsService.Relay().ChannelCount(),
		})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	sessionHandler.RegisterRoutes(api)
	sessionHandler.RegisterChatRoute(r)
	wsHandler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	// Hijacked relay connections are not tracked by the HTTP server.
	wsService.Close()
}

// corsMiddleware returns a CORS middleware allowing origin.
func corsMiddleware(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

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
	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/chat"
	"github.com/peerbot/peerbot/internal/common/config"
	"github.com/peerbot/peerbot/internal/common/database"
	"github.com/peerbot/peerbot/internal/common/logger"
	"github.com/peerbot/peerbot/internal/dispatcher"
	"github.com/peerbot/peerbot/internal/githosting"
	"github.com/peerbot/peerbot/internal/queue"
	"github.com/peerbot/peerbot/internal/ratelimit"
	"github.com/peerbot/peerbot/internal/session"
	"github.com/peerbot/peerbot/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting dispatcher service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the queue
	q, err := queue.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to queue", zap.Error(err))
	}
	defer q.Close()

	// 5. Connect to the conversation store
	var convStore store.ConversationStore
	if cfg.Database.URL != "" || cfg.Database.Host != "" {
		if err := store.RunMigrations(cfg.Database.DSN()); err != nil {
			log.Fatal("Failed to run migrations", zap.Error(err))
		}
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		convStore = store.NewPostgresStore(db, log)
		log.Info("Connected to conversation store")
	} else {
		convStore = store.NewMemoryStore()
		log.Warn("No database configured, using in-memory conversation store")
	}

	// 6. Chat API client and event gateway
	chatClient := chat.NewAPIClient("", cfg.Chat.GatewayToken, log)
	gateway := chat.NewGateway(cfg.Chat, log)

	// 7. Ingress pipeline
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxJobs: cfg.Dispatcher.MaxJobsPerUser,
		Window:  cfg.Dispatcher.RateWindow(),
	}, log)
	defer limiter.Stop()

	resolver := githosting.NewCachedResolver(&githosting.StaticResolver{
		Template: cfg.Git.RepoTemplate,
	}, cfg.Dispatcher.RepoCacheTTL(), log)

	d := dispatcher.New(chatClient, q, limiter, resolver, convStore,
		session.NewTracker(log), cfg.Chat, cfg.Dispatcher, cfg.Agent, log)

	// 8. Response egress
	egress := dispatcher.NewEgress(chatClient, q, cfg.Chat.UpdateThrottle, log)
	if err := egress.Start(ctx); err != nil {
		log.Fatal("Failed to start response egress", zap.Error(err))
	}

	// 9. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Consume gateway events
	go d.Run(ctx, gateway.Events())
	gateway.Start(ctx)
	log.Info("Dispatcher started")

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down dispatcher service...")

	// 12. Graceful shutdown: stop intake first, then flush pending updates
	gateway.Stop()
	cancel()
	egress.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Dispatcher service stopped")
}

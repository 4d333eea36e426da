package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/chat"
	"github.com/peerbot/peerbot/internal/cluster/dockercluster"
	"github.com/peerbot/peerbot/internal/common/config"
	"github.com/peerbot/peerbot/internal/common/database"
	"github.com/peerbot/peerbot/internal/common/logger"
	"github.com/peerbot/peerbot/internal/queue"
	"github.com/peerbot/peerbot/internal/session"
	"github.com/peerbot/peerbot/internal/store"
	"github.com/peerbot/peerbot/internal/worker"
	"github.com/peerbot/peerbot/internal/worker/agent"
	"github.com/peerbot/peerbot/internal/worker/gitops"
)

func main() {
	// 1. Load configuration from the environment
	cfg, err := worker.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  envOr("LOG_LEVEL", "info"),
		Format: envOr("LOG_FORMAT", "json"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting worker",
		zap.String("deployment", cfg.DeploymentName),
		zap.String("session_key", cfg.SessionKey))

	// 3. Create context cancelled on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("Shutdown signal received")
		cancel()
	}()

	// 4. Connect to the queue
	q, err := queue.New(config.NATSConfig{URL: cfg.NATSURL}, log)
	if err != nil {
		log.Fatal("Failed to connect to queue", zap.Error(err))
	}
	defer q.Close()

	// 5. Conversation store
	var convStore store.ConversationStore
	if cfg.DatabaseURL != "" {
		db, err := database.NewDB(ctx, config.DatabaseConfig{URL: cfg.DatabaseURL})
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		// Scope every statement to this worker's user; the row level
		// security policy does the rest.
		convStore = store.NewPostgresStore(db, log).ForUser(cfg.UserID)
	} else {
		convStore = store.NewMemoryStore()
		log.Warn("No database configured, session resume disabled across restarts")
	}

	// 6. Git workspace on the session branch
	git := gitops.New(gitops.Config{
		Dir:           filepath.Join(cfg.WorkspacePath, cfg.Username),
		RepositoryURL: cfg.RepositoryURL,
		Token:         cfg.HostingToken,
		Branch:        session.BranchName(cfg.SessionKey),
		DefaultBranch: cfg.DefaultBranch,
		BotName:       cfg.GitBotName,
		BotEmail:      cfg.BotEmail(),
	}, log)

	// 7. Agent runner and worker loop
	runner := agent.NewRunner(log)
	w := worker.New(cfg, q, convStore, git, runner, log)

	// Self-delete on idle needs cluster access; run without it when the
	// control socket is unavailable and let orphan recovery reap us instead.
	if appCfg, err := config.Load(); err == nil {
		if clusterClient, err := dockercluster.NewClient(appCfg.Cluster, log); err == nil {
			defer clusterClient.Close()
			w.WithClusterClient(clusterClient)
		} else {
			log.Warn("Cluster client unavailable, relying on orphan recovery", zap.Error(err))
		}
	}

	// Thread history enriches the prompt when the chat token is present.
	if token := os.Getenv("CHAT_TOKEN"); token != "" {
		w.WithChatClient(chat.NewAPIClient("", token, log))
	}

	// 8. Health endpoints
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: router,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
		}
	}()

	// 9. Consume until idle timeout or shutdown
	err = w.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	if err != nil && ctx.Err() == nil {
		log.Error("Worker exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Worker stopped")
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

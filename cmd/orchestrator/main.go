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

	"github.com/peerbot/peerbot/internal/cluster"
	"github.com/peerbot/peerbot/internal/cluster/dockercluster"
	"github.com/peerbot/peerbot/internal/common/config"
	"github.com/peerbot/peerbot/internal/common/database"
	"github.com/peerbot/peerbot/internal/common/logger"
	"github.com/peerbot/peerbot/internal/credentials"
	"github.com/peerbot/peerbot/internal/orchestrator"
	"github.com/peerbot/peerbot/internal/queue"
	"github.com/peerbot/peerbot/internal/reconciler"
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

	log.Info("Starting orchestrator service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the queue
	q, err := queue.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to queue", zap.Error(err))
	}
	defer q.Close()

	// 5. Database: migrations, conversation store, role provisioning
	if err := store.RunMigrations(cfg.Database.DSN()); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}
	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	convStore := store.NewPostgresStore(db, log)
	provisioner := store.NewPgxRoleProvisioner(db)
	log.Info("Connected to database")

	// 6. Cluster client
	clusterClient, err := dockercluster.NewClient(cfg.Cluster, log)
	if err != nil {
		log.Fatal("Failed to initialize cluster client", zap.Error(err))
	}
	defer clusterClient.Close()
	if err := clusterClient.Ping(ctx); err != nil {
		log.Fatal("Failed to connect to cluster", zap.Error(err))
	}
	log.Info("Connected to cluster")

	// 7. Credentials store and deployment reconciler
	creds := credentials.NewStore(clusterClient, provisioner, cfg.Database, log)
	rec := reconciler.New(clusterClient, creds, cfg.Cluster, cfg.Orchestrator,
		cfg.Worker, cfg.Server.Port, log)
	rec.SetExtraWorkerEnv([]cluster.EnvVar{
		{Name: "NATS_URL", Value: cfg.NATS.URL},
		{Name: "AGENT_COMMAND", Value: cfg.Agent.Command},
		{Name: "GIT_BOT_NAME", Value: cfg.Git.BotName},
		{Name: "GIT_BOT_EMAIL_HOST", Value: cfg.Git.BotEmailHost},
		{Name: "GIT_DEFAULT_BRANCH", Value: cfg.Git.DefaultBranch},
	})
	// Tokens travel through a cluster secret, never plain manifest env. The
	// workers get their database credentials from the per-user secret.
	if err := rec.EnsureWorkerEnvSecret(ctx, map[string][]byte{
		"HOSTING_TOKEN": []byte(cfg.Git.HostingToken),
		"AGENT_TOKEN":   []byte(cfg.Agent.Token),
		"CHAT_TOKEN":    []byte(cfg.Chat.GatewayToken),
	}); err != nil {
		log.Fatal("Failed to provision worker env secret", zap.Error(err))
	}
	rec.SetConversationStore(convStore)
	rec.Start()

	// 8. Ingress consumer
	consumer := orchestrator.NewConsumer(q, rec, convStore, cfg.Orchestrator, log)
	if err := consumer.Start(ctx); err != nil {
		log.Fatal("Failed to start ingress consumer", zap.Error(err))
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
		if err := clusterClient.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "cluster unreachable"})
			return
		}
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

	log.Info("Orchestrator started")

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestrator service...")

	// 11. Graceful shutdown
	consumer.Stop()
	rec.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Orchestrator service stopped")
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/config"
	"conversation-orchestrator/pkg/metrics"
	"conversation-orchestrator/pkg/orchestrator"
	redisClient "conversation-orchestrator/pkg/redis"
)

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.WithFields(logrus.Fields{
		"pod_id":  cfg.PodID,
		"backend": cfg.StoreBackend,
	}).Info("Starting conversation orchestrator")

	// Initialize metrics
	metrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Connect to Redis unless running fully in memory
	var rdb *goredis.Client
	if cfg.StoreBackend == "redis" {
		redis, err := redisClient.NewClient(redisClient.DefaultConnectionConfig(cfg.RedisURL), logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redis.Close()
		rdb = redis.GetRedisClient()
	}

	service := orchestrator.NewService(rdb, cfg, logger, metrics, prometheus.DefaultGatherer)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start service
	if err := service.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start service")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := service.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during service shutdown")
	}

	logger.Info("Conversation orchestrator shutdown complete")
}

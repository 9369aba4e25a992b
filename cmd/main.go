package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voucher-order-service/api/rest"
	"voucher-order-service/internal/compensation"
	"voucher-order-service/internal/config"
	"voucher-order-service/internal/database"
	"voucher-order-service/internal/idgen"
	"voucher-order-service/internal/mq"
	"voucher-order-service/internal/queue"
	"voucher-order-service/internal/repository"
	"voucher-order-service/internal/seckill"
	"voucher-order-service/internal/service"
	"voucher-order-service/internal/worker"

	"github.com/sirupsen/logrus"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig("./config")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	logger := logrus.New()

	// 设置日志级别
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// 设置日志格式
	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	// 设置日志输出
	if cfg.Log.File != "" {
		file, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer file.Close()
		logger.SetOutput(file)
	}

	logger.Info("Starting voucher order service...")

	// 初始化数据库
	db, err := database.NewDatabase(&cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// 初始化 Redis
	redisClient := database.NewRedisClient(&cfg.Redis)
	defer redisClient.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}

	// 根据配置选择消息队列
	var publisher mq.Publisher
	if cfg.RabbitMQ.URL != "" {
		publisher, err = mq.NewRabbitMQProducer(&cfg.RabbitMQ, logger)
		if err != nil {
			logger.Fatalf("Failed to create RabbitMQ producer: %v", err)
		}
	} else if len(cfg.Kafka.Brokers) > 0 {
		publisher = mq.NewKafkaProducer(&cfg.Kafka, logger)
	}
	if publisher != nil {
		defer publisher.Close()
	}

	// 组装核心组件
	store := repository.NewStore(db.DB)
	idWorker := idgen.NewIDWorker(redisClient)
	admission := seckill.NewAdmission(redisClient, logger)

	queueSize := cfg.Seckill.QueueSize
	if queueSize <= 0 {
		queueSize = queue.DefaultCapacity
	}
	orderQueue := queue.NewPendingOrderQueue(queueSize, logger)

	orderService := service.NewOrderService(store, redisClient, idWorker, admission, orderQueue, publisher, logger)
	orderService.SetLockTimings(cfg.Seckill.LockWaitTimeout, cfg.Seckill.LockLeaseTTL)

	// 启动履约 worker
	fulfillment := worker.NewFulfillmentWorker(store, redisClient, orderQueue, publisher, logger)
	fulfillment.SetTimings(cfg.Seckill.WorkerLockTTL, cfg.Seckill.TaskTimeout)
	fulfillment.Start()

	// 启动补偿任务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := compensation.NewDefaultHandler(store, logger)
	comp := compensation.NewManager(&cfg.Order, store, handler, logger)
	if err := comp.Start(ctx); err != nil {
		logger.Fatalf("Failed to start compensation manager: %v", err)
	}
	defer comp.Stop()

	// 创建 REST API 处理程序
	restHandler := rest.NewHandler(orderService, func() error {
		if err := db.HealthCheck(); err != nil {
			return fmt.Errorf("database health check failed: %w", err)
		}
		healthCtx, healthCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer healthCancel()
		if err := redisClient.Ping(healthCtx).Err(); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
		return nil
	})
	router := rest.SetupRouter(restHandler)

	// 启动 HTTP 服务器
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		logger.Infof("Starting HTTP server on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	// 等待中断信号以优雅关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// 创建一个超时上下文用于关闭服务器
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// 先停止接收新请求，再排空履约队列
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	fulfillment.Stop()

	logger.Info("Server exited")
}

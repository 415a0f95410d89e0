package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"runlab/internal/common/cache"
	"runlab/internal/common/db"
	commonmw "runlab/internal/common/http/middleware"
	"runlab/internal/common/mq"
	"runlab/internal/common/storage"
	"runlab/internal/exec/controller"
	"runlab/internal/exec/coordinator"
	"runlab/internal/exec/limiter"
	"runlab/internal/exec/pool"
	"runlab/internal/exec/quota"
	"runlab/internal/exec/repository"
	execruntime "runlab/internal/exec/runtime"
	"runlab/internal/exec/stream"
	"runlab/pkg/utils/logger"
)

const defaultConfigPath = "configs/exec_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	library, err := execruntime.NewLibrary(appCfg.Images)
	if err != nil {
		logger.Error(context.Background(), "init image library failed", zap.Error(err))
		return
	}

	var backend execruntime.Runtime
	if appCfg.Runtime.Mode == "isolated" {
		backend, err = execruntime.NewIsolatedRuntime(appCfg.Runtime.Isolated, library)
		if err != nil {
			logger.Error(context.Background(), "init isolated runtime failed", zap.Error(err))
			return
		}
	} else {
		backend = execruntime.NewSimulatedRuntime(library)
	}

	poolManager := pool.NewManager(appCfg.Pool.Config, backend)
	for _, image := range appCfg.Pool.WarmImages {
		if err := poolManager.Initialize(context.Background(), image, appCfg.Pool.TargetSize); err != nil {
			logger.Error(context.Background(), "pool initialization failed",
				zap.String("image", image), zap.Error(err))
			return
		}
	}

	limits := limiter.New(appCfg.Limits.Defaults, appCfg.Limits.Ceilings)
	streamer := stream.NewStreamer()
	quotaTracker := quota.NewRedisTracker(redisCache)

	opts := []coordinator.Option{
		coordinator.WithStatusRepository(repository.NewStatusRepository(redisCache, appCfg.Status.TTL)),
	}

	if appCfg.Database.DSN != "" {
		mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
		if err != nil {
			logger.Error(context.Background(), "init database failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mysqlDB.Close()
		}()
		opts = append(opts, coordinator.WithArchive(repository.NewArchiveRepository(mysqlDB.DB())))
	}

	if appCfg.MinIO.Endpoint != "" {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(context.Background(), "init minio failed", zap.Error(err))
			return
		}
		opts = append(opts, coordinator.WithArtifactStore(
			repository.NewArtifactStore(objStorage, appCfg.MinIO.Bucket)))
	}

	var mqClient *mq.KafkaQueue
	if len(appCfg.Kafka.Brokers) > 0 {
		mqClient, err = mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
		if err != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mqClient.Close()
		}()
		opts = append(opts, coordinator.WithRecordPublisher(
			repository.NewRecordPublisher(mqClient, appCfg.Status.FinalTopic)))
	}

	coord := coordinator.New(appCfg.Coordinator, poolManager, backend, limits, streamer, quotaTracker, opts...)

	httpServer := buildHTTPServer(appCfg.Server, coord)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "exec http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	if err := coord.Shutdown(ctx); err != nil {
		logger.Warn(context.Background(), "coordinator shutdown incomplete", zap.Error(err))
	}
	if err := poolManager.Close(ctx); err != nil {
		logger.Warn(context.Background(), "pool shutdown incomplete", zap.Error(err))
	}
}

func buildHTTPServer(cfg ServerConfig, coord *coordinator.Coordinator) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	api := router.Group("/api/v1/exec")
	controller.NewExecController(coord).RegisterRoutes(api)
	controller.NewStreamController(coord).RegisterRoutes(api)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

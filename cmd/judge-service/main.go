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

	"ojjudge/internal/common/cache"
	"ojjudge/internal/common/db"
	commonmw "ojjudge/internal/common/http/middleware"
	"ojjudge/internal/common/mq"
	"ojjudge/internal/common/storage"
	"ojjudge/internal/judge/aggregator"
	"ojjudge/internal/judge/controller"
	"ojjudge/internal/judge/problem"
	"ojjudge/internal/judge/repository"
	"ojjudge/internal/judge/sandbox/engine"
	"ojjudge/internal/judge/sandbox/observer"
	"ojjudge/internal/judge/sandbox/profile"
	"ojjudge/internal/judge/sandbox/runner"
	"ojjudge/internal/judge/service"
	"ojjudge/pkg/utils/logger"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/judge_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, appCfg); err != nil {
		logger.Error(context.Background(), "judge service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, appCfg *AppConfig) error {
	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()
	dbProvider := db.NewManager(mysqlDB)

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		return fmt.Errorf("init minio: %w", err)
	}

	mqClient, err := newMessageQueue(appCfg)
	if err != nil {
		return fmt.Errorf("init %s: %w", appCfg.MQ.Driver, err)
	}
	defer func() {
		_ = mqClient.Close()
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observer.NewPrometheusRecorder(registry)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	submissions := repository.NewSubmissionRepository(dbProvider, redisCache)
	results := repository.NewBlobResultStore(objStorage)

	if appCfg.Mode.WorkerEnabled() {
		if err := startWorker(ctx, appCfg, mqClient, objStorage, redisCache, submissions, metrics); err != nil {
			return err
		}
	}

	var agg *aggregator.Aggregator
	if appCfg.Mode.AggregatorEnabled() || appCfg.Mode.APIEnabled() {
		agg, err = aggregator.New(aggregator.Config{
			Submissions:     submissions,
			Results:         results,
			Cache:           redisCache,
			StalenessWindow: appCfg.Aggregator.StalenessWindow,
			FinalTTL:        appCfg.Aggregator.FinalTTL,
			WatchBuffer:     appCfg.Aggregator.WatchBuffer,
		})
		if err != nil {
			return fmt.Errorf("init aggregator: %w", err)
		}
	}
	if appCfg.Mode.AggregatorEnabled() {
		opts := appCfg.MQ.subscribeOptions(appCfg.MQ.ResultConsumerGroup)
		if err := mqClient.SubscribeWithOptions(ctx, appCfg.MQ.ResultTopic, agg.HandleMessage, opts); err != nil {
			return fmt.Errorf("subscribe %s: %w", appCfg.MQ.ResultTopic, err)
		}
	}

	if err := mqClient.Start(); err != nil {
		return fmt.Errorf("start consumers: %w", err)
	}
	defer func() {
		_ = mqClient.Stop()
	}()

	if !appCfg.Mode.APIEnabled() {
		logger.Info(ctx, "judge service started without http api")
		<-ctx.Done()
		return nil
	}

	judgeController := controller.NewJudgeController(
		agg,
		submissions,
		repository.NewSubmitPublisher(mqClient, appCfg.MQ.SubmitTopic),
		problem.NewArchiveStore(objStorage),
		appCfg.Archive.MaxUploadBytes,
	)
	httpServer := buildHTTPServer(appCfg, judgeController, registry)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "judge http server started", zap.String("addr", appCfg.Server.Addr))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newMessageQueue(appCfg *AppConfig) (mq.MessageQueue, error) {
	if appCfg.MQ.Driver == driverNATS {
		return mq.NewNATSQueue(appCfg.NATS.toMQConfig())
	}
	return mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
}

func startWorker(
	ctx context.Context,
	appCfg *AppConfig,
	mqClient mq.MessageQueue,
	objStorage storage.BlobStore,
	redisCache *cache.RedisCache,
	submissions repository.SubmissionRepository,
	metrics observer.MetricsRecorder,
) error {
	languages, err := profile.NewRegistry(appCfg.Language.Languages)
	if err != nil {
		return fmt.Errorf("init languages: %w", err)
	}
	eng, err := engine.New(appCfg.Sandbox)
	if err != nil {
		return fmt.Errorf("init sandbox engine: %w", err)
	}
	archives := problem.NewArchiveCache(appCfg.Archive.toCacheConfig(), objStorage, redisCache)

	judgeSvc, err := service.NewService(service.Config{
		Runner:            runner.NewRunnerWithObserver(eng, metrics),
		Resolver:          problem.NewResolver(archives),
		Sink:              repository.NewMQEventPublisher(mqClient, appCfg.MQ.ResultTopic),
		Status:            submissions,
		Storage:           objStorage,
		Languages:         languages,
		Metrics:           metrics,
		Queue:             mqClient,
		RetryTopic:        appCfg.MQ.RetryTopic,
		DeadLetterTopic:   appCfg.MQ.DeadLetterTopic,
		PoolRetryMax:      appCfg.MQ.PoolRetryMax,
		PoolRetryBase:     appCfg.MQ.PoolRetryBase,
		PoolRetryMaxDelay: appCfg.MQ.PoolRetryMaxDelay,
		WorkRoot:          appCfg.Judge.WorkRoot,
		ShareWorkDir:      appCfg.Judge.ShareWorkDir,
		WorkerPoolSize:    appCfg.Worker.PoolSize,
		JudgeTimeout:      appCfg.Judge.Timeout,
		StorageTimeout:    appCfg.Judge.StorageTimeout,
		StatusTimeout:     appCfg.Judge.StatusTimeout,
		AcquireTimeout:    appCfg.Worker.AcquireTimeout,
		EmitAttempts:      appCfg.Judge.EmitAttempts,
		EmitBackoff:       appCfg.Judge.EmitBackoff,
	})
	if err != nil {
		return fmt.Errorf("init judge service: %w", err)
	}

	topics, err := appCfg.MQ.weightedTopics()
	if err != nil {
		return err
	}
	limiter := mq.NewTokenLimiter(appCfg.Worker.PoolSize)
	opts := appCfg.MQ.subscribeOptions(appCfg.MQ.ConsumerGroup)
	if err := mqClient.SubscribeWeighted(ctx, topics, judgeSvc.HandleMessage, opts, limiter); err != nil {
		return fmt.Errorf("subscribe submit topics: %w", err)
	}
	logger.Info(ctx, "judge worker ready",
		zap.Int("pool_size", appCfg.Worker.PoolSize),
		zap.String("strategy", appCfg.Sandbox.Strategy),
		zap.String("mq_driver", appCfg.MQ.Driver),
	)
	return nil
}

func buildHTTPServer(appCfg *AppConfig, judgeController *controller.JudgeController, registry *prometheus.Registry) *http.Server {
	router := gin.New()
	if l := logger.GetLogger(); l != nil {
		router.Use(ginzap.RecoveryWithZap(l.Zap(), true))
	} else {
		router.Use(gin.Recovery())
	}
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	judgeController.Register(router.Group("/api/v1/judge"))
	if appCfg.Metrics.isEnabled() {
		router.GET(appCfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	return &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
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

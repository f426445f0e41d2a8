package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/faceswap/internal/auth"
	"github.com/example/faceswap/internal/blobstore"
	"github.com/example/faceswap/internal/config"
	"github.com/example/faceswap/internal/grpchealth"
	"github.com/example/faceswap/internal/handlers"
	"github.com/example/faceswap/internal/ingest"
	"github.com/example/faceswap/internal/logging"
	"github.com/example/faceswap/internal/provider"
	"github.com/example/faceswap/internal/registry"
	"github.com/example/faceswap/internal/repository"
	"github.com/example/faceswap/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	blobs, records, closeStorage := initStorage(ctx, cfg, logger)
	defer closeStorage()

	if err := blobs.Ping(ctx); err != nil {
		logger.Fatal("blob store unreachable", zap.String("backend", cfg.Blob.Backend), zap.Error(err))
	}

	var cache registry.Cache
	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.Redis.Addr, logger)
		redisCancel()
		defer redisClient.Close()
		cache = registry.NewRedisCache(redisClient)
	} else {
		logger.Info("REDIS_ADDR not set, result cache disabled")
	}

	adapter, err := provider.New(provider.Config{
		BaseURL:     cfg.Provider.BaseURL,
		Strategy:    cfg.Provider.Strategy,
		Encoding:    cfg.Provider.Encoding,
		Endpoint:    cfg.Provider.Endpoint,
		SourceField: cfg.Provider.SourceField,
		TargetField: cfg.Provider.TargetField,
		Options: provider.Options{
			MaxAttempts:   cfg.Provider.MaxAttempts,
			RetryDelay:    cfg.Provider.RetryDelay,
			RetryBackoff:  cfg.Provider.RetryBackoff,
			MaxRetryDelay: cfg.Provider.MaxRetryDelay,
			Deadline:      cfg.Provider.Deadline,
		},
	}, logger)
	if err != nil {
		logger.Fatal("invalid provider configuration", zap.Error(err))
	}

	results := registry.New(records, blobs, cache, cfg.Redis.CacheTTL, logger)
	swaps := usecase.NewSwapUseCase(blobs, adapter, results, logger)
	images := ingest.NewService(blobs, cfg.HTTP.MaxUploadSize, logger)

	preloadCtx, preloadCancel := context.WithTimeout(context.Background(), time.Minute)
	added, err := images.PreloadTargets(preloadCtx, cfg.TargetImagesDir)
	preloadCancel()
	if err != nil {
		logger.Error("target image preload failed", zap.Error(err))
	} else if added > 0 {
		logger.Info("target images preloaded", zap.Int("count", added))
	}

	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			logger.Fatal("failed to listen for gRPC health", zap.String("addr", cfg.GRPCHealthAddr), zap.Error(err))
		}
		healthServer := grpchealth.New(blobs, 0, logger)
		go func() {
			if err := healthServer.Serve(healthCtx, lis); err != nil {
				logger.Error("gRPC health server stopped", zap.Error(err))
			}
		}()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = cfg.HTTP.MaxUploadSize

	handlers.RegisterRoutes(r, handlers.Services{
		Images:        images,
		Swaps:         swaps,
		Results:       results,
		Logger:        logger,
		MaxUploadSize: cfg.HTTP.MaxUploadSize,
	}, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("FaceSwap API listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("blob_backend", cfg.Blob.Backend),
		zap.String("provider", cfg.Provider.BaseURL),
	)
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initStorage opens the blob store and the result records for the configured
// backend. The returned func releases both.
func initStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (blobstore.Store, registry.Records, func()) {
	if cfg.Blob.Backend == config.BackendMemory {
		logger.Warn("using in-memory storage, data is lost on restart")
		return blobstore.NewMemoryStore(), repository.NewMemorySwapRepository(), func() {}
	}

	db := initDatabase(ctx, cfg.Database, logger)
	repo := repository.NewSwapRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	switch cfg.Blob.Backend {
	case config.BackendMinIO:
		store, err := blobstore.NewObjectStore(blobstore.MinIOOptions{
			Endpoint:  cfg.Blob.MinIO.Endpoint,
			AccessKey: cfg.Blob.MinIO.AccessKey,
			SecretKey: cfg.Blob.MinIO.SecretKey,
			Region:    cfg.Blob.MinIO.Region,
			UseSSL:    cfg.Blob.MinIO.UseSSL,
			Bucket:    cfg.Blob.MinIO.Bucket,
		})
		if err != nil {
			logger.Fatal("failed to create object store", zap.Error(err))
		}
		if err := store.EnsureBucket(ctx); err != nil {
			logger.Fatal("failed to prepare bucket", zap.String("bucket", cfg.Blob.MinIO.Bucket), zap.Error(err))
		}
		return store, repo, func() {
			_ = store.Close()
			closeDB()
		}
	default:
		store := blobstore.NewSQLStore(db)
		if err := store.AutoMigrate(ctx); err != nil {
			logger.Fatal("blob table migrate failed", zap.Error(err))
		}
		return store, repo, closeDB
	}
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.String("addr", addr), zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

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
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/nfiq2-service/internal/auth"
	"github.com/example/nfiq2-service/internal/config"
	"github.com/example/nfiq2-service/internal/grpcapi"
	"github.com/example/nfiq2-service/internal/handlers"
	"github.com/example/nfiq2-service/internal/logging"
	"github.com/example/nfiq2-service/internal/nfiq2"
	"github.com/example/nfiq2-service/internal/repository"
	"github.com/example/nfiq2-service/internal/scorer"
	"github.com/example/nfiq2-service/internal/usecase"
)

func main() {
	cfg, err := config.Load(getEnv("NFIQ2_CONFIG", ""))
	if err != nil {
		panic(err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.Database, cfg.Log.Development, logger)
	repo := repository.NewAssessmentRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.Redis.Addr, logger)
	defer redisClient.Close()

	sc, closeScorer := initScorer(ctx, cfg.Scorer, logger)
	defer closeScorer()

	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewAssessmentUseCase(repo, cache, sc, logger, usecase.WithResultTTL(cfg.Redis.ResultTTLDuration()))

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.MaxMultipartMemory = cfg.HTTP.MaxUploadBytes

	authMiddleware := auth.JWTMiddleware(cfg.Auth.JWTSecret,
		auth.WithAudience(cfg.Auth.JWTAudience),
		auth.WithIssuer(cfg.Auth.JWTIssuer),
	)
	handlers.RegisterRoutes(r, uc, authMiddleware,
		handlers.WithMaxUploadSize(cfg.HTTP.MaxUploadBytes),
		handlers.WithLogger(logger),
	)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var (
		grpcServer   *grpc.Server
		grpcListener net.Listener
	)
	if cfg.GRPC.Addr != "" {
		grpcListener, err = net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logger.Fatal("failed to listen for gRPC", zap.String("addr", cfg.GRPC.Addr), zap.Error(err))
		}
		grpcServer = grpc.NewServer()
		grpcapi.RegisterQualityServer(grpcServer, grpcapi.NewServer(sc, logger))
	}

	logger.Info("NFIQ2 quality API listening",
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("grpc_addr", cfg.GRPC.Addr),
	)
	if err := runServers(context.Background(), server, nil, grpcServer, grpcListener, cfg.HTTP.ShutdownTimeoutDuration(), logger, nil); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initScorer links the native engine locally, or delegates to a remote
// instance when one is configured.
func initScorer(ctx context.Context, cfg config.ScorerSection, logger *zap.Logger) (scorer.Scorer, func()) {
	if cfg.RemoteAddr != "" {
		client, conn, err := grpcapi.Dial(ctx, cfg.RemoteAddr, logger)
		if err != nil {
			logger.Fatal("failed to connect to remote scorer", zap.String("addr", cfg.RemoteAddr), zap.Error(err))
		}
		return client, func() { _ = conn.Close() }
	}

	factory := func() (*nfiq2.Handle, error) {
		return nfiq2.Create(nfiq2.WithPPI(uint16(cfg.PPI)), nfiq2.WithLogger(logger))
	}
	pool, err := scorer.NewPool(cfg.PoolSize, factory, cfg.AcquireTimeoutDuration(), logger)
	if err != nil {
		logger.Fatal("failed to open nfiq2 contexts", zap.Error(err))
	}
	return pool, func() { _ = pool.Close() }
}

func initDatabase(ctx context.Context, cfg config.DatabaseSection, verbose bool, zapLogger *zap.Logger) *gorm.DB {
	level := gormlogger.Warn
	if verbose {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetimeDuration())

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// runServers serves HTTP and, when grpcServer is non-nil, gRPC until a
// shutdown signal arrives, ctx ends, or either server fails.
func runServers(ctx context.Context, httpServer *http.Server, httpListener net.Listener, grpcServer *grpc.Server, grpcListener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger, signalCh <-chan os.Signal) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := serveHTTPServerWithOptions(gctx, httpServer, shutdownTimeout, logger, httpListener, signalCh)
		if grpcServer != nil {
			stopGRPCServer(grpcServer, shutdownTimeout)
		}
		return err
	})

	if grpcServer != nil {
		g.Go(func() error {
			err := grpcServer.Serve(grpcListener)
			if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

func stopGRPCServer(server *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		server.Stop()
	}
}

func serveHTTPServerWithOptions(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
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

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	shutdown := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down", zap.Error(ctx.Err()))
		return shutdown()
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		return shutdown()
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

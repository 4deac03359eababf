package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jupark12/go-run-queue/audit"
	"github.com/jupark12/go-run-queue/blob"
	"github.com/jupark12/go-run-queue/common"
	"github.com/jupark12/go-run-queue/db"
	"github.com/jupark12/go-run-queue/dispatch"
	"github.com/jupark12/go-run-queue/observability"
	"github.com/jupark12/go-run-queue/queue"
	"github.com/jupark12/go-run-queue/ratelimit"
	"github.com/jupark12/go-run-queue/room"
	"github.com/jupark12/go-run-queue/server"
	"github.com/jupark12/go-run-queue/worker"
)

func main() {
	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("run queue exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *common.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	// Connect to database
	database, err := db.Open(ctx, db.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
	if err != nil {
		return common.WrapError(err, "open database")
	}
	defer database.Close(logger)

	if err := database.HealthCheck(ctx, 5*time.Second); err != nil {
		return common.WrapError(err, "check database")
	}
	if err := database.Migrate(ctx, logger); err != nil {
		return common.WrapError(err, "migrate database")
	}
	logger.Info("database ready", "dialect", database.Dialect())

	metrics := observability.Default
	jobs := queue.NewJobStore(database, logger, queue.WithMetrics(metrics))
	runs := queue.NewRunStore(database, logger, queue.WithMetrics(metrics))

	var states room.StateStore = room.NewSQLStateStore(database)
	if cfg.Redis.Addr != "" {
		client, err := room.NewRedisClient(ctx, room.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		states = room.NewRedisStateStore(client, cfg.Redis.KeyPrefix)
		logger.Info("run state stored in redis", "addr", cfg.Redis.Addr)
	}
	rooms := room.NewRegistry(states, logger, room.WithMetrics(metrics))
	defer rooms.Close()

	var dispatchOpts []dispatch.Option
	var blobs blob.Store
	if cfg.Blob.Endpoint != "" {
		store, err := blob.NewMinioStore(blob.Config{
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Bucket:    cfg.Blob.Bucket,
			Secure:    cfg.Blob.Secure,
		}, logger)
		if err != nil {
			return err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return common.WrapError(err, "prepare blob bucket")
		}
		blobs = store
		dispatchOpts = append(dispatchOpts, dispatch.WithBlobStore(store, cfg.Blob.PresignExpiry))
	} else {
		logger.Warn("BLOB_ENDPOINT not set, uploads and in-process workers are disabled")
	}
	dispatcher := dispatch.New(jobs, runs, rooms, logger, dispatchOpts...)

	var limiter *ratelimit.Limiter
	if !cfg.RateLimit.Disabled {
		routes, err := ratelimit.LoadRoutes(cfg.RateLimit.RoutesFile)
		if err != nil {
			return common.WrapError(err, "load rate limits")
		}
		limiter = ratelimit.New(routes)
		go limiter.RunCleanup(ctx, cfg.RateLimit.SweepInterval, cfg.RateLimit.IdleTTL, logger)
	}

	reaper := queue.NewLeaseReaper(jobs, cfg.Queue.ReaperInterval, logger)
	go reaper.Run(ctx)

	var pool *worker.Pool
	if cfg.Workers.Count > 0 && blobs != nil {
		processor := audit.NewProcessor(blobs, logger, audit.WithMaxDocumentSize(int64(cfg.Workers.MaxDocumentBytes)))
		pool = worker.NewPool(dispatcher, processor, worker.Config{
			Workers:      cfg.Workers.Count,
			BatchSize:    cfg.Workers.BatchSize,
			Visibility:   cfg.Workers.Visibility,
			PollInterval: cfg.Workers.PollInterval,
		}, logger, metrics)
		pool.Start(ctx)
		logger.Info("worker pool started", "workers", cfg.Workers.Count)
	}

	srv, err := server.NewServer(server.Config{
		AllowedOrigins:    cfg.HTTP.AllowedOrigins,
		ServerToken:       cfg.Auth.ServerToken,
		MinVisibility:     cfg.Queue.MinVisibility,
		MaxVisibility:     cfg.Queue.MaxVisibility,
		DefaultVisibility: cfg.Queue.DefaultVisibility,
		MaxBatch:          cfg.Queue.MaxBatch,
	}, dispatcher, limiter, database, logger, metrics)
	if err != nil {
		return err
	}

	var healthServer *health.Server
	if cfg.HTTP.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.HTTP.GRPCHealthAddr)
		if err != nil {
			return err
		}
		grpcServer := grpc.NewServer()
		healthServer = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			logger.Info("gRPC health listening", "addr", cfg.HTTP.GRPCHealthAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC health server failed", "error", err)
			}
		}()
		defer grpcServer.GracefulStop()
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if healthServer != nil {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
	sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	stop()
	if pool != nil {
		pool.Wait()
	}
	return nil
}

// Package main runs the voice session moderation server: presence ingestion,
// session lifecycle, vote-to-mute and the command API, with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-voice/backend/config"
	"github.com/aura-voice/backend/internal/api"
	"github.com/aura-voice/backend/internal/audit"
	"github.com/aura-voice/backend/internal/auth"
	"github.com/aura-voice/backend/internal/clock"
	"github.com/aura-voice/backend/internal/gateway"
	"github.com/aura-voice/backend/internal/lifecycle"
	"github.com/aura-voice/backend/internal/middleware"
	"github.com/aura-voice/backend/internal/mute"
	"github.com/aura-voice/backend/internal/ownership"
	"github.com/aura-voice/backend/internal/platform"
	"github.com/aura-voice/backend/internal/snapshot"
	"github.com/aura-voice/backend/internal/votemute"
	"github.com/aura-voice/backend/pkg/database"
	"github.com/aura-voice/backend/pkg/queue"
	"github.com/aura-voice/backend/pkg/redis"
	"github.com/aura-voice/backend/pkg/response"
	"github.com/aura-voice/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Audit history is optional on the server; the worker owns the writes.
	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		pool, err = database.NewPostgresPool(ctx, cfg.Database.URL, cfg.Database.MaxConns, logger)
		if err != nil {
			logger.Warn("audit history disabled", zap.Error(err))
		} else {
			defer pool.Close()
		}
	}

	clk := clock.Real()
	client := platform.NewRESTClient(cfg.Platform.BaseURL, cfg.Platform.BotToken,
		&http.Client{Timeout: cfg.Platform.CallTimeout}, logger.Named("platform"))

	// Registries
	owners := ownership.NewRegistry(nil)
	subs := ownership.NewSubmoderators(owners, nil)
	ledger := mute.NewLedger(clk, cfg.Moderation.ExplicitTTL, nil)
	reconciler := mute.NewReconciler(ledger, client, clk, cfg.Moderation.EnforceDelay, logger.Named("mute"))

	// Persistence: load before any presence event, then sweep stale entries.
	store, err := newSnapshotStore(ctx, cfg, rdb, logger)
	if err != nil {
		logger.Fatal("snapshot store", zap.Error(err))
	}
	snap := snapshot.New(store, owners, subs, ledger, clk, cfg.Snapshot.Window, logger.Named("snapshot"))
	if err := snap.Load(ctx); err != nil {
		logger.Error("snapshot load failed, starting empty", zap.Error(err))
	}

	var recorder audit.Recorder = audit.Nop{}
	if cfg.Audit.Enabled {
		recorder = audit.NewQueueRecorder(queue.NewQueue(rdb.Client, logger), logger)
	}

	votes := votemute.NewCoordinator(client, owners, ledger, clk, recorder, votemute.Config{
		PollInterval: cfg.Vote.PollInterval,
		Deadline:     cfg.Vote.Deadline,
		Failsafe:     cfg.Vote.Failsafe,
		Emoji:        cfg.Vote.Emoji,
		SystemUserID: cfg.Platform.BotUserID,
	}, logger.Named("votemute"))

	sessions := lifecycle.NewManager(client, owners, subs, ledger, reconciler, votes, recorder, lifecycle.Config{
		CategoryID:        cfg.Sessions.CategoryID,
		SpawnTriggerID:    cfg.Sessions.SpawnTriggerID,
		Permanent:         cfg.Sessions.Permanent,
		NameTemplate:      cfg.Sessions.NameTemplate,
		WaitingRoomSuffix: cfg.Sessions.WaitingRoomSuffix,
		DefaultUserLimit:  cfg.Sessions.DefaultUserLimit,
		SystemUserID:      cfg.Platform.BotUserID,
	}, logger.Named("lifecycle"))

	sweepCtx, sweepCancel := context.WithTimeout(ctx, time.Minute)
	if err := sessions.Sweep(sweepCtx); err != nil {
		logger.Warn("startup sweep failed", zap.Error(err))
	}
	sweepCancel()

	// Presence ingestion
	dispatcher := gateway.NewDispatcher(sessions.HandlePresence, cfg.Presence.Workers, cfg.Presence.Depth, logger.Named("dispatch"))
	dispatcher.Start(ctx)

	var source gateway.Source
	switch cfg.Presence.Source {
	case "redis":
		source = gateway.NewRedisSource(rdb.Client, cfg.Presence.Channel, logger.Named("presence"))
	default:
		source = gateway.NewWSSource(cfg.Platform.GatewayURL, cfg.Platform.BotToken, logger.Named("presence"))
	}
	sourceCtx, sourceCancel := context.WithCancel(ctx)
	sourceDone := make(chan struct{})
	go func() {
		defer close(sourceDone)
		if err := source.Run(sourceCtx, dispatcher.Submit); err != nil {
			logger.Error("presence source stopped", zap.Error(err))
		}
	}()

	// HTTP API
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours, cfg.JWT.Issuer)
	var history api.AuditLister
	if pool != nil {
		history = audit.NewRepository(pool)
	}
	handler := api.NewHandler(sessions, votes, history)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	handler.Register(router.Group("", middleware.JWT(jwtService)))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	sourceCancel()
	<-sourceDone
	dispatcher.Stop()
	if err := snap.Flush(shutdownCtx); err != nil {
		logger.Error("final snapshot failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

// newSnapshotStore builds the configured snapshot backend, optionally
// mirrored to the S3 archive bucket.
func newSnapshotStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (snapshot.Store, error) {
	var objects *storage.S3
	if cfg.AWS.Bucket != "" && (cfg.Snapshot.Backend == "s3" || cfg.Snapshot.Archive) {
		var err error
		objects, err = storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			Bucket:          cfg.AWS.Bucket,
			Endpoint:        cfg.AWS.Endpoint,
		}, logger.Named("s3"))
		if err != nil {
			return nil, err
		}
		logger.Info("snapshot object storage enabled", zap.String("bucket", objects.Bucket()))
	}

	var primary snapshot.Store
	switch cfg.Snapshot.Backend {
	case "redis":
		primary = snapshot.NewRedisStore(rdb.Client, cfg.Snapshot.Prefix)
	case "s3":
		return snapshot.NewS3Store(objects, cfg.Snapshot.Prefix), nil
	default:
		fs, err := snapshot.NewFileStore(cfg.Snapshot.Dir)
		if err != nil {
			return nil, err
		}
		primary = fs
	}
	if objects == nil {
		return primary, nil
	}
	return &snapshot.Mirror{
		Primary: primary,
		Archive: snapshot.NewS3Store(objects, cfg.Snapshot.Prefix),
		OnError: func(err error) { logger.Warn("snapshot archive write failed", zap.Error(err)) },
	}, nil
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

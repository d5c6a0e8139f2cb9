package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"roomcollabgo/internal/config"
	"roomcollabgo/internal/database/db_client"
	"roomcollabgo/internal/database/migrations"
	"roomcollabgo/internal/http/http_server"
	"roomcollabgo/internal/http/roomhandler"
	"roomcollabgo/internal/http/uploadhandler"
	"roomcollabgo/internal/redis/redis_client"
	"roomcollabgo/internal/redis/redis_functions"
	"roomcollabgo/internal/redis/watcher/leasewatcher"
	"roomcollabgo/internal/services/collab"
	"roomcollabgo/internal/services/rooms"
	"roomcollabgo/internal/services/store"
	"roomcollabgo/internal/syncactivity"
	"roomcollabgo/internal/uploads"
	"roomcollabgo/internal/ws"
)

var (
	Log, _ = zap.NewDevelopment()
)

func main() {
	defer Log.Sync()
	zap.ReplaceGlobals(Log)

	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	Log = newLogger(cfg)
	zap.ReplaceGlobals(Log)
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Database + schema
	db, dialect, err := openDatabase(cfg)
	if err != nil {
		Log.Fatal("db-open", zap.String("driver", cfg.DbDriver), zap.Error(err))
	}
	defer db.Close()
	if err := migrations.Apply(ctx, db, dialect, cfg.DefaultRoomID); err != nil {
		Log.Fatal("db-migrate", zap.Error(err))
	}
	st := store.NewStore(db)

	// 4. Image storage
	images, err := uploads.NewStorage(cfg.UploadDir, "/uploads")
	if err != nil {
		Log.Fatal("upload-dir", zap.String("dir", cfg.UploadDir), zap.Error(err))
	}

	// 5. Registry, fan-out and activity: Redis backed when enabled
	hub := ws.NewHub()
	var (
		registry rooms.IRoomRegistry
		fanout   collab.Fanout
		activity collab.ActivityRecorder
		rdb      *redis.Client
	)
	if cfg.RedisEnabled {
		rdb, err = redis_client.NewRedisClient(ctx, cfg.RedisHost, cfg.RedisPort)
		if err != nil {
			Log.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer rdb.Close()

		// Load the Redis Functions lua
		if _, err := redis_functions.LoadAll(ctx, rdb); err != nil {
			Log.Fatal("load-redis-funcs", zap.Error(err))
		}

		registry = rooms.NewRedisRegistry(rdb, cfg.RoomCapacity, cfg.MemberLeaseTTL)
		redisFanout := ws.NewRedisFanout(rdb, hub)
		defer redisFanout.Close()
		fanout = redisFanout
		activity = syncactivity.NewStreamRecorder(rdb)
		syncactivity.Run(ctx, rdb, st)
	} else {
		registry = rooms.NewMemoryRegistry(cfg.RoomCapacity)
		fanout = hub
		activity = syncactivity.NewDirectRecorder(st)
	}

	// 6. Collaboration service
	svc := collab.NewService(st, registry, fanout, activity, images)
	if rdb != nil {
		// Background: lease expiry watcher ➜ evict members of dead connections
		go leasewatcher.Run(ctx, rdb, svc)
	}

	// 7. WS server
	wsSrv := ws.NewWsServer(hub, svc, cfg.OriginAllowed)

	// 8. HTTP + WS server
	httpServer := http_server.NewHttpServer(ctx, cfg.HttpServerPort, wsSrv,
		roomhandler.New(st, registry),
		uploadhandler.New(images, cfg.MaxUploadBytes),
		images.Dir(),
		http_server.CORSConfig{AllowedOrigins: cfg.AllowedOrigins, AllowAll: cfg.AllowAllOrigins()},
	)

	disposed := make(chan struct{})
	go func() {
		defer close(disposed)
		<-ctx.Done()
		Log.Info("shutdown")
		_ = httpServer.Dispose()
	}()

	if err := httpServer.Start(); err != nil {
		Log.Fatal("Failed to start HTTP server", zap.Error(err))
	}
	<-disposed
}

func newLogger(cfg *config.Config) *zap.Logger {
	zc := zap.NewDevelopmentConfig()
	if cfg.AppEnv == "production" {
		zc = zap.NewProductionConfig()
	}
	if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zc.Build()
	if err != nil {
		return Log
	}
	return logger
}

func openDatabase(cfg *config.Config) (*sql.DB, migrations.Dialect, error) {
	if cfg.DbDriver == "postgres" {
		db, err := db_client.Open(cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDb)
		return db, migrations.Postgres, err
	}
	db, err := db_client.OpenSQLite(cfg.SqlitePath)
	return db, migrations.SQLite, err
}

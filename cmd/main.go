package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/immxrtalbeast/sigstream/internal/api/http"
	"github.com/immxrtalbeast/sigstream/internal/auth"
	"github.com/immxrtalbeast/sigstream/internal/config"
	"github.com/immxrtalbeast/sigstream/internal/metrics"
	"github.com/immxrtalbeast/sigstream/internal/relay"
	"github.com/immxrtalbeast/sigstream/internal/repository"
	"github.com/immxrtalbeast/sigstream/internal/service"
	"github.com/immxrtalbeast/sigstream/lib/logger/sl"
	"github.com/immxrtalbeast/sigstream/lib/logger/slogpretty"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := setupStorage(ctx, cfg.Storage)
	if err != nil {
		log.Error("failed to set up storage", slog.String("driver", cfg.Storage.Driver), sl.Err(err))
		os.Exit(1)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	roomService := service.NewRoomService(store, log, m, service.Options{
		MaxParticipants: cfg.Rooms.MaxParticipants,
		DefaultLifetime: cfg.Rooms.DefaultLifetime,
	})
	hub := relay.NewHub(roomService, log, m, relay.Options{
		SendBuffer:     cfg.Relay.SendBuffer,
		WriteWait:      cfg.Relay.WriteWait,
		PongWait:       cfg.Relay.PongWait,
		PingPeriod:     cfg.Relay.PingPeriod,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
	})
	roomService.SetNotifier(hub)

	go roomService.RunExpirySweeper(ctx, cfg.Rooms.ExpirySweepInterval)

	tokens := auth.NewTokenIssuer(cfg.Auth.HostTokenSecret, cfg.Auth.HostTokenTTL)
	roomController := httpapi.NewRoomController(roomService, tokens, log)

	router := httpapi.SetupRouter(roomController, tokens, hub.ServeWS, httpapi.RouterOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	go func() {
		<-ctx.Done()
		log.Info("shutting down relay")
		hub.Shutdown()
	}()

	log.Info("starting application",
		slog.String("addr", cfg.HTTP.Address),
		slog.String("env", cfg.Env),
		slog.String("storage", cfg.Storage.Driver),
	)
	if err := router.Run(cfg.HTTP.Address); err != nil {
		log.Error("http server stopped", sl.Err(err))
		os.Exit(1)
	}
}

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = setupPrettySlog()
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}

func setupStorage(ctx context.Context, cfg config.StorageConfig) (repository.Store, error) {
	switch cfg.Driver {
	case "", config.StorageMemory:
		return repository.NewInMemoryRoomRepository(), nil
	case config.StoragePostgres:
		db, err := connectDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		repo := repository.NewPostgresRoomRepository(db)
		if err := repo.Migrate(); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return repo, nil
	case config.StorageRedis:
		client, err := repository.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		return repository.NewRedisRoomRepository(client), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func connectDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database dsn is empty")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}

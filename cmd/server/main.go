package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"pet-feeder-service/internal/app/routes"
	"pet-feeder-service/internal/domain/services"
	"pet-feeder-service/internal/domain/services/container"
	"pet-feeder-service/internal/infrastructure/config"
	"pet-feeder-service/internal/infrastructure/database"
	Logger "pet-feeder-service/pkg/logger"
)

func main() {
	envErr := godotenv.Load()

	cfg := config.GetConfig()
	if err := Logger.SetupLogger(Logger.Options{Level: cfg.LogLevel, Dir: cfg.LogDir}); err != nil {
		fmt.Printf("logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer Logger.Close()

	if envErr != nil {
		Logger.Warning("no .env file loaded: %v", envErr)
	}
	if err := cfg.Validate(); err != nil {
		Logger.Fatal("invalid configuration: %v", err)
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}

	log := Logger.Component("main")

	pool, err := database.NewConnectionPool(cfg, Logger.Component("database"))
	if err != nil {
		Logger.Fatal("database: %v", err)
	}
	if err := pool.Migrate(cfg.DBMigrationMode, services.AutoMigrate); err != nil {
		Logger.Fatal("database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = services.NewRedisClient(cfg)
	}

	c, err := container.NewServiceContainer(cfg, pool, redisClient)
	if err != nil {
		Logger.Fatal("container: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		Logger.Fatal("startup: %v", err)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.ServerPort,
		Handler:           routes.SetupRouter(c, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	printSystemInfo(pool)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	c.Shutdown(shutdownCtx)
	log.Info().Msg("bye")
}

func printSystemInfo(pool *database.ConnectionPool) {
	log := Logger.Component("main")
	if stats, err := pool.Stats(); err == nil {
		log.Info().Interface("pool", stats).Msg("database pool")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Info().
		Int("cpus", runtime.NumCPU()).
		Int("goroutines", runtime.NumGoroutine()).
		Uint64("allocMiB", m.Alloc/1024/1024).
		Uint64("sysMiB", m.Sys/1024/1024).
		Msg("runtime")
}

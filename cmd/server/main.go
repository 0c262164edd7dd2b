package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/resul067142/yenirr/internal/activity"
	"github.com/resul067142/yenirr/internal/auth"
	"github.com/resul067142/yenirr/internal/config"
	"github.com/resul067142/yenirr/internal/dashboard"
	"github.com/resul067142/yenirr/internal/devices"
	"github.com/resul067142/yenirr/internal/eventsender"
	"github.com/resul067142/yenirr/internal/health"
	"github.com/resul067142/yenirr/internal/kafka"
	"github.com/resul067142/yenirr/internal/lockout"
	"github.com/resul067142/yenirr/internal/logger"
	"github.com/resul067142/yenirr/internal/metrics"
	appmw "github.com/resul067142/yenirr/internal/middleware"
	"github.com/resul067142/yenirr/internal/repository"
	"github.com/resul067142/yenirr/internal/storage"
	"github.com/resul067142/yenirr/internal/users"
)

const (
	outboxReserveTime = time.Minute
	dbStatsInterval   = 15 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func main() {
	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", logger.Err(err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", logger.Err(err))
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", logger.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := setupDatabase(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbPool.Close()

	sqlxDB, err := sqlx.ConnectContext(ctx, "pgx", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("failed to open sqlx connection: %w", err)
	}
	defer sqlxDB.Close()

	dbStats := metrics.NewDBStatsCollector(dbPool, sqlxDB.DB, log)
	dbStats.Start(dbStatsInterval)
	defer dbStats.Stop()

	// Repositories
	userRepo := repository.NewUserRepository(dbPool)
	sessionRepo := repository.NewSessionRepository(dbPool)
	deviceRepo := repository.NewDeviceRepo(sqlxDB)
	activityRepo := repository.NewActivityRepo(sqlxDB)
	eventRepo := repository.NewEventRepo(sqlxDB, outboxReserveTime)

	// Optional infrastructure
	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("redis is unreachable at startup", slog.String("addr", cfg.Redis.Addr), logger.Err(err))
		}
	}

	var storageSvc *storage.StorageService
	if cfg.Storage.Enabled() {
		storageSvc, err = storage.NewStorageService(&cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to create storage service: %w", err)
		}
		if err := storageSvc.EnsureBucket(ctx); err != nil {
			log.Warn("profile image bucket is not ready", logger.Err(err))
		}
	}

	// Services
	recorder := activity.NewRecorder(activityRepo, log)
	passwordValidator := auth.NewPasswordValidator()
	guard := lockout.NewGuard(userRepo, passwordValidator, log)

	tokenService := auth.NewTokenService(auth.TokenServiceConfig{
		AccessSecret:       cfg.JWT.AccessSecret,
		RefreshSecret:      cfg.JWT.RefreshSecret,
		AccessTokenExpiry:  cfg.JWT.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.JWT.RefreshTokenExpiry,
		Issuer:             cfg.JWT.Issuer,
	})

	authDeps := auth.Deps{
		Users:     userRepo,
		Sessions:  sessionRepo,
		Guard:     guard,
		Tokens:    tokenService,
		Passwords: passwordValidator,
		Activity:  recorder,
		Logger:    log,
	}
	userDeps := users.ServiceConfig{
		Users:     userRepo,
		Sessions:  sessionRepo,
		Guard:     guard,
		Passwords: passwordValidator,
		Activity:  recorder,
		Logger:    log,
	}
	if storageSvc != nil {
		authDeps.Avatars = storageSvc
		userDeps.Images = storageSvc
	}

	authService := auth.NewAuthService(authDeps)
	userService := users.NewService(userDeps)
	deviceService := devices.NewService(devices.ServiceConfig{
		Devices:  deviceRepo,
		Owners:   userRepo,
		Activity: recorder,
		Logger:   log,
	})
	dashboardService := dashboard.NewService(userRepo, deviceRepo, activityRepo, recorder)

	// Login throttling
	var loginLimiter appmw.Limiter
	if redisClient != nil {
		loginLimiter = appmw.NewRedisRateLimiter(redisClient, "ratelimit:login", cfg.RateLimit.LoginLimit, cfg.RateLimit.LoginWindow)
	} else {
		memLimiter := appmw.NewRateLimiter(cfg.RateLimit.LoginLimit, cfg.RateLimit.LoginWindow)
		defer memLimiter.Stop()
		loginLimiter = memLimiter
	}

	// Health
	healthCfg := health.Config{
		Database: health.PingFunc(func(ctx context.Context) error {
			return metrics.PingDatabase(ctx, dbPool)
		}),
		Version: cfg.Server.Version,
	}
	if redisClient != nil {
		healthCfg.Redis = health.RedisPinger(redisClient)
	}
	if storageSvc != nil {
		healthCfg.Storage = storageSvc
	}
	healthHandler := health.NewHandler(healthCfg)

	// Background workers
	if cfg.Kafka.Enabled() {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := producer.Close(); err != nil {
				log.Error("failed to close kafka producer", logger.Err(err))
			}
		}()
		sender := eventsender.NewSender(log, producer, eventRepo)
		sender.Start(ctx, cfg.Kafka.BatchLimit, cfg.Kafka.PollInterval)
		defer sender.Stop()
	} else {
		log.Info("kafka brokers not configured, activity events stay in the outbox")
	}

	if storageSvc != nil {
		cleanup := storage.NewOrphanCleanupJob(storageSvc, userRepo, storage.DefaultOrphanCleanupConfig(), log)
		if err := cleanup.Start(); err != nil {
			log.Error("failed to start orphan cleanup job", logger.Err(err))
		} else {
			defer cleanup.Stop()
		}
	}

	// Router
	authMiddleware := appmw.NewAuthMiddleware(tokenService, userRepo, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appmw.StructuredLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Content-Disposition", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		auth.RegisterRoutes(r, auth.NewAuthHandler(authService, log), authMiddleware.Authenticate, appmw.LoginRateLimit(loginLimiter, log))
		users.RegisterRoutes(r, users.NewHandler(userService, log), authMiddleware.Authenticate)
		devices.RegisterRoutes(r, devices.NewHandler(deviceService, log), authMiddleware.Authenticate)
		dashboard.RegisterRoutes(r, dashboard.NewHandler(dashboardService, log), authMiddleware.Authenticate)
		activity.RegisterRoutes(r, activity.NewHandler(activityRepo, log), authMiddleware.Authenticate)
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting server", slog.String("addr", addr), slog.String("version", cfg.Server.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	healthHandler.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server exited")
	return nil
}

// setupDatabase creates and configures the pgx connection pool
func setupDatabase(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to database",
		slog.String("name", cfg.Database.DBName),
		slog.String("host", cfg.Database.Host),
		slog.String("port", cfg.Database.Port),
	)
	return pool, nil
}

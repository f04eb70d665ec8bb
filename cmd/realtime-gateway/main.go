package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trainhub-realtime/internal/database"
	callHandler "trainhub-realtime/internal/handler/http/call"
	wsHandler "trainhub-realtime/internal/handler/ws"
	"trainhub-realtime/internal/media/fake"
	"trainhub-realtime/internal/media/pion"
	"trainhub-realtime/internal/middleware"
	"trainhub-realtime/internal/port"
	"trainhub-realtime/internal/repository/cassandra"
	"trainhub-realtime/internal/service/call"
	"trainhub-realtime/internal/service/session"
	"trainhub-realtime/internal/syncstore/memory"
	redisStore "trainhub-realtime/internal/syncstore/redis"
	"trainhub-realtime/pkg/config"
	"trainhub-realtime/pkg/jwt"
	"trainhub-realtime/pkg/logger"
	"trainhub-realtime/pkg/metrics"
	"trainhub-realtime/pkg/push"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	verifier := jwt.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 2. Synchronization store
	var (
		store      port.SyncPort
		revocation middleware.RevocationChecker
		transports wsHandler.TransportFactory
	)
	switch cfg.Sync.Backend {
	case "memory":
		store = memory.NewStore()
		transports = fakeTransports(cfg.Media.Devices)
		logger.Warn("Using in-memory sync store and simulated media (development mode)")
	default:
		database.InitRedisMetrics()
		redisDB, err := database.NewRedisDB(&database.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout,
		})
		if err != nil {
			logger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisDB.Close()

		if err := redisDB.HealthCheck(ctx); err != nil {
			logger.Warn("Redis unavailable at startup, running degraded", zap.Error(err))
		} else {
			logger.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr()))
		}
		redisDB.StartHealthCheck(ctx, cfg.Redis.HealthCheckInterval)

		store = redisStore.NewStore(redisDB)
		revocation = middleware.NewRedisRevocationChecker(redisDB)
		transports = pionTransports(cfg.Media)
	}

	// 3. Call history archive (optional)
	var history *cassandra.CallHistoryRepository
	if cfg.Cassandra.Enabled {
		cassandraDB, err := database.NewCassandraDB(&database.CassandraConfig{
			Hosts:    cfg.Cassandra.Hosts,
			Keyspace: cfg.Cassandra.Keyspace,
			Username: cfg.Cassandra.Username,
			Password: cfg.Cassandra.Password,
			Timeout:  cfg.Cassandra.Timeout,
		})
		if err != nil {
			logger.Fatal("Failed to connect to Cassandra", zap.Error(err))
		}
		defer cassandraDB.Close()

		history = cassandra.NewCallHistoryRepository(cassandraDB)
		if err := history.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare call history schema", zap.Error(err))
		}
		logger.Info("Connected to Cassandra", zap.Strings("hosts", cfg.Cassandra.Hosts))
	}

	// 4. Session dependencies
	deps := session.Deps{
		Store:    store,
		Notifier: push.NewNotifier(ctx, cfg.Push.Provider, cfg.Push.ProjectID),
		Call: call.Config{
			RingTimeout:  cfg.Call.RingTimeout,
			SetupTimeout: cfg.Call.SetupTimeout,
		},
	}
	if history != nil {
		deps.History = history
	}

	// 5. Metrics and hub
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	hub := wsHandler.NewSessionHub(deps, transports, appMetrics, wsHandler.HubConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxConnections: cfg.Server.MaxWSConnections,
	})

	// 6. Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName))
	router.GET("/metrics", middleware.MetricsHandler())

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(verifier, revocation))
	{
		v1.GET("/ws", hub.ServeWS)
		if history != nil {
			v1.GET("/calls/history", callHandler.NewHandler(history).GetHistory)
		}
	}

	// 7. Start server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Realtime gateway starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("sync_backend", cfg.Sync.Backend))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down realtime gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error("Sessions did not close in time", zap.Error(err))
	}
	stop()

	logger.Info("Realtime gateway exited")
}

// pionTransports shares one room registry across every connection of the process
func pionTransports(cfg config.MediaConfig) wsHandler.TransportFactory {
	rooms := pion.NewRooms()
	pcfg := pion.Config{ICEServers: cfg.ICEServers, Devices: cfg.Devices}
	return func(sig pion.Signaler) port.MediaTransport {
		return pion.NewTransport(rooms, pcfg, sig)
	}
}

func fakeTransports(devices []string) wsHandler.TransportFactory {
	sources := make([]port.TrackSource, 0, len(devices))
	for _, d := range devices {
		sources = append(sources, port.TrackSource(d))
	}
	return func(pion.Signaler) port.MediaTransport {
		return fake.NewTransport(sources...)
	}
}


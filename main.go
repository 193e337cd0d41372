package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/room4-2/frontdesk/callstate"
	"github.com/room4-2/frontdesk/cascade"
	"github.com/room4-2/frontdesk/config"
	"github.com/room4-2/frontdesk/events"
	"github.com/room4-2/frontdesk/gemini"
	"github.com/room4-2/frontdesk/logging"
	"github.com/room4-2/frontdesk/server"
	"github.com/room4-2/frontdesk/session"
	"github.com/room4-2/frontdesk/tenant"
	"github.com/room4-2/frontdesk/turn"
)

type httpServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("💥 server error", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tenants tenant.Store = tenant.NewFileStore(cfg.TenantDir)
	var states callstate.Store = callstate.NewMemoryStore()

	redisClient := connectRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
		tenants = tenant.LayeredStore{tenant.NewRedisStore(redisClient), tenants}
		states = callstate.NewRedisStore(redisClient, cfg.CallTimeout)
	}

	sink, err := events.NewGormSink(cfg.EventDBDriver, cfg.EventDBDSN)
	if err != nil {
		return err
	}
	defer sink.Close()
	recorder := events.NewRecorder(sink, cfg.AdvisoryBuffer, logger)

	cascadeOpts := cascade.Options{
		Ceiling:    cfg.CascadeCeiling,
		KillSwitch: cfg.CascadeKillSwitch,
		Logger:     logger,
	}
	if cfg.GeminiAPIKey != "" {
		client, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.GenerativeModel, cfg.EmbeddingModel, logger)
		if err != nil {
			return fmt.Errorf("failed to create Gemini client: %w", err)
		}
		defer client.Close()
		cascadeOpts.Embedder = client
		cascadeOpts.Generator = client
	} else {
		logger.Warn("⚠️ GEMINI_API_KEY not set, semantic and generative cascade tiers are disabled")
	}
	if cfg.CascadeKillSwitch {
		logger.Warn("🛑 cascade kill switch is on, automatic replies are disabled for every tenant")
	}

	orchestrator := turn.New(turn.Options{
		Cascade: cascade.New(cascadeOpts),
		Logger:  logger,
	})
	sessionManager := session.NewManager(session.Options{
		Tenants:      tenants,
		States:       states,
		Recorder:     recorder,
		Orchestrator: orchestrator,
		Redis:        redisClient,
		MaxCalls:     cfg.MaxCalls,
		CallTimeout:  cfg.CallTimeout,
		Logger:       logger,
	})

	var servers []httpServer
	switch cfg.ServerType {
	case "websocket":
		servers = append(servers, server.NewServerWebsocket(cfg, sessionManager, logger))
	case "twilio":
		servers = append(servers, server.NewTwilioServer(cfg, sessionManager, logger))
	case "both":
		servers = append(servers,
			server.NewServerWebsocket(cfg, sessionManager, logger),
			server.NewTwilioServer(cfg, sessionManager, logger))
	default:
		return fmt.Errorf("unknown SERVER_TYPE: %s", cfg.ServerType)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Start cleanup routine
	g.Go(func() error {
		sessionManager.StartCleanupRoutine(gctx, time.Minute)
		return nil
	})

	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("❌ server shutdown error", zap.Error(err))
			}
		}
		sessionManager.Shutdown(shutdownCtx)
		if n := sessionManager.EventFailures(); n > 0 {
			logger.Error("❌ turns finished without their critical events stored", zap.Int64("turns", n))
		}
		if n := recorder.Dropped(); n > 0 {
			logger.Warn("⚠️ advisory events were dropped", zap.Int64("count", n))
		}
		return recorder.Close(shutdownCtx)
	})

	return g.Wait()
}

// connectRedis returns nil when Redis is unreachable; the server then keeps
// call state in memory and reads tenants from disk only.
func connectRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("⚠️ Redis unavailable, using in-memory call state", zap.String("addr", cfg.RedisURL), zap.Error(err))
		_ = client.Close()
		return nil
	}
	logger.Info("✅ connected to Redis", zap.String("addr", cfg.RedisURL))
	return client
}

// Package main runs the signaling server: WebSocket room signaling, the
// status surface and graceful shutdown.
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

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/signaling/config"
	"github.com/aura-webinar/signaling/internal/auth"
	"github.com/aura-webinar/signaling/internal/metrics"
	"github.com/aura-webinar/signaling/internal/ratelimit"
	"github.com/aura-webinar/signaling/internal/realtime"
	"github.com/aura-webinar/signaling/internal/relay"
	"github.com/aura-webinar/signaling/internal/rooms"
	"github.com/aura-webinar/signaling/internal/server"
	"github.com/aura-webinar/signaling/internal/status"
	"github.com/aura-webinar/signaling/internal/validate"
	"github.com/aura-webinar/signaling/pkg/redis"
)

const limiterCleanupInterval = 5 * time.Minute

func main() {
	logger := newLogger(false, os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	logger = newLogger(!cfg.Server.IsProduction(), cfg.Server.LogLevel)
	defer logger.Sync()

	secret := cfg.JWT.Secret
	if secret == "" {
		secret, err = auth.RandomSecret()
		if err != nil {
			logger.Fatal("token secret", zap.Error(err))
		}
		logger.Warn("JWT_SECRET not set; using a random per-process secret, tokens will not survive a restart")
	}

	m := metrics.New()
	hub := realtime.NewHub(cfg.Liveness.ProbeInterval, m, logger)
	roomMgr := rooms.NewManager(rooms.Config{
		HistoryCap:  cfg.Room.HistoryCap,
		InactiveTTL: cfg.Room.InactiveTTL,
		ReactionTTL: cfg.Room.ReactionTTL,
	}, logger)
	roomMgr.SetLifecycleHandler(hub.NotifyRoom)
	limiter := ratelimit.New(ratelimit.DefaultRules(), ratelimit.Rule{
		Limit:  cfg.RateLimit.DefaultLimit,
		Window: cfg.RateLimit.Window,
	})

	relayCfg := relay.Config{TTL: cfg.Relay.TTL, ProviderTimeout: cfg.Relay.ProviderTimeout}
	for _, s := range cfg.Relay.Servers {
		relayCfg.Servers = append(relayCfg.Servers, relay.Server{URLs: s.URLs, Secret: s.Secret})
	}
	if cfg.Relay.ProviderEnabled() {
		relayCfg.Provider = relay.NewTokenProvider(cfg.Relay.ProviderURL, cfg.Relay.ProviderID, cfg.Relay.ProviderToken, nil)
	}
	relaySvc, err := relay.NewService(relayCfg, logger)
	if err != nil {
		logger.Fatal("relay config", zap.Error(err))
	}

	router := realtime.NewRouter(realtime.RouterConfig{
		Hub:             hub,
		Rooms:           roomMgr,
		Tokens:          auth.NewJWTService(secret, cfg.JWT.ExpireHours),
		Relay:           relaySvc,
		Limiter:         limiter,
		Validator:       validate.New(cfg.Room.MaxMsgLen),
		Metrics:         m,
		MaxParticipants: cfg.Room.MaxParticipants,
		Logger:          logger,
	})

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if cfg.Redis.Addr != "" {
		rdb, err := redis.Connect(bgCtx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		publisher := realtime.NewRedisPublisher(rdb, logger)
		hub.AddObserver(publisher)
		go publisher.Run(bgCtx)
	}

	go roomMgr.Run(bgCtx, cfg.Room.CleanupInterval, hub.Occupied)
	go runLimiterCleanup(bgCtx, limiter, logger)
	go relaySvc.Run(bgCtx)
	go hub.RunHealthChecks(bgCtx)

	engine := server.New(server.Deps{
		Config: cfg,
		Logger: logger,
		Hub:    hub,
		Router: router,
		Status: status.NewHandler(hub, roomMgr, m, limiter, relaySvc, cfg),
	})

	addr := ":" + cfg.Server.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("bind", zap.String("addr", addr), zap.Error(err))
	}
	srv := &http.Server{
		Handler:      engine,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", addr),
			zap.String("mode", cfg.Server.Mode),
			zap.Int("max_participants", cfg.Room.MaxParticipants),
			zap.Int("max_msg_len", cfg.Room.MaxMsgLen),
			zap.Int("history_cap", cfg.Room.HistoryCap),
			zap.Duration("inactive_room_ttl", cfg.Room.InactiveTTL),
			zap.Duration("probe_interval", cfg.Liveness.ProbeInterval),
			zap.Int("relay_servers", len(cfg.Relay.Servers)),
			zap.Bool("relay_provider", cfg.Relay.ProviderEnabled()),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", zap.String("signal", sig.String()))
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := hub.Shutdown(ctx); err != nil {
		logger.Error("connections did not close before the deadline", zap.Error(err), zap.Int("remaining", hub.Count()))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func runLimiterCleanup(ctx context.Context, l *ratelimit.Limiter, logger *zap.Logger) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				logger.Debug("rate limit buckets cleaned", zap.Int("count", n))
			}
		}
	}
}

func newLogger(debug bool, level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	if level != "" {
		if lvl, err := zap.ParseAtomicLevel(level); err == nil {
			config.Level = lvl
		}
	}
	logger, _ := config.Build()
	return logger
}

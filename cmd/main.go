package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/ChatCore/config"
	"github.com/Gopher0727/ChatCore/internal/api"
	"github.com/Gopher0727/ChatCore/internal/chat"
	"github.com/Gopher0727/ChatCore/internal/events"
	"github.com/Gopher0727/ChatCore/internal/gateway"
	"github.com/Gopher0727/ChatCore/internal/identity"
	"github.com/Gopher0727/ChatCore/internal/moderation"
	"github.com/Gopher0727/ChatCore/internal/pkg/kafka"
	"github.com/Gopher0727/ChatCore/internal/repository"
	"github.com/Gopher0727/ChatCore/internal/room"
	"github.com/Gopher0727/ChatCore/internal/storage"
	"github.com/Gopher0727/ChatCore/internal/unread"
	"github.com/Gopher0727/ChatCore/internal/worker"
	"github.com/Gopher0727/ChatCore/middleware/jwt"
	logger "github.com/Gopher0727/ChatCore/middleware/log"
	"github.com/Gopher0727/ChatCore/utils/ratelimit"
	"github.com/Gopher0727/ChatCore/utils/snowflake"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./config.toml", "path to the config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	appLogger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer appLogger.Close()
	zl := appLogger.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.InitPostgres(&cfg.Postgres, zl)
	if err != nil {
		zl.Fatal("failed to init postgres", zap.Error(err))
	}

	// Redis is optional: without it limiters stay in memory and rooms are
	// local to this node.
	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = storage.InitRedis(ctx, &cfg.Redis)
		if err != nil {
			zl.Warn("redis unavailable, running single-node", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	ids, err := snowflake.NewGenerator(cfg.Snowflake.WorkerID)
	if err != nil {
		zl.Fatal("failed to init id generator", zap.Error(err))
	}

	globalLimiter := newLimiter(ctx, cfg, redisClient, ratelimit.Rule(cfg.RateLimit.Global), "global", zl)
	roomLimiter := newLimiter(ctx, cfg, redisClient, ratelimit.Rule(cfg.RateLimit.Room), "room", zl)
	apiLimiter := newLimiter(ctx, cfg, redisClient, ratelimit.Rule(cfg.RateLimit.API), "api", zl)

	screener, err := moderation.NewScreener(cfg.Moderation.Denylist)
	if err != nil {
		zl.Fatal("failed to build denylist matcher", zap.Error(err))
	}
	engine := moderation.NewEngine(screener, moderation.Config{
		Threshold:        cfg.Moderation.Threshold,
		InfractionWindow: cfg.Moderation.InfractionWindow,
		MuteDuration:     cfg.Moderation.MuteDuration,
	}, moderation.WithLogger(zl.Named("moderation")))
	go engine.RunJanitor(ctx, cfg.Moderation.SweepInterval)

	var hubRedis redis.UniversalClient
	if redisClient != nil {
		hubRedis = redisClient
	}
	hub := room.NewHub(hubRedis, cfg.Gateway.NodeID, zl.Named("room"))
	go hub.Run(ctx)

	pool := worker.NewPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, zl.Named("worker"))
	pool.Start()

	messages := repository.NewMessageRepository(db)
	opts := chat.Options{
		Store:               messages,
		Rooms:               hub,
		GlobalLimiter:       globalLimiter,
		RoomLimiter:         roomLimiter,
		Moderation:          engine,
		Unread:              unread.NewTracker(messages, repository.NewWatermarkRepository(db), time.Now),
		IDs:                 ids,
		Jobs:                pool,
		Logger:              zl.Named("chat"),
		DefaultHistoryLimit: cfg.History.DefaultLimit,
		MaxHistoryLimit:     cfg.History.MaxLimit,
	}

	var producer *kafka.Producer
	if cfg.Kafka.Enabled() {
		producer, err = kafka.NewProducer(&cfg.Kafka)
		if err != nil {
			zl.Warn("kafka producer unavailable, message export disabled", zap.Error(err))
		} else {
			defer producer.Close()
			opts.Exporter = kafka.NewMessageExporter(producer, cfg.Kafka.Topics.Messages)
		}
	}
	coord := chat.NewCoordinator(opts)

	broadcaster := events.NewBroadcaster(hub, coord, zl.Named("events"))

	var consumer *kafka.Consumer
	if producer != nil {
		consumer, err = kafka.NewConsumer(&cfg.Kafka, []string{cfg.Kafka.Topics.SystemEvents}, broadcaster.HandleMessage, zl.Named("kafka"))
		if err != nil {
			zl.Warn("kafka consumer unavailable, system events only via HTTP", zap.Error(err))
			consumer = nil
		} else {
			go func() {
				if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					zl.Error("kafka consumer stopped", zap.Error(err))
				}
			}()
		}
	}

	var tokens *jwt.TokenManager
	if cfg.JWT.Secret != "" {
		tokens = jwt.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Expire)
	}

	manager := gateway.NewManager(ctx, &cfg.Websocket, hub, coord, identity.NewResolver(tokens, zl.Named("identity")), appLogger)

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	api.SetupRoutes(r,
		api.NewHandler(manager, broadcaster, hub.RoomCount, appLogger),
		api.NewMiddlewareManager(tokens, apiLimiter, appLogger),
	)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: r,
	}
	go func() {
		zl.Info("server listening", zap.String("addr", srv.Addr), zap.String("node", cfg.Gateway.NodeID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown incomplete", zap.Error(err))
	}
	manager.Shutdown()
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			zl.Warn("kafka consumer shutdown failed", zap.Error(err))
		}
	}
	pool.Stop()
}

// newLimiter picks the configured backend. In-memory limiters get a janitor
// that evicts idle keys.
func newLimiter(ctx context.Context, cfg *config.Config, client *redis.Client, rule ratelimit.Rule, scope string, zl *zap.Logger) ratelimit.Limiter {
	if cfg.RateLimit.Backend == "redis" && client != nil {
		return ratelimit.NewRedisSlidingWindow(client, rule, "chatcore:ratelimit:"+scope, zl.Named("ratelimit"), cfg.RateLimit.FailOpen)
	}
	limiter := ratelimit.NewSlidingWindow(rule, ratelimit.WithLogger(zl.Named("ratelimit")))
	go limiter.RunJanitor(ctx, time.Minute, cfg.RateLimit.IdleTTL)
	return limiter
}

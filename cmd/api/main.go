package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"habit-chat/internal/backend"
	"habit-chat/internal/config"
	"habit-chat/internal/db"
	"habit-chat/internal/events"
	apihttp "habit-chat/internal/http"
	"habit-chat/internal/llm"
	"habit-chat/internal/metrics"
	"habit-chat/internal/realtime"
	"habit-chat/internal/repository"
	"habit-chat/internal/service"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal("db migrate", zap.Error(err))
	}

	messageRepo := repository.NewPgMessageRepository(pool)
	conversationRepo := repository.NewPgConversationRepository(pool)
	characterRepo := repository.NewPgCharacterRepository(pool)
	m := metrics.New(nil)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed", zap.Error(err))
		}
		cancel()
		defer redisClient.Close()
	}

	publishers := events.Multi{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafkaPub.Close()
		publishers = append(publishers, kafkaPub)
	}
	if redisPub := events.NewRedisPublisher(redisClient, cfg.RedisChannel); redisPub != nil {
		publishers = append(publishers, redisPub)
	}
	var publisher events.Publisher = events.Nop{}
	if len(publishers) > 0 {
		publisher = publishers
	}

	rollup := service.NewRollupEngine(conversationRepo, messageRepo, publisher, logger)

	var (
		manager   *realtime.Manager
		channel   service.Channel
		connState apihttp.ConnectionState
	)
	if cfg.RealtimeURL != "" {
		dialer := realtime.NewWSDialer(cfg.RealtimeURL, cfg.HeartbeatInterval, logger)
		manager = realtime.NewManager(dialer, realtime.Options{
			ReconnectBaseDelay: cfg.ReconnectBaseDelay,
			ReconnectMaxDelay:  cfg.ReconnectMaxDelay,
			Logger:             logger,
			Metrics:            m,
		})
		channel = manager
		connState = manager
	} else {
		logger.Warn("realtime url not configured, running offline")
	}

	dispatcher := service.NewDispatcher(messageRepo, rollup, channel, service.DispatcherOptions{
		SelfUserID: cfg.SelfUserID,
		Publisher:  publisher,
		Logger:     logger,
		Metrics:    m,
	})
	ingestion := service.NewIngestionPipeline(messageRepo, rollup, service.IngestionOptions{
		SelfUserID: cfg.SelfUserID,
		Workers:    cfg.IngestWorkers,
		Publisher:  publisher,
		Logger:     logger,
		Metrics:    m,
	})

	network := service.NewNetworkMonitor(true, logger)
	var source service.RemoteSource
	if cfg.BackendURL != "" {
		client := backend.NewClient(cfg.BackendURL, cfg.BackendToken, logger)
		source = client
		go network.Probe(ctx, cfg.ProbeInterval, client.Ping)
	}
	reconciler := service.NewSyncReconciler(source, messageRepo, rollup, dispatcher, service.SyncOptions{
		SelfUserID: cfg.SelfUserID,
		Logger:     logger,
		Metrics:    m,
	})

	var generator service.TextGenerator
	if cfg.LLMAPIKey != "" {
		llmClient := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger)
		generator = service.NewBreakerGenerator(service.NewLLMGenerator(llmClient), service.BreakerSettings{}, logger)
	} else {
		logger.Warn("llm api key not configured, ai replies use local templates")
	}
	limiter := service.NewRedisGenerationLimiter(redisClient, cfg.AIRateWindow, cfg.AIRateLimit)
	resolver := service.NewAiResolver(characterRepo, messageRepo, rollup, generator, network, limiter, service.AiResolverOptions{
		SelfUserID:     cfg.SelfUserID,
		NetworkTimeout: cfg.AINetworkTimeout,
		RepliesUnread:  cfg.AIRepliesUnread,
		Publisher:      publisher,
		Logger:         logger,
		Metrics:        m,
	})

	if manager != nil {
		statuses, cancelStatuses := manager.Statuses()
		defer cancelStatuses()
		go ingestion.Run(ctx, manager.Incoming())
		if source != nil {
			go reconciler.WatchConnection(ctx, statuses)
		}
		manager.Connect(ctx, cfg.RealtimeToken)
		defer manager.Disconnect()
	}
	if source != nil {
		go reconciler.Run(ctx, cfg.SyncInterval)
	}

	var jwtSvc *service.JWTService
	if cfg.JWTSecret != "" {
		jwtSvc = service.NewJWTService(cfg.JWTSecret, 15*time.Minute)
	} else {
		logger.Warn("jwt secret not configured, api is open")
	}

	chatHandler := apihttp.NewChatHandler(logger, conversationRepo, messageRepo, rollup, dispatcher, reconciler, connState)
	aiHandler := apihttp.NewAiHandler(logger, resolver)
	router := apihttp.NewRouter(logger, chatHandler, aiHandler, jwtSvc, metrics.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}

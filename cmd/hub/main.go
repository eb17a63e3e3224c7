// guacamole-hub - realtime message-delivery hub
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/nyxloma/guacamole-hub/internal/auth"
	"github.com/nyxloma/guacamole-hub/internal/config"
	"github.com/nyxloma/guacamole-hub/internal/hub"
	"github.com/nyxloma/guacamole-hub/internal/metrics"
	"github.com/nyxloma/guacamole-hub/internal/middleware"
	"github.com/nyxloma/guacamole-hub/internal/queue"
	"github.com/nyxloma/guacamole-hub/internal/ratelimit"
	"github.com/nyxloma/guacamole-hub/internal/resumestore"
	"github.com/nyxloma/guacamole-hub/internal/socket"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting hub", "port", cfg.Port, "dev", cfg.IsDevelopment(), "resume_store", cfg.ResumeStore, "queue", cfg.Queue)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.ResumeStore == config.ResumeStoreRedis || cfg.Queue == config.QueueRedis {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		slog.Info("Redis connected", "addr", cfg.RedisAddr)
	}

	store, err := newResumeStore(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to initialize resume store", "error", err)
		os.Exit(1)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	consumer, err := newQueueConsumer(ctx, cfg, redisClient)
	if err != nil {
		slog.Error("Failed to initialize queue consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	rec, err := metrics.New(noop.NewMeterProvider().Meter("guacamole-hub"))
	if err != nil {
		slog.Error("Failed to initialize metrics recorder", "error", err)
		os.Exit(1)
	}

	h := hub.New(hub.Config{
		Options: hub.Options{
			MaxBufferedBytes:   cfg.Hub.MaxBufferedBytes,
			MaxQueueLength:     cfg.Hub.MaxQueueLength,
			OutboundLogLimit:   cfg.Hub.OutboundLogLimit,
			HeartbeatInterval:  cfg.Hub.HeartbeatInterval,
			ResumeTokenTTL:     cfg.Hub.ResumeTokenTTL,
			MaxReplayBatchSize: cfg.Hub.MaxReplayBatchSize,
		},
		Authenticator: auth.NewAnon(),
		Store:         store,
		Metrics:       rec,
		Logger:        logger,
		ConnectLimit:  ratelimit.NewTokenBucket(cfg.RateLimit.ConnectRatePerSec, cfg.RateLimit.ConnectBurst),
		MessageLimit:  ratelimit.NewTokenBucket(cfg.RateLimit.MessageRatePerSec, cfg.RateLimit.MessageBurst),
	})

	go func() {
		if err := consumer.Subscribe(ctx, h.QueueHandler(), h.QueueErrorSink()); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Queue consumer stopped", "error", err)
		}
	}()

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/health", healthHandler(h))
	r.Get("/ws", wsHandler(h, cfg.IsDevelopment()))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Hub listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.Shutdown(shutdownCtx); err != nil {
		slog.Error("Hub shutdown reported an error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Hub stopped successfully")
}

func newResumeStore(cfg *config.Config, redisClient *redis.Client) (resumestore.Store, error) {
	switch cfg.ResumeStore {
	case config.ResumeStoreRedis:
		return resumestore.NewRedis(redisClient, "hub:resume:", cfg.Hub.ResumeTokenTTL), nil
	case config.ResumeStoreSQLite:
		return resumestore.NewSQLite(cfg.DBPath)
	default:
		return resumestore.NewMemory(), nil
	}
}

func newQueueConsumer(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (queue.Consumer, error) {
	if cfg.Queue == config.QueueRedis {
		return queue.NewRedisStream(ctx, redisClient, cfg.QueueStream, cfg.QueueGroup, "hub-"+cfg.Port)
	}
	return queue.NewMemory(cfg.Hub.MaxQueueLength), nil
}

func healthHandler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func wsHandler(h *hub.Hub, dev bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var opts *websocket.AcceptOptions
		if dev {
			opts = &websocket.AcceptOptions{InsecureSkipVerify: true}
		}

		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			slog.Warn("websocket accept failed", "error", err)
			return
		}

		adapter := socket.NewWSAdapter(conn)
		c, err := h.Register(r.Context(), adapter, r.Header)
		if err != nil {
			slog.Error("failed to register connection", "error", err)
			return
		}
		if c == nil {
			return
		}

		for {
			raw, err := adapter.Read(r.Context())
			if err != nil {
				code := socket.CloseStatus(err)
				if code < 0 {
					code = 1006
				}
				h.HandleClose(c, code, "read_error")
				return
			}
			h.HandleFrame(r.Context(), c, raw)
		}
	}
}

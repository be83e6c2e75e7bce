package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"chat-relay/internal/auth"
	"chat-relay/internal/chat"
	"chat-relay/internal/config"
	"chat-relay/internal/payload"
)

const busChannel = "chat-relay:events"

func main() {
	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	// 2. Broadcast bus (Platform Layer). Absent REDIS_ADDR the relay runs
	// single-instance with in-process fan-out only.
	var bus chat.Bus
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		log.Println("✅ Connected to Redis")
		bus = chat.NewRedisBus(redisClient, busChannel)
	} else {
		log.Println("ℹ️  REDIS_ADDR not set, running with in-process fan-out")
	}

	// 3. Collaborators
	store := payload.NewClient(cfg.PayloadURL, cfg.RequestTimeout, logger)
	resolver := auth.NewResolver(cfg.PayloadSecret, cfg.RequireAuth, logger)

	// 4. Hub engines
	hub := chat.NewHub(bus, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	if bus != nil {
		go hub.SubscribeBus(ctx)
	}

	pipeline := chat.NewPipeline(store, hub, cfg.RequestTimeout, cfg.NotifySendFailures, logger)
	handler := chat.NewHandler(hub, resolver, pipeline, cfg.Origins(), logger)

	// 5. Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/ws", handler.ServeWs)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.Addr(), Handler: r}
	go func() {
		log.Printf("🚀 Socket relay listening on %s", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// 6. Shutdown: stop accepting, then tear down the hub and bus.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("⏳ Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ Shutdown error: %v", err)
	}
	cancel()
	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Printf("❌ Bus close error: %v", err)
		}
	}
	log.Println("✅ Server stopped")
}

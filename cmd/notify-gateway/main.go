package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cafrisales/notification-gateway/internal/api"
	"github.com/cafrisales/notification-gateway/internal/cache"
	"github.com/cafrisales/notification-gateway/internal/config"
	"github.com/cafrisales/notification-gateway/internal/engine"
	"github.com/cafrisales/notification-gateway/internal/events"
	"github.com/cafrisales/notification-gateway/internal/logger"
	"github.com/cafrisales/notification-gateway/internal/upstream"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	zlog, err := logger.New(logger.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer zlog.Sync()

	var store cache.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping: %v", err)
		}
		cancel()
		store = cache.NewRedisStore(rdb, cfg.Redis.Prefix, cfg.RedisTTL)
	} else {
		zlog.Warn("redis not configured, inbox will not survive restarts")
		store = cache.NewMemoryStore()
	}

	producer := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()

	factory := func(token, sessionKey string, onAuthError func(error)) *engine.Center {
		backend := upstream.NewRESTClient(cfg.Upstream.BaseURL, token, upstream.RESTOptions{
			Timeout:         cfg.RequestTimeout,
			BreakerFailures: cfg.Upstream.BreakerMaxFailures,
			BreakerTimeout:  cfg.BreakerTimeout,
		})
		return engine.New(engine.Options{
			Token:                token,
			SessionKey:           sessionKey,
			Backend:              backend,
			Store:                store,
			Producer:             producer,
			Logger:               zlog,
			WSURL:                cfg.Upstream.WSURL,
			ReconnectMaxAttempts: cfg.Upstream.ReconnectMaxAttempts,
			ReconnectDelay:       cfg.ReconnectDelay,
			OnAuthError:          onAuthError,
			PageLimit:            cfg.Upstream.PageLimit,
			AlertTTL:             cfg.AlertTTL,
			AlertMax:             cfg.Alerts.MaxVisible,
		})
	}

	registry := api.NewSessionRegistry(factory, zlog)
	srv := api.NewServer(registry, zlog)

	errs := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.App.Port)
		zlog.Infow("starting notification gateway", "addr", addr)
		errs <- srv.Listen(addr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case e := <-errs:
		zlog.Fatalw("server error", "err", e)
	case s := <-sig:
		zlog.Infow("signal received", "signal", s.String())
	}

	if err := srv.Shutdown(); err != nil {
		zlog.Warnw("server shutdown", "err", err)
	}
	registry.CloseAll()
	zlog.Info("shutting down")
}

package main

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/jamilxt/spring-chat/internal/config"
	"github.com/jamilxt/spring-chat/internal/logging"
	"github.com/jamilxt/spring-chat/internal/metrics"
	"github.com/jamilxt/spring-chat/internal/server"
	"github.com/jamilxt/spring-chat/internal/service"
	"github.com/jamilxt/spring-chat/internal/store"
	"github.com/jamilxt/spring-chat/internal/subscribe"
	natsclient "github.com/jamilxt/spring-chat/pkg/nats"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	users, channels, closeStore, err := openStores(cfg.Database)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	natsClient, err := natsclient.NewClient(natsclient.Config{
		URL:             cfg.NATS.URL,
		MaxReconnects:   cfg.NATS.MaxReconnects,
		ReconnectWait:   cfg.NATS.ReconnectWait,
		ReconnectJitter: cfg.NATS.ReconnectJitter,
		MaxPingsOut:     cfg.NATS.MaxPingsOut,
		PingInterval:    cfg.NATS.PingInterval,
	}, metricsRegistry, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}

	registry := subscribe.NewRegistry(natsClient, metricsRegistry, logger, subscribe.Options{
		MaxSessionDuration: cfg.Subscribe.MaxSessionDuration,
		FanoutWorkers:      cfg.Subscribe.FanoutWorkers,
	})

	svc := service.NewGroupChannelService(users, channels, natsClient, metricsRegistry, logger)

	srv := server.NewServer(cfg, logger, svc, registry, natsClient, metricsRegistry)
	if err := srv.Start(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func openStores(cfg config.DatabaseConfig) (store.UserStore, store.ChannelStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		m := store.NewMemory()
		return m, m, func() {}, nil
	default:
		pg, err := store.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, err
		}
		return pg, pg, func() { pg.Close() }, nil
	}
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recoengine/config"
	"recoengine/internal/admission"
	"recoengine/internal/api"
	"recoengine/internal/auth"
	"recoengine/internal/cache"
	"recoengine/internal/chain"
	"recoengine/internal/clock"
	"recoengine/internal/events"
	"recoengine/internal/exposure"
	"recoengine/internal/gate"
	"recoengine/internal/lifecycle"
	"recoengine/internal/logging"
	"recoengine/internal/priceconn"
	"recoengine/internal/query"
	"recoengine/internal/runtimeconfig"
	"recoengine/internal/secrets"
	"recoengine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.Logging.Level,
		Output:      cfg.Logging.Output,
		JSONFormat:  cfg.Logging.JSONFormat,
		IncludeFile: cfg.Logging.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("structured logging initialized")

	ctx := context.Background()

	vaultClient, err := secrets.NewClient(cfg.Vault)
	if err != nil {
		logger.Fatal("failed to initialize vault client", "error", err)
	}
	infra, err := vaultClient.Load(ctx)
	if err != nil {
		logger.Fatal("failed to load infra secrets", "error", err)
	}
	if infra.PostgresPassword != "" {
		cfg.Postgres.Password = infra.PostgresPassword
	}
	if infra.RedisPassword != "" {
		cfg.Redis.Password = infra.RedisPassword
	}

	st, err := store.Open(ctx, store.Config{
		Host: cfg.Postgres.Host, Port: cfg.Postgres.Port, User: cfg.Postgres.User,
		Password: cfg.Postgres.Password, Database: cfg.Postgres.Database, SSLMode: cfg.Postgres.SSLMode,
	})
	if err != nil {
		logger.Fatal("failed to connect to postgres", "error", err)
	}
	defer st.Close()
	logger.Info("store connected")

	var cacheSvc *cache.CacheService
	if cfg.Redis.Enabled {
		cacheSvc, err = cache.NewCacheService(cfg.Redis)
		if err != nil {
			logger.Warn("redis cache unavailable, continuing without it", "error", err)
			cacheSvc = nil
		} else {
			logger.Info("cache service connected")
		}
	}

	cfgStore, err := runtimeconfig.NewStore(cfg.RuntimeConfig.Path)
	if err != nil {
		logger.Fatal("failed to initialize runtime config store", "error", err)
	}
	logger.Info("runtime config loaded", "path", cfg.RuntimeConfig.Path)

	sysClock := clock.Real

	var mirror priceconn.Mirror
	if cacheSvc != nil {
		mirror = cacheSvc
	}
	feed := priceconn.NewFeed(sysClock, mirror)

	simFeeder := priceconn.NewSimFeeder(2 * time.Second)
	go func() {
		if err := feed.Consume(ctx, simFeeder); err != nil && ctx.Err() == nil {
			logger.Error("price feed consumer stopped", "error", err)
		}
	}()
	logger.Info("price feed initialized")

	bus := events.NewBus()
	logger.Info("event bus initialized")

	chains := chain.New(sysClock, st)

	exposureIdx := exposure.New(sysClock)
	active, err := st.ListActive(ctx, store.ActiveFilter{})
	if err != nil {
		logger.Warn("failed to list active recommendations for exposure rebuild", "error", err)
	} else {
		exposureIdx.Rebuild(active)
		logger.Info("exposure index rebuilt", "active_count", len(active))
	}

	gates := gate.Default()

	admissionCtrl := admission.New(st, feed, chains, exposureIdx, cfgStore, bus, gates, sysClock)

	lifecycleTracker := lifecycle.New(st, feed, exposureIdx, cfgStore, bus, cfg.LifecycleTick)

	queryService := query.New(st)

	authSvc := auth.NewService(auth.Config{
		Enabled:              cfg.Auth.Enabled,
		JWTSecret:            cfg.Auth.JWTSecret,
		AccessTokenDuration:  cfg.Auth.AccessTokenDuration,
		OperatorUsername:     cfg.Auth.OperatorUsername,
		OperatorPasswordHash: cfg.Auth.OperatorPasswordHash,
	})

	serverCfg := api.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ProductionMode: cfg.Server.ProductionMode,
	}
	server := api.NewServer(serverCfg, api.Dependencies{
		Store:       st,
		Auth:        authSvc,
		AuthEnabled: cfg.Auth.Enabled,
		Admission:   admissionCtrl,
		Query:       queryService,
		Lifecycle:   lifecycleTracker,
		Config:      cfgStore,
		Bus:         bus,
		Feed:        feed,
		Chains:      chains,
		Gates:       gates,
	})

	go func() {
		logger.Info("starting http server", "host", serverCfg.Host, "port", serverCfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", "error", err)
		}
	}()

	lifecycleTracker.Start(ctx)
	logger.Info("lifecycle tracker started", "tick", cfg.LifecycleTick)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}
	lifecycleTracker.Stop()
	logger.Info("shutdown complete")
}

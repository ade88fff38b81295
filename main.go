package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"genpipe/assets"
	"genpipe/config"
	"genpipe/controller"
	"genpipe/dao/mysql"
	"genpipe/dao/store"
	"genpipe/logic"
	"genpipe/pkg/queue"
	"genpipe/pkg/sse"
	"genpipe/pkg/stagelog"
	"genpipe/provider"
	"genpipe/worker"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	cfg := config.Load()

	// genai 客户端从环境变量读 key，统一从配置注入
	if cfg.GeminiAPIKey != "" {
		os.Setenv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	}

	db, err := mysql.Init(cfg.MySQLDSN)
	if err != nil {
		log.Fatal("failed to init mysql", zap.Error(err))
	}
	defer db.Close()

	cache, err := store.NewCacheIndex(cfg.RedisAddr, cfg.DedupTTL)
	if err != nil {
		log.Fatal("failed to init redis", zap.Error(err))
	}

	wq, err := queue.NewAMQPQueue(cfg.AMQPDSN, cfg.QueueName, cfg.Prefetch, log)
	if err != nil {
		log.Fatal("failed to init rabbitmq", zap.Error(err))
	}
	defer wq.Close()

	registry := provider.NewRegistry(
		provider.NewArkAdapter(cfg.ArkAPIKey, cfg.ArkBaseURL),
		provider.NewGeminiAdapter(),
	)

	gens := mysql.NewGenerationStore(db)
	subs := mysql.NewSubmissionStore(db)
	accounts := mysql.NewAccountStore(db)
	artifacts := mysql.NewArtifactStore(db)
	selector := logic.NewAccountSelector(accounts)
	sink := assets.NewStore(artifacts, cfg.PublicDir, cfg.MirrorMedia, log)

	stages := stagelog.New(log)

	hub := sse.NewHub()
	go hub.Run()
	defer hub.Stop()

	creation := logic.NewCreationService(gens, cache, wq, registry, stages, log)
	retry := logic.NewRetryController(creation, cfg.MaxAttempts, cfg.AutoRetryEnabled, stages, log)
	lifecycle := logic.NewLifecycle(gens, subs, cache, sink, retry, hub, stages, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processor := worker.NewProcessor(gens, subs, registry, selector, lifecycle, wq, stages, log,
		cfg.ProviderTimeout, cfg.RequeueDelay)
	go func() {
		err := wq.Consume(ctx, cfg.WorkerConcurrency, processor.Process)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal("queue consume failed", zap.Error(err))
		}
	}()

	poller := worker.NewPoller(gens, subs, registry, lifecycle, wq, stages, log,
		cfg.PollInterval, cfg.MinPollAge, cfg.QueuedStaleAfter, cfg.ProcessingStaleAfter, cfg.ProviderTimeout)
	go poller.Run(ctx)

	r := gin.Default()
	r.GET("/events", sse.ServeSSE(hub))
	r.Static("/files", cfg.PublicDir)
	controller.New(creation, lifecycle, gens, sink, log).Register(r)

	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatal("http server exited", zap.Error(err))
	}
}

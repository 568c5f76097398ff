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

	"goodsdeck/internal/api"
	"goodsdeck/internal/api/scheduler"
	"goodsdeck/internal/app"
	"goodsdeck/internal/config"
	"goodsdeck/internal/pkg/logger"
)

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 初始化日志
// 3. 组装依赖并启动后台队列、定时抓取与 API 服务器
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init app failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 队列使用独立的 ctx，关闭时先停止接收再等待进行中的抓取
	queueCtx, cancelQueue := context.WithCancel(context.Background())
	defer cancelQueue()
	a.Queue.Start(queueCtx)

	deps := api.Deps{
		Store:     a.Store,
		Scraper:   a.Scraper,
		Coord:     a.Coord,
		Importer:  a.Importer,
		Enricher:  a.Enricher,
		Resolver:  a.Resolver,
		Debouncer: a.Debouncer,
		Jobs:      a.Queue,
		Pingers:   a.Pingers(),
	}
	srv := api.NewServer(cfg, appLogger, deps)

	sched := scheduler.NewScheduler(a.Scraper, a.Coord, a.Queue, appLogger, cfg.Scrape.ScheduleInterval, cfg.Scrape.MaxItemsPerSource)
	go sched.Run(ctx)

	// 启动时补齐上次未完成的详情
	if n, err := a.Enricher.EnqueueMissing(ctx, cfg.Scrape.EnrichCapacity); err != nil {
		appLogger.Warn("enqueue missing details failed", slog.String("error", err.Error()))
	} else if n > 0 {
		appLogger.Info("queued items for detail enrichment", slog.Int("count", n))
	}

	httpServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()
	if err := a.Queue.Shutdown(drainCtx); err != nil {
		appLogger.Warn("queue shutdown incomplete, cancelling running jobs", slog.String("error", err.Error()))
		cancelQueue()
	}
	if err := a.Close(); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
}

// Package app 按配置组装存储、来源适配器、抓取服务与后台队列，供 HTTP 服务和 CLI 共用。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"goodsdeck/internal/config"
	"goodsdeck/internal/enrich"
	"goodsdeck/internal/model"
	"goodsdeck/internal/pkg/dedup"
	"goodsdeck/internal/pkg/dpop"
	"goodsdeck/internal/pkg/queue"
	"goodsdeck/internal/pkg/ratelimit"
	"goodsdeck/internal/scraper"
	"goodsdeck/internal/source"
	"goodsdeck/internal/store"

	"github.com/redis/go-redis/v9"
)

// App 持有一次进程生命周期内的全部组件。
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.Store
	Redis     *redis.Client // 未配置或不可用时为 nil
	Registry  source.Registry
	Scraper   *scraper.Service
	Coord     *scraper.Coordinator
	Importer  *scraper.Importer
	Enricher  *enrich.Worker
	Resolver  *store.CategoryResolver
	Debouncer *dedup.Debouncer // Redis 不可用时不做防抖
	Queue     *queue.Queue
}

// New 连接 MySQL 后调用 Assemble。队列不会自动启动。
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	st, err := store.Open(cfg.MySQL.DSN, logger)
	if err != nil {
		return nil, err
	}
	a, err := Assemble(ctx, cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

// Assemble 在已打开的存储上建表、连接 Redis 并构造其余组件。
//
// 参数:
//
//	ctx: 用于建表与 Redis 连接检查
//	cfg: 配置对象
//	st: 存储，App.Close 会关闭它
//	logger: 日志记录器
//
// 返回值:
//
//	*App: 组装完成的应用
//	error: 建表失败
func Assemble(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) (*App, error) {
	if err := st.Migrate(ctx); err != nil {
		return nil, err
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		Store:  st,
		Coord:  scraper.NewCoordinator(),
	}
	a.Redis = connectRedis(ctx, cfg.Redis, logger)
	a.Debouncer = dedup.NewDebouncer(a.Redis, cfg.Scrape.TriggerDebounce)

	a.Registry = buildRegistry(cfg, a.Redis, logger)
	a.Scraper = scraper.NewService(st, a.Registry, scraper.Options{
		OverlapThreshold:  cfg.Scrape.OverlapThreshold,
		MaxItemsPerSource: cfg.Scrape.MaxItemsPerSource,
	}, logger)
	a.Importer = scraper.NewImporter(st, a.Registry, logger)
	a.Enricher = enrich.New(st, a.Registry, enrich.Options{
		Delay:    cfg.Scrape.DetailDelay,
		Capacity: cfg.Scrape.EnrichCapacity,
	}, logger)
	a.Resolver = store.NewCategoryResolver(st, a.Registry.HierarchyFetchers(), logger)
	a.Queue = queue.NewQueue(logger, cfg.App.WorkerPoolSize, cfg.App.QueueCapacity)
	a.Queue.SetErrorHandler(func(err error, job queue.Job) {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Warn("background job failed", slog.String("job", job.Name), slog.String("error", err.Error()))
	})
	return a, nil
}

// connectRedis 在配置了地址且能 PING 通时返回客户端，否则返回 nil 并退化为进程内实现。
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) *redis.Client {
	if cfg.Addr == "" {
		logger.Info("redis not configured, using in-process rate limiting")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, using in-process rate limiting",
			slog.String("addr", cfg.Addr), slog.String("error", err.Error()))
		_ = rdb.Close()
		return nil
	}
	return rdb
}

func buildRegistry(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) source.Registry {
	limiters := make(map[model.SourceKind]ratelimit.Limiter, len(model.AllSources()))
	for _, kind := range model.AllSources() {
		limiters[kind] = ratelimit.New(rdb, logger, string(kind), cfg.Scrape.RateLimit, cfg.Scrape.RateBurst)
	}
	client := &http.Client{Timeout: cfg.Scrape.RequestTimeout}
	fetcher := source.NewFetcher(client, cfg.Scrape.UserAgent, limiters, logger)

	src := cfg.Sources
	return source.NewRegistry(
		source.NewMercari(fetcher, dpop.NewSigner(), src.MercariAPIBase, src.MercariWebBase),
		source.NewYahoo(fetcher, src.YahooBase, src.YahooItemBase),
		source.NewRakuten(fetcher, src.FrilSearchBase, src.FrilItemBase),
	)
}

// Pingers 返回数据库之外需要纳入健康检查的依赖。
func (a *App) Pingers() []func(ctx context.Context) error {
	if a.Redis == nil {
		return nil
	}
	rdb := a.Redis
	return []func(ctx context.Context) error{
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
}

// Close 停止详情补全并释放连接。队列需由调用方先关闭。
func (a *App) Close() error {
	a.Enricher.Close()
	var errs []error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

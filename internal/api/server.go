package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"goodsdeck/internal/api/middleware"
	"goodsdeck/internal/config"
	"goodsdeck/internal/model"
	"goodsdeck/internal/pkg/queue"
	"goodsdeck/internal/scraper"
	"goodsdeck/internal/source"
	"goodsdeck/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有存储、抓取服务、全量抓取协调器、详情补全队列以及 Gin 路由引擎。
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     Store
	scraper   Scraper
	coord     *scraper.Coordinator
	importer  URLImporter
	enricher  Enricher
	resolver  CategoryResolver
	debouncer Debouncer
	jobs      JobQueue
	pingers   []func(ctx context.Context) error
	router    *gin.Engine
}

// Store 是 HTTP 层用到的持久化能力。
type Store interface {
	ListKeywords(ctx context.Context) ([]model.Keyword, error)
	AddKeyword(ctx context.Context, text, sources string, deckID *uint) (*model.Keyword, error)
	GetKeyword(ctx context.Context, id uint) (*model.Keyword, error)
	DeleteKeyword(ctx context.Context, id uint) error
	SetKeywordWhitelist(ctx context.Context, keywordID uint, categoryIDs []string) error
	GetKeywordWhitelist(ctx context.Context, keywordID uint) ([]string, error)
	GetItem(ctx context.Context, id uint) (*model.Item, error)
	SaveScrapedItems(ctx context.Context, candidates []source.Candidate, keywordID *uint) (int, error)
	AddToBlocklist(ctx context.Context, categoryID string, keywordID *uint) (*model.CategoryBlock, int64, error)
	RemoveFromBlocklist(ctx context.Context, id uint) error
	ListBlocklist(ctx context.Context) ([]store.BlockEntry, error)
	Stats(ctx context.Context) (*store.Stats, error)
	Ping(ctx context.Context) error
}

// Scraper 是抓取服务。
type Scraper interface {
	ScrapeKeyword(ctx context.Context, kw scraper.KeywordRef, maxItems int) (scraper.Result, error)
	RunClaimed(ctx context.Context, coord *scraper.Coordinator, maxItemsPerSource int) (scraper.AllResult, error)
}

// URLImporter 通过链接导入商品。
type URLImporter interface {
	ImportURLs(ctx context.Context, urls []string) []scraper.ImportResult
}

// Enricher 接收需要补全详情的商品 ID。
type Enricher interface {
	Enqueue(ids ...uint) int
}

// CategoryResolver 返回分类从根到叶的路径。
type CategoryResolver interface {
	Ancestors(ctx context.Context, categoryID string) ([]source.CategoryNode, error)
}

// Debouncer 对手动触发做时间窗口防抖。
type Debouncer interface {
	Claim(ctx context.Context, key string) (bool, time.Duration, error)
	Release(ctx context.Context, key string) error
}

// JobQueue 在后台执行抓取任务。
type JobQueue interface {
	Enqueue(job queue.Job) bool
}

// Deps 是 NewServer 的依赖集合，Resolver 与 Pingers 可以为空。
type Deps struct {
	Store     Store
	Scraper   Scraper
	Coord     *scraper.Coordinator
	Importer  URLImporter
	Enricher  Enricher
	Resolver  CategoryResolver
	Debouncer Debouncer
	Jobs      JobQueue
	Pingers   []func(ctx context.Context) error // 除数据库外的健康检查，如 Redis
}

// NewServer 初始化 API 服务器并注册路由。
//
// 参数:
//
//	cfg: 配置对象
//	logger: 日志记录器
//	deps: 已构造好的依赖
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
func NewServer(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	if cfg.App.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(logger))

	coord := deps.Coord
	if coord == nil {
		coord = scraper.NewCoordinator()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		store:     deps.Store,
		scraper:   deps.Scraper,
		coord:     coord,
		importer:  deps.Importer,
		enricher:  deps.Enricher,
		resolver:  deps.Resolver,
		debouncer: deps.Debouncer,
		jobs:      deps.Jobs,
		pingers:   deps.Pingers,
		router:    r,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api")
	api.POST("/scrape", s.handleScrapeAll)
	api.GET("/scrape/status", s.handleScrapeStatus)

	api.GET("/keywords", s.handleListKeywords)
	api.POST("/keywords", s.handleAddKeyword)
	api.DELETE("/keywords/:id", s.handleDeleteKeyword)
	api.POST("/keywords/:id/scrape", s.handleScrapeKeyword)
	api.GET("/keywords/:id/whitelist", s.handleGetWhitelist)
	api.PUT("/keywords/:id/whitelist", s.handleSetWhitelist)

	api.POST("/items/import", s.handleImport)
	api.POST("/items/:id/details", s.handleEnrichItem)

	api.GET("/blocklist", s.handleListBlocklist)
	api.POST("/blocklist", s.handleAddBlock)
	api.DELETE("/blocklist/:id", s.handleRemoveBlock)
	api.GET("/categories/:id/ancestors", s.handleCategoryAncestors)

	api.POST("/mock", s.handleMock)
	api.GET("/stats", s.handleStats)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", slog.String("component", "db"), slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	for _, ping := range s.pingers {
		if err := ping(ctx); err != nil {
			s.logger.Warn("health check failed", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// parseIDParam 解析路径参数中的数字 ID，失败时直接写 400。
func parseIDParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

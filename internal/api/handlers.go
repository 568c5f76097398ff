package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"goodsdeck/internal/model"
	"goodsdeck/internal/pkg/dedup"
	"goodsdeck/internal/pkg/queue"
	"goodsdeck/internal/scraper"
	"goodsdeck/internal/source"
	"goodsdeck/internal/store"

	"github.com/gin-gonic/gin"
)

const (
	defaultMockCount = 20
	maxMockCount     = 500
)

// ============================================================================
// 抓取
// ============================================================================

// handleScrapeAll 在后台启动一次全量抓取。
//
// POST /api/scrape
func (s *Server) handleScrapeAll(c *gin.Context) {
	if !s.coord.TryBegin("queued") {
		c.JSON(http.StatusConflict, gin.H{"error": "scrape already running", "status": s.coord.Status()})
		return
	}

	maxItems := s.cfg.Scrape.MaxItemsPerSource
	ok := s.jobs.Enqueue(queue.Job{
		Name: "scrape:all",
		Run: func(ctx context.Context) error {
			_, err := s.scraper.RunClaimed(ctx, s.coord, maxItems)
			return err
		},
	})
	if !ok {
		s.coord.Finish("rejected: job queue full", nil)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job queue full"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

// handleScrapeStatus 返回全量抓取的进度。
//
// GET /api/scrape/status
func (s *Server) handleScrapeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Status())
}

// handleScrapeKeyword 在后台抓取单个关键词，窗口期内重复触发返回 429。
//
// POST /api/keywords/:id/scrape
func (s *Server) handleScrapeKeyword(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	kw, err := s.store.GetKeyword(c.Request.Context(), id)
	if errors.Is(err, store.ErrKeywordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "keyword not found"})
		return
	}
	if err != nil {
		s.logger.Error("get keyword failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get keyword failed"})
		return
	}

	key := dedup.KeywordKey(kw.ID)
	if s.debouncer != nil {
		claimed, retryAfter, err := s.debouncer.Claim(c.Request.Context(), key)
		switch {
		case err != nil:
			// Redis 故障不阻止手动触发
			s.logger.Error("debounce claim failed", slog.String("error", err.Error()), slog.String("key", key))
		case !claimed:
			s.logger.Info("keyword scrape debounced", slog.Uint64("keyword_id", uint64(kw.ID)))
			secs := int(retryAfter.Round(time.Second) / time.Second)
			c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
			c.JSON(http.StatusTooManyRequests, gin.H{"status": "skipped_duplicate", "retry_after": max(secs, 1)})
			return
		}
	}

	ref := scraper.KeywordRef{ID: &kw.ID, Text: kw.Keyword, Sources: kw.Sources()}
	maxItems := s.cfg.Scrape.MaxItemsPerSource
	queued := s.jobs.Enqueue(queue.Job{
		Name: fmt.Sprintf("scrape:keyword:%d", kw.ID),
		Run: func(ctx context.Context) error {
			_, err := s.scraper.ScrapeKeyword(ctx, ref, maxItems)
			return err
		},
	})
	if !queued {
		if s.debouncer != nil {
			if err := s.debouncer.Release(c.Request.Context(), key); err != nil {
				s.logger.Warn("debounce release failed", slog.String("error", err.Error()), slog.String("key", key))
			}
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job queue full"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "keyword_id": kw.ID})
}

// ============================================================================
// 关键词
// ============================================================================

type addKeywordRequest struct {
	Keyword string `json:"keyword" binding:"required"`
	Source  string `json:"source"`
	DeckID  *uint  `json:"deck_id"`
}

func (s *Server) handleListKeywords(c *gin.Context) {
	kws, err := s.store.ListKeywords(c.Request.Context())
	if err != nil {
		s.logger.Error("list keywords failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list keywords failed"})
		return
	}
	if kws == nil {
		kws = []model.Keyword{}
	}
	c.JSON(http.StatusOK, gin.H{"keywords": kws})
}

// handleAddKeyword 添加关键词，同名关键词已存在时返回已有记录。
//
// POST /api/keywords
func (s *Server) handleAddKeyword(c *gin.Context) {
	var req addKeywordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Keyword) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid keyword"})
		return
	}
	kw, err := s.store.AddKeyword(c.Request.Context(), req.Keyword, req.Source, req.DeckID)
	if err != nil {
		s.logger.Error("add keyword failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "add keyword failed"})
		return
	}
	c.JSON(http.StatusCreated, kw)
}

func (s *Server) handleDeleteKeyword(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	err := s.store.DeleteKeyword(c.Request.Context(), id)
	if errors.Is(err, store.ErrKeywordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "keyword not found"})
		return
	}
	if err != nil {
		s.logger.Error("delete keyword failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete keyword failed"})
		return
	}
	if s.debouncer != nil {
		if err := s.debouncer.Release(c.Request.Context(), dedup.KeywordKey(id)); err != nil {
			s.logger.Warn("debounce release failed", slog.String("error", err.Error()))
		}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

type whitelistRequest struct {
	CategoryIDs []string `json:"category_ids"`
}

func (s *Server) handleGetWhitelist(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	ids, err := s.store.GetKeywordWhitelist(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("get whitelist failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get whitelist failed"})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"keyword_id": id, "category_ids": ids})
}

func (s *Server) handleSetWhitelist(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req whitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.store.GetKeyword(c.Request.Context(), id); errors.Is(err, store.ErrKeywordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "keyword not found"})
		return
	}
	if err := s.store.SetKeywordWhitelist(c.Request.Context(), id, req.CategoryIDs); err != nil {
		s.logger.Error("set whitelist failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "set whitelist failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// ============================================================================
// 商品
// ============================================================================

type importRequest struct {
	URL  string   `json:"url"`
	URLs []string `json:"urls"`
}

// handleImport 通过商品链接导入收藏。全部失败时返回 422。
//
// POST /api/items/import
func (s *Server) handleImport(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	urls := req.URLs
	if req.URL != "" {
		urls = append([]string{req.URL}, urls...)
	}
	if len(urls) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	results := s.importer.ImportURLs(c.Request.Context(), urls)
	imported := 0
	var ids []uint
	for _, r := range results {
		if r.Success {
			imported++
			ids = append(ids, r.ItemID)
		}
	}
	// 导入时详情已抓取过一次，这里只为缺图的商品补一次
	if s.enricher != nil && len(ids) > 0 {
		s.enrichIfIncomplete(c.Request.Context(), ids)
	}

	status := http.StatusOK
	if imported == 0 {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"imported": imported, "results": results})
}

func (s *Server) enrichIfIncomplete(ctx context.Context, ids []uint) {
	var missing []uint
	for _, id := range ids {
		item, err := s.store.GetItem(ctx, id)
		if err != nil {
			continue
		}
		if item.Description == "" || len(item.Images) == 0 {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		s.enricher.Enqueue(missing...)
	}
}

// handleEnrichItem 把商品加入详情补全队列。
//
// POST /api/items/:id/details
func (s *Server) handleEnrichItem(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if _, err := s.store.GetItem(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
			return
		}
		s.logger.Error("get item failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get item failed"})
		return
	}
	if s.enricher == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "enrichment not configured"})
		return
	}
	queued := s.enricher.Enqueue(id)
	c.JSON(http.StatusAccepted, gin.H{"queued": queued > 0})
}

// ============================================================================
// 分类黑名单
// ============================================================================

type addBlockRequest struct {
	CategoryID string `json:"category_id" binding:"required"`
	KeywordID  *uint  `json:"keyword_id"`
}

func (s *Server) handleListBlocklist(c *gin.Context) {
	entries, err := s.store.ListBlocklist(c.Request.Context())
	if err != nil {
		s.logger.Error("list blocklist failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list blocklist failed"})
		return
	}
	if entries == nil {
		entries = []store.BlockEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// handleAddBlock 添加黑名单条目并隐藏受影响的待看商品。
//
// POST /api/blocklist
func (s *Server) handleAddBlock(c *gin.Context) {
	var req addBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.CategoryID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid category_id"})
		return
	}
	entry, hidden, err := s.store.AddToBlocklist(c.Request.Context(), req.CategoryID, req.KeywordID)
	if err != nil {
		s.logger.Error("add blocklist failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "add blocklist failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry, "hidden": hidden})
}

func (s *Server) handleRemoveBlock(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	err := s.store.RemoveFromBlocklist(c.Request.Context(), id)
	if errors.Is(err, store.ErrBlockNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "blocklist entry not found"})
		return
	}
	if err != nil {
		s.logger.Error("remove blocklist failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "remove blocklist failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// handleCategoryAncestors 返回分类路径，本地缓存缺失时会向来源查询。
//
// GET /api/categories/:id/ancestors
func (s *Server) handleCategoryAncestors(c *gin.Context) {
	if s.resolver == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "category resolver disabled"})
		return
	}
	path, err := s.resolver.Ancestors(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("resolve category failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve category failed"})
		return
	}
	if path == nil {
		path = []source.CategoryNode{}
	}
	c.JSON(http.StatusOK, gin.H{"category_id": c.Param("id"), "path": path})
}

// ============================================================================
// 其他
// ============================================================================

type mockRequest struct {
	KeywordID uint `json:"keyword_id" binding:"required"`
	Count     int  `json:"count"`
}

// handleMock 为关键词生成模拟商品并入库，用于前端联调。
//
// POST /api/mock
func (s *Server) handleMock(c *gin.Context) {
	var req mockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	count := req.Count
	if count <= 0 {
		count = defaultMockCount
	}
	if count > maxMockCount {
		count = maxMockCount
	}

	kw, err := s.store.GetKeyword(c.Request.Context(), req.KeywordID)
	if errors.Is(err, store.ErrKeywordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "keyword not found"})
		return
	}
	if err != nil {
		s.logger.Error("get keyword failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get keyword failed"})
		return
	}

	items := source.GenerateMockItems(kw.Keyword, count)
	saved, err := s.store.SaveScrapedItems(c.Request.Context(), items, &kw.ID)
	if err != nil {
		s.logger.Error("save mock items failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save mock items failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"generated": len(items), "saved": saved})
}

func (s *Server) handleStats(c *gin.Context) {
	st, err := s.store.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error("stats failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}
	c.JSON(http.StatusOK, st)
}

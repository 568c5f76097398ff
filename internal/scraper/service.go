package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"goodsdeck/internal/model"
	"goodsdeck/internal/pkg/metrics"
	"goodsdeck/internal/source"

	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning 表示已有全量抓取在进行。
var ErrAlreadyRunning = errors.New("scrape already running")

// Store 是抓取流程依赖的持久化能力。
type Store interface {
	GetExistingSourceIDs(ctx context.Context, kind model.SourceKind, keywordID *uint) (map[string]struct{}, error)
	SaveScrapedItems(ctx context.Context, candidates []source.Candidate, keywordID *uint) (int, error)
	CountItemsForKeyword(ctx context.Context, keywordID uint) (int, error)
	UpdateKeywordScraped(ctx context.Context, keywordID uint, itemCount int) error
	ListKeywords(ctx context.Context) ([]model.Keyword, error)
}

// KeywordRef 标识一次抓取的关键词。ID 为空表示临时关键词，不与数据库中的关键词关联。
type KeywordRef struct {
	ID      *uint
	Text    string
	Sources []model.SourceKind
}

// Result 是单个关键词的抓取结果。Scraped 是各来源检查过的候选总数，Saved 是实际新增的条数。
type Result struct {
	Scraped int                             `json:"scraped"`
	Saved   int                             `json:"saved"`
	Stops   map[model.SourceKind]StopReason `json:"stops,omitempty"`
}

// AllResult 汇总一次全量抓取。
type AllResult struct {
	Keywords     int `json:"keywords"`
	TotalScraped int `json:"total_scraped"`
	TotalSaved   int `json:"total_saved"`
}

// Options 是 Service 的抓取参数。
type Options struct {
	OverlapThreshold  int
	MaxItemsPerSource int
}

// Service 负责多来源并发抓取并把结果写入存储。
type Service struct {
	store    Store
	registry source.Registry
	opts     Options
	logger   *slog.Logger
}

// NewService 创建抓取服务。
//
// 参数:
//
//	store: 持久化层
//	registry: 已注册的来源适配器
//	opts: 阈值与数量上限，零值使用默认值
//	logger: 日志记录器
func NewService(store Store, registry source.Registry, opts Options, logger *slog.Logger) *Service {
	if opts.OverlapThreshold <= 0 {
		opts.OverlapThreshold = DefaultOverlapThreshold
	}
	if opts.MaxItemsPerSource <= 0 {
		opts.MaxItemsPerSource = DefaultMaxItems
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{store: store, registry: registry, opts: opts, logger: logger}
}

// ScrapeKeyword 并发抓取关键词的所有来源，合并结果后入库。
//
// 各来源互不影响：一个来源失败只会结束它自己的翻页。ctx 取消时，已经结束的来源结果照常入库，
// 仍在进行的来源结果被丢弃；入库本身不受 ctx 取消影响。此时返回部分结果和 ctx 的错误。
func (s *Service) ScrapeKeyword(ctx context.Context, kw KeywordRef, maxItems int) (Result, error) {
	if maxItems <= 0 {
		maxItems = s.opts.MaxItemsPerSource
	}
	kinds := kw.Sources
	if len(kinds) == 0 {
		kinds = model.ParseSourceSet("")
	}

	start := time.Now()
	results := make(chan SourceResult, len(kinds))
	var g errgroup.Group
	for _, kind := range kinds {
		adapter, ok := s.registry[kind]
		if !ok {
			s.logger.Warn("no adapter registered",
				slog.String("source", string(kind)),
				slog.String("keyword", kw.Text))
			continue
		}
		g.Go(func() error {
			results <- s.runSource(ctx, adapter, kw, maxItems)
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	res := Result{Stops: make(map[model.SourceKind]StopReason, len(kinds))}
	var all []source.Candidate
	completed := 0
	for r := range results {
		res.Stops[r.Kind] = r.StopReason
		if r.StopReason == StopCancelled {
			continue
		}
		completed++
		res.Scraped += r.Examined
		all = append(all, r.Candidates...)
	}

	persistCtx := context.WithoutCancel(ctx)
	saved, err := s.store.SaveScrapedItems(persistCtx, all, kw.ID)
	if err != nil {
		return res, fmt.Errorf("save scraped items: %w", err)
	}
	res.Saved = saved
	metrics.ItemsSavedTotal.Add(float64(saved))

	// 所有来源都被取消时不更新 last_scraped_at
	if kw.ID != nil && (completed > 0 || len(res.Stops) == 0) {
		count, err := s.store.CountItemsForKeyword(persistCtx, *kw.ID)
		if err != nil {
			return res, fmt.Errorf("count keyword items: %w", err)
		}
		if err := s.store.UpdateKeywordScraped(persistCtx, *kw.ID, count); err != nil {
			return res, fmt.Errorf("update keyword: %w", err)
		}
	}

	s.logger.Info("keyword scraped",
		slog.String("keyword", kw.Text),
		slog.Int("scraped", res.Scraped),
		slog.Int("saved", res.Saved),
		slog.String("latency", time.Since(start).String()))

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Service) runSource(ctx context.Context, adapter source.Adapter, kw KeywordRef, maxItems int) (res SourceResult) {
	kind := adapter.Kind()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("source scrape panic",
				slog.String("source", string(kind)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			res = SourceResult{Kind: kind, StopReason: StopError, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	existing, err := s.store.GetExistingSourceIDs(ctx, kind, kw.ID)
	if err != nil {
		s.logger.Warn("load existing ids failed",
			slog.String("source", string(kind)),
			slog.String("error", err.Error()))
		reason := StopError
		if ctx.Err() != nil {
			reason = StopCancelled
		}
		return SourceResult{Kind: kind, StopReason: reason, Err: err}
	}

	ctrl := NewController(adapter, existing, Limits{
		OverlapThreshold: s.opts.OverlapThreshold,
		MaxItems:         maxItems,
	}, s.logger)
	return ctrl.Run(ctx, kw.Text)
}

// ScrapeAllKeywords 按优先级依次抓取所有关键词。单个关键词失败只记录日志。
func (s *Service) ScrapeAllKeywords(ctx context.Context, maxItemsPerSource int) (AllResult, error) {
	return s.scrapeAll(ctx, maxItemsPerSource, nil)
}

// RunAll 在协调器的保护下执行一次全量抓取，已有全量抓取在进行时返回 ErrAlreadyRunning。
func (s *Service) RunAll(ctx context.Context, coord *Coordinator, maxItemsPerSource int) (AllResult, error) {
	if !coord.TryBegin("starting") {
		return AllResult{}, ErrAlreadyRunning
	}
	return s.RunClaimed(ctx, coord, maxItemsPerSource)
}

// RunClaimed 执行一次全量抓取，调用方必须已经通过 coord.TryBegin 占用了协调器。
// 结束时总会调用 coord.Finish。
func (s *Service) RunClaimed(ctx context.Context, coord *Coordinator, maxItemsPerSource int) (AllResult, error) {
	res, err := s.scrapeAll(ctx, maxItemsPerSource, coord.SetStatus)
	msg := fmt.Sprintf("done: %d scraped, %d new", res.TotalScraped, res.TotalSaved)
	if err != nil {
		msg = "stopped: " + err.Error()
	}
	coord.Finish(msg, &res)
	return res, err
}

func (s *Service) scrapeAll(ctx context.Context, maxItems int, progress func(string)) (AllResult, error) {
	keywords, err := s.store.ListKeywords(ctx)
	if err != nil {
		return AllResult{}, fmt.Errorf("list keywords: %w", err)
	}

	var agg AllResult
	for i, kw := range keywords {
		if err := ctx.Err(); err != nil {
			return agg, err
		}
		if progress != nil {
			progress(fmt.Sprintf("scraping %q (%d/%d)", kw.Keyword, i+1, len(keywords)))
		}

		id := kw.ID
		res, err := s.ScrapeKeyword(ctx, KeywordRef{ID: &id, Text: kw.Keyword, Sources: kw.Sources()}, maxItems)
		agg.Keywords++
		agg.TotalScraped += res.Scraped
		agg.TotalSaved += res.Saved
		if err != nil {
			if ctx.Err() != nil {
				return agg, err
			}
			s.logger.Warn("keyword scrape failed",
				slog.String("keyword", kw.Keyword),
				slog.String("error", err.Error()))
		}
	}
	return agg, nil
}

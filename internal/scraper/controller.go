// Package scraper 驱动各来源的增量抓取：分页、提前终止、多来源并发与入库。
package scraper

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"goodsdeck/internal/model"
	"goodsdeck/internal/pkg/metrics"
	"goodsdeck/internal/source"
)

// StopReason 描述一个来源停止翻页的原因。
type StopReason string

const (
	StopEnd       StopReason = "end"
	StopOverlap   StopReason = "overlap"
	StopMaxItems  StopReason = "max_items"
	StopStalePage StopReason = "stale_page"
	StopMaxPages  StopReason = "max_pages"
	StopError     StopReason = "error"
	StopCancelled StopReason = "cancelled"
)

const (
	DefaultOverlapThreshold = 5
	DefaultMaxItems         = 300
)

// SourceResult 是单个来源一次抓取的结果。
type SourceResult struct {
	Kind       model.SourceKind
	Candidates []source.Candidate
	Examined   int // 本轮检查过的不重复候选数，含已入库的
	Pages      int
	StopReason StopReason
	Err        error
}

// Limits 控制单个来源的抓取边界。
type Limits struct {
	OverlapThreshold int // 连续命中已入库商品的次数上限
	MaxItems         int // 本次最多收集的新商品数，<=0 表示不限
	MaxPages         int // 翻页上限，<=0 时按 MaxItems 推算
}

func (l Limits) normalized() Limits {
	if l.OverlapThreshold <= 0 {
		l.OverlapThreshold = DefaultOverlapThreshold
	}
	if l.MaxPages <= 0 {
		if l.MaxItems > 0 {
			l.MaxPages = l.MaxItems/100 + 12
		} else {
			l.MaxPages = 50
		}
	}
	return l
}

// Controller 对单个来源执行“遇到已知商品即停止”的增量抓取。
//
// 结果按新到旧排列，连续 OverlapThreshold 个已入库商品说明已经追上上次的进度。
// existing 是只读快照，Controller 不会修改它。
type Controller struct {
	adapter  source.Adapter
	existing map[string]struct{}
	limits   Limits
	logger   *slog.Logger
}

// NewController 创建单来源控制器。
func NewController(adapter source.Adapter, existing map[string]struct{}, limits Limits, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if existing == nil {
		existing = map[string]struct{}{}
	}
	return &Controller{
		adapter:  adapter,
		existing: existing,
		limits:   limits.normalized(),
		logger:   logger,
	}
}

// Run 逐页抓取直到满足任一停止条件。抓取错误不会向上返回，记录在 SourceResult 中。
func (c *Controller) Run(ctx context.Context, keyword string) (res SourceResult) {
	kind := c.adapter.Kind()
	res = SourceResult{Kind: kind, StopReason: StopEnd}
	defer func() {
		metrics.ScrapeStopsTotal.WithLabelValues(string(kind), string(res.StopReason)).Inc()
		attrs := []any{
			slog.String("source", string(kind)),
			slog.String("keyword", keyword),
			slog.Int("collected", len(res.Candidates)),
			slog.Int("examined", res.Examined),
			slog.Int("pages", res.Pages),
			slog.String("stop_reason", string(res.StopReason)),
		}
		if res.Err != nil {
			attrs = append(attrs,
				slog.String("error", res.Err.Error()),
				slog.String("error_class", source.ClassifyError(res.Err)))
			c.logger.Warn("source scrape stopped", attrs...)
			return
		}
		c.logger.Info("source scrape finished", attrs...)
	}()

	collected := make(map[string]struct{})
	consecutive := 0
	cursor := ""

	for {
		if err := ctx.Err(); err != nil {
			res.StopReason, res.Err = StopCancelled, err
			return res
		}
		if res.Pages >= c.limits.MaxPages {
			res.StopReason = StopMaxPages
			return res
		}

		page, err := c.adapter.FetchPage(ctx, keyword, cursor)
		if err != nil {
			res.Err = err
			res.StopReason = StopError
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				res.StopReason = StopCancelled
			}
			return res
		}
		res.Pages++
		metrics.ScrapePagesTotal.WithLabelValues(string(kind)).Inc()
		metrics.ScrapeCandidatesTotal.WithLabelValues(string(kind)).Add(float64(len(page.Candidates)))

		if len(page.Candidates) == 0 {
			res.StopReason = StopEnd
			return res
		}

		repeated := 0
		for _, cand := range page.Candidates {
			if _, ok := collected[cand.SourceID]; ok {
				repeated++
				continue
			}
			res.Examined++
			if _, ok := c.existing[cand.SourceID]; ok {
				consecutive++
				if consecutive >= c.limits.OverlapThreshold {
					res.StopReason = StopOverlap
					return res
				}
				continue
			}

			consecutive = 0
			collected[cand.SourceID] = struct{}{}
			res.Candidates = append(res.Candidates, cand)
			if c.limits.MaxItems > 0 && len(res.Candidates) >= c.limits.MaxItems {
				res.StopReason = StopMaxItems
				return res
			}
		}

		// 整页都是本轮已收集过的商品，说明来源在重复返回同一页
		if repeated == len(page.Candidates) {
			res.StopReason = StopStalePage
			return res
		}
		if page.Next == "" {
			res.StopReason = StopEnd
			return res
		}
		cursor = page.Next
	}
}

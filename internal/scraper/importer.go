package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"goodsdeck/internal/model"
	"goodsdeck/internal/source"
	"goodsdeck/internal/store"
)

// ItemImporter 写入手动导入的商品。
type ItemImporter interface {
	ImportItem(ctx context.Context, in store.ImportInput) (*model.Item, error)
}

// ImportResult 是单个链接的导入结果。
type ImportResult struct {
	URL     string           `json:"url"`
	Success bool             `json:"success"`
	ItemID  uint             `json:"item_id,omitempty"`
	Title   string           `json:"title,omitempty"`
	Source  model.SourceKind `json:"source,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Importer 通过商品链接抓取详情并直接加入收藏。
type Importer struct {
	store    ItemImporter
	registry source.Registry
	logger   *slog.Logger
}

// NewImporter 创建导入器。
func NewImporter(st ItemImporter, registry source.Registry, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Importer{store: st, registry: registry, logger: logger}
}

// ImportURLs 逐个导入链接，单个失败不影响其余链接。空白链接被跳过。
func (im *Importer) ImportURLs(ctx context.Context, urls []string) []ImportResult {
	results := make([]ImportResult, 0, len(urls))
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		item, err := im.ImportURL(ctx, raw)
		if err != nil {
			im.logger.Warn("import item failed",
				slog.String("url", raw),
				slog.String("error", err.Error()))
			results = append(results, ImportResult{URL: raw, Error: err.Error()})
			continue
		}
		results = append(results, ImportResult{
			URL:     raw,
			Success: true,
			ItemID:  item.ID,
			Title:   item.Title,
			Source:  item.Source,
		})
	}
	return results
}

// ImportURL 识别链接所属来源，抓取详情后写入。已存在的商品只补全缺失字段。
func (im *Importer) ImportURL(ctx context.Context, rawURL string) (*model.Item, error) {
	kind, id, err := model.SourceKindFromURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("unrecognized url: %w", err)
	}
	detailer, err := im.registry.Detailer(kind)
	if err != nil {
		return nil, err
	}

	detail, err := detailer.FetchDetail(ctx, source.ItemRef{Source: kind, SourceID: id, URL: rawURL})
	if err != nil {
		return nil, fmt.Errorf("fetch %s detail: %w", kind, err)
	}

	in := store.ImportInput{
		Source:         kind,
		SourceID:       id,
		URL:            im.registry.ItemURL(kind, id, rawURL),
		Title:          detail.Title,
		Price:          detail.Price,
		Images:         detail.Images,
		Description:    detail.Description,
		SoldStatus:     detail.SoldStatus,
		AuctionEndTime: detail.AuctionEndTime,
	}
	if len(detail.Images) > 0 {
		in.ImageURL = detail.Images[0]
	}
	if detail.IsAuction != nil {
		in.IsAuction = *detail.IsAuction
	}
	if in.SoldStatus == "" {
		in.SoldStatus = model.SoldUnknown
	}
	return im.store.ImportItem(ctx, in)
}
